package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// AuditEvent はゲートウェイが拒否したリクエスト1件の記録。
// 不審な入力の場合もパターンのラベルのみを保持し、リクエストの内容は保存しない。
type AuditEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Code      string    `json:"code"`
	TenantID  string    `json:"tenantId,omitempty"`
	ClientIP  string    `json:"clientIp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	// defaultAuditListLimit はList呼び出しの既定件数。
	defaultAuditListLimit = 50
	// maxAuditListLimit はList呼び出しで取得できる最大件数。
	maxAuditListLimit = 500
)

// AuditStore は監査イベントをSQLiteに保存する。
type AuditStore struct {
	db *sql.DB
}

// OpenAuditStore はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenAuditStore(ctx context.Context, dsn string, logger *zap.Logger) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// 書き込みは監査ワーカー1本のみ。インメモリDBでも接続を共有させる
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

// Insert は監査イベントを1件保存する。
func (s *AuditStore) Insert(ctx context.Context, e AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, request_id, code, tenant_id, client_ip, method, path, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.Code, e.TenantID, e.ClientIP, e.Method, e.Path, e.Detail,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("監査イベントの保存に失敗: %w", err)
	}
	return nil
}

// List は新しい順に最大limit件の監査イベントを返す。
func (s *AuditStore) List(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	if limit > maxAuditListLimit {
		limit = maxAuditListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, code, tenant_id, client_ip, method, path, detail, created_at
		FROM audit_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			e         AuditEvent
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Code, &e.TenantID, &e.ClientIP, &e.Method, &e.Path, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの日時が不正です: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close はデータベース接続を閉じる。
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// ErrAuditRecorderClosed は停止済みのレコーダーに記録しようとした場合のエラー。
var ErrAuditRecorderClosed = errors.New("audit recorder closed")

// auditWriteTimeout は1件の書き込みにかけられる最大時間。
const auditWriteTimeout = 5 * time.Second

// AuditRecorder は監査イベントをキューに積み、ワーカーが非同期にストアへ書き込む。
// リクエスト処理はSQLiteへの書き込みを待たない。
type AuditRecorder struct {
	store  *AuditStore
	logger *zap.Logger
	queue  chan AuditEvent
	// onDrop はキューが満杯でイベントを捨てたときに呼ばれる。
	onDrop func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAuditRecorder はレコーダーを生成し、書き込みワーカーを起動する。
func NewAuditRecorder(store *AuditStore, logger *zap.Logger, size int, onDrop func()) *AuditRecorder {
	if size <= 0 {
		size = 256
	}
	r := &AuditRecorder{
		store:  store,
		logger: logger,
		queue:  make(chan AuditEvent, size),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record は監査イベントをキューに積む。キューが満杯の場合はイベントを捨てる。
func (r *AuditRecorder) Record(e AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAuditRecorderClosed
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("audit queue full, event dropped",
			zap.String("request_id", e.RequestID),
			zap.String("code", e.Code),
		)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
	return nil
}

// run はキューが閉じられるまでイベントを書き込み続ける。
func (r *AuditRecorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := r.store.Insert(ctx, e); err != nil {
			r.logger.Error("audit write failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close は新規の記録を止め、キューに残ったイベントを書き終えるまで待つ。
func (r *AuditRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("監査キューの書き込み待ちを中断: %w", ctx.Err())
	}
}
