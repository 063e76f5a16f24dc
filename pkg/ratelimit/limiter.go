package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision はレート制限の判定結果を表す。
type Decision struct {
	// Allowed はリクエストを通してよいかどうか。
	Allowed bool
	// Limit はウィンドウ内の上限数。
	Limit int
	// Remaining はウィンドウ内の残り許可数。
	Remaining int
	// ResetAt は現在のウィンドウが終了する時刻。
	ResetAt time.Time
}

// RetryAfter は now から次のウィンドウ開始までの待ち時間を返す。
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter はキーとティアからリクエストの可否を判定する。
// 分散ストアによる実装に差し替えられるよう、パイプラインはこのインターフェースにのみ依存する。
type Limiter interface {
	Allow(ctx context.Context, key string, tier Tier) (Decision, error)
}

// bucket はキー単位の固定ウィンドウカウンタ。
type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// FixedWindow はプロセス内マップを用いた固定ウィンドウカウンタ方式のLimiter。
// 読み取り・加算・比較はミューテックス下で行うため、残り1枠に対して
// 同時に2つのリクエストが許可されることはない。
type FixedWindow struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option はFixedWindowの生成オプション。
type Option func(*FixedWindow)

// WithClock は現在時刻の取得関数を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(f *FixedWindow) {
		f.now = now
	}
}

// NewFixedWindow は新しいFixedWindowを生成する。
func NewFixedWindow(opts ...Option) *FixedWindow {
	f := &FixedWindow{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Allow はキーに対応するバケットのカウンタを1進め、上限を超えていなければ許可する。
// バケットは初回アクセス時に作成され、ウィンドウが古くなっていればリセットされる。
func (f *FixedWindow) Allow(ctx context.Context, key string, tier Tier) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if err := tier.Validate(); err != nil {
		return Decision{}, fmt.Errorf("ティア %q の検証に失敗: %w", tier.Name, err)
	}

	windowStart := windowStartOf(f.now(), tier.Window)

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok || !b.windowStart.Equal(windowStart) {
		b = &bucket{windowStart: windowStart, window: tier.Window}
		f.buckets[key] = b
	}
	b.count++

	remaining := tier.Max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= tier.Max,
		Limit:     tier.Max,
		Remaining: remaining,
		ResetAt:   windowStart.Add(tier.Window),
	}, nil
}

// windowStartOf は floor(now / window) * window をUnixエポック基準で求める。
func windowStartOf(now time.Time, window time.Duration) time.Time {
	w := window.Nanoseconds()
	return time.Unix(0, (now.UnixNano()/w)*w)
}

// Sweep はウィンドウが終了したバケットを削除し、削除件数を返す。
func (f *FixedWindow) Sweep() int {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, b := range f.buckets {
		if !now.Before(b.windowStart.Add(b.window)) {
			delete(f.buckets, key)
			removed++
		}
	}
	return removed
}

// Len は保持しているバケット数を返す。
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

// Run は ctx がキャンセルされるまで interval ごとに Sweep を実行する。
// onSweep が nil でなければ、各回の削除件数を通知する。
func (f *FixedWindow) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := f.Sweep()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
