package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout はタイムアウト未指定時のリクエストタイムアウト。
const DefaultTimeout = 3 * time.Second

// maxDrainBytes はコネクション再利用のために読み捨てるレスポンスボディの上限。
const maxDrainBytes = 4 << 10

// ErrUnhealthyStatus はバックエンドが2xx以外のステータスを返した場合のエラー。
var ErrUnhealthyStatus = errors.New("unhealthy status")

// StatusError は2xx以外の応答を表す。errors.Is で ErrUnhealthyStatus と一致する。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status=%d", ErrUnhealthyStatus, e.StatusCode)
}

// Is は ErrUnhealthyStatus との比較に使われる。
func (e *StatusError) Is(target error) bool {
	return target == ErrUnhealthyStatus
}

// Client はバックエンドサービスの死活確認を行うHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// timeout は1リクエストあたりのタイムアウト。
	timeout time.Duration
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://order-service:3002"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使う。
func New(baseURL string, timeout time.Duration, transport http.RoundTripper) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL: baseURL,
		timeout: timeout,
	}
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping は指定パスにGETリクエストを送り、2xxが返れば nil を返す。
// ctxとは独立にクライアント自身のタイムアウトも適用されるため、
// 応答しないバックエンドに対しても必ず timeout 以内に戻る。
func (c *Client) Ping(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	// コンテキストからリクエストIDを伝播する
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 死活確認のリクエストをゲートウェイのログと突き合わせるために使用する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
