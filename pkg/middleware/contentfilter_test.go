package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newFilterRouter はContentFilterを適用し、受け取ったボディをそのまま返すテスト用ルーターを生成する。
func newFilterRouter(logger *zap.Logger, opts ContentFilterOptions) *gin.Engine {
	router := gin.New()
	router.Use(SecurityHeaders(), ContentFilter(logger, opts))
	router.Any("/api/v1/*path", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, "text/plain", body)
	})
	return router
}

// TestContentFilter はContentFilterミドルウェアを検証する。
func TestContentFilter(t *testing.T) {
	t.Parallel()

	rejected := []struct {
		name   string
		req    func() *http.Request
		wantLb string
	}{
		{
			name: "ボディにscriptタグを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(`{"name":"<SCRIPT>alert(1)</script>"}`))
			},
			wantLb: "script_tag",
		},
		{
			name: "クエリにUNION SELECTを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/v1/products?q=1%20UNION%20SELECT%20password", nil)
			},
			wantLb: "sql_union_select",
		},
		{
			name: "クエリにトートロジーを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/v1/orders?id=1'%20or%20'1'='1", nil)
			},
			wantLb: "sql_tautology",
		},
		{
			name: "パスにトラバーサルを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/v1/products/%2e%2e%2fetc/passwd", nil)
			},
			wantLb: "path_traversal",
		},
		{
			name: "ボディのJSON値に相対パスを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(`{"file":"../../etc/passwd"}`))
			},
			wantLb: "path_traversal",
		},
		{
			name: "ボディのJSON値にWindows形式の相対パスを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(`{"file":"..\\..\\windows\\win.ini"}`))
			},
			wantLb: "path_traversal",
		},
		{
			name: "クエリ値に相対パスを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/v1/products?file=..%2F..%2Fetc%2Fpasswd", nil)
			},
			wantLb: "path_traversal",
		},
		{
			name: "ボディのhref属性にjavascript URIを含む場合",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(`{"html":"<a href=javascript:alert(1)>x</a>"}`))
			},
			wantLb: "javascript_uri",
		},
		{
			name: "ヘッダーにjavascript URIを含む場合",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
				r.Header.Set("Referer", "JavaScript:alert(1)")
				return r
			},
			wantLb: "javascript_uri",
		},
		{
			name: "Authorizationヘッダーに注入がある場合",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
				r.Header.Set("Authorization", "Bearer x'; DROP TABLE users")
				return r
			},
			wantLb: "sql_stacked_statement",
		},
	}

	for _, tt := range rejected {
		t.Run(tt.name+"は400を返しパターン名だけがログに出ること", func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.WarnLevel)
			var hookLabel string
			router := newFilterRouter(zap.New(core), ContentFilterOptions{
				OnReject: func(_ *gin.Context, _ APIError, label string) { hookLabel = label },
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, tt.req())

			if w.Code != http.StatusBadRequest {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
			}
			body := decodeError(t, w)
			if body["code"] != "SUSPICIOUS_CONTENT" {
				t.Errorf("code = %v, want %q", body["code"], "SUSPICIOUS_CONTENT")
			}
			if strings.Contains(w.Body.String(), `\b`) || strings.Contains(w.Body.String(), tt.wantLb) {
				t.Errorf("レスポンスに内部情報が含まれている: %s", w.Body.String())
			}
			if w.Header().Get("X-Frame-Options") != "DENY" {
				t.Error("拒否レスポンスにハードニングヘッダーが無い")
			}

			entries := logs.FilterMessage("suspicious content rejected").All()
			if len(entries) != 1 {
				t.Fatalf("警告ログ件数 = %d, want 1", len(entries))
			}
			if got := entries[0].ContextMap()["pattern"]; got != tt.wantLb {
				t.Errorf("pattern = %v, want %q", got, tt.wantLb)
			}
			if hookLabel != tt.wantLb {
				t.Errorf("フックのラベル = %q, want %q", hookLabel, tt.wantLb)
			}
		})
	}

	allowed := []struct {
		name    string
		payload string
	}{
		{name: "selectという単語を含む", payload: `{"description":"Select the best option from the union of both catalogs"}`},
		{name: "三点リーダーの直後に改行エスケープがある", payload: `{"description":"Coming soon...\nStay tuned"}`},
		{name: "三点リーダーの直後に引用符エスケープがある", payload: `{"quote":"He said \"wait..\" and left"}`},
		{name: "三点リーダーの直後にバックスラッシュがある", payload: `{"note":"loading...\\"}`},
		{name: "文章中にjavascript:を含む", payload: `{"title":"Learn javascript: the good parts"}`},
		{name: "文章中に相対的な表現を含む", payload: `{"text":"and so on... / etc"}`},
	}

	for _, tt := range allowed {
		t.Run(tt.name+"正当なボディは通過しボディが後段に残ること", func(t *testing.T) {
			t.Parallel()

			router := newFilterRouter(zap.NewNop(), ContentFilterOptions{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(tt.payload))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("ステータスコード = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
			}
			if w.Body.String() != tt.payload {
				t.Errorf("後段のボディ = %q, want %q", w.Body.String(), tt.payload)
			}
		})
	}

	t.Run("上限を超えるボディは413を返すこと", func(t *testing.T) {
		t.Parallel()

		router := newFilterRouter(zap.NewNop(), ContentFilterOptions{MaxBodyBytes: 16})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(strings.Repeat("x", 64)))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
		}
		if body := decodeError(t, w); body["code"] != "PAYLOAD_TOO_LARGE" {
			t.Errorf("code = %v, want %q", body["code"], "PAYLOAD_TOO_LARGE")
		}
	})

	t.Run("Content-Lengthが不明でも上限を超えるボディは413を返すこと", func(t *testing.T) {
		t.Parallel()

		router := newFilterRouter(zap.NewNop(), ContentFilterOptions{MaxBodyBytes: 16})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/products", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
		}
	})
}
