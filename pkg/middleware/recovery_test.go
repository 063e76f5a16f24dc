package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	t.Run("パニックが発生した場合500が返りリクエストID付きでログが出ること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.ErrorLevel)
		router := gin.New()
		router.Use(Recovery(zap.New(core)), RequestID())
		router.GET("/panic", func(_ *gin.Context) {
			panic("テスト用パニック")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		req.Header.Set(HeaderRequestID, "trace-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		body := decodeError(t, w)
		if body["code"] != "INTERNAL_ERROR" {
			t.Errorf("code = %v, want %q", body["code"], "INTERNAL_ERROR")
		}

		entries := logs.FilterMessage("panic recovered").All()
		if len(entries) != 1 {
			t.Fatalf("ログ件数 = %d, want 1", len(entries))
		}
		if got := entries[0].ContextMap()["request_id"]; got != "trace-1" {
			t.Errorf("request_id = %v, want %q", got, "trace-1")
		}
	})

	t.Run("転送中の切断はパニックを再送出し完了ログは出力されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.InfoLevel)
		logger := zap.New(core)
		router := gin.New()
		router.Use(Recovery(logger), RequestID(), RequestLogger(logger))
		router.GET("/stream", func(c *gin.Context) {
			c.Status(http.StatusOK)
			c.Writer.WriteHeaderNow()
			panic(http.ErrAbortHandler)
		})

		req := httptest.NewRequest(http.MethodGet, "/stream", nil)
		req.Header.Set(HeaderRequestID, "trace-2")
		w := httptest.NewRecorder()

		var repanicked any
		func() {
			defer func() { repanicked = recover() }()
			router.ServeHTTP(w, req)
		}()

		if repanicked != http.ErrAbortHandler {
			t.Errorf("再送出されたパニック = %v, want http.ErrAbortHandler", repanicked)
		}
		if n := logs.FilterMessage("panic recovered").Len(); n != 0 {
			t.Errorf("panic recoveredログ件数 = %d, want 0", n)
		}
		entries := logs.FilterMessage("request completed").All()
		if len(entries) != 1 {
			t.Fatalf("完了ログ件数 = %d, want 1", len(entries))
		}
		fields := entries[0].ContextMap()
		if fields["request_id"] != "trace-2" {
			t.Errorf("request_id = %v, want %q", fields["request_id"], "trace-2")
		}
		if fields["status"] != int64(http.StatusOK) {
			t.Errorf("status = %v, want %d", fields["status"], http.StatusOK)
		}
	})

	t.Run("パニックが発生しない場合は正常にレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})
}
