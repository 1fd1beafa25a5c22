package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

func newTestLimiter(callbackBurst int) *RateLimiter {
	rl := NewRateLimiter(RateLimiterConfig{
		CallbackRate:    rate.Limit(1.0 / 60.0),
		CallbackBurst:   callbackBurst,
		APIRate:         rate.Limit(1.0 / 60.0),
		APIBurst:        2,
		CleanupInterval: time.Hour,
	})
	return rl
}

func callbackRouter(rl *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.With(rl.CallbackMiddleware()).Post("/websub/callback/{feedID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestCallbackMiddleware(t *testing.T) {
	t.Run("バースト内のリクエストは通過する", func(t *testing.T) {
		rl := newTestLimiter(3)
		defer rl.Stop()
		router := callbackRouter(rl)

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("リクエスト%d: status = %d, want 200", i+1, rec.Code)
			}
		}
	})

	t.Run("バースト超過で429とRetry-After", func(t *testing.T) {
		rl := newTestLimiter(1)
		defer rl.Stop()
		router := callbackRouter(rl)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("初回リクエストが拒否されました: %d", rec.Code)
		}

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", nil))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-Afterヘッダがありません")
		}
	})

	t.Run("フィードごとに独立して制限される", func(t *testing.T) {
		rl := newTestLimiter(1)
		defer rl.Stop()
		router := callbackRouter(rl)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", nil))
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", nil))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("feed-1の2回目: status = %d, want 429", rec.Code)
		}

		// feed-1が枯渇してもfeed-2は影響を受けない
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/websub/callback/feed-2", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("feed-2: status = %d, want 200", rec.Code)
		}

		if rl.CallbackLimiterCount() != 2 {
			t.Errorf("リミッター数 = %d, want 2", rl.CallbackLimiterCount())
		}
	})
}

func TestAPIMiddleware(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Stop()

	handler := rl.APIMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.RemoteAddr = "203.0.113.10:43210"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("リクエスト%d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("バースト超過: status = %d, want 429", rec.Code)
	}
}

func TestCleanup(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Stop()

	getOrCreate(&rl.callbackMu, rl.callbackLimiters, "feed-1", rl.config.CallbackRate, rl.config.CallbackBurst)
	if rl.CallbackLimiterCount() != 1 {
		t.Fatal("リミッターが作成されていません")
	}

	// 最終アクセスをTTLより過去に巻き戻してクリーンアップ対象にする
	rl.callbackMu.Lock()
	rl.callbackLimiters["feed-1"].lastAccess = time.Now().Add(-3 * time.Hour)
	rl.callbackMu.Unlock()

	rl.cleanup()

	if rl.CallbackLimiterCount() != 0 {
		t.Error("期限切れのリミッターが削除されていません")
	}
}
