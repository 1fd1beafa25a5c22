package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	CallbackRate    rate.Limit    // WebSubコールバックのレート（req/sec、フィードごと）
	CallbackBurst   int           // WebSubコールバックのバーストサイズ
	APIRate         rate.Limit    // 管理APIのレート（req/sec、接続元ごと）
	APIBurst        int           // 管理APIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// コールバックはフィードごとに60 req/min。正常なハブはフィードの更新ごとに
// 1回しか通知しないため、これを大きく超えるPOSTは攻撃か設定ミスである。
func DefaultRateLimiterConfig(callbackPerMinute int) RateLimiterConfig {
	if callbackPerMinute <= 0 {
		callbackPerMinute = 60
	}
	return RateLimiterConfig{
		CallbackRate:    rate.Limit(float64(callbackPerMinute) / 60.0),
		CallbackBurst:   callbackPerMinute,
		APIRate:         rate.Limit(2),
		APIBurst:        120,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はキーごとのレート制限を管理する。
// WebSubコールバック（フィードIDごと）と管理API（接続元IPごと）の
// 2種類を独立に提供する。
type RateLimiter struct {
	config RateLimiterConfig

	callbackMu       sync.Mutex
	callbackLimiters map[string]*keyedLimiter

	apiMu       sync.Mutex
	apiLimiters map[string]*keyedLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:           config,
		callbackLimiters: make(map[string]*keyedLimiter),
		apiLimiters:      make(map[string]*keyedLimiter),
		stopCh:           make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// CallbackMiddleware はWebSubコールバック用のレート制限ミドルウェアを返す。
// URLパラメータのフィードIDをキーにするため、1つの暴走ハブが
// 他のフィードの通知を道連れにすることはない。
func (rl *RateLimiter) CallbackMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			feedID := chi.URLParam(r, "feedID")
			if feedID == "" {
				feedID = r.URL.Path
			}

			limiter := getOrCreate(&rl.callbackMu, rl.callbackLimiters, feedID,
				rl.config.CallbackRate, rl.config.CallbackBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.CallbackRate)
				slog.Warn("rate limit exceeded",
					slog.String("feed_id", feedID),
					slog.String("limit_type", "websub_callback"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APIMiddleware は管理API用のレート制限ミドルウェアを返す。
// 接続元IPアドレスをキーにする。
func (rl *RateLimiter) APIMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := remoteHost(r)

			limiter := getOrCreate(&rl.apiMu, rl.apiLimiters, key,
				rl.config.APIRate, rl.config.APIBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.APIRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_host", key),
					slog.String("limit_type", "api"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CallbackLimiterCount は現在管理されているコールバックリミッターの数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) CallbackLimiterCount() int {
	rl.callbackMu.Lock()
	defer rl.callbackMu.Unlock()
	return len(rl.callbackLimiters)
}

// getOrCreate はキーに対応するリミッターを取得または作成する。
func getOrCreate(mu *sync.Mutex, limiters map[string]*keyedLimiter, key string, r rate.Limit, burst int) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	if kl, exists := limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[key] = &keyedLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// remoteHost は接続元IPアドレスを取り出す。
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.callbackMu.Lock()
	for key, kl := range rl.callbackLimiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.callbackLimiters, key)
		}
	}
	rl.callbackMu.Unlock()

	rl.apiMu.Lock()
	for key, kl := range rl.apiLimiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.apiLimiters, key)
		}
	}
	rl.apiMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
	})
}
