package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// WebSubコールバック
	WebSubManager WebSubManagerInterface
	FetchEnqueuer FetchEnqueuer
	MaxBodySize   int64

	// ジョブイントロスペクション
	JobService JobServiceInterface

	// メトリクス。nilの場合は/metricsを公開しない。
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware
//
// コールバックルートはフィードIDごと、APIルートは接続元ごとにレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	websubHandler := NewWebSubHandler(deps.WebSubManager, deps.FetchEnqueuer, deps.Logger, deps.MaxBodySize)
	jobHandler := NewJobHandler(deps.JobService)

	// WebSubコールバック（ハブからの検証GETと通知POST）
	r.Route("/websub/callback/{feedID}", func(r chi.Router) {
		r.Use(deps.RateLimiter.CallbackMiddleware())
		r.Get("/", websubHandler.Verify)
		r.Post("/", websubHandler.Notify)
	})

	// 管理API
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.APIMiddleware())
		r.Get("/api/jobs", jobHandler.ListJobs)
	})

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheusメトリクス
	if deps.Gatherer != nil {
		r.Get("/metrics", metrics.Handler(deps.Gatherer).ServeHTTP)
	}

	return r
}
