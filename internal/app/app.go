package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/handler"
	"github.com/hitoshi/feedsync/internal/jobs"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/migration"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/websub"
	fetchpkg "github.com/hitoshi/feedsync/internal/worker/fetch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// deps はserve/workerで共有する依存関係の束。
type deps struct {
	db        *sql.DB
	jobSvc    *jobs.Service
	pushMgr   *websub.Manager
	executor  *fetchpkg.Executor
	scheduler *fetchpkg.Scheduler
	registry  *prometheus.Registry
}

// buildDeps はDB接続の上に全サービスをワイヤリングする。
// serveとworkerは同一の依存グラフを共有し、起動する面だけが異なる。
func buildDeps(cfg *config.Config) (*deps, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// リポジトリ
	jobRepo := repository.NewPostgresJobRepo(db)
	feedRepo := repository.NewPostgresFeedRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	pushRepo := repository.NewPostgresPushRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)
	userEntryRepo := repository.NewPostgresUserEntryRepo(db)

	// メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// セキュリティ
	guard := security.NewURLGuard()

	// ジョブストア
	jobSvc := jobs.NewService(jobRepo, subRepo, cfg.ClaimStaleAfter, slog.Default())

	// WebSub購読マネージャ
	pushMgr := websub.NewManager(
		pushRepo, feedRepo,
		guard.NewSafeClient(cfg.HubRequestTimeout),
		rate.NewLimiter(rate.Limit(5), 10),
		guard,
		websub.Options{
			BaseURL:      cfg.BaseURL,
			Production:   cfg.IsProduction(),
			Disabled:     cfg.WebSubDisabled,
			LeaseSeconds: cfg.LeaseSeconds,
		},
		slog.Default(), collector,
	)

	// リダイレクト移行
	migrationSvc := migration.NewService(
		feedRepo, subRepo, entryRepo, userEntryRepo, jobSvc, slog.Default(), collector,
	)

	// フェッチ実行器とスケジューラ
	executor := fetchpkg.NewExecutor(
		feedRepo, entryRepo, guard, pushMgr, migrationSvc,
		slog.Default(), collector, cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	scheduler := fetchpkg.NewScheduler(
		jobSvc, executor, pushMgr, slog.Default(), collector,
		cfg.SyncMaxConcurrent, cfg.RenewBeforeHours,
	)

	return &deps{
		db:        db,
		jobSvc:    jobSvc,
		pushMgr:   pushMgr,
		executor:  executor,
		scheduler: scheduler,
		registry:  registry,
	}, nil
}

// runServe はコールバック/APIサーバーモードで起動する。
// WebSubハブからの検証GET・通知POSTとジョブイントロスペクションAPIを受ける。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	rateLimiter := middleware.NewRateLimiter(
		middleware.DefaultRateLimiterConfig(cfg.RateLimitCallback),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		RateLimiter:   rateLimiter,
		WebSubManager: d.pushMgr,
		FetchEnqueuer: d.jobSvc,
		MaxBodySize:   cfg.FetchMaxSize,
		JobService:    d.jobSvc,
		Gatherer:      d.registry,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("callback server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down callback server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("callback server stopped gracefully")
	return nil
}

// runWorker は同期ワーカーモードで起動する。
// ジョブストアから期限到来ジョブをクレームして実行するスケジューラを回す。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 購読更新バッチジョブが存在しなければ作成する
	if err := d.scheduler.EnsureRenewJob(ctx); err != nil {
		return fmt.Errorf("failed to ensure renew job: %w", err)
	}

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	d.scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
