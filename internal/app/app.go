// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
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

	"github.com/hitoshi/examgate/internal/config"
	"github.com/hitoshi/examgate/internal/database"
	"github.com/hitoshi/examgate/internal/handler"
	"github.com/hitoshi/examgate/internal/invitation"
	"github.com/hitoshi/examgate/internal/logger"
	"github.com/hitoshi/examgate/internal/metrics"
	"github.com/hitoshi/examgate/internal/middleware"
	"github.com/hitoshi/examgate/internal/notify"
	"github.com/hitoshi/examgate/internal/repository"
	"github.com/hitoshi/examgate/internal/security"
	"github.com/hitoshi/examgate/internal/session"
	"github.com/hitoshi/examgate/internal/worker/abandon"
	"github.com/hitoshi/examgate/internal/worker/cleanup"
	"github.com/hitoshi/examgate/internal/worker/expire"
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

// newDispatcher は通知ディスパッチャを構築する。
// WebhookエンドポイントはSSRF検証を通過したもののみ受け付ける。
func newDispatcher(cfg *config.Config, recorder notify.DeliveryRecorder, collector metrics.MetricsCollector) (*notify.Dispatcher, error) {
	guard := security.NewWebhookGuard()

	if cfg.NotifyWebhookURL != "" {
		if err := guard.ValidateEndpoint(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notify webhook URL: %w", err)
		}
	}

	client := guard.NewClient(cfg.NotifyTimeout)
	return notify.NewDispatcher(cfg.NotifyWebhookURL, client, recorder, collector, slog.Default()), nil
}

// newRateLimiter は設定値（req/min）からレートリミッターを構築する。
func newRateLimiter(cfg *config.Config) *middleware.RateLimiter {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitInvitation > 0 {
		rlCfg.InvitationRate = rate.Limit(float64(cfg.RateLimitInvitation) / 60.0)
		rlCfg.InvitationBurst = cfg.RateLimitInvitation
	}
	return middleware.NewRateLimiter(rlCfg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	invRepo := repository.NewPostgresInvitationRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	telemetryRepo := repository.NewPostgresTelemetryRepo(db)
	dirRepo := repository.NewPostgresDirectoryRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 通知ディスパッチャの初期化
	dispatcher, err := newDispatcher(cfg, invRepo, collector)
	if err != nil {
		return err
	}

	// 5. ドメインサービスの初期化
	sanitizer := security.NewMessageSanitizer()
	invService := invitation.NewService(invRepo, dirRepo, dispatcher, sanitizer, collector, cfg.BaseURL)
	sessService := session.NewService(sessionRepo, telemetryRepo, dirRepo, collector, slog.Default())

	// 6. ルーターの構築
	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       newRateLimiter(cfg),
		JWTSecret:         cfg.JWTSecret,
		Logger:            slog.Default(),

		InvitationService: invService,
		SessionService:    sessService,

		HealthChecker: db,
		Gatherer:      registry,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// 通知ディスパッチャをバックグラウンドで起動
	go dispatcher.Run(ctx)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れスイープジョブと通知ディスパッチャを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリとメトリクスの初期化
	invRepo := repository.NewPostgresInvitationRepo(db)
	dirRepo := repository.NewPostgresDirectoryRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. 通知ディスパッチャの初期化
	dispatcher, err := newDispatcher(cfg, invRepo, collector)
	if err != nil {
		return err
	}

	// 4. 期限切れスイープジョブの初期化
	sanitizer := security.NewMessageSanitizer()
	invService := invitation.NewService(invRepo, dirRepo, dispatcher, sanitizer, collector, cfg.BaseURL)
	sweepJob := expire.NewJob(invService, slog.Default(), cfg.ExpireSweepInterval)

	// 5. 放置セッションスイープジョブの初期化
	sessRepo := repository.NewPostgresSessionRepo(db)
	telemetryRepo := repository.NewPostgresTelemetryRepo(db)
	sessService := session.NewService(sessRepo, telemetryRepo, dirRepo, collector, slog.Default())
	abandonJob := abandon.NewJob(sessService, slog.Default(), cfg.ExpireSweepInterval)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.ExpireSweepInterval),
	)

	// 通知ディスパッチャをバックグラウンドで起動
	go dispatcher.Run(ctx)

	// 放置セッションスイープをバックグラウンドで起動
	go abandonJob.Start(ctx)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 期限切れスイープをメインgoroutineで実行（ブロッキング）
	sweepJob.Start(ctx)

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
