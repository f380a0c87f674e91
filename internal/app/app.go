package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/auth"
	"github.com/hitoshi/kokoro/internal/config"
	"github.com/hitoshi/kokoro/internal/database"
	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/handler"
	"github.com/hitoshi/kokoro/internal/logger"
	"github.com/hitoshi/kokoro/internal/mailer"
	"github.com/hitoshi/kokoro/internal/metrics"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/mood"
	"github.com/hitoshi/kokoro/internal/photo"
	"github.com/hitoshi/kokoro/internal/profile"
	"github.com/hitoshi/kokoro/internal/repository"
	"github.com/hitoshi/kokoro/internal/security"
	"github.com/hitoshi/kokoro/internal/storage"
	"github.com/hitoshi/kokoro/internal/worker/cleanup"
)

// photoImportTimeout は外部URLから写真を取り込む際のタイムアウト。
const photoImportTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリとドキュメントストア
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)

	docs := docstore.NewPostgresStore(db)
	go func() {
		if err := docs.Listen(ctx, cfg.DatabaseURL); err != nil {
			slog.Error("document listener stopped", slog.String("error", err.Error()))
		}
	}()

	// 4. オブジェクトストレージ
	objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to set up object storage: %w", err)
	}

	// 5. 認証サービス
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo, tokenRepo,
		mailer.New(newMailSender(cfg)),
		auth.ServiceConfig{
			SessionMaxAge:  cfg.SessionMaxAge,
			VerifyTokenTTL: cfg.VerifyTokenTTL,
			ResetTokenTTL:  cfg.ResetTokenTTL,
			BaseURL:        cfg.BaseURL,
		},
	)

	// 6. ブラウザごとのセッションプロバイダー
	profiles := profile.NewRepository(docs, security.NewTextSanitizer())
	providers := account.NewRegistry(
		registryConfig(cfg),
		func() account.AuthClient { return authService.NewClient() },
		profiles,
		collector,
	)
	defer providers.Close()

	// 7. 気分記録と写真
	moodService := mood.NewService(docs, collector, cfg.MoodHistoryLimit)
	uploader := photo.NewUploader(objects, collector, cfg.PhotoMaxSize, cfg.PhotoMaxDimension)
	capturer := photo.NewCapturer(&http.Client{}, cfg.CameraStreamURL, cfg.CameraCaptureDelay)
	importer := photo.NewImporter(security.NewSSRFGuard(), photoImportTimeout, cfg.PhotoMaxSize)

	// 8. ルーターの構築
	cookies := middleware.CookieConfig{
		Secure:        cfg.CookieSecure,
		Domain:        cfg.CookieDomain,
		SessionMaxAge: cfg.SessionMaxAge,
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router, err := handler.NewRouter(&handler.RouterDeps{
		Providers:         providers,
		Cookies:           cookies,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Flash:             middleware.NewFlashStore(cfg.SessionSecret, cookies),
		Logger:            slog.Default(),
		GuardWait:         cfg.GuardWait,

		HealthChecker:  db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		MoodService: moodService,

		Uploader: uploader,
		Capturer: capturer,
		Importer: importer,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// 9. HTTPサーバーの起動
	// SSEの接続はハンドラー側で書き込み期限を解除する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		// シャットダウン時にSSEのストリームも終了させる
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down web server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れの認証データを削除するジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
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
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	runPeriodically(ctx, cleanupInterval, func(ctx context.Context) {
		if _, err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	})

	slog.Info("worker stopped gracefully")
	return nil
}

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// runPeriodically は起動直後に1回、その後intervalごとにjobを実行する。
// ctxがキャンセルされるまでブロックする。
func runPeriodically(ctx context.Context, interval time.Duration, job func(ctx context.Context)) {
	job(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
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

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
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

// newMailSender はメールAPIが設定されていればHTTPSender、なければLogSenderを返す。
func newMailSender(cfg *config.Config) mailer.Sender {
	if !cfg.MailEnabled() {
		slog.Warn("mail API is not configured, emails will only be logged")
		return mailer.NewLogSender(slog.Default())
	}
	return mailer.NewHTTPSender(mailer.HTTPSenderConfig{
		APIURL:      cfg.MailAPIURL,
		APIKey:      cfg.MailAPIKey,
		SenderEmail: cfg.MailSenderEmail,
		SenderName:  cfg.MailSenderName,
	})
}

// rateLimiterConfig は設定値（req/min）からレート制限設定を組み立てる。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}

// registryConfig はブラウザごとのProviderを保持する期間を設定する。
func registryConfig(cfg *config.Config) account.RegistryConfig {
	rc := account.DefaultRegistryConfig()
	if cfg.ClientIdleTimeout > 0 {
		rc.IdleTimeout = cfg.ClientIdleTimeout
	}
	return rc
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
