package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/hitoshi/achievedex/internal/account"
	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/aggregate"
	"github.com/hitoshi/achievedex/internal/auth"
	"github.com/hitoshi/achievedex/internal/config"
	"github.com/hitoshi/achievedex/internal/database"
	"github.com/hitoshi/achievedex/internal/handler"
	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/logger"
	"github.com/hitoshi/achievedex/internal/metrics"
	"github.com/hitoshi/achievedex/internal/middleware"
	"github.com/hitoshi/achievedex/internal/repository"
	"github.com/hitoshi/achievedex/internal/security"
	"github.com/hitoshi/achievedex/internal/steam"
	"github.com/hitoshi/achievedex/internal/worker/cleanup"
	"github.com/hitoshi/achievedex/internal/worker/refresh"
)

// トークンのiss/aud。
const (
	tokenIssuer   = "achievedex"
	tokenAudience = "achievedex-api"
)

// cleanupInterval はキャッシュクリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数は上書きしない）
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
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
	cmd, rest, err := ParseCommand(args)
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
		return runMigrate(w, cfg, rest)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newSteamClient はSSRF対策済みのHTTPクライアントと共有レートリミッターでSteamクライアントを生成する。
func newSteamClient(cfg *config.Config, guard *security.UpstreamGuard, collector metrics.MetricsCollector) *steam.Client {
	burst := int(cfg.SteamRateLimit)
	if burst < 1 {
		burst = 1
	}
	client := steam.NewClient(
		guard.NewSafeClient(cfg.SteamTimeout),
		slog.Default(),
		cfg.SteamAPIKey,
		rate.NewLimiter(rate.Limit(cfg.SteamRateLimit), burst),
		collector,
	)
	slog.Info("Steamクライアントを初期化しました", slog.Bool("steam_configured", client.Configured()))
	return client
}

// newAchievementService は実績の取得・キャッシュ・名前解決を組み立てる。
func newAchievementService(cfg *config.Config, db *sql.DB, steamClient *steam.Client, guard *security.UpstreamGuard, collector metrics.MetricsCollector) *achievement.Service {
	cacheRepo := repository.NewPostgresAchievementCacheRepo(db)
	nameRepo := repository.NewPostgresGameNameRepo(db)

	fetcher := achievement.NewFetcher(steamClient, security.NewTextSanitizer(), guard, slog.Default())
	cache := achievement.NewCache(cacheRepo, cfg.CacheTTL)
	names := achievement.NewNameResolver(nameRepo, steamClient, cfg.GameNameCacheSize, slog.Default())

	return achievement.NewService(fetcher, cache, names, collector, slog.Default())
}

// rateLimiterConfig はreq/min単位の設定値をreq/secに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlc.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitUpstream > 0 {
		rlc.UpstreamRate = rate.Limit(float64(cfg.RateLimitUpstream) / 60.0)
		rlc.UpstreamBurst = cfg.RateLimitUpstream
	}
	return rlc
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	subjectRepo := repository.NewPostgresSubjectRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	linkRepo := repository.NewPostgresAccountLinkRepo(db)

	// 3. メトリクス
	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. アイデンティティ
	signer, err := identity.NewTokenSigner(cfg.AuthTokenSecret, tokenIssuer, tokenAudience)
	if err != nil {
		return fmt.Errorf("failed to create token signer: %w", err)
	}
	bridge := identity.NewBridge(signer, subjectRepo, identRepo, identity.Config{
		SessionTTL: time.Duration(cfg.SessionMaxAge) * time.Second,
		BridgeTTL:  cfg.BridgeTokenTTL,
	})
	accounts := account.NewStore(linkRepo)

	// 5. ドメインサービスの初期化
	guard := security.NewUpstreamGuard()
	steamClient := newSteamClient(cfg, guard, collector)
	achievementService := newAchievementService(cfg, db, steamClient, guard, collector)
	aggregateService := aggregate.NewService(
		subjectRepo, accounts, achievementService.Cache(),
		aggregate.NewFallback(nil), collector, slog.Default(),
	)

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	})
	authService := auth.NewService(oauthProvider, bridge)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenVerifier:     bridge,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		Logger:      slog.Default(),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		Profiles:    bridge,
		Tokens:      bridge,
		Cookies: handler.CookieConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
			BridgeTTL:     bridge.BridgeTTL(),
		},

		Accounts:      accounts,
		Steam:         steamClient,
		SubjectLinker: bridge,
		UpstreamURLs:  guard,
		APIBaseURL:    cfg.APIBaseURL,

		Achievements: achievementService,
		Views:        aggregateService,
		GameNames:    achievementService.Names(),
		OwnedGames:   steamClient,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// 上流3系統の並列取得にタイムアウトが乗るため、WriteTimeoutは長めに取る
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SteamTimeout + 20*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilSignal(server, "API server")
}

// serveUntilSignal はサーバーを起動し、SIGINT/SIGTERMでグレースフルシャットダウンする。
func serveUntilSignal(server *http.Server, name string) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listen error: %w", name, err)
	case <-stop:
	}
	slog.Info("shutting down " + name + "...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れキャッシュの定期更新と古いキャッシュの削除を行い、
// /healthと/metricsを公開する小さなHTTPサーバーを併設する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. メトリクスと実績サービス
	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	guard := security.NewUpstreamGuard()
	steamClient := newSteamClient(cfg, guard, collector)
	achievementService := newAchievementService(cfg, db, steamClient, guard, collector)

	// 3. ジョブの初期化
	scheduler := refresh.NewScheduler(achievementService.Cache(), achievementService, slog.Default(), refresh.Config{
		MaxConcurrency: cfg.RefreshMaxConcurrent,
		BatchSize:      cfg.RefreshBatchSize,
	})

	cleanupJob := cleanup.NewCleanupJob(achievementService.Cache(), slog.Default())
	cleanupJob.RetentionDays = cfg.CacheRetentionDays

	// 4. 運用エンドポイント
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler(registry))
	opsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		opsServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker ops server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Int("max_concurrent", cfg.RefreshMaxConcurrent),
		slog.Int("retention_days", cfg.CacheRetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, cleanupInterval)

	// 更新スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.RefreshInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(w io.Writer, cfg *config.Config, args []string) error {
	action, steps, err := parseMigrateArgs(args)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case migrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case migrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully", slog.String("action", string(action)))
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
