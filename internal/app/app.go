package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/coursehub/internal/auth"
	"github.com/hitoshi/coursehub/internal/config"
	"github.com/hitoshi/coursehub/internal/database"
	"github.com/hitoshi/coursehub/internal/handler"
	"github.com/hitoshi/coursehub/internal/identity"
	"github.com/hitoshi/coursehub/internal/logger"
	"github.com/hitoshi/coursehub/internal/metrics"
	"github.com/hitoshi/coursehub/internal/middleware"
	"github.com/hitoshi/coursehub/internal/repository"
	"github.com/hitoshi/coursehub/internal/security"
	"github.com/hitoshi/coursehub/internal/worker/cleanup"
	"github.com/hitoshi/coursehub/internal/worker/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

var errWorkerNeedsDirectory = errors.New("worker requires an identity directory (set SUPABASE_SERVICE_ROLE_KEY)")

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

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
		slog.String("identity_provider", cfg.IdentityProvider),
		slog.String("app_env", cfg.AppEnv),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// buildIdentity は設定に応じたIdPを構築する。
// 管理API（Directory）が利用できない場合、Directoryはnilとなる。
func buildIdentity(cfg *config.Config, db *sql.DB) (identity.Provider, identity.Directory, error) {
	switch cfg.IdentityProvider {
	case config.ProviderLocal:
		p, err := identity.NewLocalProvider(repository.NewPostgresCredentialRepo(db), identity.LocalConfig{
			SigningKey:      []byte(cfg.JWTSigningKey),
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build local identity provider: %w", err)
		}
		return p, p, nil
	case config.ProviderSupabase:
		p := identity.NewSupabaseProvider(identity.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Timeout:        cfg.ProviderTimeout,
		})
		if !cfg.HasDirectory() {
			slog.Warn("SUPABASE_SERVICE_ROLE_KEY is not set; admin reconciliation is disabled")
			return p, nil, nil
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unsupported identity provider %q", cfg.IdentityProvider)
	}
}

// buildAuthenticator はIdP、ミラーリポジトリ、メトリクスを組み合わせてAuthenticatorを構築する。
func buildAuthenticator(cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector) (*auth.Authenticator, identity.Directory, error) {
	provider, directory, err := buildIdentity(cfg, db)
	if err != nil {
		return nil, nil, err
	}
	authenticator := auth.NewAuthenticator(
		provider,
		directory,
		repository.NewPostgresUserRepo(db),
		security.NewNameSanitizer(),
		collector,
		auth.Config{ProviderTimeout: cfg.ProviderTimeout},
	)
	return authenticator, directory, nil
}

// newRegistry はGo/プロセスの標準メトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// rateLimiterConfig は設定値（req/min）からレート制限の設定を生成する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.AuthRate, rlCfg.AuthBurst = middleware.PerMinute(cfg.RateLimitAuth)
	rlCfg.GeneralRate, rlCfg.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	authenticator, _, err := buildAuthenticator(cfg, db, collector)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Validator:         authenticator,
		CORSAllowedOrigin: cfg.FrontendURL,
		RateLimiter:       rateLimiter,
		CSRFEnabled:       cfg.CSRFEnabled,
		Logger:            slog.Default(),

		AuthService:  authenticator,
		AdminService: authenticator,
		Cookies: auth.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		},

		HealthChecker: db,
		Metrics:       collector,
		Gatherer:      reg,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + cfg.ProviderTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// IdP上のユーザーを定期的に走査し、ミラーレコードが無いユーザーを補完する。
// 組み込みIdPの場合は不要なリフレッシュトークンの削除も行う。
// Prometheusのスクレイプ用に/metricsのみを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if !cfg.HasDirectory() {
		return errWorkerNeedsDirectory
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	authenticator, directory, err := buildAuthenticator(cfg, db, collector)
	if err != nil {
		return err
	}
	if directory == nil {
		return errWorkerNeedsDirectory
	}

	sweeper := reconcile.NewSweeper(directory, authenticator, slog.Default(), cfg.ReconcilePageSize)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
			slog.Error("worker metrics server failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Int("page_size", cfg.ReconcilePageSize),
	)

	if cfg.IdentityProvider == config.ProviderLocal {
		job := cleanup.NewTokenCleanupJob(db, slog.Default())
		job.Retention = cfg.TokenCleanupRetention
		go job.Start(ctx, cfg.TokenCleanupInterval)
	}

	// スイープをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.ReconcileInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はHTTPサーバーを起動し、ctxがキャンセルされたらシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
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
