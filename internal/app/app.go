// Package app はプロセスの起動、依存関係のワイヤリング、サブコマンドの実行を担う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/postboard/internal/auth"
	"github.com/hitoshi/postboard/internal/config"
	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/handler"
	"github.com/hitoshi/postboard/internal/imaging"
	"github.com/hitoshi/postboard/internal/logger"
	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/post"
	"github.com/hitoshi/postboard/internal/repository"
	"github.com/hitoshi/postboard/internal/search"
	"github.com/hitoshi/postboard/internal/security"
	"github.com/hitoshi/postboard/internal/user"
	"github.com/hitoshi/postboard/internal/worker/reconcile"
)

const (
	shutdownTimeout = 30 * time.Second
	serverTimeout   = 15 * time.Second
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

	logger.SetLevel(cfg.LogLevel)

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
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandReindex:
		return runReindex(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとreindexで共有する依存関係。
type components struct {
	handle   *database.Handle
	index    *search.Index
	registry *prometheus.Registry
	metrics  *metrics.Collector

	gate  *auth.SessionGate
	auth  *auth.Service
	users *user.Service
	posts *post.Service
}

// newComponents はコンテンツストア、検索インデックス、各サービスを構築する。
func newComponents(cfg *config.Config, db *sql.DB) (*components, error) {
	keys, err := auth.DeriveKeys([]byte(cfg.ServerSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	params := auth.DefaultParams()
	params.MemoryKiB = cfg.Argon2MemoryKiB
	params.Iterations = cfg.Argon2Iterations
	params.Parallelism = cfg.Argon2Parallelism
	vault, err := auth.NewVault(keys.Pepper, params)
	if err != nil {
		return nil, fmt.Errorf("invalid credential parameters: %w", err)
	}

	index, err := search.Open(search.Options{Dir: cfg.IndexDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	handle := database.NewHandle(db)
	userRepo := repository.NewPostgresUserRepo(handle)
	postRepo := repository.NewPostgresPostRepo(handle)

	sanitizer := security.NewTextSanitizer()

	return &components{
		handle:   handle,
		index:    index,
		registry: registry,
		metrics:  collector,
		gate:     auth.NewSessionGate(keys.SessionKey, cfg.SessionTTL),
		auth:     auth.NewService(userRepo, vault, imaging.Identicon, sanitizer),
		users:    user.NewService(userRepo, sanitizer),
		posts: post.NewService(postRepo, index,
			imaging.NewIngester(imaging.DefaultOptions()), collector,
			post.Options{SearchLimit: cfg.SearchLimit, RecentMax: cfg.RecentPostsMax}),
	}, nil
}

func (c *components) close() {
	if err := c.index.Close(); err != nil {
		slog.Warn("failed to close search index", slog.String("error", err.Error()))
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// runServe はAPIサーバーと整合ジョブを起動する。
// 検索インデックスが新規作成された場合は起動前にストアから再構築する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := newComponents(cfg, db)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.index.Fresh() {
		n, err := c.posts.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("failed to build search index: %w", err)
		}
		slog.Info("search index built from content store", slog.Int("posts", n))
	}

	rateLimiter := middleware.NewRateLimiter(
		middleware.ConfigFromPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		SessionResolver:   c.gate,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxy:        cfg.TrustProxy,

		HealthChecker:  c.handle,
		Gatherer:       c.registry,
		StatusRecorder: c.metrics,

		AuthService:   c.auth,
		SessionIssuer: c.gate,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: int(cfg.SessionTTL.Seconds()),
		},

		UserService: c.users,

		PostService:   c.posts,
		MaxImageBytes: handler.DefaultMaxImageBytes,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := listen(server.Addr, cfg.MaxConnections)
	if err != nil {
		return err
	}

	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	job := reconcile.NewJob(c.posts, slog.Default(), cfg.ReconcileBatch)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		job.Start(gctx, interval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// listen はaddrで待ち受けを開始する。maxConnsが正の場合は同時接続数を制限する。
func listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// runReindex は永続化された検索インデックスをストアから再構築する。
// インデックスディレクトリはサーバーと共有できないため、サーバー停止中に実行する。
func runReindex(cfg *config.Config) error {
	if cfg.IndexDir == "" {
		return errors.New("INDEX_DIR is not set: the in-memory index is rebuilt on every start")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := newComponents(cfg, db)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	n, err := c.posts.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	slog.Info("search index rebuilt",
		slog.Int("posts", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
