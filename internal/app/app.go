// Package app はコマンドライン引数の解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/iamcore/internal/config"
	"github.com/hitoshi/iamcore/internal/credential"
	"github.com/hitoshi/iamcore/internal/database"
	"github.com/hitoshi/iamcore/internal/handler"
	"github.com/hitoshi/iamcore/internal/health"
	"github.com/hitoshi/iamcore/internal/identity"
	"github.com/hitoshi/iamcore/internal/logger"
	"github.com/hitoshi/iamcore/internal/metrics"
	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/mode"
	"github.com/hitoshi/iamcore/internal/repository"
	"github.com/hitoshi/iamcore/internal/security"
	"github.com/hitoshi/iamcore/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから設定を読み込み、設定のログレベルでロガーを再構成する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, confPath string) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 設定ファイルと環境変数から設定を読み込む
	cfg, err := config.Load(confPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドとフラグを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	confPath := fs.String("conf", "", "path to the YAML configuration file (default: $IAM_CONF)")
	if err := fs.Parse(commandArgs(args)); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w, *confPath)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("xml_file_path", cfg.XMLFilePath),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandProbe:
		return runProbe(cfg, log)
	case CommandReconcile:
		return runReconcile(cfg, log)
	default:
		return runServe(cfg, log)
	}
}

// components はサブコマンド間で共有する依存関係。
type components struct {
	db            *sql.DB
	mode          *mode.Controller
	identityRel   *repository.PostgresIdentityRepo
	credentialRel *repository.PostgresCredentialRepo
	identityDoc   *repository.DocumentIdentityRepo
	credentialDoc *repository.DocumentCredentialRepo
	identities    *identity.Service
	credentials   *credential.Service
	reconciler    *reconcile.Job
	registry      *prometheus.Registry
}

// timeoutPinger は疎通確認にDB_PROBE_TIMEOUTを適用する。
type timeoutPinger struct {
	db      *sql.DB
	timeout time.Duration
}

func (p timeoutPinger) PingContext(ctx context.Context) error {
	return database.Ping(ctx, p.db, p.timeout)
}

// build は両ストアの疎通確認を行って稼働モードを決定し、コーディネーターを組み立てる。
// 両ストアとも利用できない場合はmode.ErrNoViableModeを返す。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. ストアアダプターの初期化
	db, err := database.Open(cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}

	c := &components{
		db:            db,
		identityRel:   repository.NewPostgresIdentityRepo(db),
		credentialRel: repository.NewPostgresCredentialRepo(db),
		identityDoc:   repository.NewDocumentIdentityRepo(cfg.XMLFilePath),
		credentialDoc: repository.NewDocumentCredentialRepo(config.CredentialDocumentPath),
		registry:      prometheus.NewRegistry(),
	}

	// 2. 疎通確認と稼働モードの決定（起動時に一度だけ）
	// ドキュメントストアはIdentityとCredentialの両ドキュメントが読み込める場合のみ健全とする。
	docs := health.Documents{c.identityDoc, c.credentialDoc}
	prober := health.NewProber(timeoutPinger{db: db, timeout: cfg.DBProbeTimeout}, docs, log)
	c.mode, err = mode.Decide(prober.Probe(ctx))
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("operating mode decided",
		slog.String("mode", c.mode.String()),
		slog.Bool("read_only", c.mode.IsReadOnly()),
	)

	// 3. メトリクス
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(c.registry)
	collector.SetReadOnly(c.mode.IsReadOnly())

	// 4. コーディネーターの初期化
	c.identities = identity.NewService(identity.Stores{
		Relational:         c.identityRel,
		Document:           c.identityDoc,
		CredentialDocument: c.credentialDoc,
	}, c.mode, collector, log)

	c.credentials = credential.NewService(credential.Stores{
		Relational: c.credentialRel,
		Document:   c.credentialDoc,
		Identities: c.identityRel,
	}, credential.NewBcryptHasher(cfg.BcryptCost), c.mode, collector, log)

	c.reconciler = reconcile.NewJob(c.identityRel, c.credentialRel, c.identityDoc, c.credentialDoc, c.mode, collector, log)

	return c, nil
}

func (c *components) Close() error {
	return c.db.Close()
}

// runServe は管理APIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	limiter := middleware.NewLoginLimiter(middleware.NewLoginLimiterConfig(cfg.LoginRatePerMin, cfg.LoginBurst), log)
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Mode:              c.mode,
		IdentityService:   c.identities,
		IdentityLookup:    c.identities,
		CredentialService: c.credentials,
		LoginService:      c.credentials,
		LoginLimiter:      limiter,
		Sanitizer:         security.NewTextSanitizer(),
		MetricsHandler:    metrics.Handler(c.registry),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ドキュメントストアの定期再構築（読み書き可能モードのみ）
	if cfg.ReconcileInterval > 0 && !c.mode.IsReadOnly() {
		go c.reconciler.Start(ctx, cfg.ReconcileInterval)
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	log.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL())),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runProbe は疎通確認を行い、決定された稼働モードをログに出力して終了する。
func runProbe(cfg *config.Config, log *slog.Logger) error {
	c, err := build(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	return c.Close()
}

// runReconcile はドキュメントストアの再構築を1回実行する。
func runReconcile(cfg *config.Config, log *slog.Logger) error {
	c, err := build(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.reconciler.Run(context.Background()); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
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
