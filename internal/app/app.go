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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/config"
	"github.com/hitoshi/tagscout/internal/credential"
	"github.com/hitoshi/tagscout/internal/database"
	"github.com/hitoshi/tagscout/internal/extract"
	"github.com/hitoshi/tagscout/internal/filestore"
	"github.com/hitoshi/tagscout/internal/logger"
	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/notify"
	"github.com/hitoshi/tagscout/internal/repository"
	"github.com/hitoshi/tagscout/internal/security"
	"github.com/hitoshi/tagscout/internal/session"
	"github.com/hitoshi/tagscout/internal/targets"
	"github.com/hitoshi/tagscout/internal/worker/batch"
	"github.com/hitoshi/tagscout/internal/worker/cleanup"
	"github.com/hitoshi/tagscout/internal/worker/fetch"
	"github.com/hitoshi/tagscout/internal/worker/schedule"
)

// webhookTimeout は通知Webhook1回あたりのタイムアウト。
const webhookTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルで作り直す
	if level := logger.ParseLevel(cfg.LogLevel); level != slog.LevelInfo {
		log = logger.SetupDefault(w, level)
	}
	return cfg, log, nil
}

// App はコマンド間で共有する依存関係をまとめたもの。
// ブラウザは必要になるまで起動しない。
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	sessions *session.Manager
	engine   *extract.Engine
	fetcher  *fetch.Coordinator
	batches  *batch.Coordinator
	files    *filestore.Store
	notifier notify.Notifier

	// DATABASE_URL未設定時はnil
	db        *sql.DB
	records   *repository.PostgresRecordRepo
	batchRepo *repository.PostgresBatchRepo
}

// New は設定から依存関係を組み立てる。DATABASE_URLが設定されている場合は接続を確認する。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// 1. メトリクス
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(a.registry)

	// 2. 通知（Webhook URLは起動時に検証する）
	if cfg.NotifyWebhookURL != "" {
		if err := security.NewWebhookGuard().Validate(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
	}
	a.notifier = notify.New(cfg.NotifyWebhookURL, security.NewWebhookGuard().NewClient(webhookTimeout), logger)

	// 3. セッション
	a.sessions = session.NewManager(
		credential.NewFileStore(cfg.CookiesFile),
		browser.NewChromeLauncher(logger, cfg.FetchTimeout),
		logger,
		session.Options{
			BaseURL:      cfg.BaseURL,
			TokenMaxAge:  cfg.TokenMaxAge,
			PollInterval: cfg.LoginPollInterval,
			ChromePath:   cfg.ChromePath,
			UserAgent:    cfg.UserAgent,
		},
	)

	// 4. 抽出とフェッチ
	var locators extract.LocatorSet
	if cfg.LocatorsFile != "" {
		loaded, err := extract.LoadLocators(cfg.LocatorsFile)
		if err != nil {
			return nil, err
		}
		locators = loaded
	}
	a.engine = extract.NewEngine(logger, extract.Options{
		BaseURL:  cfg.BaseURL,
		Settle:   cfg.PageSettle,
		Locators: locators,
	})
	a.fetcher = fetch.NewCoordinator(a.engine, a.metrics, logger)

	// 5. 保存先
	a.files = filestore.NewStore(cfg.DataDir, cfg.Location, logger)
	sinks := batch.MultiSink{a.files}
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.records = repository.NewPostgresRecordRepo(db)
		a.batchRepo = repository.NewPostgresBatchRepo(db)
		sinks = append(sinks, repository.NewSink(a.records, a.batchRepo))
		logger.Info("database connection established")
	}

	// 6. バッチ
	a.batches = batch.NewCoordinator(a.sessions, a.fetcher, sinks, a.metrics, logger)
	a.batches.SetLimiter(batch.NewHourlyLimiter(cfg.MaxRequestsPerHour))

	return a, nil
}

// Close はデータベース接続を閉じる。
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RetryPolicy は設定から組み立てたリトライ設定を返す。
func (a *App) RetryPolicy() fetch.RetryPolicy {
	p := fetch.DefaultRetryPolicy()
	p.MaxAttempts = a.cfg.FetchMaxAttempts
	p.BaseDelay = a.cfg.BackoffBase
	p.RateLimitBaseDelay = a.cfg.RateLimitBackoffBase
	p.MaxDelay = a.cfg.BackoffMax
	return p
}

// BatchOptions は設定の既定値によるバッチ設定を返す。
func (a *App) BatchOptions(headless bool) batch.Options {
	return batch.Options{
		Headless: headless,
		Retry:    a.RetryPolicy(),
		Delay:    batch.NewUniformDelay(a.cfg.BatchDelayMin, a.cfg.BatchDelayMax),
	}
}

// Scheduler はスケジュール定義ファイルを読み込み、Schedulerを組み立てる。
func (a *App) Scheduler() (*schedule.Scheduler, error) {
	def, err := schedule.LoadFile(a.cfg.ScheduleFile)
	if err != nil {
		return nil, err
	}
	runner := schedule.NewBatchRunner(a.batches, targets.LoadFile, a.BatchOptions(a.cfg.Headless))
	s := schedule.NewScheduler(def, runner, a.notifier, a.metrics, a.logger)
	s.SetLocation(a.cfg.Location)
	return s, nil
}

// CleanupJob は保持期間を過ぎたレコード・バッチ・月別ディレクトリを削除するジョブを返す。
func (a *App) CleanupJob() *cleanup.CleanupJob {
	var records, batches cleanup.Deleter
	if a.db != nil {
		records, batches = a.records, a.batchRepo
	}
	job := cleanup.NewCleanupJob(records, batches, a.files, a.logger)
	job.RetentionDays = a.cfg.RetentionDays
	return job
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析して実行する。
// 表やレポートはoutに、ログはlogOutに出力する。argsにはos.Args[1:]を渡す。
func Run(ctx context.Context, out, logOut io.Writer, args []string) error {
	root := NewRootCommand(out, logOut)
	root.SetArgs(args)
	root.SetErr(logOut)
	return root.ExecuteContext(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// downが正の場合は指定数だけロールバックする。
func runMigrate(out io.Writer, databaseURL string, down int, showVersion bool) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	switch {
	case showVersion:
		version, dirty, err := database.MigrationVersion(databaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		fmt.Fprintf(out, "version: %d (dirty: %t)\n", version, dirty)
		return nil
	case down > 0:
		slog.Info("rolling back database migrations",
			slog.String("database_url", maskDatabaseURL(databaseURL)),
			slog.Int("steps", down),
		)
		if err := database.RollbackMigrations(databaseURL, down); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	default:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(databaseURL)),
		)
		if err := database.RunMigrations(databaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
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

// healthcheckPort はフル初期化をせずにSERVER_PORTを読む。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// haltError はバッチが中断された場合に終了コードを非0にするためのエラーを返す。
func haltError(run *model.BatchRun) error {
	if run == nil || !run.Halted {
		return nil
	}
	return fmt.Errorf("batch %s halted: %s", run.Name, run.HaltReason)
}
