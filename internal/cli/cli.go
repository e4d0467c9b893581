// ============================================================================
// mrun CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供 multirun 與 reconcile 的命令列介面
//
// Command Structure:
//   mrun                           # Root command
//   ├── run                        # 以內建任務執行任務檔
//   │   ├── --job                 # tcping / http / sleep
//   │   └── --tasks, -t           # 任務參數 JSON 檔
//   ├── reconcile                  # 把資料檔對帳進 SQL 表或 Redis
//   │   ├── --data, -d            # 資料 JSON 檔
//   │   └── --store               # sql / redis
//   ├── show                       # 顯示結果檔摘要
//   │   └── --file, -f            # 結果 JSON 檔
//   ├── --config, -c               # YAML 配置檔（可省略）
//   └── --debug                    # 輸出 debug 日誌
//
// 任務檔格式（每個物件是一個任務的參數）:
//   [
//     {"host": "10.0.0.1", "port": 22},
//     {"host": "10.0.0.2", "port": 22}
//   ]
//
// run Command:
//   1. 載入配置，命令列旗標覆蓋配置值
//   2. 建立 logger、metrics（若啟用）與 tracer
//   3. Controller 執行所有任務並依設定重試
//   4. 輸出彩色摘要
//   5. --persist 時把結果對帳進 db.table
//
//   Examples:
//     ./mrun run --job tcping -t hosts.json --workers 100 --retry 1
//     ./mrun run --job http -t urls.json --load-failed
//     ./mrun run --job tcping -t hosts.json -c mrun.yaml --persist
//
// reconcile Command:
//   Examples:
//     ./mrun reconcile -d devices.json --store sql --key id --mark missing
//     ./mrun reconcile -d devices.json --store redis --key host --dry-run
//
// show Command:
//   Examples:
//     ./mrun show -f temp/tcping_mrun_result.json --all
//
// Signal Handling:
//   run 與 reconcile 在 SIGINT / SIGTERM 時取消 context；
//   尚未回報的任務會成為 missing 結果。
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/sseaky/seakylib/internal/config"
	"github.com/sseaky/seakylib/internal/controller"
	"github.com/sseaky/seakylib/internal/metrics"
	"github.com/sseaky/seakylib/internal/reconcile"
	"github.com/sseaky/seakylib/internal/runctx"
	"github.com/sseaky/seakylib/internal/snapshot"
	"github.com/sseaky/seakylib/internal/storage/redisstore"
	"github.com/sseaky/seakylib/internal/storage/sqlstore"
	"github.com/sseaky/seakylib/pkg/types"
)

const tracerName = "github.com/sseaky/seakylib/mrun"

var (
	configFile string
	debug      bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mrun",
		Short: "mrun: run a job over many tasks and reconcile the results",
		Long: `mrun runs one job function over a task list with:
- a bounded worker pool and per-pass timeout
- retry passes for failed or missing results
- resumable result files
- key-based reconciliation into SQL tables or Redis`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildShowCommand())

	return rootCmd
}

// setup 載入配置並建立 logger；回傳的 cleanup 關閉日誌檔
func setup() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.LogLevel()
	if debug {
		level = slog.LevelDebug
	}
	logger, cleanup := config.SetupLogger(cfg.Log.File, level)
	return cfg, logger, cleanup, nil
}

func newRunContext(cfg *config.Config, logger *slog.Logger) *runctx.RunContext {
	opts := []runctx.Option{
		runctx.WithLogger(logger),
		runctx.WithTracer(otel.Tracer(tracerName)),
	}
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil)
		opts = append(opts, runctx.WithMetrics(collector))
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}
	return runctx.New(opts...)
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	job          string
	tasksFile    string
	workers      int
	timeout      time.Duration
	retries      int
	inline       bool
	retryMissing bool
	load         bool
	loadFailed   bool
	noSave       bool
	keepBackups  int
	resultDir    string
	showProcess  bool
	showResult   bool
	dbSession    bool
	persist      bool
	all          bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a built-in job over a task file",
		Long:  fmt.Sprintf("Run one of the built-in jobs %v over every task in a JSON task file", jobNames()),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.job, "job", "", "built-in job to run")
	f.StringVarP(&opts.tasksFile, "tasks", "t", "", "JSON file holding one argument object per task")
	f.IntVar(&opts.workers, "workers", 0, "worker count (overrides run.workers)")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-pass timeout (overrides run.pass_timeout)")
	f.IntVar(&opts.retries, "retry", 0, "extra retry passes for failed tasks (overrides run.retries)")
	f.BoolVar(&opts.inline, "inline", false, "run tasks one by one on the calling goroutine")
	f.BoolVar(&opts.retryMissing, "retry-missing", false, "also retry tasks that never reported")
	f.BoolVar(&opts.load, "load", false, "load the previous result file instead of running")
	f.BoolVar(&opts.loadFailed, "load-failed", false, "load the previous result file and retry its failures")
	f.BoolVar(&opts.noSave, "no-save", false, "do not write the result file")
	f.IntVar(&opts.keepBackups, "keep-backups", 0, "old result files to keep when overwriting (overrides run.keep_backups)")
	f.StringVar(&opts.resultDir, "result-dir", "", "result file directory (overrides run.result_dir)")
	f.BoolVar(&opts.showProcess, "show-process", false, "log worker start and stop")
	f.BoolVar(&opts.showResult, "show-result", false, "log every task result")
	f.BoolVar(&opts.dbSession, "db-session", false, "give every worker its own db session")
	f.BoolVar(&opts.persist, "persist", false, "reconcile the outcomes into db.table")
	f.BoolVar(&opts.all, "all", false, "list every outcome, not only failures")
	cmd.MarkFlagRequired("job")
	cmd.MarkFlagRequired("tasks")
	cmd.MarkFlagsMutuallyExclusive("load", "load-failed")

	return cmd
}

func runJobs(cmd *cobra.Command, opts runOptions) error {
	job, err := lookupJob(opts.job)
	if err != nil {
		return err
	}
	tasks, err := readTasks(opts.tasksFile)
	if err != nil {
		return err
	}

	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	// 命令列旗標只在有指定時覆蓋配置
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Run.Workers = opts.workers
	}
	if flags.Changed("timeout") {
		cfg.Run.PassTimeout = opts.timeout
	}
	if flags.Changed("retry") {
		cfg.Run.Retries = opts.retries
	}
	if flags.Changed("inline") {
		cfg.Run.Inline = opts.inline
	}
	if flags.Changed("retry-missing") {
		cfg.Run.RetryMissing = opts.retryMissing
	}
	if flags.Changed("result-dir") {
		cfg.Run.ResultDir = opts.resultDir
	}
	if flags.Changed("keep-backups") {
		cfg.Run.KeepBackups = opts.keepBackups
	}
	if opts.noSave {
		cfg.Run.Save = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctrlConfig := controller.Config{
		Workers:       cfg.Run.Workers,
		PassTimeout:   cfg.Run.PassTimeout,
		Retries:       cfg.Run.Retries,
		RetryMissing:  cfg.Run.RetryMissing,
		Inline:        cfg.Run.Inline,
		ShowProcess:   opts.showProcess,
		ShowJobResult: opts.showResult,
		ResultFile:    snapshot.DefaultPath(cfg.Run.ResultDir, opts.job),
		Save:          cfg.Run.Save,
		KeepBackups:   cfg.Run.KeepBackups,
	}
	switch {
	case opts.load:
		ctrlConfig.Resume = controller.ResumeLoad
	case opts.loadFailed:
		ctrlConfig.Resume = controller.ResumeRetryFailed
	}
	if opts.dbSession {
		ctrlConfig.Resources = sqlstore.SessionFactory(cfg.DB.Driver, cfg.DB.DSN)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := newRunContext(cfg, logger)
	logger.Info("Starting run", "job", opts.job, "tasks", len(tasks), "workers", cfg.Run.Workers, "timeout", cfg.Run.PassTimeout)

	ctrl := controller.New(rc, job, ctrlConfig)
	_, outcomes, err := ctrl.Run(ctx, tasks)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	out := cmd.OutOrStdout()
	stats := ctrl.Stats()
	printRunSummary(out, stats)
	printOutcomes(out, outcomes, opts.all)

	if opts.persist {
		applied, err := persistOutcomes(ctx, rc, cfg, outcomes)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", headColor.Sprint("persist:"), applied)
	}
	return nil
}

// readTasks 讀取任務檔；每個 JSON 物件是一個任務的參數
func readTasks(path string) ([]types.Args, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var tasks []types.Args
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file %s holds no tasks", path)
	}
	return tasks, nil
}

// persistOutcomes 把執行結果對帳進 db.table，變更的欄位保留舊值到 <col>_prior
func persistOutcomes(ctx context.Context, rc *runctx.RunContext, cfg *config.Config, outcomes []types.Outcome) (reconcile.ApplyStats, error) {
	if cfg.DB.DSN == "" || cfg.DB.Table == "" || cfg.DB.Key == "" {
		return reconcile.ApplyStats{}, errors.New("--persist needs db.dsn, db.table and db.key in the config file")
	}

	db, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return reconcile.ApplyStats{}, err
	}
	defer db.Close()

	store := sqlstore.New(db, cfg.DB.Table, sqlstore.Options{Timed: cfg.DB.Timed})
	schema, err := store.Columns(ctx)
	if err != nil {
		return reconcile.ApplyStats{}, err
	}
	existing, err := store.Query(ctx, cfg.DB.Key)
	if err != nil {
		return reconcile.ApplyStats{}, err
	}

	rows, err := reconcile.OutcomeRows(outcomes, lo.Values(existing), cfg.DB.Key, schema)
	if err != nil {
		return reconcile.ApplyStats{}, err
	}

	return reconcile.New(rc, store).Reconcile(ctx, rows,
		reconcile.DiffOptions{
			Key:           cfg.DB.Key,
			Schema:        schema,
			FuzzyNumeric:  true,
			PreservePrior: reconcile.PriorColumns(schema, ""),
		},
		reconcile.ApplyOptions{AllowInsert: true},
	)
}

// ============================================================================
// reconcile
// ============================================================================

type reconcileOptions struct {
	dataFile string
	store    string
	key      string
	table    string
	prefix   string
	delete   bool
	mark     string
	dryRun   bool
	batch    int
	strict   bool
	noInsert bool
}

func buildReconcileCommand() *cobra.Command {
	var opts reconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a JSON data file into a SQL table or Redis",
		Long: `Compare the rows of a JSON data file with the stored rows by a unique key,
then insert new rows, update changed rows and delete or mark rows that disappeared.
The data file may be a list of objects or an object keyed by the unique key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcileData(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.dataFile, "data", "d", "", "JSON data file")
	f.StringVar(&opts.store, "store", "sql", "target store: sql or redis")
	f.StringVar(&opts.key, "key", "", "unique key column (overrides db.key / redis.key)")
	f.StringVar(&opts.table, "table", "", "SQL table (overrides db.table)")
	f.StringVar(&opts.prefix, "prefix", "", "Redis key prefix (overrides redis.prefix)")
	f.BoolVar(&opts.delete, "delete", false, "delete stored rows missing from the data file")
	f.StringVar(&opts.mark, "mark", "", "set this column to 1 on stored rows missing from the data file")
	f.BoolVar(&opts.dryRun, "dry-run", false, "compute the statistics without writing")
	f.IntVar(&opts.batch, "batch", reconcile.DefaultBatchSize, "rows per statement")
	f.BoolVar(&opts.strict, "strict", false, "compare values exactly, so \"10\" differs from 10")
	f.BoolVar(&opts.noInsert, "no-insert", false, "do not insert new rows")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagsMutuallyExclusive("delete", "mark")

	return cmd
}

func reconcileData(cmd *cobra.Command, opts reconcileOptions) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, key, closeStore, err := openGateway(cfg, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	data, err := os.ReadFile(opts.dataFile)
	if err != nil {
		return fmt.Errorf("failed to read data file: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse data file: %w", err)
	}
	rows, err := reconcile.Normalize(raw, key)
	if err != nil {
		return err
	}

	schema, err := gw.Columns(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", reconcile.ErrStorage, err)
	}

	applyOpts := reconcile.ApplyOptions{
		AllowInsert: !opts.noInsert,
		BatchSize:   opts.batch,
		DryRun:      opts.dryRun,
	}
	switch {
	case opts.delete:
		applyOpts.Missing = reconcile.MissingDelete
	case opts.mark != "":
		applyOpts.Missing = reconcile.MissingMark
		applyOpts.MarkColumn = opts.mark
	}

	rc := newRunContext(cfg, logger)
	stats, err := reconcile.New(rc, gw).Reconcile(ctx, rows,
		reconcile.DiffOptions{
			Key:           key,
			Schema:        schema,
			FuzzyNumeric:  !opts.strict,
			PreservePrior: reconcile.PriorColumns(schema, ""),
		},
		applyOpts,
	)
	if err != nil {
		return err
	}

	logger.Info("Reconcile done", "store", opts.store, "stats", stats.String())
	printApplyStats(cmd.OutOrStdout(), stats)
	return nil
}

// openGateway 依 --store 建立 Gateway，回傳實際使用的 key 欄位
func openGateway(cfg *config.Config, opts reconcileOptions) (reconcile.Gateway, string, func(), error) {
	switch opts.store {
	case "sql":
		key := lo.CoalesceOrEmpty(opts.key, cfg.DB.Key)
		table := lo.CoalesceOrEmpty(opts.table, cfg.DB.Table)
		if key == "" || table == "" || cfg.DB.DSN == "" {
			return nil, "", nil, errors.New("sql store needs db.dsn, a table and a key")
		}
		db, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			return nil, "", nil, err
		}
		store := sqlstore.New(db, table, sqlstore.Options{Timed: cfg.DB.Timed})
		return store, key, func() { db.Close() }, nil

	case "redis":
		key := lo.CoalesceOrEmpty(opts.key, cfg.Redis.Key)
		prefix := lo.CoalesceOrEmpty(opts.prefix, cfg.Redis.Prefix)
		if key == "" || len(cfg.Redis.Columns) == 0 {
			return nil, "", nil, errors.New("redis store needs a key and redis.columns")
		}
		client, err := redisstore.Connect(redisstore.Options{URL: cfg.Redis.URL})
		if err != nil {
			return nil, "", nil, err
		}
		store := redisstore.New(client, prefix, key, cfg.Redis.Columns)
		return store, key, func() { client.Close() }, nil
	}
	return nil, "", nil, fmt.Errorf("unknown store %q, choose sql or redis", opts.store)
}

// ============================================================================
// show
// ============================================================================

func buildShowCommand() *cobra.Command {
	var file string
	var all bool
	var top int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the summary of a result file",
		Long:  "Load a result file written by 'mrun run' and print its statistics, failures and missing results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showResults(cmd, file, all, top)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "result file written by 'mrun run'")
	cmd.Flags().BoolVar(&all, "all", false, "list every outcome, not only failures")
	cmd.Flags().IntVar(&top, "top", 5, "list the N slowest outcomes")
	cmd.MarkFlagRequired("file")

	return cmd
}

func showResults(cmd *cobra.Command, file string, all bool, top int) error {
	data, err := snapshot.NewManager(file).Load()
	if err != nil {
		return fmt.Errorf("failed to load result file: %w", err)
	}

	out := cmd.OutOrStdout()
	stats := controller.ComputeStatistics(data.Outcomes)
	fmt.Fprintf(out, "%s %s (saved %s)\n", headColor.Sprint("result file:"), file,
		time.UnixMilli(data.SavedAt).Format(time.DateTime))
	printCounts(out, stats)
	printSlowest(out, data.Outcomes, stats.Slowest, top)
	printOutcomes(out, data.Outcomes, all)
	return nil
}
