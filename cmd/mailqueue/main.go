package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailqueue/internal/config"
	"mailqueue/internal/constants"
	"mailqueue/internal/database"
	"mailqueue/internal/models"
	"mailqueue/internal/retry"
	"mailqueue/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const usage = `Usage: mailqueue [flags] <command> [args]

Commands:
  run                       drain the queue once
  daemon                    drain the queue periodically and serve /health and /metrics
  enqueue [flags] <file>    queue an encoded message (- reads stdin)
  blacklist add <address>   suppress delivery to an address
  blacklist remove <address>
  blacklist list
  retry-deferred            make every deferred message eligible again
  status                    show queue depth
  log [flags]               show the activity log

Flags:
`

// globalOptions are the flags accepted before the command name.
type globalOptions struct {
	configPath string
	envFile    string
	verbose    bool
	version    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logrus.Fatalf("Application error: %v", err)
	}
}

func parseGlobal(args []string, out io.Writer) (*globalOptions, []string, error) {
	opts := &globalOptions{}
	flags := flag.NewFlagSet("mailqueue", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.StringVar(&opts.configPath, "config", "config.json", "Path to configuration file (empty for defaults and environment only)")
	flags.StringVar(&opts.envFile, "env", ".env", "Environment file loaded before the configuration")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging (includes recipient addresses)")
	flags.BoolVar(&opts.version, "version", false, "Show version information")
	flags.Usage = func() {
		fmt.Fprint(out, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, flags.Args(), nil
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	opts, rest, err := parseGlobal(args, out)
	if err != nil {
		return err
	}

	if opts.version {
		fmt.Fprintf(out, "mailqueue %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		return nil
	}

	if len(rest) == 0 {
		fmt.Fprint(out, usage)
		return fmt.Errorf("no command given")
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	return cmd(ctx, a, rest[1:], out)
}

// app holds what every command needs.
type app struct {
	opts    *globalOptions
	cfg     *models.Config
	logger  *logrus.Logger
	db      *database.Database
	tracing *tracing.TracingManager
}

func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg, opts.verbose)

	tracingCfg := cfg.Tracing
	defaults := tracing.DefaultTracingConfig()
	if tracingCfg.ServiceName == "" {
		tracingCfg.ServiceName = defaults.ServiceName
	}
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = Version
	}
	if tracingCfg.SampleRate <= 0 {
		tracingCfg.SampleRate = defaults.SampleRate
	}
	tm := tracing.NewTracingManager(tracingCfg, logger)
	if err := tm.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		_ = tm.Shutdown(context.Background())
		return nil, err
	}

	return &app{opts: opts, cfg: cfg, logger: logger, db: db, tracing: tm}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close database")
	}
	if err := a.tracing.Shutdown(context.Background()); err != nil {
		a.logger.Warnf("Failed to shutdown tracing: %v", err)
	}
}

// loadEnvFile loads path into the environment when it exists. Variables that
// are already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func newLogger(cfg *models.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - recipient addresses will be logged")
		return logger
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openDatabase opens the store, retrying while the file is busy.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultDatabaseRetryMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultDatabaseMaxRetryMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}
