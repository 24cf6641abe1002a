package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RevCBH/winforge/internal/checkpoint"
	"github.com/RevCBH/winforge/internal/config"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/logging"
	"github.com/RevCBH/winforge/internal/metrics"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/store"
	"github.com/RevCBH/winforge/internal/txn"
)

// DefaultBusCapacity buffers events between the engine and slow consumers
const DefaultBusCapacity = 1000

// Runtime holds all wired components
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         *events.Bus
	DB          *store.DB
	Checkpoints *checkpoint.Store
	Drivers     *mount.Registry
	Runner      mount.Runner
	Engine      *txn.Engine

	stopMetrics func(context.Context) error
}

// WireOptions overrides collaborators, mostly for tests.
type WireOptions struct {
	// Runner executes the external imaging tools (default: the OS runner)
	Runner mount.Runner

	// Drivers replaces the default driver set
	Drivers *mount.Registry
}

// Wire assembles the engine from cfg. The caller must Close the runtime.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts WireOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	logger = logging.OrNop(logger)

	for _, dir := range []string{cfg.StateDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	cps, err := checkpoint.NewStore(db, checkpoint.Options{
		Root:        cfg.ObjectsDir(),
		FullEvery:   cfg.Checkpoint.FullEvery,
		HashWorkers: cfg.Checkpoint.HashWorkers,
		Logger:      logger.With("component", "checkpoint"),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	stopMetrics, err := metrics.Setup(ctx, cfg.Metrics.OTLPEndpoint, cfg.Metrics.Insecure)
	if err != nil {
		db.Close()
		return nil, err
	}

	runner := opts.Runner
	if runner == nil {
		runner = mount.NewOSRunner()
	}
	drivers := opts.Drivers
	if drivers == nil {
		drivers = mount.NewDefaultRegistry(mount.Options{
			Runner: runner,
			Tools: mount.Tools{
				DISM:       cfg.Tools.DISM,
				PowerShell: cfg.Tools.PowerShell,
				SevenZip:   cfg.Tools.SevenZip,
				Oscdimg:    cfg.Tools.Oscdimg,
			},
			MinFreeSpace:   cfg.MinFreeSpace,
			MountTimeout:   cfg.MountTimeoutDuration(),
			UnmountTimeout: cfg.UnmountTimeoutDuration(),
			Logger:         logger.With("component", "mount"),
		})
	}

	initial, maxBackoff := cfg.Retry.Backoff()
	bus := events.NewBus(DefaultBusCapacity)

	engine := &txn.Engine{
		Locks:           lock.NewRegistry(),
		Drivers:         drivers,
		Checkpoints:     cps,
		Store:           db,
		Generations:     mount.NewGenerations(db),
		Bus:             bus,
		Metrics:         metrics.Global(),
		Logger:          logger.With("component", "txn"),
		WorkDir:         cfg.WorkDir,
		LockWait:        cfg.LockWaitDuration(),
		CheckpointEvery: cfg.Checkpoint.Every,
		Retry: mount.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialBackoff:  initial,
			MaxBackoff:      maxBackoff,
			BackoffMultiply: cfg.Retry.Multiplier,
		},
	}

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Bus:         bus,
		DB:          db,
		Checkpoints: cps,
		Drivers:     drivers,
		Runner:      runner,
		Engine:      engine,
		stopMetrics: stopMetrics,
	}, nil
}

// Close drains the event bus, flushes metrics and closes the database.
func (r *Runtime) Close() error {
	var errs []error
	if r.Bus != nil {
		errs = append(errs, r.Bus.Close())
	}
	if r.stopMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, r.stopMetrics(ctx))
		cancel()
	}
	if r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}

// loadConfig reads --config, or .winforge.yaml in the working directory.
// Relative directories in an explicit file resolve against that file.
func (a *App) loadConfig() (*config.Config, error) {
	if a.configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		return config.LoadConfig(wd)
	}
	abs, err := filepath.Abs(a.configPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	return config.LoadFile(abs, filepath.Dir(abs))
}

// newLogger builds the process logger. Flags win over the config file.
func (a *App) newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	name := cfg.LogLevel
	if a.logLevel != "" {
		name = a.logLevel
	}
	if a.verbose {
		name = "debug"
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	return logging.New(level, w), nil
}

// setup loads config, the logger and the runtime in one go.
func (a *App) setup(ctx context.Context, opts WireOptions) (*Runtime, error) {
	return a.setupLogging(ctx, opts, a.stderr)
}

// setupLogging is setup with logs sent to w.
func (a *App) setupLogging(ctx context.Context, opts WireOptions, w io.Writer) (*Runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := a.newLogger(cfg, w)
	if err != nil {
		return nil, err
	}
	return Wire(ctx, cfg, logger, opts)
}
