package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/oshokin/snipvault-installer/internal/config"
	"github.com/oshokin/snipvault-installer/internal/lockfile"
	"github.com/oshokin/snipvault-installer/internal/logger"
	"github.com/oshokin/snipvault-installer/internal/repository/history"
	"github.com/oshokin/snipvault-installer/internal/repository/manifest"
	"github.com/oshokin/snipvault-installer/internal/service/environment"
	"github.com/oshokin/snipvault-installer/internal/service/fetcher"
	"github.com/oshokin/snipvault-installer/internal/service/installer"
	"github.com/oshokin/snipvault-installer/internal/service/provisioner"
	"github.com/oshokin/snipvault-installer/internal/telemetry"
	"github.com/oshokin/snipvault-installer/internal/version"
)

// Options are shared by every command.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// ManifestPath overrides the manifest from the configuration when set.
	ManifestPath string
	// VerifyOnly stops the installation after every resource is verified.
	VerifyOnly bool
	// Stdout receives user-facing output; os.Stdout when nil.
	Stdout io.Writer
}

// DefaultHistoryLimit is how many runs `history` shows by default.
const DefaultHistoryLimit = 20

// telemetryFlushTimeout bounds exporter shutdown after a run.
const telemetryFlushTimeout = 5 * time.Second

var errHistoryDisabled = errors.New("run history is disabled in the configuration")

// Install performs one installation run with the configured components.
//
//nolint:funlen // Wiring of every component in one place.
func Install(ctx context.Context, opts *Options) (*installer.Result, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, version.Name)

	shutdown, err := telemetry.Init(ctx, version.Name, version.Short(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry: %w", err)
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()

		if flushErr := shutdown(flushCtx); flushErr != nil {
			logger.WarnKV(ctx, "Unable to flush telemetry", "error", flushErr)
		}
	}()

	lock, err := lockfile.Acquire(ctx, cfg.LockFile)
	if err != nil {
		return nil, err
	}

	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			logger.WarnKV(ctx, "Unable to release the lock", "path", lock.Path(), "error", releaseErr)
		}
	}()

	installerOpts := &installer.Options{
		Manifest: manifest.NewFileStore(cfg.Manifest),
		Fetcher: fetcher.New(
			fetcher.WithAttempts(cfg.Fetch.Attempts),
			fetcher.WithBackoff(cfg.Fetch.InitialBackoff, cfg.Fetch.Multiplier),
			fetcher.WithTimeout(cfg.Fetch.Timeout),
		),
		Builder:       environment.New(),
		Provisioner:   provisioner.New(),
		Prerequisites: cfg.Prerequisites,
		RootDir:       cfg.RootDir,
		BaseDir:       cfg.BaseDir,
		Launcher: environment.Launcher{
			Product:    cfg.Product.Name,
			Version:    cfg.Product.Version,
			EntryPoint: cfg.Product.EntryPoint,
			Command:    cfg.Product.Command,
		},
		Concurrency: cfg.Fetch.Concurrency,
		VerifyOnly:  opts.VerifyOnly,
	}

	if cfg.History.Enabled {
		store, openErr := history.Open(ctx, cfg.History.Path)
		if openErr != nil {
			// A broken history database must not block installation.
			logger.WarnKV(ctx, "Run history unavailable", "path", cfg.History.Path, "error", openErr)
		} else {
			defer func() { _ = store.Close() }()

			installerOpts.Recorder = store
		}
	}

	logger.InfoKV(ctx, "Starting installation",
		"root_dir", cfg.RootDir,
		"base_dir", cfg.BaseDir,
		"manifest", manifestLabel(cfg.Manifest),
		"verify_only", opts.VerifyOnly,
	)

	result, err := installer.Run(ctx, installerOpts)
	if err != nil {
		return result, err
	}

	out := stdout(opts)

	if opts.VerifyOnly {
		_, err = fmt.Fprintf(out, "All %d resources were fetched and verified: %v\n",
			len(result.Resources), result.Resources)

		return result, err
	}

	return result, WriteNextSteps(out, cfg.Product, result)
}

// History prints the most recent runs, newest first.
func History(ctx context.Context, opts *Options, limit int) ([]history.Run, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	if !cfg.History.Enabled {
		return nil, errHistoryDisabled
	}

	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = store.Close() }()

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	runs, err := store.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	return runs, writeRuns(stdout(opts), runs)
}

// ShowConfig prints the effective configuration and optionally saves it to writePath.
func ShowConfig(_ context.Context, opts *Options, writePath string) (*config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	if writePath != "" {
		if err = config.Save(writePath, cfg); err != nil {
			return nil, err
		}
	}

	data, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	if _, err = stdout(opts).Write(data); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfig reads settings, applies flag overrides and configures the global logger.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.ManifestPath != "" {
		cfg.Manifest = opts.ManifestPath
	}

	if err = logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeRuns(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd // Column padding.

	_, _ = fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tPHASE\tFAILED IN\tVERIFY ONLY\tRESOURCES\tERROR")

	for _, run := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
			run.Phase,
			dash(run.FailedPhase),
			run.VerifyOnly,
			len(run.Resources),
			dash(run.Error),
		)
	}

	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func manifestLabel(path string) string {
	if path == "" {
		return "embedded"
	}

	return path
}

func stdout(opts *Options) io.Writer {
	if opts.Stdout != nil {
		return opts.Stdout
	}

	return os.Stdout
}
