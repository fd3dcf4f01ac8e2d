package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/config"
	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/explain"
	"github.com/roach88/querypilot/internal/history"
	"github.com/roach88/querypilot/internal/journal"
	"github.com/roach88/querypilot/internal/oracle"
	"github.com/roach88/querypilot/internal/pipeline"
	"github.com/roach88/querypilot/internal/schema"
	"github.com/roach88/querypilot/internal/storage"
	"github.com/roach88/querypilot/internal/storage/memstore"
	"github.com/roach88/querypilot/internal/storage/mongostore"
	"github.com/roach88/querypilot/internal/synth"
)

// App holds the collaborators a command works with.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Catalog  *schema.Catalog
	Engine   storage.Engine
	Pipeline *pipeline.Pipeline

	// Journal is nil when QP_HISTORY_DB is unset.
	Journal *journal.Journal

	synth     *synth.Synthesizer
	logCloser io.Closer
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.LoadFrom(opts.EnvFile)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Store != "" {
		cfg.Store = opts.Store
		if err := cfg.Validate(); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
	}
	return cfg, nil
}

func loadCatalog(cfg config.Config) (*schema.Catalog, error) {
	if cfg.SchemaDir == "" {
		return schema.Default()
	}
	return schema.LoadDir(cfg.SchemaDir)
}

// openApp wires every collaborator from configuration. Close releases them.
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer) (_ *App, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := cfg.Log.Logger(stderr, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	slog.SetDefault(logger)

	app := &App{Config: cfg, Logger: logger, logCloser: logCloser}
	defer func() {
		if err != nil {
			if closeErr := app.Close(ctx); closeErr != nil {
				logger.Warn("cleanup failed", "error", closeErr)
			}
		}
	}()

	if app.Catalog, err = loadCatalog(cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	switch cfg.Store {
	case config.StoreMemory:
		mem, err := memstore.Open(memstore.WithLogger(logger), memstore.WithSnapshot(cfg.Snapshot))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load snapshot", err)
		}
		app.Engine = mem
	default:
		app.Engine = mongostore.New(mongostore.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Timeout:  cfg.MongoTimeout,
			Logger:   logger,
		})
	}
	logger.Debug("storage ready", "store", cfg.Store)

	o := opts.Oracle
	if o == nil {
		o = oracle.NewGemini(oracle.GeminiConfig{
			APIKey:   cfg.APIKey,
			Model:    cfg.OracleModel,
			Endpoint: cfg.OracleEndpoint,
			Logger:   logger,
		})
	}

	synthParams := oracle.SynthesisParams
	synthParams.Timeout = cfg.OracleTimeout
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = -1
	}
	app.synth, err = synth.New(synth.Config{
		Oracle:   o,
		Catalog:  app.Catalog,
		CacheTTL: cacheTTL,
		Lenient:  cfg.LenientJSON,
		Params:   synthParams,
		Logger:   logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open generation cache", err)
	}

	explainParams := oracle.ExplainParams
	explainParams.Timeout = cfg.ExplainTimeout
	pcfg := pipeline.Config{
		Synthesizer: app.synth,
		Executor:    executor.New(app.Engine, logger),
		Explainer:   explain.New(o, explain.WithParams(explainParams), explain.WithLogger(logger)),
		Logger:      logger,
	}

	if cfg.HistoryDB != "" {
		app.Journal, err = journal.Open(cfg.HistoryDB)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open command journal", err)
		}
		pcfg.Journal = app.Journal
	}

	app.Pipeline, err = pipeline.New(pcfg)
	if err != nil {
		return nil, err
	}

	if app.Journal != nil {
		records, err := app.Journal.RecentSucceeded(ctx, history.DefaultCapacity)
		if err != nil {
			logger.Warn("history restore failed", "error", err)
		} else {
			app.Pipeline.Restore(records)
			logger.Debug("history restored", "entries", app.Pipeline.History().Len())
		}
	}
	return app, nil
}

// Close releases every collaborator. The memory engine writes its snapshot.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.synth != nil {
		errs = append(errs, a.synth.Close())
	}
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close(ctx))
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app for cmd, runs fn and closes the app. Interrupts
// cancel the context passed to fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, app *App) error) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	app, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			slog.Error("error closing resources", "error", closeErr)
		}
	}()
	return fn(ctx, app)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// reportFailure writes a pipeline failure and turns it into an exit error.
func reportFailure(f *OutputFormatter, err error) error {
	pe, ok := pipeline.AsPhaseError(err)
	if !ok {
		return WrapExitError(ExitCommandError, "command failed", err)
	}
	if werr := f.Failure(pe); werr != nil {
		return werr
	}
	return &ExitError{Code: ExitFailure, Message: pe.Error(), Err: err, Reported: true}
}

func errorf(code int, format string, args ...any) *ExitError {
	return NewExitError(code, fmt.Sprintf(format, args...))
}
