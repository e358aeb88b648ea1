package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/extraction"
	"github.com/sells-group/bookkeeper/internal/intake"
	"github.com/sells-group/bookkeeper/internal/linker"
	"github.com/sells-group/bookkeeper/internal/monitoring"
	"github.com/sells-group/bookkeeper/internal/ocr"
	"github.com/sells-group/bookkeeper/internal/resilience"
	"github.com/sells-group/bookkeeper/internal/store"
	anthropicpkg "github.com/sells-group/bookkeeper/pkg/anthropic"
)

// pipelineEnv holds the initialized store and pipeline components shared by
// the submit/worker/sweep/reconcile/serve commands.
type pipelineEnv struct {
	Store        store.Store
	Files        *intake.FileStore
	Queue        *intake.Queue
	Ledger       *intake.Ledger
	Sweeper      *intake.Sweeper
	Linker       *linker.Linker
	Orchestrator *extraction.Orchestrator
	Checker      *monitoring.Checker
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "bookkeeper.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initIntake sets up the store, managed file storage, and the intake ledger.
// Callers should defer env.Close().
func initIntake(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	files, err := intake.NewFileStore(cfg.Intake.StorageDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	queue := intake.NewQueue(st)
	env := &pipelineEnv{
		Store:  st,
		Files:  files,
		Queue:  queue,
		Ledger: intake.NewLedger(st, queue, files),
	}
	return env, nil
}

// initPipeline extends initIntake with the extraction workers, the liveness
// sweeper, the linker, and the monitoring checker.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	env, err := initIntake(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Anthropic.Key == "" {
		env.Close()
		return nil, eris.New("anthropic key is required (BOOKKEEPER_ANTHROPIC_KEY)")
	}

	extractor, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		env.Close()
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	backend := extraction.NewAnthropicBackend(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic, breaker)

	env.Orchestrator = extraction.NewOrchestrator(env.Store, env.Queue, backend, extraction.NewTextLoader(extractor), extraction.Config{
		MaxRetryAttempts: cfg.Pipeline.MaxRetryAttempts,
		PollInterval:     time.Duration(cfg.Pipeline.PollIntervalSecs) * time.Second,
		Retry: resilience.FromRetryConfig(0, cfg.Pipeline.InitialBackoffMs, cfg.Pipeline.MaxBackoffMs, 0, -1),
		Policy: extraction.ValidatePolicy{
			LineItemTolerance: cfg.Pipeline.LineItemTolerance,
			DefaultCurrency:   cfg.Pipeline.DefaultCurrency,
		},
	})

	staleAfter := time.Duration(cfg.Pipeline.StaleAfterMins) * time.Minute
	pollInterval := time.Duration(cfg.Pipeline.PollIntervalSecs) * time.Second
	env.Sweeper = intake.NewSweeper(env.Store, env.Queue, pollInterval, staleAfter)

	env.Linker = linker.New(env.Store, linkerConfig())

	collector := monitoring.NewCollector(env.Store, staleAfter)
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	env.Checker = monitoring.NewChecker(collector, alerter, cfg.Monitoring)

	return env, nil
}

func linkerConfig() linker.Config {
	return linker.Config{
		AmountTolerance: cfg.Linker.AmountTolerance,
		Window:          time.Duration(cfg.Linker.WindowDays) * 24 * time.Hour,
		MaxAge:          time.Duration(cfg.Linker.MaxAgeDays) * 24 * time.Hour,
	}
}
