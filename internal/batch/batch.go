// Package batch runs several backtests concurrently against one data provider.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/telemetry"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one backtest to run
type Job struct {
	Name   string
	Config *types.BacktestConfig
}

// Outcome is the result of one job. Exactly one of Results and Err is set.
type Outcome struct {
	Name     string
	Results  *backtester.Results
	Err      error
	Duration time.Duration
}

// Runner executes jobs with bounded parallelism. Each job gets its own
// engine and strategy instance; the provider is shared and must be safe
// for concurrent use.
type Runner struct {
	logger     *zap.Logger
	provider   backtester.DataProvider
	registry   *strategy.Registry
	collectors *telemetry.Collectors

	// Parallelism caps concurrent runs. Zero means GOMAXPROCS.
	Parallelism int
	// FailFast cancels the remaining jobs after the first failure.
	FailFast bool
}

// NewRunner creates a batch runner
func NewRunner(logger *zap.Logger, provider backtester.DataProvider, registry *strategy.Registry) *Runner {
	return &Runner{
		logger:   logger,
		provider: provider,
		registry: registry,
	}
}

// WithCollectors attaches prometheus collectors to every engine the runner creates
func (r *Runner) WithCollectors(c *telemetry.Collectors) *Runner {
	r.collectors = c
	return r
}

// Run executes all jobs and returns their outcomes in job order. The error is
// non-nil only when ctx ends or, with FailFast, when a job fails.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Outcome, error) {
	limit := r.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	outcomes := make([]Outcome, len(jobs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	r.logger.Info("Starting batch", zap.Int("jobs", len(jobs)), zap.Int("parallelism", limit))

	for i, job := range jobs {
		if gctx.Err() != nil {
			outcomes[i] = Outcome{Name: job.Name, Err: gctx.Err()}
			continue
		}
		group.Go(func() error {
			outcomes[i] = r.runOne(gctx, job)
			if outcomes[i].Err != nil && r.FailFast {
				return fmt.Errorf("%s: %w", job.Name, outcomes[i].Err)
			}
			return nil
		})
	}

	err := group.Wait()
	if err == nil {
		err = ctx.Err()
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	r.logger.Info("Batch finished", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return outcomes, err
}

func (r *Runner) runOne(ctx context.Context, job Job) Outcome {
	start := time.Now()
	out := Outcome{Name: job.Name}
	if job.Config == nil {
		out.Err = fmt.Errorf("job %s has no config", job.Name)
		return out
	}

	strat, err := r.registry.Create(job.Config.Strategy)
	if err != nil {
		out.Err = err
		return out
	}

	engine := backtester.NewEngine(r.logger.With(zap.String("job", job.Name)), r.provider, strat).
		WithCollectors(r.collectors)
	out.Results, out.Err = engine.Run(ctx, job.Config)
	out.Duration = time.Since(start)

	if out.Err != nil {
		r.logger.Warn("Batch job failed", zap.String("job", job.Name), zap.Error(out.Err))
	}
	return out
}
