package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/buildflow/weather-risk/internal/domain"
	"github.com/buildflow/weather-risk/internal/observability"
	"github.com/buildflow/weather-risk/internal/rules"
)

// runPerformer is what the scheduler needs from the Runner.
type runPerformer interface {
	Run(ctx context.Context, req RunRequest) RunResult
}

// Scheduler triggers a pipeline run for every configured site at a fixed
// interval. A failed site run is logged and does not stop the sweep.
type Scheduler struct {
	runner       runPerformer
	sites        []rules.Site
	interval     time.Duration
	forecastDays int
	granularity  domain.Granularity

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewScheduler creates a Scheduler over the configured sites.
func NewScheduler(
	runner runPerformer,
	sites []rules.Site,
	interval time.Duration,
	forecastDays int,
	granularity domain.Granularity,
	clock clockwork.Clock,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Scheduler {
	return &Scheduler{
		runner:       runner,
		sites:        sites,
		interval:     interval,
		forecastDays: forecastDays,
		granularity:  granularity,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run sweeps all sites immediately, then once per interval until the context
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"sites", len(s.sites), "interval", s.interval, "forecast_days", s.forecastDays)
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	s.sweep(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

// sweep runs the pipeline once for every site.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, site := range s.sites {
		if ctx.Err() != nil {
			return
		}
		req := s.requestFor(site)
		result := s.runner.Run(ctx, req)
		if result.Outcome == OutcomeFailed {
			s.logger.Error("scheduled run failed",
				"site", site.ID, "stage", result.Stage, "error", result.Err)
		}
	}
}

// requestFor builds the forecast window for one site: from the current
// granularity step out to the configured horizon.
func (s *Scheduler) requestFor(site rules.Site) RunRequest {
	start := s.granularity.Truncate(s.clock.Now().UTC())
	end := start.Add(time.Duration(s.forecastDays)*24*time.Hour - s.granularity.Step())
	return RunRequest{
		Location:    site.Location,
		Window:      domain.Window{Start: start, End: end},
		Granularity: s.granularity,
		Scope:       site.Scope,
	}
}
