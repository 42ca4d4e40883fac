// Package pipeline orchestrates the fetch-normalize-evaluate-alert run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/buildflow/weather-risk/internal/domain"
	"github.com/buildflow/weather-risk/internal/observability"
)

// ForecastFetcher retrieves a raw forecast payload for a location and window.
type ForecastFetcher interface {
	Fetch(ctx context.Context, loc domain.Location, window domain.Window, gran domain.Granularity) (domain.RawForecast, error)
}

// SnapshotStore persists normalized batches and serves the latest snapshots
// for a window.
type SnapshotStore interface {
	SaveBatch(ctx context.Context, batch domain.WeatherBatch, snaps []domain.WeatherSnapshot) (written, superseded int, err error)
	SnapshotsForWindow(ctx context.Context, loc domain.Location, window domain.Window, gran domain.Granularity) ([]domain.WeatherSnapshot, error)
}

// AlertApplier turns findings into issue changes.
type AlertApplier interface {
	Apply(ctx context.Context, findings []domain.RiskFinding) ([]domain.IssueChange, error)
}

// AlertPublisher pushes issue changes onto the alert bus. Optional.
type AlertPublisher interface {
	PublishIssueChanges(ctx context.Context, changes []domain.IssueChange) error
}

// Stage names the phase a run is in when it fails.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageNormalizing Stage = "normalizing"
	StageEvaluating  Stage = "evaluating"
	StageAlerting    Stage = "alerting"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// RunRequest describes one pipeline run: which location to fetch, over which
// window, and which scope the resulting issues attach to.
type RunRequest struct {
	Location    domain.Location
	Window      domain.Window
	Granularity domain.Granularity
	Scope       domain.Scope
}

// RunResult reports how a run ended. Stage and Err are set when Outcome is
// OutcomeFailed; Issues lists the changes the alerting stage applied.
type RunResult struct {
	Outcome Outcome
	Stage   Stage
	Err     error
	Issues  []domain.IssueChange
}

const (
	fetchBaseBackoff = 200 * time.Millisecond
	maxConflictTries = 3
)

// Runner executes pipeline runs. Runs for the same location are serialized;
// distinct locations run concurrently.
type Runner struct {
	fetcher   ForecastFetcher
	store     SnapshotStore
	applier   AlertApplier
	publisher AlertPublisher
	rules     []domain.RiskRule

	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
	fetchTries   int
	locks        map[string]*sync.Mutex
	locksMu      sync.Mutex
	readinessErr func(ctx context.Context) error
}

// NewRunner creates a Runner. publisher may be nil when the alert bus is
// disabled; readiness is the store health probe used by CheckReadiness.
func NewRunner(
	fetcher ForecastFetcher,
	store SnapshotStore,
	applier AlertApplier,
	publisher AlertPublisher,
	rules []domain.RiskRule,
	fetchTries int,
	clock clockwork.Clock,
	logger *slog.Logger,
	metrics *observability.Metrics,
	readiness func(ctx context.Context) error,
) *Runner {
	if fetchTries < 1 {
		fetchTries = 1
	}
	return &Runner{
		fetcher:      fetcher,
		store:        store,
		applier:      applier,
		publisher:    publisher,
		rules:        rules,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		fetchTries:   fetchTries,
		locks:        make(map[string]*sync.Mutex),
		readinessErr: readiness,
	}
}

// CheckReadiness returns nil when the service can accept runs: the store is
// reachable and at least one rule is loaded.
func (r *Runner) CheckReadiness(ctx context.Context) error {
	if len(r.rules) == 0 {
		return errors.New("no risk rules loaded")
	}
	if r.readinessErr != nil {
		return r.readinessErr(ctx)
	}
	return nil
}

// Run executes one pipeline run to completion. A failed run never applies a
// partial batch: persistence happens in a single store transaction and the
// alerting stage is only reached after it commits.
func (r *Runner) Run(ctx context.Context, req RunRequest) RunResult {
	if err := r.validate(req); err != nil {
		return r.fail(StageFetching, err)
	}

	lock := r.locationLock(req.Location.Key())
	lock.Lock()
	defer lock.Unlock()

	start := r.clock.Now()
	r.logger.Info("run started",
		"location", req.Location.Key(),
		"window_start", req.Window.Start,
		"window_end", req.Window.End,
		"granularity", req.Granularity,
	)

	raw, err := r.runFetch(ctx, req)
	if err != nil {
		return r.fail(StageFetching, err)
	}

	if err := r.runNormalize(ctx, req, raw); err != nil {
		return r.fail(StageNormalizing, err)
	}

	findings, err := r.runEvaluate(ctx, req)
	if err != nil {
		return r.fail(StageEvaluating, err)
	}

	changes, err := r.runAlert(ctx, findings)
	if err != nil {
		return r.fail(StageAlerting, err)
	}

	r.metrics.RunsTotal.WithLabelValues(string(OutcomeSucceeded)).Inc()
	r.logger.Info("run finished",
		"location", req.Location.Key(),
		"findings", len(findings),
		"issue_changes", len(changes),
		"elapsed", r.clock.Since(start),
	)
	return RunResult{Outcome: OutcomeSucceeded, Issues: changes}
}

func (r *Runner) validate(req RunRequest) error {
	if err := req.Location.Validate(); err != nil {
		return err
	}
	if err := req.Window.Validate(); err != nil {
		return err
	}
	if !req.Granularity.Valid() {
		return &domain.PermanentFetchError{Reason: "invalid granularity " + string(req.Granularity)}
	}
	return nil
}

// runFetch retries transient failures with exponential backoff, doubling from
// the base delay. Permanent failures and context cancellation stop it early.
func (r *Runner) runFetch(ctx context.Context, req RunRequest) (domain.RawForecast, error) {
	defer r.observeStage(StageFetching, r.clock.Now())

	backoff := fetchBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.fetchTries; attempt++ {
		raw, err := r.fetcher.Fetch(ctx, req.Location, req.Window, req.Granularity)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !domain.IsTransient(err) || ctx.Err() != nil {
			return domain.RawForecast{}, err
		}
		if attempt == r.fetchTries {
			break
		}

		r.metrics.FetchRetries.Inc()
		r.logger.Warn("fetch failed, retrying",
			"location", req.Location.Key(), "attempt", attempt, "backoff", backoff, "error", err)
		if !r.sleep(ctx, backoff) {
			return domain.RawForecast{}, ctx.Err()
		}
		backoff *= 2
	}
	return domain.RawForecast{}, lastErr
}

// runNormalize converts the raw payload and persists the whole batch in one
// transaction. A rejected batch writes nothing.
func (r *Runner) runNormalize(ctx context.Context, req RunRequest, raw domain.RawForecast) error {
	defer r.observeStage(StageNormalizing, r.clock.Now())

	batch, snaps, err := domain.Normalize(raw.Payload, domain.BatchMeta{
		Location:    req.Location,
		Window:      req.Window,
		Granularity: req.Granularity,
		Source:      raw.Source,
		FetchedAt:   raw.FetchedAt,
	})
	if err != nil {
		if domain.IsPermanent(err) {
			r.metrics.BatchesRejected.Inc()
		}
		return err
	}

	written, superseded, err := r.store.SaveBatch(ctx, batch, snaps)
	if err != nil {
		return err
	}
	r.metrics.SnapshotsWritten.Add(float64(written))
	r.metrics.SnapshotsSuperseded.Add(float64(superseded))
	r.logger.Debug("batch persisted",
		"batch_id", batch.ID, "written", written, "superseded", superseded)
	return nil
}

// runEvaluate reads the store's latest view of the window, so snapshots from
// earlier fetches that this batch did not supersede still count.
func (r *Runner) runEvaluate(ctx context.Context, req RunRequest) ([]domain.RiskFinding, error) {
	defer r.observeStage(StageEvaluating, r.clock.Now())

	snaps, err := r.store.SnapshotsForWindow(ctx, req.Location, req.Window, req.Granularity)
	if err != nil {
		return nil, err
	}
	findings := domain.Evaluate(r.rules, snaps, req.Scope, r.clock.Now())
	r.metrics.FindingsTotal.Add(float64(len(findings)))
	return findings, nil
}

// runAlert applies findings, retrying the whole batch on store conflicts.
// The applier is idempotent so a partial first attempt is safe to replay.
func (r *Runner) runAlert(ctx context.Context, findings []domain.RiskFinding) ([]domain.IssueChange, error) {
	defer r.observeStage(StageAlerting, r.clock.Now())

	var changes []domain.IssueChange
	var err error
	for attempt := 1; attempt <= maxConflictTries; attempt++ {
		changes, err = r.applier.Apply(ctx, findings)
		if err == nil {
			break
		}
		if !domain.IsConflict(err) || attempt == maxConflictTries || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("alerting conflicted, retrying", "attempt", attempt, "error", err)
		if !r.sleep(ctx, fetchBaseBackoff) {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	for _, c := range changes {
		switch c.Action {
		case domain.ActionCreated:
			r.metrics.IssuesCreated.Inc()
		case domain.ActionUpdated:
			r.metrics.IssuesUpdated.Inc()
		}
	}

	r.publish(ctx, changes)
	return changes, nil
}

// publish is best effort. Issues are already persisted, so a bus failure is
// logged and counted but never fails the run.
func (r *Runner) publish(ctx context.Context, changes []domain.IssueChange) {
	if r.publisher == nil || len(changes) == 0 {
		return
	}
	if err := r.publisher.PublishIssueChanges(ctx, changes); err != nil {
		r.metrics.AlertPublishErrors.Inc()
		r.logger.Error("publish issue changes failed", "error", err, "changes", len(changes))
	}
}

func (r *Runner) fail(stage Stage, err error) RunResult {
	r.metrics.RunsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	r.logger.Error("run failed", "stage", stage, "error", err)
	return RunResult{Outcome: OutcomeFailed, Stage: stage, Err: err}
}

func (r *Runner) observeStage(stage Stage, start time.Time) {
	r.metrics.StageDuration.WithLabelValues(string(stage)).Observe(r.clock.Since(start).Seconds())
}

func (r *Runner) locationLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// sleep waits d on the injected clock, returning false if the context ends
// first.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
