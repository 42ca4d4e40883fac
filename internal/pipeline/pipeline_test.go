package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/weather-risk/internal/domain"
	"github.com/buildflow/weather-risk/internal/observability"
	"github.com/buildflow/weather-risk/internal/pipeline"
)

// --- mocks ---

type mockFetcher struct {
	mu       sync.Mutex
	payloads [][]byte
	errs     []error
	calls    int
}

func (m *mockFetcher) Fetch(_ context.Context, _ domain.Location, _ domain.Window, _ domain.Granularity) (domain.RawForecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return domain.RawForecast{}, m.errs[i]
	}
	payload := m.payloads[len(m.payloads)-1]
	if i < len(m.payloads) {
		payload = m.payloads[i]
	}
	return domain.RawForecast{
		Payload:   payload,
		Source:    "open-meteo",
		FetchedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

type mockStore struct {
	mu    sync.Mutex
	snaps []domain.WeatherSnapshot
	saves int
	err   error
}

func (m *mockStore) SaveBatch(_ context.Context, _ domain.WeatherBatch, snaps []domain.WeatherSnapshot) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	m.saves++
	m.snaps = snaps
	return len(snaps), 0, nil
}

func (m *mockStore) SnapshotsForWindow(_ context.Context, _ domain.Location, _ domain.Window, _ domain.Granularity) ([]domain.WeatherSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps, nil
}

type mockApplier struct {
	errs    []error
	calls   int
	changes []domain.IssueChange
}

func (m *mockApplier) Apply(_ context.Context, findings []domain.RiskFinding) ([]domain.IssueChange, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if m.changes != nil {
		return m.changes, nil
	}
	out := make([]domain.IssueChange, len(findings))
	for j, f := range findings {
		out[j] = domain.IssueChange{
			Issue:  domain.Issue{ID: fmt.Sprintf("iss-%d", j), RuleID: f.Rule.ID, Severity: f.Severity},
			Action: domain.ActionCreated,
		}
	}
	return out, nil
}

type mockPublisher struct {
	published []domain.IssueChange
	err       error
}

func (m *mockPublisher) PublishIssueChanges(_ context.Context, changes []domain.IssueChange) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, changes...)
	return nil
}

// --- helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRules() []domain.RiskRule {
	return []domain.RiskRule{{
		ID:        "wind-high",
		Name:      "High wind",
		Metric:    domain.MetricWindSpeed,
		Op:        domain.OpGT,
		Threshold: 8,
		Severity:  domain.SeverityMedium,
		Cooldown:  6 * time.Hour,
	}}
}

func testRequest() pipeline.RunRequest {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return pipeline.RunRequest{
		Location:    domain.Location{Lat: 41.15, Lon: -8.61},
		Window:      domain.Window{Start: start, End: start.Add(5 * time.Hour)},
		Granularity: domain.GranularityHourly,
		Scope:       domain.Scope{ProjectID: "porto"},
	}
}

// windyPayload has six hourly points; winds are km/h so 54 km/h = 15 m/s.
func windyPayload(t *testing.T) []byte {
	t.Helper()
	times := make([]string, 6)
	temps := make([]float64, 6)
	probs := make([]float64, 6)
	winds := []float64{10, 10, 54, 54, 54, 10}
	codes := make([]int, 6)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Hour).Format("2006-01-02T15:04")
		temps[i] = 12
		probs[i] = 20
		codes[i] = 3
	}
	payload, err := json.Marshal(map[string]any{
		"hourly": map[string]any{
			"time":                      times,
			"temperature_2m":            temps,
			"precipitation_probability": probs,
			"wind_speed_10m":            winds,
			"weather_code":              codes,
		},
	})
	require.NoError(t, err)
	return payload
}

func rejectedPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"hourly": map[string]any{
			"time":                      []string{"2026-03-01T00:00"},
			"temperature_2m":            []float64{12},
			"precipitation_probability": []float64{140},
			"wind_speed_10m":            []float64{10},
			"weather_code":              []int{3},
		},
	})
	require.NoError(t, err)
	return payload
}

func newRunner(f *mockFetcher, s *mockStore, a *mockApplier, p *mockPublisher, tries int, clock clockwork.Clock) *pipeline.Runner {
	var pub pipeline.AlertPublisher
	if p != nil {
		pub = p
	}
	return pipeline.NewRunner(
		f, s, a, pub, testRules(), tries, clock,
		testLogger(), observability.NewMetricsForTesting(), nil,
	)
}

// --- tests ---

func TestRun_HappyPath(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	store := &mockStore{}
	applier := &mockApplier{}
	publisher := &mockPublisher{}

	r := newRunner(fetcher, store, applier, publisher, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	require.NoError(t, result.Err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "wind-high", result.Issues[0].Issue.RuleID)

	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.snaps, 6)
	assert.Len(t, publisher.published, 1)
}

func TestRun_NoFindingsNoIssues(t *testing.T) {
	payload := windyPayload(t)
	fetcher := &mockFetcher{payloads: [][]byte{payload}}
	store := &mockStore{}
	applier := &mockApplier{changes: []domain.IssueChange{}}
	publisher := &mockPublisher{}

	r := pipeline.NewRunner(
		fetcher, store, applier, publisher,
		[]domain.RiskRule{{
			ID: "heat", Name: "Heat", Metric: domain.MetricTemperature,
			Op: domain.OpGT, Threshold: 40, Severity: domain.SeverityLow,
		}},
		3, clockwork.NewRealClock(), testLogger(), observability.NewMetricsForTesting(), nil,
	)

	result := r.Run(context.Background(), testRequest())
	require.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	assert.Empty(t, result.Issues)
	assert.Empty(t, publisher.published)
}

func TestRun_TransientFetchRetried(t *testing.T) {
	transient := &domain.TransientFetchError{Op: "fetch", Err: errors.New("503")}
	fetcher := &mockFetcher{
		payloads: [][]byte{nil, windyPayload(t)},
		errs:     []error{transient, nil},
	}
	store := &mockStore{}

	r := newRunner(fetcher, store, &mockApplier{}, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 2, fetcher.calls)
}

func TestRun_TransientFetchExhausted(t *testing.T) {
	transient := &domain.TransientFetchError{Op: "fetch", Err: errors.New("503")}
	fetcher := &mockFetcher{
		payloads: [][]byte{nil},
		errs:     []error{transient, transient, transient},
	}

	r := newRunner(fetcher, &mockStore{}, &mockApplier{}, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	assert.Equal(t, pipeline.StageFetching, result.Stage)
	assert.True(t, domain.IsTransient(result.Err))
	assert.Equal(t, 3, fetcher.calls)
}

func TestRun_PermanentFetchNotRetried(t *testing.T) {
	permanent := &domain.PermanentFetchError{Reason: "bad request"}
	fetcher := &mockFetcher{
		payloads: [][]byte{nil},
		errs:     []error{permanent},
	}

	r := newRunner(fetcher, &mockStore{}, &mockApplier{}, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	assert.Equal(t, pipeline.StageFetching, result.Stage)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRun_RejectedBatchWritesNothing(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{rejectedPayload(t)}}
	store := &mockStore{}

	r := newRunner(fetcher, store, &mockApplier{}, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	assert.Equal(t, pipeline.StageNormalizing, result.Stage)
	assert.True(t, domain.IsPermanent(result.Err))
	assert.Equal(t, 0, store.saves)
}

func TestRun_ConflictRetriedAtAlerting(t *testing.T) {
	conflict := &domain.PersistenceConflict{Op: "insert issue", Err: errors.New("database is locked")}
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	applier := &mockApplier{errs: []error{conflict, nil}}

	r := newRunner(fetcher, &mockStore{}, applier, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 2, applier.calls)
}

func TestRun_ConflictExhaustedFails(t *testing.T) {
	conflict := &domain.PersistenceConflict{Op: "insert issue", Err: errors.New("database is locked")}
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	applier := &mockApplier{errs: []error{conflict, conflict, conflict}}

	r := newRunner(fetcher, &mockStore{}, applier, nil, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	assert.Equal(t, pipeline.StageAlerting, result.Stage)
	assert.Equal(t, 3, applier.calls)
}

func TestRun_PublishFailureDoesNotFailRun(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	publisher := &mockPublisher{err: errors.New("broker down")}

	r := newRunner(fetcher, &mockStore{}, &mockApplier{}, publisher, 3, clockwork.NewRealClock())
	result := r.Run(context.Background(), testRequest())

	require.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	require.Len(t, result.Issues, 1)
}

func TestRun_InvalidRequestFails(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	r := newRunner(fetcher, &mockStore{}, &mockApplier{}, nil, 3, clockwork.NewRealClock())

	req := testRequest()
	req.Location.Lat = 123

	result := r.Run(context.Background(), req)
	require.Equal(t, pipeline.OutcomeFailed, result.Outcome)
	assert.Equal(t, 0, fetcher.calls)
}

func TestRun_SameLocationSerialized(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}
	store := &mockStore{}
	r := newRunner(fetcher, store, &mockApplier{}, nil, 3, clockwork.NewRealClock())

	var wg sync.WaitGroup
	results := make([]pipeline.RunResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Run(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	}
	assert.Equal(t, 4, store.saves)
}

func TestCheckReadiness(t *testing.T) {
	fetcher := &mockFetcher{payloads: [][]byte{windyPayload(t)}}

	healthy := pipeline.NewRunner(
		fetcher, &mockStore{}, &mockApplier{}, nil, testRules(), 3,
		clockwork.NewRealClock(), testLogger(), observability.NewMetricsForTesting(),
		func(context.Context) error { return nil },
	)
	assert.NoError(t, healthy.CheckReadiness(context.Background()))

	noRules := pipeline.NewRunner(
		fetcher, &mockStore{}, &mockApplier{}, nil, nil, 3,
		clockwork.NewRealClock(), testLogger(), observability.NewMetricsForTesting(), nil,
	)
	assert.Error(t, noRules.CheckReadiness(context.Background()))

	storeDown := pipeline.NewRunner(
		fetcher, &mockStore{}, &mockApplier{}, nil, testRules(), 3,
		clockwork.NewRealClock(), testLogger(), observability.NewMetricsForTesting(),
		func(context.Context) error { return errors.New("store unreachable") },
	)
	assert.Error(t, storeDown.CheckReadiness(context.Background()))
}
