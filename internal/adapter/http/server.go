// Package http exposes the service's operational endpoints and the manual
// run trigger.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildflow/weather-risk/internal/domain"
	"github.com/buildflow/weather-risk/internal/pipeline"
	"github.com/buildflow/weather-risk/internal/rules"
)

const maxRunDays = 14

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// RunTrigger executes one pipeline run synchronously.
type RunTrigger interface {
	Run(ctx context.Context, req pipeline.RunRequest) pipeline.RunResult
}

// Server exposes health, readiness, metrics, and run-trigger HTTP endpoints.
type Server struct {
	httpServer *http.Server
	runner     RunTrigger
	sites      *rules.Set
	clock      clockwork.Clock
	logger     *slog.Logger

	defaultDays int
	defaultGran domain.Granularity
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and
// POST /v1/runs routes.
func NewServer(
	addr string,
	ready ReadinessChecker,
	runner RunTrigger,
	sites *rules.Set,
	defaultDays int,
	defaultGran domain.Granularity,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second, // runs are synchronous
			IdleTimeout:  60 * time.Second,
		},
		runner:      runner,
		sites:       sites,
		clock:       clock,
		logger:      logger,
		defaultDays: defaultDays,
		defaultGran: defaultGran,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/runs", s.handleRun)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// runRequest is the POST /v1/runs body. Either site_id or an explicit
// latitude/longitude pair with scope fields must be given.
type runRequest struct {
	SiteID string `json:"site_id"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	ProjectID string   `json:"project_id"`
	LotID     string   `json:"lot_id"`
	SectorID  string   `json:"sector_id"`
	TaskID    string   `json:"task_id"`

	Start       *time.Time `json:"start"`
	Days        int        `json:"days"`
	Granularity string     `json:"granularity"`
}

type issueRef struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
}

type runResponse struct {
	Outcome string     `json:"outcome"`
	Stage   string     `json:"stage,omitempty"`
	Error   string     `json:"error,omitempty"`
	Issues  []issueRef `json:"issues"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	req, err := s.buildRunRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result := s.runner.Run(r.Context(), req)

	resp := runResponse{
		Outcome: string(result.Outcome),
		Issues:  make([]issueRef, 0, len(result.Issues)),
	}
	for _, c := range result.Issues {
		resp.Issues = append(resp.Issues, issueRef{
			ID:       c.Issue.ID,
			Action:   string(c.Action),
			RuleID:   c.Issue.RuleID,
			Severity: string(c.Issue.Severity),
		})
	}

	if result.Outcome == pipeline.OutcomeFailed {
		resp.Stage = string(result.Stage)
		if result.Err != nil {
			resp.Error = result.Err.Error()
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildRunRequest validates the body and fills defaults: the configured site
// when site_id is given, the current granularity step as window start, and
// the service's default horizon.
func (s *Server) buildRunRequest(body runRequest) (pipeline.RunRequest, error) {
	var req pipeline.RunRequest

	switch {
	case body.SiteID != "" && body.Latitude != nil:
		return req, fmt.Errorf("give either site_id or latitude/longitude, not both")
	case body.SiteID != "":
		site, ok := s.sites.SiteByID(body.SiteID)
		if !ok {
			return req, fmt.Errorf("unknown site %q", body.SiteID)
		}
		req.Location = site.Location
		req.Scope = site.Scope
	case body.Latitude != nil && body.Longitude != nil:
		req.Location = domain.Location{Lat: *body.Latitude, Lon: *body.Longitude}
		req.Scope = domain.Scope{
			ProjectID: body.ProjectID,
			LotID:     body.LotID,
			SectorID:  body.SectorID,
			TaskID:    body.TaskID,
		}
		if req.Scope == (domain.Scope{}) {
			return req, fmt.Errorf("scope required: set at least project_id")
		}
	default:
		return req, fmt.Errorf("site_id or latitude/longitude required")
	}

	if err := req.Location.Validate(); err != nil {
		return req, err
	}

	req.Granularity = s.defaultGran
	if body.Granularity != "" {
		req.Granularity = domain.Granularity(body.Granularity)
		if !req.Granularity.Valid() {
			return req, fmt.Errorf("unknown granularity %q", body.Granularity)
		}
	}

	days := s.defaultDays
	if body.Days != 0 {
		days = body.Days
	}
	if days < 1 || days > maxRunDays {
		return req, fmt.Errorf("days must be between 1 and %d", maxRunDays)
	}

	start := s.clock.Now().UTC()
	if body.Start != nil {
		start = body.Start.UTC()
	}
	start = req.Granularity.Truncate(start)
	req.Window = domain.Window{
		Start: start,
		End:   start.Add(time.Duration(days)*24*time.Hour - req.Granularity.Step()),
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
