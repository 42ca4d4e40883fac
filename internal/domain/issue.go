package domain

import (
	"fmt"
	"time"
)

// IssueStatus tracks the issue lifecycle. The pipeline only ever creates
// issues in StatusOpen or widens an open issue's window; acknowledged and
// resolved are reached through the issue-management surface.
type IssueStatus string

const (
	StatusOpen         IssueStatus = "open"
	StatusAcknowledged IssueStatus = "acknowledged"
	StatusResolved     IssueStatus = "resolved" // terminal
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Resolved is terminal.
func (s IssueStatus) CanTransition(next IssueStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusAcknowledged || next == StatusResolved
	case StatusAcknowledged:
		return next == StatusResolved
	}
	return false
}

// IssueOrigin distinguishes pipeline-generated issues from manual reports.
type IssueOrigin string

const (
	OriginWeatherRule IssueOrigin = "weather-rule"
	OriginManual      IssueOrigin = "manual"
)

// HistoryEntry is one append-only line in an issue's history. Weather-origin
// entries carry the finding fingerprint that produced them.
type HistoryEntry struct {
	At          time.Time
	Kind        string // created, extended, escalated, status
	Note        string
	Fingerprint string
}

// Issue is a persisted, status-tracked record of a detected or reported
// problem. Never deleted, only resolved.
type Issue struct {
	ID       string
	Scope    Scope
	Origin   IssueOrigin
	Status   IssueStatus
	Severity Severity
	Title    string
	Summary  string

	// RuleID and Window are set for weather-origin issues only.
	RuleID string
	Window Window

	CreatedAt time.Time
	UpdatedAt time.Time
	History   []HistoryEntry
}

// HasFingerprint reports whether the issue history already records fp.
func (i *Issue) HasFingerprint(fp string) bool {
	for _, h := range i.History {
		if h.Fingerprint == fp {
			return true
		}
	}
	return false
}

// IssueChange reports one alert-generator effect: an issue freshly created or
// an existing one extended/escalated.
type IssueChange struct {
	Issue  Issue
	Action IssueAction
}

// IssueAction names what the generator did to an issue.
type IssueAction string

const (
	ActionCreated IssueAction = "created"
	ActionUpdated IssueAction = "updated"
)

// DescribeFinding renders the one-line summary stored on weather issues,
// e.g. "wind_speed peaked at 10.0 (threshold 8.0) over 3 point(s)".
func DescribeFinding(f RiskFinding) string {
	if f.Rule.Metric == MetricWeatherCode {
		return fmt.Sprintf("forecast condition matched %s over %d point(s) between %s and %s",
			f.Rule.Metric, f.Count,
			f.Window.Start.Format(time.RFC3339), f.Window.End.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s peaked at %.1f (threshold %.1f) over %d point(s) between %s and %s",
		f.Rule.Metric, f.MaxValue, f.Rule.Threshold, f.Count,
		f.Window.Start.Format(time.RFC3339), f.Window.End.Format(time.RFC3339))
}
