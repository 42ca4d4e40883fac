package domain

import (
	"context"
	"time"
)

// IssueTx is the set of issue operations available inside one atomic
// transaction. The alert generator's read-check-write runs entirely through
// an IssueTx so two concurrent runs can never both create an issue for the
// same (rule, scope).
type IssueTx interface {
	// OpenWeatherIssue returns the most recently updated open weather-origin
	// issue for the rule and scope, history included, or nil when none exists.
	OpenWeatherIssue(ctx context.Context, ruleID, scopeKey string) (*Issue, error)
	InsertIssue(ctx context.Context, issue Issue) error
	UpdateIssue(ctx context.Context, id string, severity Severity, window Window, updatedAt time.Time) error
	AppendHistory(ctx context.Context, issueID string, entry HistoryEntry) error
}

// IssueStore runs issue transactions against the persistent store. A
// concurrent-write collision surfaces as a PersistenceConflict.
type IssueStore interface {
	InIssueTx(ctx context.Context, fn func(IssueTx) error) error
}
