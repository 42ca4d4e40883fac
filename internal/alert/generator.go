// Package alert turns risk findings into persisted issues.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/buildflow/weather-risk/internal/domain"
)

// Generator applies findings against the issue store. It enforces the
// at-most-one-open-issue invariant per (rule, scope, reachable window) and is
// idempotent: replaying the same findings changes nothing.
//
// The generator only ever opens issues or widens open ones. It never
// resolves: the pipeline cannot know whether on-site mitigation happened.
type Generator struct {
	store  domain.IssueStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(store domain.IssueStore, clock clockwork.Clock, logger *slog.Logger) *Generator {
	return &Generator{store: store, clock: clock, logger: logger}
}

// Apply processes findings in order, each inside its own atomic transaction,
// and returns the issues created or updated. Findings whose fingerprint is
// already recorded produce no change.
func (g *Generator) Apply(ctx context.Context, findings []domain.RiskFinding) ([]domain.IssueChange, error) {
	var changes []domain.IssueChange

	for _, finding := range findings {
		var change *domain.IssueChange
		err := g.store.InIssueTx(ctx, func(tx domain.IssueTx) error {
			var err error
			change, err = g.applyFinding(ctx, tx, finding)
			return err
		})
		if err != nil {
			return changes, fmt.Errorf("apply finding %s: %w", finding.Fingerprint(), err)
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}
	return changes, nil
}

// applyFinding is the read-check-write for one finding. Runs under a single
// store transaction.
func (g *Generator) applyFinding(ctx context.Context, tx domain.IssueTx, f domain.RiskFinding) (*domain.IssueChange, error) {
	fp := f.Fingerprint()

	existing, err := tx.OpenWeatherIssue(ctx, f.Rule.ID, f.Scope.Key())
	if err != nil {
		return nil, err
	}

	if existing != nil && reachable(existing.Window, f.Window, f.Rule) {
		if existing.HasFingerprint(fp) {
			g.logger.Debug("finding already recorded", "issue_id", existing.ID, "fingerprint", fp)
			return nil, nil
		}
		return g.extendIssue(ctx, tx, existing, f, fp)
	}

	return g.createIssue(ctx, tx, f, fp)
}

// reachable reports whether the finding window overlaps the issue window or
// falls within the rule's cooldown of it.
func reachable(issue, finding domain.Window, rule domain.RiskRule) bool {
	padded := domain.Window{
		Start: issue.Start.Add(-rule.Cooldown),
		End:   issue.End.Add(rule.Cooldown),
	}
	return padded.Overlaps(finding)
}

func (g *Generator) createIssue(ctx context.Context, tx domain.IssueTx, f domain.RiskFinding, fp string) (*domain.IssueChange, error) {
	now := g.clock.Now().UTC()
	issue := domain.Issue{
		ID:        uuid.NewString(),
		Scope:     f.Scope,
		Origin:    domain.OriginWeatherRule,
		Status:    domain.StatusOpen,
		Severity:  f.Severity,
		Title:     f.Rule.Name,
		Summary:   domain.DescribeFinding(f),
		RuleID:    f.Rule.ID,
		Window:    f.Window,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := domain.HistoryEntry{
		At:          now,
		Kind:        "created",
		Note:        domain.DescribeFinding(f),
		Fingerprint: fp,
	}

	if err := tx.InsertIssue(ctx, issue); err != nil {
		return nil, err
	}
	if err := tx.AppendHistory(ctx, issue.ID, entry); err != nil {
		return nil, err
	}

	issue.History = []domain.HistoryEntry{entry}
	g.logger.Info("issue opened",
		"issue_id", issue.ID, "rule", f.Rule.ID, "scope", f.Scope.Key(), "severity", f.Severity)
	return &domain.IssueChange{Issue: issue, Action: domain.ActionCreated}, nil
}

// extendIssue widens the open issue's window to cover the finding. Severity
// only ever moves up: a more severe finding arriving inside the cooldown
// escalates the issue rather than being suppressed.
func (g *Generator) extendIssue(ctx context.Context, tx domain.IssueTx, existing *domain.Issue, f domain.RiskFinding, fp string) (*domain.IssueChange, error) {
	now := g.clock.Now().UTC()

	severity := existing.Severity
	kind := "extended"
	if !existing.Severity.AtLeast(f.Severity) {
		severity = f.Severity
		kind = "escalated"
	}
	window := existing.Window.Union(f.Window)

	entry := domain.HistoryEntry{
		At:          now,
		Kind:        kind,
		Note:        domain.DescribeFinding(f),
		Fingerprint: fp,
	}

	if err := tx.UpdateIssue(ctx, existing.ID, severity, window, now); err != nil {
		return nil, err
	}
	if err := tx.AppendHistory(ctx, existing.ID, entry); err != nil {
		return nil, err
	}

	updated := *existing
	updated.Severity = severity
	updated.Window = window
	updated.UpdatedAt = now
	updated.History = append(updated.History, entry)

	g.logger.Info("issue "+kind,
		"issue_id", updated.ID, "rule", f.Rule.ID, "scope", f.Scope.Key(), "severity", severity)
	return &domain.IssueChange{Issue: updated, Action: domain.ActionUpdated}, nil
}
