package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildflow/weather-risk/internal/domain"
)

// InIssueTx runs fn inside one database transaction, satisfying
// domain.IssueStore. The whole read-check-write of the alert generator
// happens under this transaction; lock contention rolls back and surfaces as
// a PersistenceConflict for the orchestrator to retry.
func (s *Store) InIssueTx(ctx context.Context, fn func(domain.IssueTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapConflict("begin issue tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&issueTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapConflict("commit issue tx", err)
	}
	return nil
}

type issueTx struct {
	tx *sql.Tx
}

func (t *issueTx) OpenWeatherIssue(ctx context.Context, ruleID, scopeKey string) (*domain.Issue, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, project_id, lot_id, sector_id, task_id, origin, status,
		       severity, title, summary, rule_id, window_start, window_end, created_at, updated_at
		FROM issue
		WHERE rule_id = ? AND scope_key = ? AND origin = ? AND status = ?
		ORDER BY updated_at DESC
		LIMIT 1`,
		ruleID, scopeKey, string(domain.OriginWeatherRule), string(domain.StatusOpen),
	)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapConflict("read open issue", err)
	}

	history, err := t.loadHistory(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	issue.History = history
	return issue, nil
}

func (t *issueTx) InsertIssue(ctx context.Context, issue domain.Issue) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issue (id, scope_key, project_id, lot_id, sector_id, task_id, origin, status,
		                   severity, title, summary, rule_id, window_start, window_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Scope.Key(),
		issue.Scope.ProjectID, issue.Scope.LotID, issue.Scope.SectorID, issue.Scope.TaskID,
		string(issue.Origin), string(issue.Status), string(issue.Severity),
		issue.Title, issue.Summary, issue.RuleID,
		issue.Window.Start.Unix(), issue.Window.End.Unix(),
		issue.CreatedAt.Unix(), issue.UpdatedAt.Unix(),
	)
	if err != nil {
		return wrapConflict("insert issue", err)
	}
	return nil
}

func (t *issueTx) UpdateIssue(ctx context.Context, id string, severity domain.Severity, window domain.Window, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE issue SET severity = ?, window_start = ?, window_end = ?, updated_at = ?
		WHERE id = ?`,
		string(severity), window.Start.Unix(), window.End.Unix(), updatedAt.Unix(), id,
	)
	if err != nil {
		return wrapConflict("update issue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update issue: no issue with id %s", id)
	}
	return nil
}

func (t *issueTx) AppendHistory(ctx context.Context, issueID string, entry domain.HistoryEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issue_history (issue_id, at, kind, note, fingerprint)
		VALUES (?, ?, ?, ?, ?)`,
		issueID, entry.At.Unix(), entry.Kind, entry.Note, entry.Fingerprint,
	)
	if err != nil {
		return wrapConflict("append history", err)
	}
	return nil
}

func (t *issueTx) loadHistory(ctx context.Context, issueID string) ([]domain.HistoryEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT at, kind, note, fingerprint FROM issue_history WHERE issue_id = ? ORDER BY id`,
		issueID,
	)
	if err != nil {
		return nil, wrapConflict("read history", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			e  domain.HistoryEntry
			at int64
		)
		if err := rows.Scan(&at, &e.Kind, &e.Note, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetIssue loads one issue with its history, outside any transaction.
func (s *Store) GetIssue(ctx context.Context, id string) (*domain.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, lot_id, sector_id, task_id, origin, status,
		       severity, title, summary, rule_id, window_start, window_end, created_at, updated_at
		FROM issue WHERE id = ?`, id)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no issue with id %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read issue: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, kind, note, fingerprint FROM issue_history WHERE issue_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e  domain.HistoryEntry
			at int64
		)
		if err := rows.Scan(&at, &e.Kind, &e.Note, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.At = time.Unix(at, 0).UTC()
		issue.History = append(issue.History, e)
	}
	return issue, rows.Err()
}

// TransitionIssue applies a lifecycle transition requested through the
// issue-management surface. The pipeline itself never calls this; it exists
// for the surrounding system, which shares the same status lifecycle for
// weather-origin and manual issues.
func (s *Store) TransitionIssue(ctx context.Context, id string, next domain.IssueStatus, note string, at time.Time) error {
	return s.InIssueTx(ctx, func(tx domain.IssueTx) error {
		itx := tx.(*issueTx)

		var current string
		err := itx.tx.QueryRowContext(ctx, `SELECT status FROM issue WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no issue with id %s", id)
		}
		if err != nil {
			return wrapConflict("read issue status", err)
		}

		if !domain.IssueStatus(current).CanTransition(next) {
			return fmt.Errorf("illegal transition %s -> %s for issue %s", current, next, id)
		}

		if _, err := itx.tx.ExecContext(ctx, `UPDATE issue SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), at.Unix(), id); err != nil {
			return wrapConflict("transition issue", err)
		}
		return itx.AppendHistory(ctx, id, domain.HistoryEntry{
			At:   at.UTC(),
			Kind: "status",
			Note: fmt.Sprintf("%s -> %s: %s", current, next, note),
		})
	})
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*domain.Issue, error) {
	var (
		issue                domain.Issue
		origin, status, sev  string
		winStart, winEnd     sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&issue.ID,
		&issue.Scope.ProjectID, &issue.Scope.LotID, &issue.Scope.SectorID, &issue.Scope.TaskID,
		&origin, &status, &sev, &issue.Title, &issue.Summary, &issue.RuleID,
		&winStart, &winEnd, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.Origin = domain.IssueOrigin(origin)
	issue.Status = domain.IssueStatus(status)
	issue.Severity = domain.Severity(sev)
	if winStart.Valid {
		issue.Window.Start = time.Unix(winStart.Int64, 0).UTC()
	}
	if winEnd.Valid {
		issue.Window.End = time.Unix(winEnd.Int64, 0).UTC()
	}
	issue.CreatedAt = time.Unix(createdAt, 0).UTC()
	issue.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &issue, nil
}
