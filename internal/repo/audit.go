package repo

import (
	"context"
	"database/sql"

	"harvestline/internal/domain"
)

// ListAuditEvents returns the change log of one issue, newest first.
func (r Repo) ListAuditEvents(ctx context.Context, issueKey string, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT id,issue_key,timestamp,field_name,updated_value,change_type FROM changes_log WHERE issue_key=? ORDER BY timestamp DESC, id DESC`
	args := []any{issueKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var (
			e     domain.AuditEvent
			ts    string
			value sql.NullString
			kind  string
		)
		if err := rows.Scan(&e.ID, &e.IssueKey, &ts, &e.Field, &value, &kind); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Value = stringPtr(value)
		e.ChangeType = domain.ChangeType(kind)
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountAuditEvents counts change log rows of one kind, across all issues
// when issueKey is empty.
func (r Repo) CountAuditEvents(ctx context.Context, issueKey string, kind domain.ChangeType) (int, error) {
	query := `SELECT COUNT(*) FROM changes_log WHERE change_type=?`
	args := []any{string(kind)}
	if issueKey != "" {
		query += ` AND issue_key=?`
		args = append(args, issueKey)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
