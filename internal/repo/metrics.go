package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"harvestline/internal/domain"
)

// DoneStatuses are the statuses counted as completed work.
var DoneStatuses = []string{"Done", "Closed", "Resolved"}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type AssigneeCount struct {
	Assignee string `json:"assignee"`
	Count    int    `json:"count"`
}

type TeamMetrics struct {
	Team           string          `json:"team"`
	TotalIssues    int             `json:"total_issues"`
	ActiveIssues   int             `json:"active_issues"`
	Completed      int             `json:"completed_issues"`
	CompletionRate float64         `json:"completion_rate"`
	ByStatus       []StatusCount   `json:"by_status"`
	Assignees      []AssigneeCount `json:"assignees"`
}

// TeamMetrics aggregates the stored issues of one team. from and to bound
// the upstream update time when set.
func (r Repo) TeamMetrics(ctx context.Context, team string, from, to *time.Time) (TeamMetrics, error) {
	m := TeamMetrics{Team: team, ByStatus: []StatusCount{}, Assignees: []AssigneeCount{}}
	where := ` WHERE team=? AND blacklist_reason IS NULL`
	args := []any{team}
	if from != nil {
		where += ` AND updated_at >= ?`
		args = append(args, domain.FormatTime(*from))
	}
	if to != nil {
		where += ` AND updated_at <= ?`
		args = append(args, domain.FormatTime(*to))
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues`+where+` GROUP BY status ORDER BY COUNT(*) DESC, status`, args...)
	if err != nil {
		return m, err
	}
	done := map[string]bool{}
	for _, s := range DoneStatuses {
		done[strings.ToLower(s)] = true
	}
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			rows.Close()
			return m, err
		}
		m.ByStatus = append(m.ByStatus, sc)
		m.TotalIssues += sc.Count
		if done[strings.ToLower(sc.Status)] {
			m.Completed += sc.Count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}
	if m.TotalIssues == 0 {
		return m, ErrNotFound
	}
	m.ActiveIssues = m.TotalIssues - m.Completed
	m.CompletionRate = float64(m.Completed) / float64(m.TotalIssues)

	rows, err = r.DB.QueryContext(ctx, `SELECT assignee, COUNT(*) FROM issues`+where+` AND assignee IS NOT NULL GROUP BY assignee ORDER BY COUNT(*) DESC, assignee`, args...)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name sql.NullString
			ac   AssigneeCount
		)
		if err := rows.Scan(&name, &ac.Count); err != nil {
			return m, err
		}
		ac.Assignee = name.String
		m.Assignees = append(m.Assignees, ac)
	}
	return m, rows.Err()
}
