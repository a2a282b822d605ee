package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"harvestline/internal/domain"
)

const issueColumns = `issue_key,COALESCE(issue_id,''),summary,assignee,status,labels,issue_type_id,parent_key,source,team,start_date,transition_date,end_date,created_at,updated_at,harvested_at,blacklist_reason`

func scanIssue(row scanner) (domain.WorkItem, error) {
	var (
		it                                   domain.WorkItem
		assignee, parent, team, blacklist    sql.NullString
		start, transition, end, created, upd sql.NullString
		labels, harvested                    string
	)
	err := row.Scan(&it.Key, &it.ID, &it.Title, &assignee, &it.Status, &labels, &it.TypeID, &parent, &it.Source,
		&team, &start, &transition, &end, &created, &upd, &harvested, &blacklist)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Assignee = stringPtr(assignee)
	it.ParentKey = stringPtr(parent)
	it.Team = stringPtr(team)
	it.BlacklistReason = stringPtr(blacklist)
	it.Labels = []string{}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &it.Labels); err != nil {
			return it, fmt.Errorf("decode labels of %s: %w", it.Key, err)
		}
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&it.StartDate, start}, {&it.TransitionDate, transition}, {&it.EndDate, end}, {&it.CreatedAt, created}, {&it.UpdatedAt, upd}} {
		if *f.dst, err = timePtr(f.src); err != nil {
			return it, err
		}
	}
	if it.HarvestedAt, err = parseTime(harvested); err != nil {
		return it, err
	}
	return it, nil
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	b, err := json.Marshal(labels)
	return string(b), err
}

func (r Repo) GetIssue(ctx context.Context, key string) (domain.WorkItem, error) {
	return getIssue(ctx, r.DB, key)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, key string) (domain.WorkItem, error) {
	return getIssue(ctx, tx, key)
}

func getIssue(ctx context.Context, q queryer, key string) (domain.WorkItem, error) {
	return scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE issue_key=?`, key))
}

func issueArgs(it domain.WorkItem) ([]any, error) {
	labels, err := encodeLabels(it.Labels)
	if err != nil {
		return nil, err
	}
	source := it.Source
	if source == "" {
		source = domain.SourceJira
	}
	return []any{nullable(it.ID), it.Title, nullableString(it.Assignee), it.Status, labels, it.TypeID,
		nullableString(it.ParentKey), source, nullableString(it.Team), nullableTime(it.StartDate),
		nullableTime(it.TransitionDate), nullableTime(it.EndDate), nullableTime(it.CreatedAt),
		nullableTime(it.UpdatedAt), domain.FormatTime(it.HarvestedAt), nullableString(it.BlacklistReason)}, nil
}

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	args, err := issueArgs(it)
	if err != nil {
		return err
	}
	args = append([]any{it.Key}, args...)
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(issue_key,issue_id,summary,assignee,status,labels,issue_type_id,parent_key,source,team,start_date,transition_date,end_date,created_at,updated_at,harvested_at,blacklist_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateIssueTx overwrites every stored column of the issue with it.
func (r Repo) UpdateIssueTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	args, err := issueArgs(it)
	if err != nil {
		return err
	}
	args = append(args, it.Key)
	res, err := tx.ExecContext(ctx, `UPDATE issues SET issue_id=?,summary=?,assignee=?,status=?,labels=?,issue_type_id=?,parent_key=?,source=?,team=?,
start_date=?,transition_date=?,end_date=?,created_at=?,updated_at=?,harvested_at=?,blacklist_reason=? WHERE issue_key=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IssueFilter narrows issue listings. Zero fields do not filter.
type IssueFilter struct {
	Source    string
	Assignee  string
	Label     string
	Status    string
	Team      string
	ParentKey string
	IssueType *int
	Limit     int
}

func (f IssueFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.Label != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(issues.labels) WHERE json_each.value=?)")
		args = append(args, f.Label)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Team != "" {
		clauses = append(clauses, "team=?")
		args = append(args, f.Team)
	}
	if f.ParentKey != "" {
		clauses = append(clauses, "parent_key=?")
		args = append(args, f.ParentKey)
	}
	if f.IssueType != nil {
		clauses = append(clauses, "issue_type_id=?")
		args = append(args, *f.IssueType)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListIssueKeys(ctx context.Context, f IssueFilter) ([]string, error) {
	where, args := f.where()
	query := `SELECT issue_key FROM issues` + where + ` ORDER BY issue_key`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilter) ([]domain.WorkItem, error) {
	where, args := f.where()
	query := `SELECT ` + issueColumns + ` FROM issues` + where + ` ORDER BY issue_key`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryIssues(ctx, query, args...)
}

func (r Repo) queryIssues(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ChildrenOf returns the stored issues whose parent is one of keys.
func (r Repo) ChildrenOf(ctx context.Context, keys []string) ([]domain.WorkItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return r.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE parent_key IN (`+placeholders(len(keys))+`) ORDER BY issue_key`, stringArgs(keys)...)
}

// IssueRef pairs an issue key with its upstream id.
type IssueRef struct {
	Key string
	ID  string
}

// ActiveIssueRefs lists non-blacklisted issues that carry an upstream id.
func (r Repo) ActiveIssueRefs(ctx context.Context) ([]IssueRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT issue_key,issue_id FROM issues WHERE blacklist_reason IS NULL AND issue_id IS NOT NULL AND issue_id<>'' ORDER BY issue_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []IssueRef
	for rows.Next() {
		var ref IssueRef
		if err := rows.Scan(&ref.Key, &ref.ID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r Repo) CountIssues(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`).Scan(&n)
	return n, err
}

// DeleteIssuesHarvestedBefore is the retention sweep: it removes issues not
// refreshed since cutoff. Their comments cascade.
func (r Repo) DeleteIssuesHarvestedBefore(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE harvested_at < ?`, domain.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteIssuesHarvestedSince removes the partial writes of an interrupted run.
func (r Repo) DeleteIssuesHarvestedSince(ctx context.Context, tx *sql.Tx, since time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE harvested_at >= ?`, domain.FormatTime(since))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
