package repo

import (
	"context"
	"database/sql"
	"time"

	"harvestline/internal/domain"
)

func scanComment(row scanner) (domain.Comment, error) {
	var (
		c                 domain.Comment
		created           string
		updated, external sql.NullString
	)
	err := row.Scan(&c.ID, &c.IssueKey, &c.Body, &created, &updated, &external)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = timePtr(updated); err != nil {
		return c, err
	}
	c.ExternalID = stringPtr(external)
	return c, nil
}

const commentColumns = `id,issue_key,body,created_at,updated_at,external_id`

// FindCommentTx looks a comment up by its upstream id within one issue.
func (r Repo) FindCommentTx(ctx context.Context, tx *sql.Tx, issueKey, externalID string) (domain.Comment, error) {
	return scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE issue_key=? AND external_id=? ORDER BY id LIMIT 1`, issueKey, externalID))
}

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO comments(issue_key,body,created_at,updated_at,external_id) VALUES (?,?,?,?,?)`,
		c.IssueKey, c.Body, domain.FormatTime(c.CreatedAt), nullableTime(c.UpdatedAt), nullableString(c.ExternalID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateCommentTx(ctx context.Context, tx *sql.Tx, id int64, body string, updatedAt *time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE comments SET body=?, updated_at=? WHERE id=?`, body, nullableTime(updatedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListComments(ctx context.Context, issueKey string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE issue_key=? ORDER BY created_at, id`, issueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CommentActivity summarizes recent comments on one issue.
type CommentActivity struct {
	IssueKey      string    `json:"issue_key"`
	Summary       string    `json:"summary"`
	Status        string    `json:"status"`
	Assignee      *string   `json:"assignee,omitempty"`
	CommentCount  int       `json:"comment_count"`
	LatestComment time.Time `json:"latest_comment_at"`
}

// IssuesCommentedSince lists issues with at least one comment created at or
// after since, most recent activity first.
func (r Repo) IssuesCommentedSince(ctx context.Context, since time.Time, limit int) ([]CommentActivity, error) {
	query := `SELECT i.issue_key,i.summary,i.status,i.assignee,COUNT(c.id),MAX(c.created_at)
FROM comments c JOIN issues i ON i.issue_key=c.issue_key
WHERE c.created_at >= ?
GROUP BY i.issue_key,i.summary,i.status,i.assignee
ORDER BY MAX(c.created_at) DESC`
	args := []any{domain.FormatTime(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CommentActivity
	for rows.Next() {
		var (
			a        CommentActivity
			assignee sql.NullString
			latest   string
		)
		if err := rows.Scan(&a.IssueKey, &a.Summary, &a.Status, &assignee, &a.CommentCount, &latest); err != nil {
			return nil, err
		}
		a.Assignee = stringPtr(assignee)
		if a.LatestComment, err = parseTime(latest); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
