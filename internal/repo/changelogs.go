package repo

import (
	"context"
	"database/sql"

	"harvestline/internal/domain"
)

const changelogColumns = `id,issue_id,changelog_id,field_name,from_value,to_value,from_display,to_display,created_at,harvested_at`

func scanChangelog(row scanner) (domain.ChangelogEntry, error) {
	var (
		e                                 domain.ChangelogEntry
		fromV, toV, fromD, toD, harvested sql.NullString
		created                           string
	)
	err := row.Scan(&e.ID, &e.IssueID, &e.ChangelogID, &e.Field, &fromV, &toV, &fromD, &toD, &created, &harvested)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.FromValue, e.ToValue = stringPtr(fromV), stringPtr(toV)
	e.FromDisplay, e.ToDisplay = stringPtr(fromD), stringPtr(toD)
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.HarvestedAt, err = timePtr(harvested); err != nil {
		return e, err
	}
	return e, nil
}

// FindChangelogTx matches a stored entry on (changelog id, field).
func (r Repo) FindChangelogTx(ctx context.Context, tx *sql.Tx, changelogID, field string) (domain.ChangelogEntry, error) {
	return scanChangelog(tx.QueryRowContext(ctx, `SELECT `+changelogColumns+` FROM changelogs WHERE changelog_id=? AND field_name=? ORDER BY id LIMIT 1`, changelogID, field))
}

func (r Repo) InsertChangelogTx(ctx context.Context, tx *sql.Tx, e domain.ChangelogEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO changelogs(issue_id,changelog_id,field_name,from_value,to_value,from_display,to_display,created_at,harvested_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.IssueID, e.ChangelogID, e.Field, nullableString(e.FromValue), nullableString(e.ToValue),
		nullableString(e.FromDisplay), nullableString(e.ToDisplay), domain.FormatTime(e.CreatedAt), nullableTime(e.HarvestedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateChangelogTx(ctx context.Context, tx *sql.Tx, id int64, e domain.ChangelogEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE changelogs SET issue_id=?,from_value=?,to_value=?,from_display=?,to_display=?,created_at=?,harvested_at=? WHERE id=?`,
		e.IssueID, nullableString(e.FromValue), nullableString(e.ToValue), nullableString(e.FromDisplay),
		nullableString(e.ToDisplay), domain.FormatTime(e.CreatedAt), nullableTime(e.HarvestedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChangelogs returns the history of one issue, oldest first.
func (r Repo) ListChangelogs(ctx context.Context, issueID string) ([]domain.ChangelogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+changelogColumns+` FROM changelogs WHERE issue_id=? ORDER BY created_at, id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangelogEntry
	for rows.Next() {
		e, err := scanChangelog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteOrphanChangelogs removes entries whose issue no longer exists.
func (r Repo) DeleteOrphanChangelogs(ctx context.Context, tx *sql.Tx) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM changelogs WHERE issue_id NOT IN (SELECT issue_id FROM issues WHERE issue_id IS NOT NULL)`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
