package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"harvestline/internal/domain"
)

const reloadColumns = `id,run_id,reload_started,completed_at,status,records_processed,issues_deleted,duration_seconds,error_message,source,triggered_by`

func scanReload(row scanner) (domain.ReloadRecord, error) {
	var (
		rec                     domain.ReloadRecord
		started, status, source string
		completed, errMsg       sql.NullString
		duration                sql.NullFloat64
	)
	err := row.Scan(&rec.ID, &rec.RunID, &started, &completed, &status, &rec.RecordsProcessed, &rec.IssuesDeleted,
		&duration, &errMsg, &source, &rec.TriggeredBy)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rec.Started, err = parseTime(started); err != nil {
		return rec, err
	}
	if rec.CompletedAt, err = timePtr(completed); err != nil {
		return rec, err
	}
	rec.Status = domain.ReloadStatus(status)
	rec.Source = domain.ReloadSource(source)
	rec.ErrorMessage = stringPtr(errMsg)
	if duration.Valid {
		d := duration.Float64
		rec.DurationSeconds = &d
	}
	return rec, nil
}

// CreateReload inserts a running record and returns its id.
func (r Repo) CreateReload(ctx context.Context, rec domain.ReloadRecord) (int64, error) {
	if rec.Status == "" {
		rec.Status = domain.ReloadRunning
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO reload_tracking(run_id,reload_started,status,records_processed,issues_deleted,source,triggered_by) VALUES (?,?,?,?,?,?,?)`,
		rec.RunID, domain.FormatTime(rec.Started), string(rec.Status), rec.RecordsProcessed, rec.IssuesDeleted, string(rec.Source), rec.TriggeredBy)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetReload(ctx context.Context, id int64) (domain.ReloadRecord, error) {
	return scanReload(r.DB.QueryRowContext(ctx, `SELECT `+reloadColumns+` FROM reload_tracking WHERE id=?`, id))
}

// ActiveReload returns the most recent running record.
func (r Repo) ActiveReload(ctx context.Context) (domain.ReloadRecord, error) {
	return scanReload(r.DB.QueryRowContext(ctx, `SELECT `+reloadColumns+` FROM reload_tracking WHERE status='running' ORDER BY reload_started DESC, id DESC LIMIT 1`))
}

// LastFinishedReload returns the most recent completed or failed record.
func (r Repo) LastFinishedReload(ctx context.Context) (domain.ReloadRecord, error) {
	return scanReload(r.DB.QueryRowContext(ctx, `SELECT `+reloadColumns+` FROM reload_tracking WHERE status IN ('completed','failed') ORDER BY reload_started DESC, id DESC LIMIT 1`))
}

// LastCompletedReload returns the most recent successful record.
func (r Repo) LastCompletedReload(ctx context.Context) (domain.ReloadRecord, error) {
	return scanReload(r.DB.QueryRowContext(ctx, `SELECT `+reloadColumns+` FROM reload_tracking WHERE status='completed' ORDER BY reload_started DESC, id DESC LIMIT 1`))
}

// ListReloads returns history newest first, optionally filtered by status.
func (r Repo) ListReloads(ctx context.Context, limit int, status domain.ReloadStatus) ([]domain.ReloadRecord, error) {
	query := `SELECT ` + reloadColumns + ` FROM reload_tracking`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY reload_started DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReloadRecord
	for rows.Next() {
		rec, err := scanReload(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RunningReloads lists every record still marked running, oldest first.
func (r Repo) RunningReloads(ctx context.Context) ([]domain.ReloadRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reloadColumns+` FROM reload_tracking WHERE status='running' ORDER BY reload_started, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReloadRecord
	for rows.Next() {
		rec, err := scanReload(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CompleteReload and FailReload only finalize records that are still
// running; a finalized record yields ErrNotFound.
func (r Repo) CompleteReload(ctx context.Context, id int64, completedAt time.Time, processed int, duration float64) error {
	return r.finishReload(ctx, r.DB, id, domain.ReloadCompleted, completedAt, &processed, duration, nil, nil)
}

// FailReload marks a running record failed. issuesDeleted is left untouched
// when nil.
func (r Repo) FailReload(ctx context.Context, id int64, completedAt time.Time, message string, duration float64, issuesDeleted *int) error {
	return r.finishReload(ctx, r.DB, id, domain.ReloadFailed, completedAt, nil, duration, &message, issuesDeleted)
}

// FailReloadTx is FailReload inside the caller's transaction.
func (r Repo) FailReloadTx(ctx context.Context, tx *sql.Tx, id int64, completedAt time.Time, message string, duration float64, issuesDeleted *int) error {
	return r.finishReload(ctx, tx, id, domain.ReloadFailed, completedAt, nil, duration, &message, issuesDeleted)
}

func (r Repo) finishReload(ctx context.Context, q queryer, id int64, status domain.ReloadStatus, completedAt time.Time, processed *int, duration float64, message *string, deleted *int) error {
	fields := []string{"status=?", "completed_at=?", "duration_seconds=?"}
	args := []any{string(status), domain.FormatTime(completedAt), duration}
	if processed != nil {
		fields = append(fields, "records_processed=?")
		args = append(args, *processed)
	}
	if message != nil {
		fields = append(fields, "error_message=?")
		args = append(args, *message)
	}
	if deleted != nil {
		fields = append(fields, "issues_deleted=?")
		args = append(args, *deleted)
	}
	args = append(args, id)
	res, err := q.ExecContext(ctx, `UPDATE reload_tracking SET `+strings.Join(fields, ",")+` WHERE id=? AND status='running'`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetIssuesDeletedTx(ctx context.Context, tx *sql.Tx, id int64, n int) error {
	_, err := tx.ExecContext(ctx, `UPDATE reload_tracking SET issues_deleted=? WHERE id=?`, n, id)
	return err
}

