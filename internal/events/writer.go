package events

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"harvestline/internal/domain"
)

// Writer appends audit events to changes_log inside the caller's transaction.
// Rows are never updated or deleted.
type Writer struct {
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

// Append records one event. A nil value is stored as NULL.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, issueKey, field string, value *string, kind domain.ChangeType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO changes_log(issue_key,timestamp,field_name,updated_value,change_type) VALUES (?,?,?,?,?)`,
		issueKey, domain.FormatTime(w.now()), field, nullableString(value), string(kind))
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", kind, issueKey, err)
	}
	return nil
}

// AppendCount records a batch event whose value is a count, such as the
// number of comments added to one issue.
func (w Writer) AppendCount(ctx context.Context, tx *sql.Tx, issueKey, field string, n int, kind domain.ChangeType) error {
	if n <= 0 {
		return nil
	}
	v := strconv.Itoa(n)
	return w.Append(ctx, tx, issueKey, field, &v, kind)
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
