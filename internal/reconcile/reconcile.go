package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/repo"
)

// Outcome is what happened to one item.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Failed    Outcome = "failed"
)

// Result is the per-item reconciliation result.
type Result struct {
	Key             string   `json:"issue_key"`
	Outcome         Outcome  `json:"outcome"`
	ChangedFields   []string `json:"changed_fields,omitempty"`
	CommentsAdded   int      `json:"comments_added"`
	CommentsUpdated int      `json:"comments_updated"`
	Err             error    `json:"-"`
}

// Stored reports whether the item was written.
func (r Result) Stored() bool { return r.Outcome != Failed }

// BatchReport aggregates Results.
type BatchReport struct {
	Stored    int               `json:"stored"`
	Created   int               `json:"created"`
	Updated   int               `json:"updated"`
	Unchanged int               `json:"unchanged"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (b *BatchReport) Add(r Result) {
	switch r.Outcome {
	case Created:
		b.Created++
	case Updated:
		b.Updated++
	case Unchanged:
		b.Unchanged++
	case Failed:
		if b.Failed == nil {
			b.Failed = map[string]string{}
		}
		msg := "unknown error"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		b.Failed[r.Key] = msg
		return
	}
	b.Stored++
}

// Merge folds another report into b.
func (b *BatchReport) Merge(o BatchReport) {
	b.Stored += o.Stored
	b.Created += o.Created
	b.Updated += o.Updated
	b.Unchanged += o.Unchanged
	for k, v := range o.Failed {
		if b.Failed == nil {
			b.Failed = map[string]string{}
		}
		b.Failed[k] = v
	}
}

// Reconciler diffs harvested records against the store, writes them and
// emits audit events, one transaction per issue.
type Reconciler struct {
	Repo   repo.Repo
	Events events.Writer
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(r repo.Repo, log zerolog.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{Repo: r, Events: events.Writer{Now: now}, Log: log, Now: now}
}

// ReconcileIssue writes one item and its comments. A failure rolls back this
// item only and is reported in the Result.
func (rc *Reconciler) ReconcileIssue(ctx context.Context, item domain.WorkItem) Result {
	res := Result{Key: item.Key}
	err := rc.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		res = Result{Key: item.Key}
		existing, err := rc.Repo.GetIssueTx(ctx, tx, item.Key)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if err := rc.Repo.InsertIssueTx(ctx, tx, item); err != nil {
				return fmt.Errorf("insert issue: %w", err)
			}
			title := item.Title
			if err := rc.Events.Append(ctx, tx, item.Key, string(domain.ChangeIssueCreated), &title, domain.ChangeIssueCreated); err != nil {
				return err
			}
			res.Outcome = Created
		case err != nil:
			return fmt.Errorf("load issue: %w", err)
		default:
			for _, d := range Diff(existing, item) {
				res.ChangedFields = append(res.ChangedFields, d.Field)
				if err := rc.Events.Append(ctx, tx, item.Key, d.Field, d.Value, domain.ChangeFieldUpdate); err != nil {
					return err
				}
			}
			if err := rc.Repo.UpdateIssueTx(ctx, tx, item); err != nil {
				return fmt.Errorf("update issue: %w", err)
			}
			res.Outcome = Unchanged
			if len(res.ChangedFields) > 0 {
				res.Outcome = Updated
			}
		}
		added, updated, err := rc.reconcileComments(ctx, tx, item.Key, item.Comments)
		if err != nil {
			return err
		}
		res.CommentsAdded, res.CommentsUpdated = added, updated
		if err := rc.Events.AppendCount(ctx, tx, item.Key, "comments", added, domain.ChangeCommentAdded); err != nil {
			return err
		}
		return rc.Events.AppendCount(ctx, tx, item.Key, "comments", updated, domain.ChangeCommentUpdated)
	})
	if err != nil {
		rc.Log.Error().Err(err).Str("issue_key", item.Key).Msg("reconcile failed")
		return Result{Key: item.Key, Outcome: Failed, Err: err}
	}
	if res.Outcome == Updated {
		rc.Log.Debug().Str("issue_key", item.Key).Strs("fields", res.ChangedFields).Msg("issue updated")
	}
	return res
}

// reconcileComments matches on (issue key, external id). Comments without an
// external id cannot be matched and are always inserted.
func (rc *Reconciler) reconcileComments(ctx context.Context, tx *sql.Tx, key string, comments []domain.Comment) (added, updated int, err error) {
	for _, c := range comments {
		c.IssueKey = key
		if c.ExternalID == nil || *c.ExternalID == "" {
			if _, err := rc.Repo.InsertCommentTx(ctx, tx, c); err != nil {
				return 0, 0, fmt.Errorf("insert comment: %w", err)
			}
			added++
			continue
		}
		stored, err := rc.Repo.FindCommentTx(ctx, tx, key, *c.ExternalID)
		if errors.Is(err, repo.ErrNotFound) {
			if _, err := rc.Repo.InsertCommentTx(ctx, tx, c); err != nil {
				return 0, 0, fmt.Errorf("insert comment: %w", err)
			}
			added++
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("load comment: %w", err)
		}
		if stored.Body == c.Body && optEqual(timeString(stored.UpdatedAt), timeString(c.UpdatedAt)) {
			continue
		}
		if err := rc.Repo.UpdateCommentTx(ctx, tx, stored.ID, c.Body, c.UpdatedAt); err != nil {
			return 0, 0, fmt.Errorf("update comment: %w", err)
		}
		updated++
	}
	return added, updated, nil
}

// ReconcileAll reconciles items in order and aggregates the results.
func (rc *Reconciler) ReconcileAll(ctx context.Context, items []domain.WorkItem) BatchReport {
	var report BatchReport
	for _, item := range items {
		if ctx.Err() != nil {
			report.Add(Result{Key: item.Key, Outcome: Failed, Err: ctx.Err()})
			continue
		}
		report.Add(rc.ReconcileIssue(ctx, item))
	}
	return report
}

// FieldDiff is one tracked field whose stored value differs.
type FieldDiff struct {
	Field string
	Value *string
}

// Diff compares the tracked fields of stored and fresh by their string form
// and returns the fields whose value changed, with the new value.
func Diff(stored, fresh domain.WorkItem) []FieldDiff {
	var out []FieldDiff
	for _, f := range trackedFields {
		before, after := f.get(stored), f.get(fresh)
		if optEqual(before, after) {
			continue
		}
		out = append(out, FieldDiff{Field: f.name, Value: after})
	}
	return out
}

type trackedField struct {
	name string
	get  func(domain.WorkItem) *string
}

// Names match the stored columns, so Title audits as "summary".
var trackedFields = []trackedField{
	{"summary", func(it domain.WorkItem) *string { return &it.Title }},
	{"assignee", func(it domain.WorkItem) *string { return it.Assignee }},
	{"status", func(it domain.WorkItem) *string { return &it.Status }},
	{"labels", func(it domain.WorkItem) *string {
		s := strings.Join(it.Labels, ",")
		return &s
	}},
	{"team", func(it domain.WorkItem) *string { return it.Team }},
	{"start_date", func(it domain.WorkItem) *string { return timeString(it.StartDate) }},
	{"transition_date", func(it domain.WorkItem) *string { return timeString(it.TransitionDate) }},
	{"end_date", func(it domain.WorkItem) *string { return timeString(it.EndDate) }},
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := domain.FormatTime(*t)
	return &s
}

func optEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
