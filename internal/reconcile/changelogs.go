package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"harvestline/internal/domain"
	"harvestline/internal/repo"
)

// ChangelogReport aggregates one changelog reconciliation pass.
type ChangelogReport struct {
	Added     int               `json:"added"`
	Updated   int               `json:"updated"`
	Unchanged int               `json:"unchanged"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Merge folds another report into r.
func (r *ChangelogReport) Merge(o ChangelogReport) {
	r.Added += o.Added
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	for k, v := range o.Failed {
		if r.Failed == nil {
			r.Failed = map[string]string{}
		}
		r.Failed[k] = v
	}
}

// ReconcileChangelogs stores entries matched on (changelog id, field), one
// transaction per upstream issue id. keyByID maps issue ids to keys so the
// batch events land on the issue they describe; ids without a key are stored
// without events.
func (rc *Reconciler) ReconcileChangelogs(ctx context.Context, entries []domain.ChangelogEntry, keyByID map[string]string) ChangelogReport {
	var report ChangelogReport
	byIssue := map[string][]domain.ChangelogEntry{}
	for _, e := range entries {
		byIssue[e.IssueID] = append(byIssue[e.IssueID], e)
	}
	ids := make([]string, 0, len(byIssue))
	for id := range byIssue {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var added, updated, unchanged int
		err := rc.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			added, updated, unchanged = 0, 0, 0
			for _, e := range byIssue[id] {
				outcome, err := rc.storeChangelog(ctx, tx, e)
				if err != nil {
					return err
				}
				switch outcome {
				case Created:
					added++
				case Updated:
					updated++
				default:
					unchanged++
				}
			}
			key, ok := keyByID[id]
			if !ok {
				return nil
			}
			if err := rc.Events.AppendCount(ctx, tx, key, "changelogs", added, domain.ChangeChangelogAdded); err != nil {
				return err
			}
			return rc.Events.AppendCount(ctx, tx, key, "changelogs", updated, domain.ChangeChangelogUpdated)
		})
		if err != nil {
			rc.Log.Warn().Err(err).Str("issue_id", id).Msg("changelog reconcile failed")
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[id] = err.Error()
			continue
		}
		report.Added += added
		report.Updated += updated
		report.Unchanged += unchanged
	}
	return report
}

func (rc *Reconciler) storeChangelog(ctx context.Context, tx *sql.Tx, e domain.ChangelogEntry) (Outcome, error) {
	if e.ChangelogID == "" {
		if _, err := rc.Repo.InsertChangelogTx(ctx, tx, e); err != nil {
			return Failed, fmt.Errorf("insert changelog: %w", err)
		}
		return Created, nil
	}
	stored, err := rc.Repo.FindChangelogTx(ctx, tx, e.ChangelogID, e.Field)
	if errors.Is(err, repo.ErrNotFound) {
		if _, err := rc.Repo.InsertChangelogTx(ctx, tx, e); err != nil {
			return Failed, fmt.Errorf("insert changelog: %w", err)
		}
		return Created, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("load changelog: %w", err)
	}
	if sameChangelog(stored, e) {
		return Unchanged, nil
	}
	if err := rc.Repo.UpdateChangelogTx(ctx, tx, stored.ID, e); err != nil {
		return Failed, fmt.Errorf("update changelog: %w", err)
	}
	return Updated, nil
}

func sameChangelog(a, b domain.ChangelogEntry) bool {
	return a.IssueID == b.IssueID &&
		optEqual(a.FromValue, b.FromValue) &&
		optEqual(a.ToValue, b.ToValue) &&
		optEqual(a.FromDisplay, b.FromDisplay) &&
		optEqual(a.ToDisplay, b.ToDisplay) &&
		domain.FormatTime(a.CreatedAt) == domain.FormatTime(b.CreatedAt)
}
