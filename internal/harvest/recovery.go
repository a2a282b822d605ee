package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harvestline/internal/repo"
)

// RecoveredRun describes one interrupted record repaired at startup.
type RecoveredRun struct {
	ReloadID      int64  `json:"reload_id"`
	RunID         string `json:"run_id"`
	IssuesRemoved int    `json:"issues_removed"`
}

// RecoveryReport is the result of startup crash recovery.
type RecoveryReport struct {
	Recovered    []RecoveredRun `json:"recovered"`
	ReloadNeeded bool           `json:"reload_needed"`
	Reason       string         `json:"reason,omitempty"`
}

// Recover repairs records left running by a previous process: issues written
// since the record started are removed and the record is failed. It must run
// before any harvest starts. It also reports whether a reload is due.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	running, err := e.Repo.RunningReloads(ctx)
	if err != nil {
		return report, fmt.Errorf("list running reloads: %w", err)
	}
	for _, rec := range running {
		var removed int
		err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			n, err := e.Repo.DeleteIssuesHarvestedSince(ctx, tx, rec.Started)
			if err != nil {
				return err
			}
			if _, err := e.Repo.DeleteOrphanChangelogs(ctx, tx); err != nil {
				return err
			}
			removed = n
			zero := 0
			return e.Repo.FailReloadTx(ctx, tx, rec.ID, e.now(), RecoveryMessage, e.seconds(rec.Started), &zero)
		})
		if err != nil {
			return report, fmt.Errorf("recover reload %d: %w", rec.ID, err)
		}
		e.Log.Warn().
			Int64("reload_id", rec.ID).
			Str("run_id", rec.RunID).
			Int("issues_removed", removed).
			Msg("interrupted reload recovered")
		report.Recovered = append(report.Recovered, RecoveredRun{ReloadID: rec.ID, RunID: rec.RunID, IssuesRemoved: removed})
	}

	report.ReloadNeeded, report.Reason, err = e.reloadNeeded(ctx)
	if err != nil {
		return report, err
	}
	e.Log.Info().Int("recovered", len(report.Recovered)).Bool("reload_needed", report.ReloadNeeded).Str("reason", report.Reason).Msg("startup recovery done")
	return report, nil
}

func (e *Engine) reloadNeeded(ctx context.Context) (bool, string, error) {
	last, err := e.Repo.LastFinishedReload(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return true, "no previous harvest", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("last reload: %w", err)
	}
	interval := e.Config.Harvest.Interval()
	if interval <= 0 {
		return false, "", nil
	}
	if age := e.now().Sub(last.Started); age >= interval {
		return true, fmt.Sprintf("last harvest started %s ago", age.Truncate(time.Second)), nil
	}
	return false, "", nil
}
