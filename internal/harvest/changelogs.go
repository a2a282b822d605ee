package harvest

import (
	"context"

	"github.com/rs/zerolog"

	"harvestline/internal/domain"
	"harvestline/internal/reconcile"
	"harvestline/internal/upstream"
)

// harvestChangelogs fetches the history of every stored, non-blacklisted
// issue in chunks and reconciles it. Failures are logged and never fail the
// run.
func (e *Engine) harvestChangelogs(ctx context.Context, log zerolog.Logger) reconcile.ChangelogReport {
	var report reconcile.ChangelogReport
	refs, err := e.Repo.ActiveIssueRefs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("changelog phase skipped: list issues")
		return report
	}
	if len(refs) == 0 {
		return report
	}
	keyByID := make(map[string]string, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		keyByID[ref.ID] = ref.Key
		ids = append(ids, ref.ID)
	}

	chunks := 0
	skipped := 0
	for start := 0; start < len(ids); start += changelogChunkSize {
		end := min(start+changelogChunkSize, len(ids))
		if start > 0 {
			if err := upstream.Pause(ctx, e.Config.Harvest.ChangelogChunkDelay()); err != nil {
				log.Warn().Err(err).Msg("changelog phase interrupted")
				break
			}
		}
		var entries []domain.ChangelogEntry
		err := e.Upstream.BulkChangelogs(ctx, ids[start:end], func(page upstream.ChangelogPage) error {
			for _, l := range page.IssueChangeLogs {
				es, skips := e.Parser.ParseChangelogPage(l.IssueID, l.ChangeHistories)
				entries = append(entries, es...)
				skipped += len(skips)
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Int("chunk_start", start).Int("chunk_size", end-start).Msg("changelog chunk failed")
			continue
		}
		report.Merge(e.Reconciler.ReconcileChangelogs(ctx, entries, keyByID))
		chunks++
	}
	log.Info().
		Int("issues", len(ids)).
		Int("chunks", chunks).
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("skipped", skipped).
		Msg("changelog phase done")
	return report
}
