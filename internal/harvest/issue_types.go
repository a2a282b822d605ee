package harvest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"harvestline/internal/hierarchy"
	"harvestline/internal/repo"
)

// SyncIssueTypes copies the configured type hierarchy into the store. It
// inserts missing nodes and updates changed ones; stored nodes absent from
// config are kept.
func (e *Engine) SyncIssueTypes(ctx context.Context) (added, updated int, err error) {
	for _, node := range hierarchy.NewGraph(e.Config.IssueTypes).Nodes() {
		stored, err := e.Repo.GetIssueType(ctx, node.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if err := e.Repo.InsertIssueType(ctx, node); err != nil {
				return added, updated, fmt.Errorf("insert issue type %d: %w", node.ID, err)
			}
			added++
		case err != nil:
			return added, updated, fmt.Errorf("load issue type %d: %w", node.ID, err)
		case stored.Name != node.Name || stored.URL != node.URL || !slices.Equal(stored.ChildTypeIDs, childIDs(node.ChildTypeIDs)):
			if err := e.Repo.UpdateIssueType(ctx, node); err != nil {
				return added, updated, fmt.Errorf("update issue type %d: %w", node.ID, err)
			}
			updated++
		}
	}
	e.Log.Info().Int("added", added).Int("updated", updated).Msg("issue types synced")
	return added, updated, nil
}

func childIDs(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
