package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"harvestline/internal/domain"
	"harvestline/internal/jql"
	"harvestline/internal/parser"
	"harvestline/internal/upstream"
)

const (
	DefaultMaxDepth   = 5
	DefaultChunkSize  = 100
	DefaultMaxResults = 1000
)

// Searcher runs a paginated upstream search. *upstream.Client satisfies it.
type Searcher interface {
	SearchPages(ctx context.Context, expr string, fields []string, maxResults int, fn upstream.PageFunc) error
}

// Terminal is the reason a traversal stopped.
type Terminal string

const (
	Exhausted         Terminal = "exhausted"
	DepthLimitReached Terminal = "depth-limit-reached"
	Failed            Terminal = "error"
)

// Scope selects the root items of a traversal.
type Scope struct {
	Projects []string
	RootType string
	Label    string
}

// Stats counts what a query or traversal saw.
type Stats struct {
	Fetched       int `json:"fetched"`
	Blacklisted   int `json:"blacklisted"`
	ParseFailures int `json:"parse_failures"`
	SkippedSubs   int `json:"skipped_sub_records"`
	FailedChunks  int `json:"failed_chunks"`
	// Truncated counts queries cut off at MaxResults retained items.
	Truncated int `json:"truncated_queries"`
}

func (s *Stats) add(o Stats) {
	s.Fetched += o.Fetched
	s.Blacklisted += o.Blacklisted
	s.ParseFailures += o.ParseFailures
	s.SkippedSubs += o.SkippedSubs
	s.FailedChunks += o.FailedChunks
	s.Truncated += o.Truncated
}

// Outcome is the result of a traversal. Items are in discovery order.
type Outcome struct {
	Items    []domain.WorkItem
	Layers   int
	Terminal Terminal
	Stats    Stats
}

// Traverser discovers the work-item tree layer by layer.
type Traverser struct {
	Search     Searcher
	Parser     *parser.Parser
	Policy     Policy
	Log        zerolog.Logger
	MaxDepth   int
	ChunkSize  int
	MaxResults int
}

func (t *Traverser) maxDepth() int {
	if t.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return t.MaxDepth
}

func (t *Traverser) chunkSize() int {
	if t.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return t.ChunkSize
}

func (t *Traverser) maxResults() int {
	if t.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return t.MaxResults
}

// Traverse seeds from the root query and follows children of every allowed
// item until a layer yields nothing new or MaxDepth layers are accumulated.
// Only a seed failure is returned as an error; failed child chunks are
// counted and skipped.
func (t *Traverser) Traverse(ctx context.Context, scope Scope) (Outcome, error) {
	var out Outcome
	seen := map[string]bool{}
	blacklisted := map[string]bool{}

	layer, stats, err := t.query(ctx, jql.RootItems(scope.Projects, scope.RootType, scope.Label), seen, blacklisted)
	out.Stats.add(stats)
	if err != nil {
		out.Terminal = Failed
		t.Log.Error().Err(err).Msg("root query failed")
		return out, fmt.Errorf("seed root items: %w", err)
	}
	t.Log.Info().Int("items", len(layer)).Int("blacklisted", stats.Blacklisted).Msg("layer 0 seeded")

	depth := 0
	for len(layer) > 0 && depth < t.maxDepth() {
		accepted := layer[:0:0]
		for _, item := range layer {
			if seen[item.Key] {
				continue
			}
			seen[item.Key] = true
			accepted = append(accepted, item)
		}
		out.Items = append(out.Items, accepted...)
		out.Layers = depth + 1
		next, stats := t.children(ctx, accepted, seen, blacklisted)
		out.Stats.add(stats)
		if len(next) == 0 {
			t.Log.Info().Int("layer", depth+1).Msg("no new children, traversal exhausted")
			out.Terminal = Exhausted
			break
		}
		t.Log.Info().Int("layer", depth+1).Int("items", len(next)).Msg("layer discovered")
		layer = next
		depth++
	}
	if out.Terminal == "" {
		if depth >= t.maxDepth() {
			out.Terminal = DepthLimitReached
			t.Log.Warn().Int("max_depth", t.maxDepth()).Msg("maximum depth reached, stopping traversal")
		} else {
			out.Terminal = Exhausted
		}
	}
	t.Log.Info().Int("items", len(out.Items)).Int("layers", out.Layers).Str("terminal", string(out.Terminal)).
		Int("blacklisted", out.Stats.Blacklisted).Int("failed_chunks", out.Stats.FailedChunks).Msg("traversal finished")
	return out, nil
}

// children queries all children of layer in chunks and returns the items
// not seen before, deduplicated within the layer.
func (t *Traverser) children(ctx context.Context, layer []domain.WorkItem, seen, blacklisted map[string]bool) ([]domain.WorkItem, Stats) {
	var stats Stats
	keys := make([]string, 0, len(layer))
	for _, item := range layer {
		if item.BlacklistReason == nil {
			keys = append(keys, item.Key)
		}
	}
	var next []domain.WorkItem
	inLayer := map[string]bool{}
	size := t.chunkSize()
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		if err := ctx.Err(); err != nil {
			t.Log.Warn().Err(err).Msg("traversal cancelled")
			return next, stats
		}
		found, s, err := t.query(ctx, jql.Children(keys[start:end]), seen, blacklisted)
		stats.add(s)
		if err != nil {
			stats.FailedChunks++
			t.Log.Error().Err(err).Int("chunk_start", start).Int("parents", end-start).Msg("child chunk failed, skipping")
			continue
		}
		for _, item := range found {
			if inLayer[item.Key] {
				continue
			}
			inLayer[item.Key] = true
			next = append(next, item)
		}
	}
	return next, stats
}

// Collect runs one paginated, blacklist-filtered query.
func (t *Traverser) Collect(ctx context.Context, expr string) ([]domain.WorkItem, Stats, error) {
	return t.query(ctx, expr, map[string]bool{}, map[string]bool{})
}

// query pages through expr and keeps parsed, unseen, non-blacklisted items.
// MaxResults bounds the kept items, not the raw hits, so blacklisted or
// unparseable issues never use up the budget.
func (t *Traverser) query(ctx context.Context, expr string, seen, blacklisted map[string]bool) ([]domain.WorkItem, Stats, error) {
	var stats Stats
	var items []domain.WorkItem
	limit := t.maxResults()
	err := t.Search.SearchPages(ctx, expr, t.Parser.SearchFields(), 0, func(page []json.RawMessage) error {
		for _, raw := range page {
			stats.Fetched++
			item, skips, err := t.Parser.ParseIssue(raw)
			if err != nil {
				var pe *parser.ParsingError
				if !errors.As(err, &pe) {
					return err
				}
				stats.ParseFailures++
				t.Log.Warn().Err(err).Msg("issue skipped")
				continue
			}
			stats.SkippedSubs += len(skips)
			if seen[item.Key] {
				continue
			}
			if t.Policy.Apply(&item) {
				if !blacklisted[item.Key] {
					blacklisted[item.Key] = true
					stats.Blacklisted++
					t.Log.Debug().Str("issue_key", item.Key).Str("reason", *item.BlacklistReason).Msg("blacklisted")
				}
				continue
			}
			if len(items) >= limit {
				stats.Truncated++
				t.Log.Warn().Str("jql", expr).Int("max_results", limit).Msg("query results truncated at max_results")
				return upstream.ErrStopPaging
			}
			items = append(items, item)
		}
		return nil
	})
	if errors.Is(err, upstream.ErrStopPaging) {
		err = nil
	}
	return items, stats, err
}
