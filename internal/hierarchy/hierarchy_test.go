package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/jql"
	"harvestline/internal/parser"
	"harvestline/internal/upstream"
)

type fakeSearch struct {
	results map[string][]string
	fail    map[string]error
	queries []string
}

func (f *fakeSearch) SearchPages(ctx context.Context, expr string, fields []string, maxResults int, fn upstream.PageFunc) error {
	f.queries = append(f.queries, expr)
	if err := f.fail[expr]; err != nil {
		return err
	}
	var page []json.RawMessage
	for _, s := range f.results[expr] {
		page = append(page, json.RawMessage(s))
	}
	if len(page) == 0 {
		return nil
	}
	return fn(page)
}

func issue(key, status string) string {
	return fmt.Sprintf(`{"id":"%s","key":"%s","fields":{"summary":"%s","status":{"name":"%s"},"issuetype":{"id":"10000","name":"Epic"}}}`, key, key, key, status)
}

func keys(items []domain.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key)
	}
	return out
}

var testScope = Scope{Projects: []string{"P"}, RootType: "Product Version", Label: "L"}

func newTraverser(s Searcher, bl config.Blacklist) *Traverser {
	return &Traverser{
		Search: s,
		Parser: parser.New(config.Default().Upstream.CustomFields, nil, zerolog.Nop()),
		Policy: NewPolicy(bl),
		Log:    zerolog.Nop(),
	}
}

func rootQuery() string {
	return jql.RootItems(testScope.Projects, testScope.RootType, testScope.Label)
}

func TestTraverseSkipsBlacklistedSubtree(t *testing.T) {
	fs := &fakeSearch{results: map[string][]string{
		rootQuery():                          {issue("P-A", "Open")},
		jql.Children([]string{"P-A"}):        {issue("P-B", "Done"), issue("P-C", "Open")},
		jql.Children([]string{"P-C"}):        {issue("P-D", "Open")},
		jql.Children([]string{"P-B", "P-C"}): {issue("P-X", "Open")},
	}}
	tr := newTraverser(fs, config.Blacklist{Statuses: []string{"Done"}})
	out, err := tr.Traverse(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-A", "P-C", "P-D"}, keys(out.Items))
	assert.Equal(t, 1, out.Stats.Blacklisted)
	assert.Equal(t, Exhausted, out.Terminal)
	assert.Equal(t, 3, out.Layers)
	assert.NotContains(t, fs.queries, jql.Children([]string{"P-B", "P-C"}))
	for _, it := range out.Items {
		assert.Nil(t, it.BlacklistReason)
	}
}

func TestTraverseStopsAtDepthCeiling(t *testing.T) {
	fs := &fakeSearch{results: map[string][]string{
		rootQuery():                   {issue("P-1", "Open")},
		jql.Children([]string{"P-1"}): {issue("P-2", "Open")},
		jql.Children([]string{"P-2"}): {issue("P-3", "Open")},
		jql.Children([]string{"P-3"}): {issue("P-4", "Open")},
	}}
	tr := newTraverser(fs, config.Blacklist{})
	tr.MaxDepth = 2
	out, err := tr.Traverse(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1", "P-2"}, keys(out.Items))
	assert.Equal(t, DepthLimitReached, out.Terminal)
	assert.Equal(t, 2, out.Layers)
	assert.NotContains(t, fs.queries, jql.Children([]string{"P-3"}))
}

func TestTraverseDeduplicatesAcrossLayers(t *testing.T) {
	fs := &fakeSearch{results: map[string][]string{
		rootQuery():                   {issue("P-1", "Open"), issue("P-1", "Open")},
		jql.Children([]string{"P-1"}): {issue("P-2", "Open"), issue("P-1", "Open"), issue("P-2", "Open")},
		jql.Children([]string{"P-2"}): {issue("P-1", "Open")},
	}}
	out, err := newTraverser(fs, config.Blacklist{}).Traverse(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1", "P-2"}, keys(out.Items))
	assert.Equal(t, Exhausted, out.Terminal)
}

func TestTraverseChunksParentsAndSkipsFailedChunk(t *testing.T) {
	fs := &fakeSearch{
		results: map[string][]string{
			rootQuery():                          {issue("P-1", "Open"), issue("P-2", "Open"), issue("P-3", "Open"), issue("P-4", "Open"), issue("P-5", "Open")},
			jql.Children([]string{"P-1", "P-2"}): {issue("P-10", "Open")},
			jql.Children([]string{"P-5"}):        {issue("P-50", "Open")},
		},
		fail: map[string]error{
			jql.Children([]string{"P-3", "P-4"}): &upstream.APIError{Kind: upstream.KindOperation, Op: "search", Status: 500, Message: "boom"},
		},
	}
	tr := newTraverser(fs, config.Blacklist{})
	tr.ChunkSize = 2
	out, err := tr.Traverse(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1", "P-2", "P-3", "P-4", "P-5", "P-10", "P-50"}, keys(out.Items))
	assert.Equal(t, 1, out.Stats.FailedChunks)
	assert.Contains(t, fs.queries, jql.Children([]string{"P-5"}))
}

func TestTraverseSeedFailure(t *testing.T) {
	seedErr := &upstream.APIError{Kind: upstream.KindAuth, Op: "search", Status: 401, Message: "nope"}
	fs := &fakeSearch{fail: map[string]error{rootQuery(): seedErr}}
	out, err := newTraverser(fs, config.Blacklist{}).Traverse(context.Background(), testScope)
	require.Error(t, err)
	assert.True(t, upstream.IsKind(err, upstream.KindAuth))
	assert.Equal(t, Failed, out.Terminal)
	assert.Empty(t, out.Items)
}

func TestTraverseCountsParseFailures(t *testing.T) {
	fs := &fakeSearch{results: map[string][]string{
		rootQuery(): {issue("P-1", "Open"), `{"fields":{}}`, `"junk"`},
	}}
	out, err := newTraverser(fs, config.Blacklist{}).Traverse(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1"}, keys(out.Items))
	assert.Equal(t, 2, out.Stats.ParseFailures)
}

func TestCollectFiltersBlacklist(t *testing.T) {
	expr := jql.Assignee("dev@example.com", "L", nil)
	fs := &fakeSearch{results: map[string][]string{
		expr: {issue("P-1", "Open"), issue("OLD-2", "Open")},
	}}
	items, stats, err := newTraverser(fs, config.Blacklist{Projects: []string{"OLD"}}).Collect(context.Background(), expr)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1"}, keys(items))
	assert.Equal(t, 1, stats.Blacklisted)
}

func TestMaxResultsCountsOnlyKeptItems(t *testing.T) {
	expr := jql.Assignee("dev@example.com", "L", nil)
	fs := &fakeSearch{results: map[string][]string{
		expr: {issue("P-1", "Done"), issue("P-2", "Done"), `"junk"`, issue("P-3", "Open")},
	}}
	trav := newTraverser(fs, config.Blacklist{Statuses: []string{"Done"}})
	trav.MaxResults = 2
	items, stats, err := trav.Collect(context.Background(), expr)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-3"}, keys(items))
	assert.Equal(t, 2, stats.Blacklisted)
	assert.Equal(t, 1, stats.ParseFailures)
	assert.Zero(t, stats.Truncated)
}

func TestMaxResultsTruncatesAndStops(t *testing.T) {
	expr := jql.Assignee("dev@example.com", "L", nil)
	fs := &fakeSearch{results: map[string][]string{
		expr: {issue("P-1", "Open"), issue("P-2", "Done"), issue("P-3", "Open"), issue("P-4", "Open")},
	}}
	trav := newTraverser(fs, config.Blacklist{Statuses: []string{"Done"}})
	trav.MaxResults = 2
	items, stats, err := trav.Collect(context.Background(), expr)
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1", "P-3"}, keys(items))
	assert.Equal(t, 1, stats.Truncated)
	assert.Equal(t, 4, stats.Fetched)
}

func TestPolicyReasonOrder(t *testing.T) {
	p := NewPolicy(config.Blacklist{Projects: []string{"OLD"}, Teams: []string{"Legacy"}, Statuses: []string{"Cancelled"}})
	team := "Legacy"
	cases := []struct {
		item domain.WorkItem
		want string
	}{
		{domain.WorkItem{Key: "OLD-1", Team: &team, Status: "Cancelled"}, "project"},
		{domain.WorkItem{Key: "NEW-1", Team: &team, Status: "Cancelled"}, "team:Legacy"},
		{domain.WorkItem{Key: "NEW-1", Status: "Cancelled"}, "status:Cancelled"},
		{domain.WorkItem{Key: "NEW-1", Status: "Open"}, ""},
		{domain.WorkItem{Key: "OLDER-1", Status: "Open"}, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Reason(tc.item), tc.item.Key)
	}
}

func TestGraphDefaultsAreValid(t *testing.T) {
	g := NewGraph(config.Default().IssueTypes)
	r := g.Validate()
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
	roots := g.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "Product Version", roots[0].Name)
}

func TestGraphValidateDetectsCyclesAndDanglingChildren(t *testing.T) {
	g := NewGraph([]domain.IssueTypeNode{
		{ID: 1, Name: "Root", ChildTypeIDs: []int{2}},
		{ID: 2, Name: "Mid", ChildTypeIDs: []int{3, 99}},
		{ID: 3, Name: "Leaf", ChildTypeIDs: []int{2}},
	})
	r := g.Validate()
	assert.False(t, r.Valid())
	assert.Len(t, r.Issues, 3)
	err := &ConfigError{Report: r}
	var ce *ConfigError
	assert.True(t, errors.As(error(err), &ce))
	assert.Contains(t, err.Error(), "invalid child type id 99")
}

func TestGraphRootCountIsWarning(t *testing.T) {
	g := NewGraph([]domain.IssueTypeNode{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}})
	r := g.Validate()
	assert.True(t, r.Valid())
	assert.Len(t, r.Warnings, 1)
}

func TestMapTypeID(t *testing.T) {
	g := NewGraph(config.Default().IssueTypes)
	assert.Equal(t, 10000, g.MapTypeID(10000, "Whatever"))
	assert.Equal(t, 10001, g.MapTypeID(55555, "Story"))
	assert.Equal(t, UnknownTypeID, g.MapTypeID(55555, "Spike"))
}
