package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/events"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.IssueTypes = []domain.IssueTypeNode{
		{ID: 1, Name: "Product Version", ChildTypeIDs: []int{2}},
		{ID: 2, Name: "Epic", ChildTypeIDs: []int{3}},
		{ID: 3, Name: "Story", ChildTypeIDs: []int{}},
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func strp(s string) *string { return &s }

func issue(key, id string, typeID int, parent string) domain.WorkItem {
	it := domain.WorkItem{
		Key:         key,
		ID:          id,
		Title:       "Summary of " + key,
		Status:      "To Do",
		Labels:      []string{"L"},
		TypeID:      typeID,
		Source:      domain.SourceJira,
		HarvestedAt: now.Add(-time.Hour),
	}
	if parent != "" {
		it.ParentKey = strp(parent)
	}
	return it
}

func (env testEnv) seed(t *testing.T, fn func(r repo.Repo, tx *sql.Tx) error) {
	t.Helper()
	r := env.Engine.Repo
	if err := r.WithTx(env.Ctx, func(tx *sql.Tx) error { return fn(r, tx) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// seedTree stores R-1 > {A-1 > B-1 > C-1, A-2} with one comment on A-1 and
// one changelog entry on B-1.
func (env testEnv) seedTree(t *testing.T) {
	t.Helper()
	env.seed(t, func(r repo.Repo, tx *sql.Tx) error {
		for _, it := range []domain.WorkItem{
			issue("R-1", "100", 1, ""),
			issue("A-1", "101", 2, "R-1"),
			issue("A-2", "102", 2, "R-1"),
			issue("B-1", "103", 3, "A-1"),
			issue("C-1", "104", 99, "B-1"),
			issue("X-1", "200", 2, ""),
		} {
			if err := r.InsertIssueTx(env.Ctx, tx, it); err != nil {
				return err
			}
		}
		if _, err := r.InsertCommentTx(env.Ctx, tx, domain.Comment{IssueKey: "A-1", Body: "looks good", CreatedAt: now.AddDate(0, 0, -2), ExternalID: strp("c1")}); err != nil {
			return err
		}
		_, err := r.InsertChangelogTx(env.Ctx, tx, domain.ChangelogEntry{
			IssueID: "103", ChangelogID: "h1", Field: "status",
			FromDisplay: strp("To Do"), ToDisplay: strp("In Progress"), CreatedAt: now.AddDate(0, 0, -1),
		})
		return err
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	h := env.Engine.Health(env.Ctx)
	if h.Status != "healthy" || h.Database != "ok" || h.LastHarvest != nil || h.ReloadInProgress {
		t.Fatalf("unexpected empty health: %+v", h)
	}

	r := env.Engine.Repo
	id, err := r.CreateReload(env.Ctx, domain.ReloadRecord{RunID: "run-1", Started: now.Add(-time.Hour), Source: domain.SourceManual, TriggeredBy: "t"})
	if err != nil {
		t.Fatalf("create reload: %v", err)
	}
	if err := r.CompleteReload(env.Ctx, id, now.Add(-30*time.Minute), 3, 1800); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.CreateReload(env.Ctx, domain.ReloadRecord{RunID: "run-2", Started: now, Source: domain.SourceScheduled, TriggeredBy: "t"}); err != nil {
		t.Fatalf("create reload: %v", err)
	}
	env.seedTree(t)

	h = env.Engine.Health(env.Ctx)
	if h.LastHarvest == nil || !h.LastHarvest.Equal(now.Add(-30*time.Minute)) {
		t.Fatalf("expected last harvest, got %+v", h)
	}
	if !h.ReloadInProgress || h.Issues != 6 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestIssueKeysByTypeName(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)

	keys, err := env.Engine.IssueKeys(env.Ctx, engine.KeyFilter{IssueType: "epic"})
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 || keys[0] != "A-1" || keys[2] != "X-1" {
		t.Fatalf("unexpected epic keys: %v", keys)
	}
	keys, err = env.Engine.IssueKeys(env.Ctx, engine.KeyFilter{IssueType: "2", ParentKey: "R-1"})
	if err != nil || len(keys) != 2 {
		t.Fatalf("unexpected keys by id and parent: %v %v", keys, err)
	}
	var invalid *engine.InvalidArgumentError
	if _, err := env.Engine.IssueKeys(env.Ctx, engine.KeyFilter{IssueType: "Saga"}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestIssueDetails(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)

	d, err := env.Engine.IssueDetails(env.Ctx, "A-1", engine.DetailOptions{
		ViewOptions: engine.ViewOptions{Comments: true, Changelog: true},
		Children:    true,
	})
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if d.Issue.IssueType.Name != "Epic" || d.Issue.Summary != "Summary of A-1" {
		t.Fatalf("unexpected issue view: %+v", d.Issue)
	}
	if d.Issue.CommentsCount == nil || *d.Issue.CommentsCount != 1 || d.Issue.Comments[0].Body != "looks good" {
		t.Fatalf("expected one comment: %+v", d.Issue)
	}
	if d.Issue.ChangelogCount == nil || *d.Issue.ChangelogCount != 0 {
		t.Fatalf("expected empty changelog count: %+v", d.Issue)
	}
	if d.ChildrenCount == nil || *d.ChildrenCount != 1 || d.Children[0].Key != "B-1" {
		t.Fatalf("unexpected children: %+v", d.Children)
	}

	plain, err := env.Engine.IssueDetails(env.Ctx, "C-1", engine.DetailOptions{})
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if plain.Issue.IssueType.Name != engine.UnknownTypeName || plain.Issue.CommentsCount != nil || plain.ChildrenCount != nil {
		t.Fatalf("unexpected plain view: %+v", plain)
	}
	if _, err := env.Engine.IssueDetails(env.Ctx, "NOPE-1", engine.DetailOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDescendants(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)

	res, err := env.Engine.Descendants(env.Ctx, "R-1", engine.ViewOptions{Comments: true, Changelog: true})
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if res.Root.Key != "R-1" || res.TotalCount != 4 || res.HierarchyDepth != 3 {
		t.Fatalf("unexpected result: root=%s total=%d depth=%d", res.Root.Key, res.TotalCount, res.HierarchyDepth)
	}
	order := []string{"A-1", "A-2", "B-1", "C-1"}
	for i, want := range order {
		if res.Descendants[i].Key != want {
			t.Fatalf("descendant %d = %s, want %s", i, res.Descendants[i].Key, want)
		}
	}
	b1 := res.Descendants[2]
	if b1.ChangelogCount == nil || *b1.ChangelogCount != 1 || *b1.Changelog[0].ToDisplay != "In Progress" {
		t.Fatalf("expected B-1 changelog: %+v", b1)
	}

	leaf, err := env.Engine.Descendants(env.Ctx, "C-1", engine.ViewOptions{})
	if err != nil {
		t.Fatalf("descendants of leaf: %v", err)
	}
	if leaf.TotalCount != 0 || leaf.HierarchyDepth != 0 || leaf.Descendants == nil {
		t.Fatalf("unexpected leaf result: %+v", leaf)
	}
	if _, err := env.Engine.Descendants(env.Ctx, "NOPE-1", engine.ViewOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueryIssuesValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)

	views, err := env.Engine.QueryIssues(env.Ctx, engine.IssueQuery{ParentKey: "R-1"})
	if err != nil || len(views) != 2 {
		t.Fatalf("unexpected query result: %v %v", views, err)
	}
	if views[0].Comments != nil || views[0].CommentsCount != nil {
		t.Fatalf("list views should not carry comments: %+v", views[0])
	}
	var invalid *engine.InvalidArgumentError
	if _, err := env.Engine.QueryIssues(env.Ctx, engine.IssueQuery{Source: "gitlab"}); !errors.As(err, &invalid) || invalid.Field != "source" {
		t.Fatalf("expected source error, got %v", err)
	}
	if _, err := env.Engine.QueryIssues(env.Ctx, engine.IssueQuery{Limit: 501}); !errors.As(err, &invalid) || invalid.Field != "limit" {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestCommentedSince(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)

	res, err := env.Engine.CommentedSince(env.Ctx, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.DaysAgo != 10 || res.TotalCount != 1 || res.Issues[0].IssueKey != "A-1" {
		t.Fatalf("unexpected search: %+v", res)
	}
	res, err = env.Engine.CommentedSince(env.Ctx, 1, 10)
	if err != nil || res.TotalCount != 0 || res.Issues == nil {
		t.Fatalf("expected empty result: %+v %v", res, err)
	}
	var invalid *engine.InvalidArgumentError
	if _, err := env.Engine.CommentedSince(env.Ctx, 366, 10); !errors.As(err, &invalid) {
		t.Fatalf("expected days_ago error, got %v", err)
	}
}

func TestTeamMetricsDateRange(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, func(r repo.Repo, tx *sql.Tx) error {
		for i, status := range []string{"Done", "In Progress"} {
			it := issue("T-"+string(rune('1'+i)), "", 3, "")
			it.Team = strp("Core")
			it.Status = status
			updated := time.Date(2024, 5, 1+i*20, 8, 0, 0, 0, time.UTC)
			it.UpdatedAt = &updated
			if err := r.InsertIssueTx(env.Ctx, tx, it); err != nil {
				return err
			}
		}
		return nil
	})

	m, err := env.Engine.TeamMetrics(env.Ctx, "Core", "")
	if err != nil || m.TotalIssues != 2 || m.CompletionRate != 0.5 {
		t.Fatalf("unexpected metrics: %+v %v", m, err)
	}
	m, err = env.Engine.TeamMetrics(env.Ctx, "Core", "2024-05-01,2024-05-01")
	if err != nil || m.TotalIssues != 1 || m.Completed != 1 {
		t.Fatalf("end day should be inclusive: %+v %v", m, err)
	}
	var invalid *engine.InvalidArgumentError
	for _, bad := range []string{"2024-05-01", "2024-05-10,2024-05-01", "May,June"} {
		if _, err := env.Engine.TeamMetrics(env.Ctx, "Core", bad); !errors.As(err, &invalid) {
			t.Fatalf("expected date_range error for %q, got %v", bad, err)
		}
	}
	if _, err := env.Engine.TeamMetrics(env.Ctx, "Nobody", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChangesAndIssueTypes(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree(t)
	w := events.Writer{Now: func() time.Time { return now }}
	env.seed(t, func(r repo.Repo, tx *sql.Tx) error {
		if err := w.Append(env.Ctx, tx, "A-1", "status", strp("Done"), domain.ChangeFieldUpdate); err != nil {
			return err
		}
		return w.Append(env.Ctx, tx, "GONE-1", "issue_created", strp("old"), domain.ChangeIssueCreated)
	})

	changes, err := env.Engine.Changes(env.Ctx, "A-1", 0)
	if err != nil || len(changes) != 1 || changes[0].Field != "status" {
		t.Fatalf("unexpected changes: %+v %v", changes, err)
	}
	gone, err := env.Engine.Changes(env.Ctx, "GONE-1", 0)
	if err != nil || len(gone) != 1 {
		t.Fatalf("trail of a removed issue should remain: %+v %v", gone, err)
	}

	types, err := env.Engine.IssueTypes(env.Ctx)
	if err != nil || len(types) != 3 {
		t.Fatalf("expected configured types before sync: %+v %v", types, err)
	}
}

func TestHarvestStatus(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.HarvestStatus(env.Ctx, 0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Active != nil || st.LastCompleted != nil || len(st.Recent) != 0 {
		t.Fatalf("unexpected empty status: %+v", st)
	}

	r := env.Engine.Repo
	for i := 0; i < 3; i++ {
		id, err := r.CreateReload(env.Ctx, domain.ReloadRecord{RunID: "run", Started: now.Add(time.Duration(i-3) * time.Hour), Source: domain.SourceScheduled, TriggeredBy: "scheduler"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if i < 2 {
			if err := r.CompleteReload(env.Ctx, id, now.Add(time.Duration(i-3)*time.Hour+time.Minute), i, 60); err != nil {
				t.Fatalf("complete: %v", err)
			}
		}
	}
	st, err = env.Engine.HarvestStatus(env.Ctx, 2)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Active == nil || st.LastCompleted == nil || st.LastCompleted.RecordsProcessed != 1 || len(st.Recent) != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
