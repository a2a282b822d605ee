package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
	"harvestline/internal/reconcile"
	"harvestline/internal/repo"
)

type testEnv struct {
	Rec  *reconcile.Reconciler
	Repo repo.Repo
	Ctx  context.Context
}

var now = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

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
	r := repo.Repo{DB: conn}
	rec := reconcile.New(r, zerolog.Nop(), func() time.Time { return now })
	return testEnv{Rec: rec, Repo: r, Ctx: context.Background()}
}

func strp(s string) *string { return &s }

func workItem(status string) domain.WorkItem {
	return domain.WorkItem{
		Key:         "ABC-1",
		ID:          "10001",
		Title:       "Ship the importer",
		Status:      status,
		Labels:      []string{"backend"},
		TypeID:      10001,
		Source:      domain.SourceJira,
		HarvestedAt: now,
		Comments: []domain.Comment{
			{Body: "first", CreatedAt: now.Add(-time.Hour), ExternalID: strp("c-1")},
		},
	}
}

func (env testEnv) count(t *testing.T, kind domain.ChangeType) int {
	t.Helper()
	n, err := env.Repo.CountAuditEvents(env.Ctx, "ABC-1", kind)
	if err != nil {
		t.Fatalf("count %s: %v", kind, err)
	}
	return n
}

func TestReconcileCreatesThenIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res := env.Rec.ReconcileIssue(env.Ctx, workItem("To Do"))
	if res.Outcome != reconcile.Created || res.CommentsAdded != 1 {
		t.Fatalf("unexpected first result: %+v", res)
	}
	if env.count(t, domain.ChangeIssueCreated) != 1 || env.count(t, domain.ChangeCommentAdded) != 1 {
		t.Fatalf("expected creation and comment events")
	}

	res = env.Rec.ReconcileIssue(env.Ctx, workItem("To Do"))
	if res.Outcome != reconcile.Unchanged || res.CommentsAdded != 0 || res.CommentsUpdated != 0 {
		t.Fatalf("second pass should be a no-op: %+v", res)
	}
	events, err := env.Repo.ListAuditEvents(env.Ctx, "ABC-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected no new events, got %d", len(events))
	}
}

func TestReconcileStatusChangeEmitsOneEvent(t *testing.T) {
	env := newTestEnv(t)
	env.Rec.ReconcileIssue(env.Ctx, workItem("To Do"))
	res := env.Rec.ReconcileIssue(env.Ctx, workItem("In Progress"))
	if res.Outcome != reconcile.Updated || len(res.ChangedFields) != 1 || res.ChangedFields[0] != "status" {
		t.Fatalf("unexpected result: %+v", res)
	}
	events, err := env.Repo.ListAuditEvents(env.Ctx, "ABC-1", 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("list events: %v %v", events, err)
	}
	ev := events[0]
	if ev.ChangeType != domain.ChangeFieldUpdate || ev.Field != "status" || ev.Value == nil || *ev.Value != "In Progress" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if env.count(t, domain.ChangeFieldUpdate) != 1 {
		t.Fatalf("expected exactly one field update")
	}
	stored, err := env.Repo.GetIssue(env.Ctx, "ABC-1")
	if err != nil || stored.Status != "In Progress" {
		t.Fatalf("status not persisted: %+v %v", stored, err)
	}
}

func TestReconcileClearedAssigneeRecordsNull(t *testing.T) {
	env := newTestEnv(t)
	it := workItem("To Do")
	it.Assignee = strp("alice")
	env.Rec.ReconcileIssue(env.Ctx, it)
	it.Assignee = nil
	res := env.Rec.ReconcileIssue(env.Ctx, it)
	if res.Outcome != reconcile.Updated {
		t.Fatalf("expected update: %+v", res)
	}
	events, _ := env.Repo.ListAuditEvents(env.Ctx, "ABC-1", 1)
	if len(events) != 1 || events[0].Field != "assignee" || events[0].Value != nil {
		t.Fatalf("expected null assignee event: %+v", events)
	}
}

func TestReconcileComments(t *testing.T) {
	env := newTestEnv(t)
	env.Rec.ReconcileIssue(env.Ctx, workItem("To Do"))

	edited := now.Add(time.Minute)
	it := workItem("To Do")
	it.Comments[0].Body = "first, edited"
	it.Comments[0].UpdatedAt = &edited
	it.Comments = append(it.Comments, domain.Comment{Body: "second", CreatedAt: now, ExternalID: strp("c-2")})
	res := env.Rec.ReconcileIssue(env.Ctx, it)
	if res.CommentsAdded != 1 || res.CommentsUpdated != 1 {
		t.Fatalf("unexpected comment counts: %+v", res)
	}
	comments, err := env.Repo.ListComments(env.Ctx, "ABC-1")
	if err != nil || len(comments) != 2 || comments[0].Body != "first, edited" {
		t.Fatalf("unexpected comments: %+v %v", comments, err)
	}
	if env.count(t, domain.ChangeCommentUpdated) != 1 {
		t.Fatalf("expected one comment_updated event")
	}
}

func TestReconcileCommentsWithoutIDDuplicate(t *testing.T) {
	env := newTestEnv(t)
	it := workItem("To Do")
	it.Comments = []domain.Comment{{Body: "anonymous", CreatedAt: now}}
	env.Rec.ReconcileIssue(env.Ctx, it)
	res := env.Rec.ReconcileIssue(env.Ctx, it)
	if res.CommentsAdded != 1 {
		t.Fatalf("id-less comments are always inserted: %+v", res)
	}
	comments, _ := env.Repo.ListComments(env.Ctx, "ABC-1")
	if len(comments) != 2 {
		t.Fatalf("expected duplicate id-less comment, got %d", len(comments))
	}
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.DB.Exec(`CREATE TRIGGER reject_abc2 BEFORE INSERT ON issues WHEN NEW.issue_key='ABC-2'
BEGIN SELECT RAISE(ABORT, 'rejected'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	good := workItem("To Do")
	bad := workItem("To Do")
	bad.Key = "ABC-2"

	report := env.Rec.ReconcileAll(env.Ctx, []domain.WorkItem{good, bad})
	if report.Stored != 1 || report.Created != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, ok := report.Failed["ABC-2"]; !ok {
		t.Fatalf("expected ABC-2 to fail: %+v", report.Failed)
	}
	if _, err := env.Repo.GetIssue(env.Ctx, "ABC-1"); err != nil {
		t.Fatalf("good item should be stored: %v", err)
	}
	n, _ := env.Repo.CountAuditEvents(env.Ctx, "ABC-2", domain.ChangeIssueCreated)
	if n != 0 {
		t.Fatalf("failed item must not leave events, got %d", n)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	report = env.Rec.ReconcileAll(ctx, []domain.WorkItem{good})
	if report.Stored != 0 || len(report.Failed) != 1 {
		t.Fatalf("cancelled context should fail items: %+v", report)
	}
}

func TestDiffTrackedFields(t *testing.T) {
	a := workItem("To Do")
	b := workItem("To Do")
	end := now
	b.Title = "Renamed"
	b.Labels = []string{"backend", "urgent"}
	b.EndDate = &end
	diffs := reconcile.Diff(a, b)
	if len(diffs) != 3 {
		t.Fatalf("expected 3 diffs, got %+v", diffs)
	}
	if diffs[0].Field != "summary" || diffs[1].Field != "labels" || *diffs[1].Value != "backend,urgent" || diffs[2].Field != "end_date" {
		t.Fatalf("unexpected diffs: %+v", diffs)
	}
}

func TestReconcileChangelogs(t *testing.T) {
	env := newTestEnv(t)
	env.Rec.ReconcileIssue(env.Ctx, workItem("To Do"))
	entries := []domain.ChangelogEntry{
		{IssueID: "10001", ChangelogID: "h-1", Field: "status", FromDisplay: strp("To Do"), ToDisplay: strp("In Progress"), CreatedAt: now},
		{IssueID: "10001", ChangelogID: "h-1", Field: "assignee", ToDisplay: strp("alice"), CreatedAt: now},
		{IssueID: "99999", ChangelogID: "h-2", Field: "status", CreatedAt: now},
	}
	keys := map[string]string{"10001": "ABC-1"}

	report := env.Rec.ReconcileChangelogs(env.Ctx, entries, keys)
	if report.Added != 3 || report.Updated != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected first report: %+v", report)
	}
	if env.count(t, domain.ChangeChangelogAdded) != 1 {
		t.Fatalf("expected one batch changelog_added event")
	}

	entries[0].ToDisplay = strp("Done")
	report = env.Rec.ReconcileChangelogs(env.Ctx, entries, keys)
	if report.Added != 0 || report.Updated != 1 || report.Unchanged != 2 {
		t.Fatalf("unexpected second report: %+v", report)
	}
	logs, err := env.Repo.ListChangelogs(env.Ctx, "10001")
	if err != nil || len(logs) != 2 {
		t.Fatalf("list changelogs: %v %v", logs, err)
	}
	if env.count(t, domain.ChangeChangelogUpdated) != 1 {
		t.Fatalf("expected one changelog_updated event")
	}
}
