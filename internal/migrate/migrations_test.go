package migrate

import (
	"context"
	"testing"

	"harvestline/internal/db"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	first, err := Apply(ctx, conn)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first != len(migrations) {
		t.Fatalf("expected %d migrations applied, got %d", len(migrations), first)
	}
	second, err := Apply(ctx, conn)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second != 0 {
		t.Fatalf("expected no pending migrations, got %d", second)
	}
}

func TestChangesLogRejectsUpdateAndDelete(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO changes_log(issue_key,timestamp,field_name,updated_value,change_type) VALUES ('A-1','2024-01-01T00:00:00.000000Z','status','Done','field_update')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.Exec(`UPDATE changes_log SET updated_value='x'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := conn.Exec(`DELETE FROM changes_log`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}
