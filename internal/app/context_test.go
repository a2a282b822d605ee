package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"harvestline/internal/config"
)

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := LoadConfig(Options{Workspace: t.TempDir(), Email: "bot@example.com", Token: "secret"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstream.Email != "bot@example.com" || cfg.Upstream.Token != "secret" {
		t.Fatalf("credential overrides not applied: %+v", cfg.Upstream)
	}
	if len(cfg.IssueTypes) != len(config.Default().IssueTypes) {
		t.Fatalf("expected default issue types")
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("harvest:\n  projects: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(Options{ConfigPath: path}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := LoadConfig(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestBuildAndStartup(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := Build(Options{Workspace: workspace, LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	report, err := a.Startup(context.Background())
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if !report.ReloadNeeded || len(report.Recovered) != 0 {
		t.Fatalf("fresh store should need a reload: %+v", report)
	}
	types, err := a.Repo.ListIssueTypes(context.Background())
	if err != nil || len(types) != len(a.Config.IssueTypes) {
		t.Fatalf("issue types not synced: %d %v", len(types), err)
	}

	sched, err := a.Scheduler()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if h, err := a.Handler(sched); err != nil || h == nil {
		t.Fatalf("handler: %v", err)
	}
}
