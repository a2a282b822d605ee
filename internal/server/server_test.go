package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/migrate"
	"harvestline/internal/scheduler"
)

type fakeHarvester struct {
	mu     sync.Mutex
	result harvest.RunResult
	err    error
	calls  []harvest.TriggerOptions
}

func (f *fakeHarvester) TriggerReload(ctx context.Context, opts harvest.TriggerOptions) (harvest.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return f.result, f.err
}

func (f *fakeHarvester) set(res harvest.RunResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = res, err
}

func (f *fakeHarvester) TestConnectivity(ctx context.Context) harvest.Connectivity {
	return harvest.Connectivity{Connected: true, User: "Harvest Bot"}
}

type fakeScheduler struct{}

func (fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Running: true, Jobs: 1, IntervalHours: 24}
}

type testServer struct {
	URL     string
	client  *http.Client
	close   func()
	engine  engine.Engine
	harvest *fakeHarvester
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	h := &fakeHarvester{result: harvest.RunResult{ReloadID: 1, RunID: "run-1", Status: domain.ReloadCompleted, RecordsProcessed: 2}}
	handler, err := New(Config{
		Engine:    e,
		Harvester: h,
		Scheduler: fakeScheduler{},
		BasePath:  "/api",
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		engine:  e,
		harvest: h,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedIssues(t *testing.T, e engine.Engine) {
	t.Helper()
	harvested := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	parent := "PV-1"
	err := e.Repo.WithTx(context.Background(), func(tx *sql.Tx) error {
		for _, it := range []domain.WorkItem{
			{Key: "PV-1", ID: "1", Title: "Release 1", Status: "In Progress", Labels: []string{"L"}, TypeID: 10100, HarvestedAt: harvested},
			{Key: "EP-1", ID: "2", Title: "Epic one", Status: "To Do", Labels: []string{"L"}, TypeID: 10000, ParentKey: &parent, HarvestedAt: harvested},
		} {
			if err := e.Repo.InsertIssueTx(context.Background(), tx, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed issues: %v", err)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var h engine.Health
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if h.Status != "healthy" || h.Database != "ok" || h.ReloadInProgress {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestIssueEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedIssues(t, srv.engine)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/issues/keys?parent_key=PV-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("keys status %d: %s", res.StatusCode, string(data))
	}
	var keys IssueKeysResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if keys.Count != 1 || keys.Keys[0] != "EP-1" {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/issues/PV-1?include_children=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get issue status %d: %s", res.StatusCode, string(data))
	}
	var details engine.IssueDetails
	if err := json.Unmarshal(data, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.Issue.Key != "PV-1" || details.ChildrenCount == nil || *details.ChildrenCount != 1 {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details.Issue.CommentsCount == nil || *details.Issue.CommentsCount != 0 {
		t.Fatalf("comments should be included by default: %+v", details.Issue)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/issues/PV-1/descendants?include_comments=false", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("descendants status %d: %s", res.StatusCode, string(data))
	}
	var desc engine.Descendants
	if err := json.Unmarshal(data, &desc); err != nil {
		t.Fatalf("unmarshal descendants: %v", err)
	}
	if desc.TotalCount != 1 || desc.HierarchyDepth != 1 || desc.Descendants[0].CommentsCount != nil {
		t.Fatalf("unexpected descendants: %+v", desc)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/issues/NOPE-9", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/issues/PV-1/changes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changes status %d: %s", res.StatusCode, string(data))
	}
}

func TestTriggerReload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/harvest/reload?force=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reload status %d: %s", res.StatusCode, string(data))
	}
	var out ReloadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal reload: %v", err)
	}
	if out.RunID != "run-1" || out.RecordsProcessed != 2 || out.Message != "reload completed" {
		t.Fatalf("unexpected reload response: %s", string(data))
	}
	srv.harvest.mu.Lock()
	call := srv.harvest.calls[0]
	srv.harvest.mu.Unlock()
	if !call.Force || call.Source != domain.SourceManual || call.TriggeredBy != "api" {
		t.Fatalf("unexpected trigger options: %+v", call)
	}

	srv.harvest.set(harvest.RunResult{ReloadID: 2, RunID: "run-2", Status: domain.ReloadFailed, Error: "connectivity check: boom"}, errors.New("connectivity check: boom"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/harvest/reload", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("failed run should still return 200, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal reload: %v", err)
	}
	if out.Status != domain.ReloadFailed || out.Error == "" {
		t.Fatalf("expected failed outcome: %s", string(data))
	}

	srv.harvest.set(harvest.RunResult{}, &harvest.ActiveReloadError{Active: domain.ReloadRecord{ID: 7, RunID: "run-7"}})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/harvest/reload", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "reload_in_progress" || env.Error.Details["reload_id"] != float64(7) {
		t.Fatalf("unexpected conflict envelope: %s", string(data))
	}
}

func TestReloadHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	started := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	id, err := srv.engine.Repo.CreateReload(ctx, domain.ReloadRecord{RunID: "run-a", Started: started, Source: domain.SourceScheduled, TriggeredBy: "scheduler"})
	if err != nil {
		t.Fatalf("create reload: %v", err)
	}
	if err := srv.engine.Repo.CompleteReload(ctx, id, started.Add(time.Minute), 5, 60); err != nil {
		t.Fatalf("complete reload: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/reload?status=completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list ReloadListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 || list.Reloads[0].RunID != "run-a" || list.Reloads[0].RecordsProcessed != 5 {
		t.Fatalf("unexpected history: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/reload?status=paused", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/reload/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing reload, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/reload/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get reload status %d: %s", res.StatusCode, string(data))
	}
}

func TestConnectivitySchedulerAndMCPMount(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/test", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("test status %d: %s", res.StatusCode, string(data))
	}
	var conn ConnectivityResponse
	if err := json.Unmarshal(data, &conn); err != nil {
		t.Fatalf("unmarshal connectivity: %v", err)
	}
	if !conn.Upstream.Connected || conn.Database != "ok" {
		t.Fatalf("unexpected connectivity: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/harvest/scheduler", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheduler status %d: %s", res.StatusCode, string(data))
	}
	var st scheduler.Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal scheduler: %v", err)
	}
	if !st.Running || st.IntervalHours != 24 {
		t.Fatalf("unexpected scheduler status: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/mcp", map[string]any{"jsonrpc": "2.0"}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected mcp handler mounted, got %d", res.StatusCode)
	}
}
