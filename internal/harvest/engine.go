package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/hierarchy"
	"harvestline/internal/jql"
	"harvestline/internal/parser"
	"harvestline/internal/reconcile"
	"harvestline/internal/repo"
	"harvestline/internal/upstream"
)

const (
	RecoveryMessage = "Interrupted by server shutdown - recovered on startup"
	ForcedMessage   = "Forcibly terminated by new reload request"

	changelogChunkSize = 100
	scopeName          = "harvestline/harvest"
)

// Upstream is the subset of the tracker client the engine needs.
// *upstream.Client satisfies it.
type Upstream interface {
	hierarchy.Searcher
	Myself(ctx context.Context) (upstream.User, error)
	BulkChangelogs(ctx context.Context, ids []string, fn upstream.ChangelogFunc) error
}

// ActiveReloadError is returned when a reload is requested while another
// one is running and Force is not set.
type ActiveReloadError struct {
	Active domain.ReloadRecord
}

func (e *ActiveReloadError) Error() string {
	return fmt.Sprintf("reload %d (run %s) is already running since %s", e.Active.ID, e.Active.RunID, domain.FormatTime(e.Active.Started))
}

// TriggerOptions describe who asked for a reload.
type TriggerOptions struct {
	Source      domain.ReloadSource
	TriggeredBy string
	Force       bool
}

// RunResult is the outcome of one harvest execution.
type RunResult struct {
	ReloadID         int64                     `json:"reload_id"`
	RunID            string                    `json:"run_id"`
	Status           domain.ReloadStatus       `json:"status"`
	RecordsProcessed int                       `json:"records_processed"`
	IssuesDeleted    int                       `json:"issues_deleted"`
	DurationSeconds  float64                   `json:"duration_seconds"`
	Terminal         hierarchy.Terminal        `json:"traversal_terminal,omitempty"`
	Layers           int                       `json:"layers"`
	Traversal        hierarchy.Stats           `json:"traversal"`
	Hierarchy        reconcile.BatchReport     `json:"hierarchy"`
	TeamMembers      reconcile.BatchReport     `json:"team_members"`
	Changelogs       reconcile.ChangelogReport `json:"changelogs"`
	Warnings         []string                  `json:"warnings,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Engine orchestrates harvest runs against one store and one upstream.
type Engine struct {
	Repo       repo.Repo
	Upstream   Upstream
	Parser     *parser.Parser
	Reconciler *reconcile.Reconciler
	Config     *config.Config
	Log        zerolog.Logger
	Now        func() time.Time
	NewRunID   func() string

	// guard serializes the active-record check with record creation; run
	// is held for the whole execution of an in-process harvest.
	guard   sync.Mutex
	run     sync.Mutex
	cancel  context.CancelFunc
	current domain.ReloadRecord

	runs     metric.Int64Counter
	duration metric.Float64Histogram
	items    metric.Int64Counter
}

func New(r repo.Repo, up Upstream, cfg *config.Config, log zerolog.Logger) *Engine {
	var anon parser.Anonymizer = parser.Passthrough{}
	if len(cfg.TeamMembers) > 0 {
		anon = parser.NewAliasAnonymizer(cfg.TeamMembers)
	}
	e := &Engine{
		Repo:     r,
		Upstream: up,
		Parser:   parser.New(cfg.Upstream.CustomFields, anon, log.With().Str("component", "parser").Logger()),
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
		NewRunID: func() string { return uuid.NewString() },
	}
	e.Reconciler = reconcile.New(r, log.With().Str("component", "reconcile").Logger(), e.now)
	e.Parser.Now = e.now

	m := otel.Meter(scopeName)
	e.runs, _ = m.Int64Counter("harvestline.harvest.runs",
		metric.WithDescription("Harvest runs by source and final status"),
	)
	e.duration, _ = m.Float64Histogram("harvestline.harvest.duration",
		metric.WithDescription("Harvest run duration"),
		metric.WithUnit("s"),
	)
	e.items, _ = m.Int64Counter("harvestline.harvest.items",
		metric.WithDescription("Work items stored by harvest phase"),
	)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newRunID() string {
	if e.NewRunID != nil {
		return e.NewRunID()
	}
	return uuid.NewString()
}

func (e *Engine) seconds(since time.Time) float64 {
	d := e.now().Sub(since).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// TriggerReload starts a synchronous harvest. An active reload yields an
// *ActiveReloadError unless Force is set, in which case the active record is
// failed and any in-process run is cancelled before the new run starts.
func (e *Engine) TriggerReload(ctx context.Context, opts TriggerOptions) (RunResult, error) {
	if opts.Source == "" {
		opts.Source = domain.SourceManual
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "system"
	}

	e.guard.Lock()
	active, err := e.Repo.ActiveReload(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		e.guard.Unlock()
		return RunResult{}, fmt.Errorf("check active reload: %w", err)
	case !opts.Force:
		e.guard.Unlock()
		return RunResult{}, &ActiveReloadError{Active: active}
	default:
		if err := e.Repo.FailReload(ctx, active.ID, e.now(), ForcedMessage, e.seconds(active.Started), nil); err != nil && !errors.Is(err, repo.ErrNotFound) {
			e.guard.Unlock()
			return RunResult{}, fmt.Errorf("terminate reload %d: %w", active.ID, err)
		}
		e.Log.Warn().Int64("reload_id", active.ID).Str("run_id", active.RunID).Msg("active reload forcibly terminated")
		if e.cancel != nil {
			e.cancel()
		}
	}

	// A run may still hold the lock after its record is finalized (sweep).
	// Unforced triggers skip rather than queue behind it.
	if opts.Force {
		e.run.Lock()
	} else if !e.run.TryLock() {
		busy := e.current
		e.guard.Unlock()
		return RunResult{}, &ActiveReloadError{Active: busy}
	}
	defer e.run.Unlock()
	rec := domain.ReloadRecord{
		RunID:       e.newRunID(),
		Started:     e.now(),
		Status:      domain.ReloadRunning,
		Source:      opts.Source,
		TriggeredBy: opts.TriggeredBy,
	}
	rec.ID, err = e.Repo.CreateReload(ctx, rec)
	if err != nil {
		e.guard.Unlock()
		return RunResult{}, fmt.Errorf("create reload record: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel
	e.current = rec
	e.guard.Unlock()

	return e.Run(runCtx, rec)
}

// Run executes the phases for an existing running record and finalizes it.
func (e *Engine) Run(ctx context.Context, rec domain.ReloadRecord) (RunResult, error) {
	log := e.Log.With().Str("run_id", rec.RunID).Int64("reload_id", rec.ID).Logger()
	res := RunResult{ReloadID: rec.ID, RunID: rec.RunID, Status: domain.ReloadRunning}
	log.Info().Str("source", string(rec.Source)).Str("triggered_by", rec.TriggeredBy).Msg("harvest started")

	runErr := e.execute(ctx, log, &res)
	res.RecordsProcessed = res.Hierarchy.Stored + res.TeamMembers.Stored
	res.DurationSeconds = e.seconds(rec.Started)
	// Finalization must land even when the run was cancelled.
	finalCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		res.Status = domain.ReloadFailed
		res.Error = runErr.Error()
		if err := e.Repo.FailReload(finalCtx, rec.ID, e.now(), runErr.Error(), res.DurationSeconds, nil); err != nil {
			log.Warn().Err(err).Msg("reload record already finalized")
		}
		log.Error().Err(runErr).Float64("duration_s", res.DurationSeconds).Msg("harvest failed")
		e.record(finalCtx, rec.Source, res)
		return res, runErr
	}

	if err := e.Repo.CompleteReload(finalCtx, rec.ID, e.now(), res.RecordsProcessed, res.DurationSeconds); err != nil {
		res.Status = domain.ReloadFailed
		res.Error = err.Error()
		log.Error().Err(err).Msg("complete reload record")
		e.record(finalCtx, rec.Source, res)
		return res, fmt.Errorf("complete reload %d: %w", rec.ID, err)
	}
	res.Status = domain.ReloadCompleted
	deleted, err := e.sweep(finalCtx, rec)
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed")
		res.Warnings = append(res.Warnings, "retention sweep failed: "+err.Error())
	}
	res.IssuesDeleted = deleted
	log.Info().
		Int("records_processed", res.RecordsProcessed).
		Int("issues_deleted", deleted).
		Float64("duration_s", res.DurationSeconds).
		Msg("harvest completed")
	e.record(finalCtx, rec.Source, res)
	return res, nil
}

func (e *Engine) record(ctx context.Context, source domain.ReloadSource, res RunResult) {
	attrs := metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("status", string(res.Status)),
	)
	e.runs.Add(ctx, 1, attrs)
	e.duration.Record(ctx, res.DurationSeconds, attrs)
}

func (e *Engine) execute(ctx context.Context, log zerolog.Logger, res *RunResult) error {
	if _, err := e.Upstream.Myself(ctx); err != nil {
		return fmt.Errorf("connectivity check: %w", err)
	}
	graph := hierarchy.NewGraph(e.Config.IssueTypes)
	report := graph.Validate()
	for _, w := range report.Warnings {
		log.Warn().Msg(w)
		res.Warnings = append(res.Warnings, w)
	}
	if !report.Valid() {
		return &hierarchy.ConfigError{Report: report}
	}
	rootType, err := e.rootType(graph)
	if err != nil {
		return err
	}

	trav := e.traverser(log)
	outcome, err := trav.Traverse(ctx, hierarchy.Scope{
		Projects: e.Config.Harvest.Projects,
		RootType: rootType,
		Label:    e.Config.Harvest.Label,
	})
	res.Terminal, res.Layers, res.Traversal = outcome.Terminal, outcome.Layers, outcome.Stats
	if err != nil {
		return err
	}
	if n := outcome.Stats.Truncated; n > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d hierarchy queries truncated at harvest.max_results; raise it to keep every item", n))
	}
	mapTypes(graph, outcome.Items)
	res.Hierarchy = e.Reconciler.ReconcileAll(ctx, outcome.Items)
	e.items.Add(ctx, int64(res.Hierarchy.Stored), metric.WithAttributes(attribute.String("phase", "hierarchy")))
	log.Info().
		Int("stored", res.Hierarchy.Stored).
		Int("created", res.Hierarchy.Created).
		Int("updated", res.Hierarchy.Updated).
		Int("failed", len(res.Hierarchy.Failed)).
		Str("terminal", string(outcome.Terminal)).
		Msg("hierarchy phase done")
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("harvest interrupted: %w", err)
	}

	res.TeamMembers = e.harvestTeamMembers(ctx, log, trav, graph)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("harvest interrupted: %w", err)
	}

	res.Changelogs = e.harvestChangelogs(ctx, log)
	return nil
}

// rootType is the configured root type, else the name of the single graph
// root.
func (e *Engine) rootType(g *hierarchy.Graph) (string, error) {
	if e.Config.Harvest.RootType != "" {
		return e.Config.Harvest.RootType, nil
	}
	roots := g.Roots()
	if len(roots) != 1 {
		return "", fmt.Errorf("harvest.root_type is unset and the issue type hierarchy has %d roots", len(roots))
	}
	return roots[0].Name, nil
}

func (e *Engine) traverser(log zerolog.Logger) *hierarchy.Traverser {
	return &hierarchy.Traverser{
		Search:     e.Upstream,
		Parser:     e.Parser,
		Policy:     hierarchy.NewPolicy(e.Config.Blacklist),
		Log:        log.With().Str("component", "traversal").Logger(),
		MaxDepth:   e.Config.Harvest.MaxDepth,
		ChunkSize:  e.Config.Harvest.ChunkSize,
		MaxResults: e.Config.Harvest.MaxResults,
	}
}

func mapTypes(g *hierarchy.Graph, items []domain.WorkItem) {
	for i := range items {
		items[i].TypeID = g.MapTypeID(items[i].TypeID, items[i].TypeName)
	}
}

// harvestTeamMembers collects each member's assigned items. A member whose
// query fails is skipped.
func (e *Engine) harvestTeamMembers(ctx context.Context, log zerolog.Logger, trav *hierarchy.Traverser, g *hierarchy.Graph) reconcile.BatchReport {
	var report reconcile.BatchReport
	for _, m := range e.Config.TeamMembers {
		identity := m.ID
		if identity == "" {
			identity = m.Name
		}
		mlog := log.With().Str("member", m.Alias).Logger()
		items, stats, err := trav.Collect(ctx, jql.Assignee(identity, e.Config.Harvest.Label, e.Config.Harvest.TeamMemberTypes))
		if err != nil {
			mlog.Warn().Err(err).Msg("team member query failed, skipping")
			continue
		}
		mapTypes(g, items)
		r := e.Reconciler.ReconcileAll(ctx, items)
		mlog.Info().Int("fetched", stats.Fetched).Int("stored", r.Stored).Int("blacklisted", stats.Blacklisted).Msg("team member harvested")
		report.Merge(r)
	}
	e.items.Add(ctx, int64(report.Stored), metric.WithAttributes(attribute.String("phase", "team_members")))
	return report
}

// sweep deletes issues the run did not refresh and changelogs left without
// an issue, then stores the deleted count on the record.
func (e *Engine) sweep(ctx context.Context, rec domain.ReloadRecord) (int, error) {
	var deleted int
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := e.Repo.DeleteIssuesHarvestedBefore(ctx, tx, rec.Started)
		if err != nil {
			return err
		}
		if _, err := e.Repo.DeleteOrphanChangelogs(ctx, tx); err != nil {
			return err
		}
		deleted = n
		return e.Repo.SetIssuesDeletedTx(ctx, tx, rec.ID, n)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Connectivity is the result of an upstream probe.
type Connectivity struct {
	Connected bool   `json:"connected"`
	User      string `json:"user,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (e *Engine) TestConnectivity(ctx context.Context) Connectivity {
	u, err := e.Upstream.Myself(ctx)
	if err != nil {
		return Connectivity{Error: err.Error()}
	}
	return Connectivity{Connected: true, User: u.DisplayName}
}
