package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/repo"
)

// Engine answers read-side queries over the harvested store. It never writes.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
	MaxCommentDays    = 365
	descendantBatch   = 100
)

// UnknownTypeName labels issues whose type id matched no configured node.
const UnknownTypeName = "unknown"

// InvalidArgumentError reports a rejected query parameter.
type InvalidArgumentError struct {
	Field   string
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &InvalidArgumentError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Health struct {
	Status           string     `json:"status" enum:"healthy,degraded"`
	Database         string     `json:"database"`
	Issues           int        `json:"issues"`
	LastHarvest      *time.Time `json:"last_harvest,omitempty" format:"date-time"`
	ReloadInProgress bool       `json:"reload_in_progress"`
}

// Health reports store reachability and harvest state. Failures degrade the
// report instead of returning an error.
func (e Engine) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Database: "ok"}
	if err := db.Ping(ctx, e.DB); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
		return h
	}
	if n, err := e.Repo.CountIssues(ctx); err == nil {
		h.Issues = n
	}
	if last, err := e.Repo.LastCompletedReload(ctx); err == nil {
		h.LastHarvest = last.CompletedAt
	}
	if _, err := e.Repo.ActiveReload(ctx); err == nil {
		h.ReloadInProgress = true
	}
	return h
}

// KeyFilter selects issue keys. IssueType accepts a type id or a type name.
type KeyFilter struct {
	Source    string
	Assignee  string
	Label     string
	IssueType string
	ParentKey string
}

func (e Engine) IssueKeys(ctx context.Context, f KeyFilter) ([]string, error) {
	typeID, err := e.resolveType(ctx, f.IssueType)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListIssueKeys(ctx, repo.IssueFilter{
		Source:    f.Source,
		Assignee:  f.Assignee,
		Label:     f.Label,
		ParentKey: f.ParentKey,
		IssueType: typeID,
	})
}

func (e Engine) resolveType(ctx context.Context, s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if id, err := strconv.Atoi(s); err == nil {
		return &id, nil
	}
	names, err := e.typeNames(ctx)
	if err != nil {
		return nil, err
	}
	for id, name := range names {
		if strings.EqualFold(name, s) {
			return &id, nil
		}
	}
	return nil, invalid("issue_type", "unknown issue type %q", s)
}

// typeNames maps type ids to names from the synced store, falling back to
// config for types not yet synced.
func (e Engine) typeNames(ctx context.Context) (map[int]string, error) {
	names := map[int]string{}
	if e.Config != nil {
		for _, n := range e.Config.IssueTypes {
			names[n.ID] = n.Name
		}
	}
	stored, err := e.Repo.ListIssueTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list issue types: %w", err)
	}
	for _, n := range stored {
		names[n.ID] = n.Name
	}
	return names, nil
}

type IssueDates struct {
	CreatedAt      *time.Time `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" format:"date-time"`
	StartDate      *time.Time `json:"start_date,omitempty" format:"date-time"`
	TransitionDate *time.Time `json:"transition_date,omitempty" format:"date-time"`
	EndDate        *time.Time `json:"end_date,omitempty" format:"date-time"`
	HarvestedAt    time.Time  `json:"harvested_at" format:"date-time"`
}

type IssueTypeRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// IssueView is the client-facing shape of a stored issue. Comment and
// changelog fields are present only when requested.
type IssueView struct {
	Key             string                  `json:"issue_key"`
	ID              string                  `json:"issue_id,omitempty"`
	Summary         string                  `json:"summary"`
	Assignee        *string                 `json:"assignee,omitempty"`
	Status          string                  `json:"status"`
	Team            *string                 `json:"team,omitempty"`
	ParentKey       *string                 `json:"parent_key,omitempty"`
	Source          string                  `json:"source"`
	Labels          []string                `json:"labels"`
	BlacklistReason *string                 `json:"blacklist_reason,omitempty"`
	Dates           IssueDates              `json:"dates"`
	IssueType       IssueTypeRef            `json:"issue_type"`
	Comments        []domain.Comment        `json:"comments,omitempty"`
	CommentsCount   *int                    `json:"comments_count,omitempty"`
	Changelog       []domain.ChangelogEntry `json:"changelog,omitempty"`
	ChangelogCount  *int                    `json:"changelog_count,omitempty"`
}

// ViewOptions selects the related records loaded with each issue.
type ViewOptions struct {
	Comments  bool
	Changelog bool
}

func (e Engine) view(ctx context.Context, it domain.WorkItem, names map[int]string, opts ViewOptions) (IssueView, error) {
	v := IssueView{
		Key:             it.Key,
		ID:              it.ID,
		Summary:         it.Title,
		Assignee:        it.Assignee,
		Status:          it.Status,
		Team:            it.Team,
		ParentKey:       it.ParentKey,
		Source:          it.Source,
		Labels:          it.Labels,
		BlacklistReason: it.BlacklistReason,
		Dates: IssueDates{
			CreatedAt:      it.CreatedAt,
			UpdatedAt:      it.UpdatedAt,
			StartDate:      it.StartDate,
			TransitionDate: it.TransitionDate,
			EndDate:        it.EndDate,
			HarvestedAt:    it.HarvestedAt,
		},
		IssueType: IssueTypeRef{ID: it.TypeID, Name: UnknownTypeName},
	}
	if name, ok := names[it.TypeID]; ok {
		v.IssueType.Name = name
	}
	if opts.Comments {
		comments, err := e.Repo.ListComments(ctx, it.Key)
		if err != nil {
			return v, fmt.Errorf("comments of %s: %w", it.Key, err)
		}
		n := len(comments)
		v.Comments, v.CommentsCount = comments, &n
	}
	if opts.Changelog {
		var entries []domain.ChangelogEntry
		if it.ID != "" {
			var err error
			if entries, err = e.Repo.ListChangelogs(ctx, it.ID); err != nil {
				return v, fmt.Errorf("changelog of %s: %w", it.Key, err)
			}
		}
		n := len(entries)
		v.Changelog, v.ChangelogCount = entries, &n
	}
	return v, nil
}

func (e Engine) views(ctx context.Context, items []domain.WorkItem, names map[int]string, opts ViewOptions) ([]IssueView, error) {
	res := make([]IssueView, 0, len(items))
	for _, it := range items {
		v, err := e.view(ctx, it, names, opts)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// IssueQuery filters QueryIssues. Limit defaults to DefaultQueryLimit.
type IssueQuery struct {
	Assignee  string
	Status    string
	Team      string
	IssueType string
	ParentKey string
	Source    string
	Limit     int
}

var validSources = []string{domain.SourceJira, "github"}

func (e Engine) QueryIssues(ctx context.Context, q IssueQuery) ([]IssueView, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 1 || limit > MaxQueryLimit {
		return nil, invalid("limit", "must be between 1 and %d", MaxQueryLimit)
	}
	if q.Source != "" && q.Source != validSources[0] && q.Source != validSources[1] {
		return nil, invalid("source", "must be one of %s", strings.Join(validSources, ", "))
	}
	typeID, err := e.resolveType(ctx, q.IssueType)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListIssues(ctx, repo.IssueFilter{
		Source:    q.Source,
		Assignee:  q.Assignee,
		Status:    q.Status,
		Team:      q.Team,
		ParentKey: q.ParentKey,
		IssueType: typeID,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	names, err := e.typeNames(ctx)
	if err != nil {
		return nil, err
	}
	return e.views(ctx, items, names, ViewOptions{})
}

type IssueDetails struct {
	Issue         IssueView   `json:"issue"`
	Children      []IssueView `json:"children,omitempty"`
	ChildrenCount *int        `json:"children_count,omitempty"`
}

type DetailOptions struct {
	ViewOptions
	Children bool
}

// IssueDetails loads one issue with the requested related records. A missing
// key returns repo.ErrNotFound.
func (e Engine) IssueDetails(ctx context.Context, key string, opts DetailOptions) (IssueDetails, error) {
	var d IssueDetails
	it, err := e.Repo.GetIssue(ctx, key)
	if err != nil {
		return d, err
	}
	names, err := e.typeNames(ctx)
	if err != nil {
		return d, err
	}
	if d.Issue, err = e.view(ctx, it, names, opts.ViewOptions); err != nil {
		return d, err
	}
	if opts.Children {
		children, err := e.Repo.ChildrenOf(ctx, []string{key})
		if err != nil {
			return d, fmt.Errorf("children of %s: %w", key, err)
		}
		if d.Children, err = e.views(ctx, children, names, ViewOptions{}); err != nil {
			return d, err
		}
		n := len(d.Children)
		d.ChildrenCount = &n
	}
	return d, nil
}

type Descendants struct {
	Root           IssueView   `json:"root_issue"`
	Descendants    []IssueView `json:"descendants"`
	TotalCount     int         `json:"total_count"`
	HierarchyDepth int         `json:"hierarchy_depth"`
}

// Descendants walks parent links down from key breadth first. HierarchyDepth
// is the number of levels found below the root.
func (e Engine) Descendants(ctx context.Context, key string, opts ViewOptions) (Descendants, error) {
	var res Descendants
	root, err := e.Repo.GetIssue(ctx, key)
	if err != nil {
		return res, err
	}
	names, err := e.typeNames(ctx)
	if err != nil {
		return res, err
	}
	if res.Root, err = e.view(ctx, root, names, opts); err != nil {
		return res, err
	}

	seen := map[string]bool{key: true}
	frontier := []string{key}
	var found []domain.WorkItem
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var next []string
		for start := 0; start < len(frontier); start += descendantBatch {
			end := min(start+descendantBatch, len(frontier))
			children, err := e.Repo.ChildrenOf(ctx, frontier[start:end])
			if err != nil {
				return res, fmt.Errorf("children of level %d: %w", res.HierarchyDepth+1, err)
			}
			for _, c := range children {
				if seen[c.Key] {
					continue
				}
				seen[c.Key] = true
				found = append(found, c)
				next = append(next, c.Key)
			}
		}
		if len(next) > 0 {
			res.HierarchyDepth++
		}
		frontier = next
	}

	if res.Descendants, err = e.views(ctx, found, names, opts); err != nil {
		return res, err
	}
	res.TotalCount = len(res.Descendants)
	return res, nil
}

// Changes returns the local audit trail of one issue, newest first. The
// trail outlives the issue, so a missing issue is not an error.
func (e Engine) Changes(ctx context.Context, key string, limit int) ([]domain.AuditEvent, error) {
	events, err := e.Repo.ListAuditEvents(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return events, nil
}

type CommentSearch struct {
	DaysAgo    int                    `json:"days_ago"`
	Since      time.Time              `json:"since" format:"date-time"`
	Issues     []repo.CommentActivity `json:"issues"`
	TotalCount int                    `json:"total_count"`
}

// CommentedSince lists issues with comments created in the last daysAgo days.
func (e Engine) CommentedSince(ctx context.Context, daysAgo, limit int) (CommentSearch, error) {
	if daysAgo == 0 {
		daysAgo = 10
	}
	if daysAgo < 1 || daysAgo > MaxCommentDays {
		return CommentSearch{}, invalid("days_ago", "must be between 1 and %d", MaxCommentDays)
	}
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 1 || limit > MaxQueryLimit {
		return CommentSearch{}, invalid("limit", "must be between 1 and %d", MaxQueryLimit)
	}
	since := e.now().AddDate(0, 0, -daysAgo)
	issues, err := e.Repo.IssuesCommentedSince(ctx, since, limit)
	if err != nil {
		return CommentSearch{}, err
	}
	if issues == nil {
		issues = []repo.CommentActivity{}
	}
	return CommentSearch{DaysAgo: daysAgo, Since: since, Issues: issues, TotalCount: len(issues)}, nil
}

// TeamMetrics aggregates one team. dateRange is empty or "YYYY-MM-DD,YYYY-MM-DD";
// the end day is inclusive.
func (e Engine) TeamMetrics(ctx context.Context, team, dateRange string) (repo.TeamMetrics, error) {
	if strings.TrimSpace(team) == "" {
		return repo.TeamMetrics{}, invalid("team", "is required")
	}
	from, to, err := parseDateRange(dateRange)
	if err != nil {
		return repo.TeamMetrics{}, err
	}
	return e.Repo.TeamMetrics(ctx, team, from, to)
}

func parseDateRange(s string) (*time.Time, *time.Time, error) {
	if s == "" {
		return nil, nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, nil, invalid("date_range", "use YYYY-MM-DD,YYYY-MM-DD")
	}
	from, err := time.Parse(time.DateOnly, strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, nil, invalid("date_range", "bad start date %q", parts[0])
	}
	to, err := time.Parse(time.DateOnly, strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, nil, invalid("date_range", "bad end date %q", parts[1])
	}
	if to.Before(from) {
		return nil, nil, invalid("date_range", "end is before start")
	}
	end := to.Add(24*time.Hour - time.Microsecond)
	return &from, &end, nil
}

// IssueTypes returns the synced type hierarchy, or the configured one when
// nothing has been synced yet.
func (e Engine) IssueTypes(ctx context.Context) ([]domain.IssueTypeNode, error) {
	types, err := e.Repo.ListIssueTypes(ctx)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 && e.Config != nil {
		types = append(types, e.Config.IssueTypes...)
	}
	if types == nil {
		types = []domain.IssueTypeNode{}
	}
	return types, nil
}

type HarvestStatus struct {
	Active        *domain.ReloadRecord  `json:"active,omitempty"`
	LastCompleted *domain.ReloadRecord  `json:"last_completed,omitempty"`
	Recent        []domain.ReloadRecord `json:"recent"`
	Issues        int                   `json:"issues"`
}

func (e Engine) HarvestStatus(ctx context.Context, recent int) (HarvestStatus, error) {
	var st HarvestStatus
	active, err := e.Repo.ActiveReload(ctx)
	switch {
	case err == nil:
		st.Active = &active
	case !errors.Is(err, repo.ErrNotFound):
		return st, fmt.Errorf("active reload: %w", err)
	}
	last, err := e.Repo.LastCompletedReload(ctx)
	switch {
	case err == nil:
		st.LastCompleted = &last
	case !errors.Is(err, repo.ErrNotFound):
		return st, fmt.Errorf("last completed reload: %w", err)
	}
	if recent <= 0 {
		recent = 10
	}
	if st.Recent, err = e.Repo.ListReloads(ctx, recent, ""); err != nil {
		return st, fmt.Errorf("list reloads: %w", err)
	}
	if st.Recent == nil {
		st.Recent = []domain.ReloadRecord{}
	}
	if st.Issues, err = e.Repo.CountIssues(ctx); err != nil {
		return st, err
	}
	return st, nil
}
