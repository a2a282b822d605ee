// Package agent exposes the harvested store to AI agents as MCP tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/repo"
)

// Harvester runs reloads and upstream checks for the trigger and
// connectivity tools.
type Harvester interface {
	TriggerReload(ctx context.Context, opts harvest.TriggerOptions) (harvest.RunResult, error)
	TestConnectivity(ctx context.Context) harvest.Connectivity
}

// Version is reported to MCP clients.
var Version = "dev"

type Server struct {
	engine    engine.Engine
	harvester Harvester
	log       zerolog.Logger
	mcp       *server.MCPServer
}

func New(e engine.Engine, h Harvester, log zerolog.Logger) *Server {
	s := &Server{engine: e, harvester: h, log: log.With().Str("component", "agent").Logger()}
	s.mcp = server.NewMCPServer(
		"harvestline",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.mcp.AddTools(s.tools()...)
	return s
}

const instructions = `Read-only access to issues harvested from the upstream tracker.
Start with get_issue_types to learn the hierarchy, then query_issues or
get_issue_descendants. Data is as fresh as the last completed harvest;
check get_harvest_status before relying on recent changes.`

// MCPServer returns the underlying server for transports.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Handler serves MCP over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("query_issues",
				mcp.WithDescription("List issues matching optional filters. Returns issue summaries without comments or changelog."),
				mcp.WithString("assignee", mcp.Description("Assignee display name")),
				mcp.WithString("status", mcp.Description("Workflow status, e.g. In Progress")),
				mcp.WithString("team", mcp.Description("Team name")),
				mcp.WithString("issue_type", mcp.Description("Issue type id or name")),
				mcp.WithString("parent_key", mcp.Description("Only direct children of this issue")),
				mcp.WithString("source", mcp.Description("Source system: jira or github")),
				mcp.WithNumber("limit", mcp.Description("Maximum results (1-500)"), mcp.DefaultNumber(engine.DefaultQueryLimit)),
			),
			Handler: s.queryIssues,
		},
		{
			Tool: mcp.NewTool("get_issue_details",
				mcp.WithDescription("Full details of one issue with its comments, changelog and optionally its direct children."),
				mcp.WithString("issue_key", mcp.Required(), mcp.Description("Issue key, e.g. PROJ-123")),
				mcp.WithBoolean("include_comments", mcp.DefaultBool(true)),
				mcp.WithBoolean("include_changelog", mcp.DefaultBool(true)),
				mcp.WithBoolean("include_children", mcp.DefaultBool(false)),
			),
			Handler: s.issueDetails,
		},
		{
			Tool: mcp.NewTool("get_issue_descendants",
				mcp.WithDescription("All issues below an issue in the hierarchy, at any depth."),
				mcp.WithString("issue_key", mcp.Required(), mcp.Description("Root issue key")),
				mcp.WithBoolean("include_comments", mcp.DefaultBool(true)),
				mcp.WithBoolean("include_changelog", mcp.DefaultBool(true)),
			),
			Handler: s.issueDescendants,
		},
		{
			Tool: mcp.NewTool("search_issues_by_comments",
				mcp.WithDescription("Issues with comments created in the last N days, most recent activity first."),
				mcp.WithNumber("days_ago", mcp.Description("Look-back window in days (1-365)"), mcp.DefaultNumber(10)),
				mcp.WithNumber("limit", mcp.Description("Maximum results (1-500)"), mcp.DefaultNumber(engine.DefaultQueryLimit)),
			),
			Handler: s.searchByComments,
		},
		{
			Tool: mcp.NewTool("get_issue_types",
				mcp.WithDescription("The configured issue type hierarchy with child type ids."),
			),
			Handler: s.issueTypes,
		},
		{
			Tool: mcp.NewTool("get_team_metrics",
				mcp.WithDescription("Status breakdown, assignee workload and completion rate for one team."),
				mcp.WithString("team", mcp.Required(), mcp.Description("Team name")),
				mcp.WithString("date_range", mcp.Description("Optional YYYY-MM-DD,YYYY-MM-DD bound on last update")),
			),
			Handler: s.teamMetrics,
		},
		{
			Tool: mcp.NewTool("test_connectivity",
				mcp.WithDescription("Check the database and the upstream tracker, and report the last harvest."),
			),
			Handler: s.testConnectivity,
		},
		{
			Tool: mcp.NewTool("get_harvest_status",
				mcp.WithDescription("The active reload, the last completed one and recent history."),
				mcp.WithNumber("limit", mcp.Description("Recent records to include"), mcp.DefaultNumber(10)),
			),
			Handler: s.harvestStatus,
		},
		{
			Tool: mcp.NewTool("trigger_harvest",
				mcp.WithDescription("Run a full reload and wait for it. Refused while another reload is active unless force is set."),
				mcp.WithBoolean("force", mcp.DefaultBool(false), mcp.Description("Terminate an active reload first")),
				mcp.WithBoolean("dry_run", mcp.DefaultBool(false), mcp.Description("Describe the reload without running it")),
			),
			Handler: s.triggerHarvest,
		},
	}
}

func (s *Server) queryIssues(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views, err := s.engine.QueryIssues(ctx, engine.IssueQuery{
		Assignee:  req.GetString("assignee", ""),
		Status:    req.GetString("status", ""),
		Team:      req.GetString("team", ""),
		IssueType: req.GetString("issue_type", ""),
		ParentKey: req.GetString("parent_key", ""),
		Source:    req.GetString("source", ""),
		Limit:     req.GetInt("limit", engine.DefaultQueryLimit),
	})
	if err != nil {
		return s.errorResult("query_issues", err)
	}
	return jsonResult(map[string]any{"issues": views, "total_count": len(views)})
}

func (s *Server) issueDetails(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("issue_key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.engine.IssueDetails(ctx, key, engine.DetailOptions{
		ViewOptions: engine.ViewOptions{
			Comments:  req.GetBool("include_comments", true),
			Changelog: req.GetBool("include_changelog", true),
		},
		Children: req.GetBool("include_children", false),
	})
	if err != nil {
		return s.errorResult("get_issue_details", err)
	}
	return jsonResult(d)
}

func (s *Server) issueDescendants(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("issue_key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.engine.Descendants(ctx, key, engine.ViewOptions{
		Comments:  req.GetBool("include_comments", true),
		Changelog: req.GetBool("include_changelog", true),
	})
	if err != nil {
		return s.errorResult("get_issue_descendants", err)
	}
	return jsonResult(d)
}

func (s *Server) searchByComments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.engine.CommentedSince(ctx, req.GetInt("days_ago", 10), req.GetInt("limit", engine.DefaultQueryLimit))
	if err != nil {
		return s.errorResult("search_issues_by_comments", err)
	}
	return jsonResult(res)
}

func (s *Server) issueTypes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	types, err := s.engine.IssueTypes(ctx)
	if err != nil {
		return s.errorResult("get_issue_types", err)
	}
	return jsonResult(map[string]any{"issue_types": types, "total_count": len(types)})
}

func (s *Server) teamMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, err := req.RequireString("team")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.engine.TeamMetrics(ctx, team, req.GetString("date_range", ""))
	if err != nil {
		return s.errorResult("get_team_metrics", err)
	}
	return jsonResult(m)
}

func (s *Server) testConnectivity(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	health := s.engine.Health(ctx)
	up := s.harvester.TestConnectivity(ctx)
	status := "connected"
	if !up.Connected || health.Database != "ok" {
		status = "degraded"
	}
	return jsonResult(map[string]any{
		"status":       status,
		"database":     health.Database,
		"upstream":     up,
		"last_harvest": health.LastHarvest,
	})
}

func (s *Server) harvestStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.HarvestStatus(ctx, req.GetInt("limit", 10))
	if err != nil {
		return s.errorResult("get_harvest_status", err)
	}
	return jsonResult(st)
}

func (s *Server) triggerHarvest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	force := req.GetBool("force", false)
	if req.GetBool("dry_run", false) {
		plan := map[string]any{"dry_run": true, "force": force}
		if cfg := s.engine.Config; cfg != nil {
			plan["projects"] = cfg.Harvest.Projects
			plan["label"] = cfg.Harvest.Label
			plan["team_members"] = len(cfg.TeamMembers)
		}
		active, err := s.engine.Repo.ActiveReload(ctx)
		switch {
		case err == nil:
			plan["active_reload"] = active
			plan["would_run"] = force
		case errors.Is(err, repo.ErrNotFound):
			plan["would_run"] = true
		default:
			return s.errorResult("trigger_harvest", err)
		}
		return jsonResult(plan)
	}

	res, err := s.harvester.TriggerReload(ctx, harvest.TriggerOptions{
		Source:      domain.SourceManual,
		TriggeredBy: "agent",
		Force:       force,
	})
	if err != nil && res.ReloadID == 0 {
		return s.errorResult("trigger_harvest", err)
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult reports err to the agent as a tool error. Store failures are
// logged and summarized.
func (s *Server) errorResult(tool string, err error) (*mcp.CallToolResult, error) {
	var (
		invalid *engine.InvalidArgumentError
		active  *harvest.ActiveReloadError
	)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return mcp.NewToolResultError("not found"), nil
	case errors.As(err, &invalid), errors.As(err, &active):
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.log.Error().Err(err).Str("tool", tool).Msg("tool failed")
	return mcp.NewToolResultError(tool + " failed: " + err.Error()), nil
}
