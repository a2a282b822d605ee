package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/repo"
	"harvestline/internal/scheduler"
)

// Harvester runs reloads on behalf of the API.
type Harvester interface {
	TriggerReload(ctx context.Context, opts harvest.TriggerOptions) (harvest.RunResult, error)
	TestConnectivity(ctx context.Context) harvest.Connectivity
}

// SchedulerStatus reports the periodic trigger state.
type SchedulerStatus interface {
	Status() scheduler.Status
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Harvester Harvester
	Scheduler SchedulerStatus
	BasePath  string
	// MCP is mounted at MCPPath when set.
	MCP     http.Handler
	MCPPath string
	Log     zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"reload_in_progress"`
	Message string         `json:"message" example:"reload 12 (run 3f2c) is already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reload_id\":12}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the harvest API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Harvester == nil {
		return nil, errors.New("server: harvester is required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(cfg.Log.With().Str("component", "http").Logger()))
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Harvestline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerHarvest(group, cfg)
	registerOpenAPI(router, api, basePath)

	if cfg.MCP != nil {
		mcpPath := cfg.MCPPath
		if mcpPath == "" {
			mcpPath = "/mcp"
		}
		router.Handle(mcpPath, cfg.MCP)
	}
	return router, nil
}

// requestLogger logs one line per request at a level chosen by status.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			default:
				ev = log.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var active *harvest.ActiveReloadError
	if errors.As(err, &active) {
		return newAPIError(http.StatusConflict, "reload_in_progress", err.Error(), map[string]any{
			"reload_id":      active.Active.ID,
			"run_id":         active.Active.RunID,
			"reload_started": active.Active.Started,
		})
	}
	var invalid *engine.InvalidArgumentError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Harvestline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Health `json:"body"`
	}, error) {
		return &struct {
			Body engine.Health `json:"body"`
		}{Body: e.Health(ctx)}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issue-keys",
		Method:      http.MethodGet,
		Path:        "/issues/keys",
		Summary:     "List stored issue keys",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Source    string `query:"source" doc:"Filter by source system"`
		Assignee  string `query:"assignee"`
		Label     string `query:"label"`
		IssueType string `query:"issue_type" doc:"Type id or name"`
		ParentKey string `query:"parent_key"`
	}) (*struct {
		Body IssueKeysResponse `json:"body"`
	}, error) {
		keys, err := e.IssueKeys(ctx, engine.KeyFilter{
			Source:    input.Source,
			Assignee:  input.Assignee,
			Label:     input.Label,
			IssueType: input.IssueType,
			ParentKey: input.ParentKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueKeysResponse `json:"body"`
		}{Body: IssueKeysResponse{Keys: keys, Count: len(keys)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{key}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key              string `path:"key"`
		IncludeComments  bool   `query:"include_comments" default:"true"`
		IncludeChangelog bool   `query:"include_changelog" default:"true"`
		IncludeChildren  bool   `query:"include_children"`
	}) (*struct {
		Body engine.IssueDetails `json:"body"`
	}, error) {
		d, err := e.IssueDetails(ctx, input.Key, engine.DetailOptions{
			ViewOptions: engine.ViewOptions{Comments: input.IncludeComments, Changelog: input.IncludeChangelog},
			Children:    input.IncludeChildren,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssueDetails `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue-descendants",
		Method:      http.MethodGet,
		Path:        "/issues/{key}/descendants",
		Summary:     "Get all descendants of an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key              string `path:"key"`
		IncludeComments  bool   `query:"include_comments" default:"true"`
		IncludeChangelog bool   `query:"include_changelog" default:"true"`
	}) (*struct {
		Body engine.Descendants `json:"body"`
	}, error) {
		d, err := e.Descendants(ctx, input.Key, engine.ViewOptions{Comments: input.IncludeComments, Changelog: input.IncludeChangelog})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Descendants `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issue-changes",
		Method:      http.MethodGet,
		Path:        "/issues/{key}/changes",
		Summary:     "Local audit trail of an issue",
	}, func(ctx context.Context, input *struct {
		Key   string `path:"key"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body ChangesResponse `json:"body"`
	}, error) {
		changes, err := e.Changes(ctx, input.Key, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangesResponse `json:"body"`
		}{Body: ChangesResponse{IssueKey: input.Key, Changes: changes, Count: len(changes)}}, nil
	})
}

func registerHarvest(api huma.API, cfg Config) {
	e, h := cfg.Engine, cfg.Harvester

	huma.Register(api, huma.Operation{
		OperationID: "trigger-reload",
		Method:      http.MethodPost,
		Path:        "/harvest/reload",
		Summary:     "Run a full reload synchronously",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Force       bool   `query:"force" doc:"Terminate an active reload first"`
		TriggeredBy string `query:"triggered_by" default:"api"`
	}) (*struct {
		Body ReloadResponse `json:"body"`
	}, error) {
		// The run outlives a disconnected client.
		res, err := h.TriggerReload(context.WithoutCancel(ctx), harvest.TriggerOptions{
			Source:      domain.SourceManual,
			TriggeredBy: input.TriggeredBy,
			Force:       input.Force,
		})
		if err != nil && res.ReloadID == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body ReloadResponse `json:"body"`
		}{Body: reloadResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reload",
		Method:      http.MethodGet,
		Path:        "/harvest/reload/{id}",
		Summary:     "Get a reload record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.ReloadRecord `json:"body"`
	}, error) {
		rec, err := e.Repo.GetReload(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReloadRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reloads",
		Method:      http.MethodGet,
		Path:        "/harvest/reload",
		Summary:     "Reload history, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Status string `query:"status" doc:"running, completed or failed"`
	}) (*struct {
		Body ReloadListResponse `json:"body"`
	}, error) {
		switch domain.ReloadStatus(input.Status) {
		case "", domain.ReloadRunning, domain.ReloadCompleted, domain.ReloadFailed:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid status %q", input.Status), nil)
		}
		items, err := e.Repo.ListReloads(ctx, normalizeLimit(input.Limit), domain.ReloadStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ReloadRecord{}
		}
		return &struct {
			Body ReloadListResponse `json:"body"`
		}{Body: ReloadListResponse{Reloads: items, Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-connectivity",
		Method:      http.MethodGet,
		Path:        "/harvest/test",
		Summary:     "Test upstream and database connectivity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConnectivityResponse `json:"body"`
	}, error) {
		health := e.Health(ctx)
		return &struct {
			Body ConnectivityResponse `json:"body"`
		}{Body: ConnectivityResponse{
			Upstream:    h.TestConnectivity(ctx),
			Database:    health.Database,
			LastHarvest: health.LastHarvest,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-status",
		Method:      http.MethodGet,
		Path:        "/harvest/scheduler",
		Summary:     "Scheduler status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scheduler.Status `json:"body"`
	}, error) {
		var st scheduler.Status
		if cfg.Scheduler != nil {
			st = cfg.Scheduler.Status()
		}
		return &struct {
			Body scheduler.Status `json:"body"`
		}{Body: st}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
