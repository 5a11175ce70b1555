package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"matterline/internal/domain"
	"matterline/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics, when set, is mounted at /metrics outside the base path.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"workspace_locked"`
	Message string         `json:"message" example:"workspace 0b6f is locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the matterline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("matterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkspaces(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerCommands(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps domain errors onto HTTP statuses. The error code in the body
// is always domain.CodeOf(err).
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := domain.CodeOf(err)
	msg := err.Error()
	var (
		verr    *domain.ValidationError
		blocked *domain.BlockedByMissingElementsError
		stale   *domain.StaleStateError
		ref     *domain.InvalidReferenceError
		trans   *domain.InvalidTransitionError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, string(domain.CodeUpstreamTimeout), "deadline exceeded", nil)
	case errors.As(err, &verr):
		details := map[string]any{"problems": verr.Problems}
		if verr.Stage != "" {
			details["stage"] = verr.Stage
		}
		return newAPIError(http.StatusUnprocessableEntity, string(code), msg, details)
	case errors.As(err, &blocked):
		return newAPIError(http.StatusConflict, string(code), msg, map[string]any{"element_ids": blocked.ElementIDs})
	case errors.As(err, &stale):
		return newAPIError(http.StatusConflict, string(code), msg, map[string]any{
			"expected_version": stale.ExpectedVersion,
			"actual_version":   stale.ActualVersion,
			"actual_state":     stale.ActualState,
		})
	case errors.As(err, &ref):
		return newAPIError(http.StatusUnprocessableEntity, string(code), msg, map[string]any{"field": ref.Field, "ref": ref.Ref})
	case errors.As(err, &trans):
		return newAPIError(http.StatusConflict, string(code), msg, map[string]any{"from": trans.From, "to": trans.To})
	}
	switch code {
	case domain.CodeNotFound:
		return newAPIError(http.StatusNotFound, string(code), msg, nil)
	case domain.CodeLocked:
		return newAPIError(http.StatusConflict, string(code), msg, nil)
	case domain.CodeUpstreamTimeout:
		return newAPIError(http.StatusGatewayTimeout, string(code), msg, nil)
	case domain.CodeUpstreamUnavailable:
		return newAPIError(http.StatusBadGateway, string(code), msg, map[string]any{"retryable": domain.IsRetryable(err)})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
			applyAuthSecurity(oas, basePath)
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>matterline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var readErrors = []int{http.StatusNotFound, http.StatusInternalServerError}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Open a workspace for an inbound matter",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.CreateWorkspace(ctx, engine.CreateWorkspace{
			ID:             input.Body.ID,
			TenantID:       input.Body.TenantID,
			SourceType:     input.Body.SourceType,
			SourceRaw:      input.Body.SourceRaw,
			SourceMetadata: input.Body.SourceMetadata,
			ProcedureType:  input.Body.ProcedureType,
			OwnerUserID:    input.Body.OwnerUserID,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		State    string `query:"state"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkspaceList `json:"body"`
	}, error) {
		items, err := e.ListWorkspaces(ctx, domain.WorkspaceFilter{
			TenantID: input.TenantID,
			State:    domain.State(input.State),
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Workspace{}
		}
		return &struct {
			Body WorkspaceList `json:"body"`
		}{Body: WorkspaceList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		ws, err := e.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/snapshot",
		Summary:     "Full workspace snapshot",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-summary",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/summary",
		Summary:     "Handoff summary",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body domain.Summary `json:"body"`
	}, error) {
		sum, err := e.Summary(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/transitions",
		Summary:     "State history",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Order       string `query:"order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body TransitionList `json:"body"`
	}, error) {
		items, err := e.ListTransitions(ctx, input.WorkspaceID, domain.Order(input.Order))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Transition{}
		}
		return &struct {
			Body TransitionList `json:"body"`
		}{Body: TransitionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-traces",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/traces",
		Summary:     "Reasoning traces",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Order       string `query:"order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body TraceList `json:"body"`
	}, error) {
		items, err := e.ListTraces(ctx, input.WorkspaceID, domain.Order(input.Order))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ReasoningTrace{}
		}
		return &struct {
			Body TraceList `json:"body"`
		}{Body: TraceList{Items: items}}, nil
	})
}

var stageErrors = []int{
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
	http.StatusInternalServerError,
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-next-stage",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/stages/next",
		Summary:     "Run the next reasoning stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body engine.StageResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.RunNextStage(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-stages",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/stages/run",
		Summary:     "Run stages until the workspace settles",
		Description: "Stops at READY_FOR_HUMAN, a side branch, a terminal state, an open gate or after max_stages.",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        RunStagesRequest `json:"body"`
	}) (*struct {
		Body RunStagesResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		results, runErr := e.RunUntilSettled(ctx, input.WorkspaceID, input.Body.MaxStages)
		if runErr != nil && len(results) == 0 {
			return nil, handleError(runErr)
		}
		ws, err := e.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RunStagesResponse{Stages: results, Workspace: ws}
		if resp.Stages == nil {
			resp.Stages = []engine.StageResult{}
		}
		if runErr != nil {
			resp.StoppedBy = domain.CodeOf(runErr)
			resp.Message = runErr.Error()
		}
		return &struct {
			Body RunStagesResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-workspaces",
		Method:      http.MethodPost,
		Path:        "/workspaces/advance",
		Summary:     "Run one stage on many workspaces in parallel",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body AdvanceRequest `json:"body"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		outcomes, err := e.AdvanceMany(ctx, input.Body.WorkspaceIDs, input.Body.Concurrency)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{Items: outcomes}}, nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/transitions",
		Summary:     "Cancel, escalate or lock a workspace",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                  `path:"workspace_id"`
		Body        ManualTransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.ApplyManualTransition(ctx, engine.ApplyManualTransition{
			WorkspaceID:     input.WorkspaceID,
			Target:          input.Body.Target,
			Reason:          input.Body.Reason,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-workspace",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/lock",
		Summary:     "Lock a workspace that is ready for human review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string       `path:"workspace_id"`
		Body        *LockRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd := engine.Lock{WorkspaceID: input.WorkspaceID, ActorID: actorID}
		if input.Body != nil {
			cmd.Reason = input.Body.Reason
		}
		ws, err := e.Lock(ctx, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-missing-element",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/missing-elements/{element_id}/resolve",
		Summary:     "Resolve a missing element",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                       `path:"workspace_id"`
		ElementID   string                       `path:"element_id"`
		Body        ResolveMissingElementRequest `json:"body"`
	}) (*struct {
		Body domain.MissingElement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		el, err := e.ResolveMissingElement(ctx, engine.ResolveMissingElement{
			WorkspaceID: input.WorkspaceID,
			ElementID:   input.ElementID,
			Resolution:  input.Body.Resolution,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissingElement `json:"body"`
		}{Body: el}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-action-executed",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/actions/{action_id}/execute",
		Summary:     "Record that a proposed action was carried out",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                     `path:"workspace_id"`
		ActionID    string                     `path:"action_id"`
		Body        *MarkActionExecutedRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.ProposedAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd := engine.MarkActionExecuted{WorkspaceID: input.WorkspaceID, ActionID: input.ActionID, ActorID: actorID}
		if input.Body != nil {
			cmd.Result = input.Body.Result
		}
		a, err := e.MarkActionExecuted(ctx, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProposedAction `json:"body"`
		}{Body: a}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-fact",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/facts",
		Summary:       "Add a fact established by a person",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string         `path:"workspace_id"`
		Body        AddFactRequest `json:"body"`
	}) (*struct {
		Body domain.Fact `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddFact(ctx, engine.AddFact{
			WorkspaceID: input.WorkspaceID,
			Label:       input.Body.Label,
			Value:       input.Body.Value,
			Source:      input.Body.Source,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fact `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-obligation",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/obligations",
		Summary:       "Add an obligation deduced by a person",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string               `path:"workspace_id"`
		Body        AddObligationRequest `json:"body"`
	}) (*struct {
		Body domain.Obligation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AddObligation(ctx, engine.AddObligation{
			WorkspaceID: input.WorkspaceID,
			ContextID:   input.Body.ContextID,
			Mandatory:   input.Body.Mandatory,
			Description: input.Body.Description,
			Deadline:    input.Body.Deadline,
			LegalRef:    input.Body.LegalRef,
			Critical:    input.Body.Critical,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Obligation `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "propose-action",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/actions",
		Summary:       "Propose an action",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string               `path:"workspace_id"`
		Body        ProposeActionRequest `json:"body"`
	}) (*struct {
		Body domain.ProposedAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ProposeAction(ctx, engine.ProposeAction{
			WorkspaceID: input.WorkspaceID,
			Type:        input.Body.Type,
			Target:      input.Body.Target,
			Priority:    input.Body.Priority,
			Content:     input.Body.Content,
			Reasoning:   input.Body.Reasoning,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProposedAction `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, domain.EventFilter{WorkspaceID: input.WorkspaceID, AfterID: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
