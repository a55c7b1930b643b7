package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"practiceflow/internal/automation"
	"practiceflow/internal/conditions"
	"practiceflow/internal/depgraph"
	"practiceflow/internal/domain"
	"practiceflow/internal/engine"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_cycle"`
	Message string         `json:"message" example:"dependency t-a -> t-b would create a cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":[\"t-a\",\"t-b\",\"t-a\"]}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope every handler returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the practiceflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("practiceflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerFire(group, e)
	registerTriggers(group, e)
	registerDependencies(group, e)
	registerTasks(group, e)
	registerAssignments(group, e)
	registerTriggerEvents(group, e)
	registerWebhooks(group, e)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *depgraph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), map[string]any{"path": ce.Path})
	}
	var cee *conditions.ConditionEvaluationError
	if errors.As(err, &cee) {
		return newAPIError(http.StatusBadRequest, "invalid_condition", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, depgraph.ErrCycle):
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), nil)
	case errors.Is(err, engine.ErrStartBlocked):
		return newAPIError(http.StatusConflict, "start_blocked", err.Error(), nil)
	case errors.Is(err, depgraph.ErrCompletionBlocked):
		return newAPIError(http.StatusConflict, "completion_blocked", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, depgraph.ErrCrossAssignment), errors.Is(err, depgraph.ErrSelfDependency):
		return newAPIError(http.StatusBadRequest, "invalid_dependency", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "not part of"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
    <title>practiceflow API Docs</title>
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

func registerFire(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fire-trigger",
		Method:      http.MethodPost,
		Path:        "/orgs/{org}/fire",
		Summary:     "Fire matching triggers for an entity change",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Org  string          `path:"org"`
		Body FireRequestBody `json:"body"`
	}) (*struct {
		Body FireResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		events, err := e.FireTrigger(ctx, input.Body.toDomain(input.Org))
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.TriggerEvent{}
		}
		return &struct {
			Body FireResponse `json:"body"`
		}{Body: FireResponse{Events: events}}, nil
	})
}

func registerTriggers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/triggers",
		Summary:       "Create trigger",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Org  string               `path:"org"`
		Body CreateTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.WorkflowID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workflow_id is required", map[string]any{"field": "workflow_id"})
		}
		def, err := decodeDefinition(input.Body.Definition)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "definition"})
		}
		t, err := e.CreateTrigger(ctx, automation.Trigger{
			ID:         input.Body.ID,
			OrgID:      input.Org,
			WorkflowID: input.Body.WorkflowID,
			Scope:      automation.Scope(input.Body.Scope),
			ScopeID:    input.Body.ScopeID,
			Name:       input.Body.Name,
			Definition: def,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := triggerResponse(t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/triggers",
		Summary:     "List triggers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Org        string `path:"org"`
		WorkflowID string `query:"workflow_id"`
		Type       string `query:"type"`
		Enabled    bool   `query:"enabled"`
	}) (*struct {
		Body listTriggersResponse `json:"body"`
	}, error) {
		items, err := e.ListTriggers(ctx, repo.TriggerFilters{
			OrgID:       input.Org,
			WorkflowID:  input.WorkflowID,
			Type:        automation.TriggerType(input.Type),
			EnabledOnly: input.Enabled,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := listTriggersResponse{Items: []TriggerResponse{}}
		for _, t := range items {
			tr, err := triggerResponse(t)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, tr)
		}
		return &struct {
			Body listTriggersResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-trigger",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org}/triggers/{id}",
		Summary:     "Enable or disable a trigger",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Org  string               `path:"org"`
		ID   string               `path:"id"`
		Body UpdateTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.Enabled == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "enabled is required", map[string]any{"field": "enabled"})
		}
		t, err := e.SetTriggerEnabled(ctx, input.Org, input.ID, *input.Body.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := triggerResponse(t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDependencies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dependency",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/dependencies",
		Summary:       "Add a task dependency",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Org  string                  `path:"org"`
		Body CreateDependencyRequest `json:"body"`
	}) (*struct {
		Body domain.TaskDependency `json:"body"`
	}, error) {
		if input.Body.TaskID == "" || input.Body.DependsOnTaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id and depends_on_task_id are required", nil)
		}
		typ := domain.DependencyType(input.Body.Type)
		if typ == "" {
			typ = domain.FinishToStart
		}
		dep, err := e.AddDependency(ctx, input.Org, engine.DependencySpec{
			TaskID:          input.Body.TaskID,
			DependsOnTaskID: input.Body.DependsOnTaskID,
			Type:            typ,
			LagDays:         input.Body.LagDays,
			NonBlocking:     input.Body.NonBlocking,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDependency `json:"body"`
		}{Body: dep}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	type taskPath struct {
		Org string `path:"org"`
		ID  string `path:"id"`
	}
	transitions := []struct {
		op      string
		verb    string
		summary string
		apply   func(context.Context, string, string) (domain.Task, error)
	}{
		{"start-task", "start", "Start task", e.StartTask},
		{"complete-task", "complete", "Complete task", e.CompleteTask},
		{"reopen-task", "reopen", "Reopen a completed task", e.ReopenTask},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/orgs/{org}/tasks/{id}/" + tr.verb,
			Summary:     tr.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *taskPath) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			t, err := apply(ctx, input.Org, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-workflow",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/assignments",
		Summary:       "Instantiate a workflow template as an assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Org  string             `path:"org"`
		Body InstantiateRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		if input.Body.WorkflowID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workflow_id is required", map[string]any{"field": "workflow_id"})
		}
		a, err := e.Instantiate(ctx, engine.InstantiateOptions{
			ID:         input.Body.ID,
			OrgID:      input.Org,
			WorkflowID: input.Body.WorkflowID,
			ClientID:   input.Body.ClientID,
			Name:       input.Body.Name,
			DueDate:    input.Body.DueDate,
			Priority:   input.Body.Priority,
			AssignedTo: input.Body.AssignedTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := e.AssignmentTree(ctx, input.Org, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: tree}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/assignments/{id}",
		Summary:     "Get an assignment with its stages, steps and tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Org string `path:"org"`
		ID  string `path:"id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		a, err := e.AssignmentTree(ctx, input.Org, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerTriggerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trigger-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/trigger-events",
		Summary:     "List trigger events in append order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Org          string `path:"org"`
		TriggerID    string `query:"trigger_id"`
		EntityID     string `query:"entity_id"`
		AssignmentID string `query:"assignment_id"`
		ChainID      string `query:"chain_id"`
		Status       string `query:"status" enum:"success,failed,partial"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTriggerEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.Log.List(ctx, eventlog.Filter{
			OrgID:        input.Org,
			TriggerID:    input.TriggerID,
			EntityID:     input.EntityID,
			AssignmentID: input.AssignmentID,
			ChainID:      input.ChainID,
			Status:       domain.ExecutionStatus(input.Status),
			AfterSeq:     after,
			Limit:        limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTriggerEvents{Items: []domain.TriggerEvent{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTriggerEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerWebhooks exposes inbound webhooks: a POST fires the org's webhook
// triggers whose key matches the path.
func registerWebhooks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "receive-webhook",
		Method:      http.MethodPost,
		Path:        "/orgs/{org}/webhooks/{key}",
		Summary:     "Receive an inbound webhook",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Org  string         `path:"org"`
		Key  string         `path:"key"`
		Body WebhookRequest `json:"body"`
	}) (*struct {
		Body FireResponse `json:"body"`
	}, error) {
		events, err := e.FireTrigger(ctx, domain.FireRequest{
			Type:       string(automation.Webhook),
			EntityType: domain.EntityType(input.Body.EntityType),
			EntityID:   input.Body.EntityID,
			OrgID:      input.Org,
			Metadata:   map[string]any{"key": input.Key, "payload": input.Body.Payload},
		})
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.TriggerEvent{}
		}
		return &struct {
			Body FireResponse `json:"body"`
		}{Body: FireResponse{Events: events}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
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
