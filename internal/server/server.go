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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"clubops/internal/domain"
	"clubops/internal/engine"
	"clubops/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// ClubID is the only club this server answers for.
	ClubID   string
	BasePath string
	Auth     AuthConfig
	Logger   *zap.SugaredLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_owned"`
	Message string         `json:"message" example:"task owned by carol"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"to_role\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	engine engine.Engine
	clubID string
	log    *zap.SugaredLogger
}

// New returns an HTTP handler exposing the club operations API.
func New(cfg Config) (http.Handler, error) {
	if strings.TrimSpace(cfg.ClubID) == "" {
		return nil, errors.New("server: club id is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger.Named("auth")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema validation failures are plain bad requests here
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger.Named("http")))
	router.Use(metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Club Operations API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := server{engine: cfg.Engine, clubID: cfg.ClubID, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	s.registerTasks(group)
	s.registerClaims(group)
	s.registerHandovers(group)
	s.registerAudit(group)
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
	var ire domain.InvalidRequestError
	switch {
	case errors.As(err, &ire):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ire.Field})
	case errors.Is(err, domain.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyOwned):
		return newAPIError(http.StatusConflict, "already_owned", err.Error(), nil)
	case errors.Is(err, domain.ErrNotClaimable):
		return newAPIError(http.StatusConflict, "not_claimable", err.Error(), nil)
	case errors.Is(err, domain.ErrOwnerChanged):
		return newAPIError(http.StatusConflict, "owner_changed", err.Error(), nil)
	case errors.Is(err, domain.ErrStorageUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestLogger logs one line per request once the handler has returned.
func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			kv := []any{"method", r.Method, "path", r.URL.Path, "status", status, "bytes", ww.BytesWritten(), "duration", time.Since(start)}
			switch {
			case status >= 500:
				log.Errorw("HTTP request", kv...)
			case status >= 400:
				log.Warnw("HTTP request", kv...)
			default:
				log.Infow("HTTP request", kv...)
			}
		})
	}
}

// checkClub rejects paths naming a club this server does not serve.
func (s server) checkClub(clubID string) huma.StatusError {
	if clubID != s.clubID {
		return newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("club %s not found", clubID), nil)
	}
	return nil
}

// loadTask fetches a task and hides tasks of other clubs.
func (s server) loadTask(ctx context.Context, clubID, id string) (domain.Task, huma.StatusError) {
	if err := s.checkClub(clubID); err != nil {
		return domain.Task{}, err
	}
	t, err := s.engine.GetTask(ctx, id)
	if err != nil {
		return t, handleError(err)
	}
	if t.ClubID != clubID {
		return t, newAPIError(http.StatusNotFound, "not_found", "task not found in club", nil)
	}
	return t, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	docURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Club Operations API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, docURL)
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

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

func (s server) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/clubs/{club_id}/tasks",
		Summary:     "List tasks",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID         string `path:"club_id"`
		FixtureID      string `query:"fixture_id"`
		TemplatePackID string `query:"template_pack_id"`
		OwnerID        string `query:"owner_id"`
		Incomplete     bool   `query:"incomplete"`
		Limit          int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		tasks, err := s.engine.ListTasks(ctx, domain.TaskFilter{
			ClubID:         input.ClubID,
			FixtureID:      input.FixtureID,
			TemplatePackID: input.TemplatePackID,
			OwnerID:        input.OwnerID,
			IncompleteOnly: input.Incomplete,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/clubs/{club_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string            `path:"club_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.engine.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             ptrValue(input.Body.ID),
			ClubID:         input.ClubID,
			FixtureID:      ptrValue(input.Body.FixtureID),
			TemplatePackID: ptrValue(input.Body.TemplatePackID),
			Label:          input.Body.Label,
			SortOrder:      input.Body.SortOrder,
			OwnerID:        ptrValue(input.Body.OwnerPersonID),
			BackupID:       ptrValue(input.Body.BackupPersonID),
			OwnerRole:      ptrValue(input.Body.OwnerRole),
			DueAt:          ptrValue(input.Body.DueAt),
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/clubs/{club_id}/tasks/{id}",
		Summary:     "Get task with its effective owner",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string `path:"club_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, apiErr := s.loadTask(ctx, input.ClubID, input.ID)
		if apiErr != nil {
			return nil, apiErr
		}
		o, err := s.engine.EffectiveOwner(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		resp := taskResponse(t)
		resp.Ownership = ownershipResponse(o)
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-assignment",
		Method:      http.MethodPatch,
		Path:        "/clubs/{club_id}/tasks/{id}/assignment",
		Summary:     "Reassign owner and backup",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string            `path:"club_id"`
		ID     string            `path:"id"`
		Body   AssignmentRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, apiErr := s.loadTask(ctx, input.ClubID, input.ID); apiErr != nil {
			return nil, apiErr
		}
		t, err := s.engine.ReassignTask(ctx, engine.ReassignOptions{
			TaskID:   input.ID,
			OwnerID:  input.Body.OwnerPersonID,
			BackupID: input.Body.BackupPersonID,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-completion",
		Method:      http.MethodPost,
		Path:        "/clubs/{club_id}/tasks/{id}/completion",
		Summary:     "Complete or reopen a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string            `path:"club_id"`
		ID     string            `path:"id"`
		Body   CompletionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, apiErr := s.loadTask(ctx, input.ClubID, input.ID); apiErr != nil {
			return nil, apiErr
		}
		t, err := s.engine.ToggleCompletion(ctx, input.ID, input.Body.Completed, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func (s server) registerClaims(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/clubs/{club_id}/tasks/{id}/claim",
		Summary:     "Claim a role task as the caller",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string `path:"club_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, apiErr := s.loadTask(ctx, input.ClubID, input.ID); apiErr != nil {
			return nil, apiErr
		}
		t, err := s.engine.ClaimTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-task",
		Method:      http.MethodPost,
		Path:        "/clubs/{club_id}/tasks/{id}/unassign",
		Summary:     "Clear the explicit owner",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string `path:"club_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, apiErr := s.loadTask(ctx, input.ClubID, input.ID); apiErr != nil {
			return nil, apiErr
		}
		t, err := s.engine.UnassignTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claimable-tasks",
		Method:      http.MethodGet,
		Path:        "/clubs/{club_id}/people/{person_id}/claimable",
		Summary:     "Tasks a person may claim through their roles",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID   string `path:"club_id"`
		PersonID string `path:"person_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		tasks, err := s.engine.ClaimableTasks(ctx, input.ClubID, input.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: mapTasks(tasks)}}, nil
	})
}

func (s server) registerHandovers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-handover",
		Method:      http.MethodPost,
		Path:        "/clubs/{club_id}/handovers/preview",
		Summary:     "Count the tasks a handover would move",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string          `path:"club_id"`
		Body   HandoverRequest `json:"body"`
	}) (*struct {
		Body HandoverResponse `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		res, err := s.engine.PreviewHandover(ctx, input.Body.toDomain(input.ClubID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HandoverResponse `json:"body"`
		}{Body: handoverResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-handover",
		Method:      http.MethodPost,
		Path:        "/clubs/{club_id}/handovers",
		Summary:     "Move a person's open tasks",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID string          `path:"club_id"`
		Body   HandoverRequest `json:"body"`
	}) (*struct {
		Body HandoverResponse `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.ExecuteHandover(ctx, actorID, input.Body.toDomain(input.ClubID))
		if err != nil {
			s.log.Warnw("Handover failed", "clubID", input.ClubID, "moved", res.TasksAffected, "err", err)
			return nil, handleError(err)
		}
		return &struct {
			Body HandoverResponse `json:"body"`
		}{Body: handoverResponse(res)}, nil
	})
}

func (s server) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/clubs/{club_id}/audit",
		Summary:     "List audit events by fixture, task or latest for the club",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ClubID    string `path:"club_id"`
		FixtureID string `query:"fixture_id"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if err := s.checkClub(input.ClubID); err != nil {
			return nil, err
		}
		items, err := s.engine.ListAuditEvents(ctx, engine.AuditQuery{
			ClubID:    input.ClubID,
			FixtureID: input.FixtureID,
			TaskID:    input.TaskID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			if evt.ClubID != input.ClubID {
				continue
			}
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}
