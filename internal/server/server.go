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
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/metrics"
	"quorum/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"missing_refusal_reason"`
	Message string         `json:"message" example:"a reason is required to refuse an approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the quorum API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Engine.Log
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Quorum API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerSteps(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerStepInstances(group, cfg.Engine)
	registerTargets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs each request and feeds the request metrics. Paths are
// labelled by route pattern to keep label cardinality bounded.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordAPIRequest(r.Method, route, status, elapsed.Seconds())
			entry := logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"duration":   elapsed.String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Debug("request served")
			}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var pe domain.InvalidPercentError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "invalid_percent", err.Error(), map[string]any{"percent": pe.Percent})
	}
	if errors.Is(err, domain.ErrMissingRefusalReason) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_refusal_reason", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrAnswered) {
		return newAPIError(http.StatusUnprocessableEntity, "already_answered", err.Error(), nil)
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var iv domain.InvariantViolationError
	if errors.As(err, &iv) {
		return newAPIError(http.StatusConflict, "invariant_violation", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	errSchema := &huma.Schema{Type: huma.TypeObject}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
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
    <title>Quorum API Docs</title>
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
</html>`, specURL)
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/steps",
		Summary:     "List step definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StepResponse `json:"body"`
	}, error) {
		items, err := e.ListDefinitions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StepResponse `json:"body"`
		}{Body: mapSteps(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-step",
		Method:        http.MethodPost,
		Path:          "/steps",
		Summary:       "Create step definition",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDefinition(ctx, engine.DefinitionCreateOptions{
			Name:                   input.Body.Name,
			MinimalRequiredPercent: input.Body.MinimalRequiredPercent,
			IsDefault:              input.Body.IsDefault,
			Comment:                input.Body.Comment,
			ActorID:                actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{id}",
		Summary:     "Get step definition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		d, err := e.GetDefinition(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/steps/{id}",
		Summary:     "Update step definition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDefinition(ctx, input.ID, engine.DefinitionUpdateOptions{
			Name:                   input.Body.Name,
			MinimalRequiredPercent: input.Body.MinimalRequiredPercent,
			IsDefault:              input.Body.IsDefault,
			Comment:                input.Body.Comment,
			ActorID:                actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-step",
		Method:        http.MethodDelete,
		Path:          "/steps/{id}",
		Summary:       "Delete step definition",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDefinition(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func parseKind(raw string) (domain.ItemKind, huma.StatusError) {
	kind, err := domain.ParseItemKind(raw)
	if err != nil {
		return "", handleError(err)
	}
	return kind, nil
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateWorkItem(ctx, domain.ItemKind(input.Body.Kind), input.Body.Title, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: ItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items/{kind}",
		Summary:     "List work items of one kind",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"ticket,change"`
		Status string `query:"status" doc:"Filter on global validation: none, waiting, accepted or refused"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ItemResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		status := domain.Status(strings.ToLower(strings.TrimSpace(input.Status)))
		switch status {
		case "", domain.StatusNone, domain.StatusWaiting, domain.StatusAccepted, domain.StatusRefused:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		items, err := e.ListWorkItems(ctx, kind, status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ItemResponse `json:"body"`
		}{Body: mapItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{kind}/{id}",
		Summary:     "Get work item with its validation summary",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"ticket,change"`
		ID   string `path:"id"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		sum, err := e.ValidationSummary(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(sum)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-votes",
		Method:      http.MethodGet,
		Path:        "/items/{kind}/{id}/votes",
		Summary:     "List votes of a work item",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"ticket,change"`
		ID   string `path:"id"`
	}) (*struct {
		Body []VoteResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		votes, err := e.ListVotes(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VoteResponse `json:"body"`
		}{Body: mapVotes(votes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-vote",
		Method:        http.MethodPost,
		Path:          "/items/{kind}/{id}/votes",
		Summary:       "Request an approval",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Kind string             `path:"kind" enum:"ticket,change"`
		ID   string             `path:"id"`
		Body RequestVoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RequestVote(ctx, engine.VoteRequestOptions{
			Kind:              kind,
			ItemID:            input.ID,
			DefinitionID:      input.Body.DefinitionID,
			TargetType:        domain.TargetType(input.Body.TargetType),
			TargetID:          input.Body.TargetID,
			SubmissionComment: input.Body.SubmissionComment,
			ThresholdOverride: input.Body.MinimalRequiredPercent,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse(v)}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-vote",
		Method:      http.MethodGet,
		Path:        "/votes/{id}",
		Summary:     "Get vote",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		v, err := e.GetVote(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-vote",
		Method:      http.MethodPost,
		Path:        "/votes/{id}/answer",
		Summary:     "Answer a vote",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AnswerVoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AnswerVote(ctx, input.ID, engine.VoteAnswerOptions{
			Status:  domain.Status(input.Body.Status),
			Comment: input.Body.Comment,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-vote",
		Method:      http.MethodPatch,
		Path:        "/votes/{id}",
		Summary:     "Update a vote",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateVoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpdateVote(ctx, input.ID, engine.VoteUpdateOptions{
			DefinitionID:      input.Body.DefinitionID,
			ThresholdOverride: input.Body.MinimalRequiredPercent,
			SubmissionComment: input.Body.SubmissionComment,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-vote",
		Method:        http.MethodDelete,
		Path:          "/votes/{id}",
		Summary:       "Delete a vote",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteVote(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerStepInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-step-instance",
		Method:      http.MethodGet,
		Path:        "/step-instances/{id}",
		Summary:     "Get step instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StepInstanceResponse `json:"body"`
	}, error) {
		si, err := e.GetStepInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepInstanceResponse `json:"body"`
		}{Body: StepInstanceResponse(si)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-step-threshold",
		Method:      http.MethodPatch,
		Path:        "/step-instances/{id}",
		Summary:     "Override the threshold of a step instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ThresholdRequest `json:"body"`
	}) (*struct {
		Body StepInstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		si, err := e.ApplyThresholdOverride(ctx, input.ID, input.Body.MinimalRequiredPercent, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepInstanceResponse `json:"body"`
		}{Body: StepInstanceResponse(si)}, nil
	})
}

func registerTargets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-count",
		Method:      http.MethodGet,
		Path:        "/targets/{type}/{id}/pending",
		Summary:     "Count work items waiting on a user or group",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Type   string `path:"type" enum:"user,group"`
		ID     string `path:"id"`
		Groups string `query:"groups" doc:"Comma separated group ids the user belongs to; defaults to the token groups when the user asks about itself"`
	}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		targetType, err := domain.ParseTargetType(input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		groups := splitCSV(input.Groups)
		if input.Groups == "" && targetType == domain.TargetUser {
			// Without an explicit list, callers asking about themselves count
			// through the groups carried by their token.
			if p, ok := principalFromContext(ctx); ok && p.ActorID == input.ID {
				groups = append(groups, p.Groups...)
			}
		}
		userID := input.ID
		if targetType == domain.TargetGroup {
			userID = ""
			groups = append([]string{input.ID}, groups...)
		}
		n, err := e.PendingCount(ctx, userID, groups)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: PendingResponse{TargetType: string(targetType), TargetID: input.ID, Groups: groups, Count: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := e.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return v
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
