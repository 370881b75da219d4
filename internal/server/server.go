package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"issuedesk/internal/dialogue"
	"issuedesk/internal/syncer"
	"issuedesk/internal/tracker"
)

// Turns is the conversational surface the API exposes.
type Turns interface {
	HandleTurn(ctx context.Context, in dialogue.Turn) dialogue.Reply
	Session(ctx context.Context, id string) (*dialogue.Session, bool, error)
}

// ChangeApplier reflects tracker changes in the entity index.
type ChangeApplier interface {
	Apply(ctx context.Context, ev syncer.Event) error
}

// Config for the HTTP API handler.
type Config struct {
	Turns    Turns
	Changes  ChangeApplier
	BasePath string
	Auth     AuthConfig
	// WebhookSecret, when set, must be echoed in X-Issuedesk-Secret by
	// tracker webhooks.
	WebhookSecret string
	Log           *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the issuedesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Turns == nil {
		return nil, errors.New("server: turns handler is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.Log
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("issuedesk API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = path.Join(basePath, "docs")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerChat(group, cfg.Turns, cfg.Log)
	registerSessions(group, cfg.Turns)
	registerWebhooks(group, cfg.Changes, cfg.WebhookSecret, cfg.Log)

	// the document is rendered on first request, so it must be complete here
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	if cfg.Auth.Enabled() {
		applyAuthSecurity(oas, basePath)
	}
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
	msg := err.Error()
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, tracker.ErrPermission):
		return newAPIError(http.StatusForbidden, "permission_denied", msg, nil)
	case errors.Is(err, tracker.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, tracker.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusBadGateway, "transport_failure", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
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

func registerChat(api huma.API, turns Turns, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Send one utterance to a conversation",
		Description: "Starts a session when session_id is empty. Mutating requests stop at the approve stage until the user confirms.",
	}, func(ctx context.Context, input *struct {
		Body ChatRequest
	}) (*struct {
		Body dialogue.Reply `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok {
			log.Debug("chat turn", zap.String("subject", p.Subject), zap.String("session", input.Body.SessionID))
		}
		reply := turns.HandleTurn(ctx, dialogue.Turn{
			SessionID: input.Body.SessionID,
			Utterance: input.Body.Message,
			Approve:   input.Body.Approve,
		})
		return &struct {
			Body dialogue.Reply `json:"body"`
		}{Body: reply}, nil
	})
}

func registerSessions(api huma.API, turns Turns) {
	type sessionPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Inspect a conversation",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionView `json:"body"`
	}, error) {
		sess, ok, err := turns.Session(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", map[string]any{"session_id": input.ID})
		}
		return &struct {
			Body SessionView `json:"body"`
		}{Body: viewOf(sess)}, nil
	})
}
