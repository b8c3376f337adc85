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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"duewatch/internal/config"
	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/engine/auth"
	"duewatch/internal/repo"
)

// SweepStatus exposes the background scheduler to the API.
type SweepStatus interface {
	Last() (engine.SweepReport, bool)
	Next() time.Time
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Access   auth.Service
	BasePath string
	Auth     AuthConfig
	// Scheduler is optional; without it /sweeps/last reports nothing.
	Scheduler SweepStatus
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission rule.manage required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"rule.manage\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the duewatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Access.Roles == nil {
		cfg.Access.Roles = cfg.Engine.Repo
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("duewatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, access: cfg.Access, sched: cfg.Scheduler, authCfg: cfg.Auth}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerMe(group)
	if cfg.Auth.AllowDevLogin {
		h.registerDevAuth(group)
	}
	h.registerRules(group)
	h.registerInbox(group)
	h.registerFireRecords(group)
	h.registerDeliveries(group)
	h.registerSweeps(group)
	h.registerEntities(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e       engine.Engine
	access  auth.Service
	sched   SweepStatus
	authCfg AuthConfig
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission admits principals whose token carries perm, then falls
// back to the role directory.
func (h handlers) requirePermission(ctx context.Context, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal.ActorID, nil
	}
	if err := h.access.Require(ctx, principal.ActorID, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

func (h handlers) requireInbox(ctx context.Context, userID string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if principal.ActorID == userID || hasPermission(principal.Permissions, auth.PermInboxRead) {
		return principal.ActorID, nil
	}
	if err := h.access.RequireInbox(ctx, principal.ActorID, userID); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

// notificationFor loads a notification and checks the caller may touch it.
func (h handlers) notificationFor(ctx context.Context, id string) (domain.Notification, string, error) {
	n, err := h.e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, "", err
	}
	actorID, err := h.requireInbox(ctx, n.UserID)
	if err != nil {
		return domain.Notification{}, "", err
	}
	return n, actorID, nil
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

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>duewatch API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := h.e.Repo.UserRoles(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		admin, err := h.access.IsAdmin(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(principal.Permissions),
			IsAdmin:     admin,
		}}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(h.authCfg.JWTSecret, actor, input.Body.Permissions, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func (h handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List reminder rules",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type" enum:"milestone,deliverable,po,invoice,task,issue"`
		Active     string `query:"active" enum:"true,false"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermRuleManage); err != nil {
			return nil, handleError(err)
		}
		f := repo.RuleFilters{EntityType: domain.EntityKind(input.EntityType)}
		if input.Active != "" {
			active := input.Active == "true"
			f.Active = &active
		}
		items, err := h.e.Repo.ListRulesFiltered(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create reminder rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := h.e.CreateRule(ctx, engine.RuleCreateOptions{Rule: input.Body.toRule(), ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-rules",
		Method:      http.MethodPost,
		Path:        "/rules/import",
		Summary:     "Create or replace rules by id",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ImportRulesRequest `json:"body"`
	}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		rules := make([]domain.ReminderRule, 0, len(input.Body.Rules))
		for _, r := range input.Body.Rules {
			rules = append(rules, r.toRule())
		}
		n, err := h.e.ImportRules(ctx, rules, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-rules",
		Method:      http.MethodPost,
		Path:        "/rules/seed",
		Summary:     "Install the stock rule set",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.SeedRules(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get reminder rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermRuleManage); err != nil {
			return nil, handleError(err)
		}
		rule, err := h.e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update reminder rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := h.e.UpdateRule(ctx, engine.RuleUpdateOptions{ID: input.RuleID, Patch: input.Body.toPatch(), ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/toggle",
		Summary:     "Flip a rule's active flag",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := h.e.ToggleRule(ctx, input.RuleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{rule_id}",
		Summary:     "Delete reminder rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.e.DeleteRule(ctx, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerInbox(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/notifications",
		Summary:     "List a user's in-app notifications",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID   string `path:"user_id"`
		Unread   bool   `query:"unread"`
		Archived string `query:"archived" enum:"true,false"`
		Limit    int    `query:"limit" default:"50"`
		Offset   int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		if _, err := h.requireInbox(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		f := repo.InboxFilters{
			UserID: input.UserID,
			Unread: input.Unread,
			Limit:  normalizeLimit(input.Limit),
			Offset: input.Offset,
		}
		if input.Archived != "" {
			archived := input.Archived == "true"
			f.Archived = &archived
		}
		items, err := h.e.Repo.ListNotifications(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unread-count",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/notifications/unread-count",
		Summary:     "Count unread notifications",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body UnreadCountResponse `json:"body"`
	}, error) {
		if _, err := h.requireInbox(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.Repo.UnreadCount(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnreadCountResponse `json:"body"`
		}{Body: UnreadCountResponse{UserID: input.UserID, Unread: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-all-notifications",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/notifications/read-all",
		Summary:     "Mark every notification read",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body MarkAllReadResponse `json:"body"`
	}, error) {
		actorID, err := h.requireInbox(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.MarkAllRead(ctx, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MarkAllReadResponse `json:"body"`
		}{Body: MarkAllReadResponse{Marked: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		_, actorID, err := h.notificationFor(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.MarkRead(ctx, input.NotificationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: notificationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/archive",
		Summary:     "Archive a notification",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		if _, _, err := h.notificationFor(ctx, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.Repo.ArchiveNotification(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: notificationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-notification",
		Method:      http.MethodDelete,
		Path:        "/notifications/{notification_id}",
		Summary:     "Delete a notification",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		if _, _, err := h.notificationFor(ctx, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		if err := h.e.Repo.DeleteNotification(ctx, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerFireRecords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-fire-records",
		Method:      http.MethodGet,
		Path:        "/fire-records",
		Summary:     "List reminder cycles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RuleID string `query:"rule_id"`
	}) (*struct {
		Body []FireRecordResponse `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDeliveryAudit); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.Repo.ListFireRecords(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := []FireRecordResponse{}
		for _, rec := range items {
			if input.RuleID != "" && rec.RuleID != input.RuleID {
				continue
			}
			res = append(res, fireRecordResponse(rec))
		}
		return &struct {
			Body []FireRecordResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge",
		Method:      http.MethodPost,
		Path:        "/fire-records/acknowledge",
		Summary:     "Acknowledge a reminder and stop its escalation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AcknowledgeRequest `json:"body"`
	}) (*struct {
		Body FireRecordResponse `json:"body"`
	}, error) {
		actorID, err := h.requireRecipient(ctx, input.Body.RuleID, input.Body.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := h.e.Acknowledge(ctx, input.Body.RuleID, input.Body.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FireRecordResponse `json:"body"`
		}{Body: fireRecordResponse(rec)}, nil
	})
}

// requireRecipient admits admins and anyone who was notified about the
// (rule, entity) pair.
func (h handlers) requireRecipient(ctx context.Context, ruleID, entityID string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if strings.TrimSpace(ruleID) == "" || strings.TrimSpace(entityID) == "" {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "rule_id and entity_id are required", nil)
	}
	if hasPermission(principal.Permissions, auth.PermRuleManage) {
		return principal.ActorID, nil
	}
	sent, err := h.e.Repo.ListDeliveries(ctx, repo.DeliveryFilters{UserID: principal.ActorID, RuleID: ruleID, Limit: 500})
	if err != nil {
		return "", err
	}
	for _, n := range sent {
		if n.EntityID == entityID {
			return principal.ActorID, nil
		}
	}
	if err := h.access.Require(ctx, principal.ActorID, auth.PermRuleManage); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

func (h handlers) registerDeliveries(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "Audit notification deliveries",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,delivered,failed"`
		Channel string `query:"channel" enum:"in_app,email,slack,teams"`
		UserID  string `query:"user_id"`
		RuleID  string `query:"rule_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDeliveryAudit); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.Repo.ListDeliveries(ctx, repo.DeliveryFilters{
			Status:  domain.DeliveryStatus(input.Status),
			Channel: domain.Channel(input.Channel),
			UserID:  input.UserID,
			RuleID:  input.RuleID,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-deliveries",
		Method:      http.MethodPost,
		Path:        "/deliveries/retry",
		Summary:     "Redrive pending external deliveries",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *RetryRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body []OutcomeResponse `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermSweepRun); err != nil {
			return nil, handleError(err)
		}
		limit := 100
		if input.Body != nil && input.Body.Limit > 0 {
			limit = input.Body.Limit
		}
		outcomes, err := h.e.Dispatcher.RetryPending(ctx, limit)
		if err != nil && len(outcomes) == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body []OutcomeResponse `json:"body"`
		}{Body: mapOutcomes(outcomes)}, nil
	})
}

func (h handlers) registerSweeps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps",
		Summary:     "Run one sweep now",
		Description: "Per-pair faults are listed in the report's errors and do not fail the request.",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepReport `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermSweepRun); err != nil {
			return nil, handleError(err)
		}
		rep, err := h.e.Sweep(ctx)
		if err != nil && len(rep.Errors) == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "last-sweep",
		Method:      http.MethodGet,
		Path:        "/sweeps/last",
		Summary:     "Report of the last scheduled sweep",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Report engine.SweepReport `json:"report"`
			Next   *time.Time         `json:"next,omitempty"`
		} `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDeliveryAudit); err != nil {
			return nil, handleError(err)
		}
		if h.sched == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "scheduler not running", nil)
		}
		rep, ok := h.sched.Last()
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no sweep has run yet", nil)
		}
		out := &struct {
			Body struct {
				Report engine.SweepReport `json:"report"`
				Next   *time.Time         `json:"next,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Report = rep
		if next := h.sched.Next(); !next.IsZero() {
			out.Body.Next = &next
		}
		return out, nil
	})
}

func (h handlers) registerEntities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "import-entities",
		Method:      http.MethodPost,
		Path:        "/entities/import",
		Summary:     "Upsert projects, users and watchable entities",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body repo.ImportCounts `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := h.requirePermission(ctx, auth.PermEntityImport); err != nil {
			return nil, handleError(err)
		}
		ds, err := config.ParseDataset(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		counts, err := h.e.Repo.ImportDataset(ctx, ds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.ImportCounts `json:"body"`
		}{Body: counts}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		ProjectID  string `query:"project_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDeliveryAudit); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			ProjectID:  input.ProjectID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
