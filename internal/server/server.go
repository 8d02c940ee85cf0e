package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/engine/auth"
	"cutline/internal/logging"
	"cutline/internal/settlement"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      logrus.FieldLogger
	// RateLimit of zero disables limiting.
	RateLimit rate.Limit
	Burst     int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"capacity exceeded: request is full"`
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

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the cutline API.
func New(cfg Config) (http.Handler, error) {
	basePath := "/" + strings.Trim(cfg.BasePath, "/")
	if basePath == "/" {
		basePath = "/v0"
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(accessLog(log))
	if cfg.RateLimit > 0 {
		router.Use(rateLimit(rate.NewLimiter(cfg.RateLimit, max(cfg.Burst, 1))))
	}
	router.Use(captureBody(maxBodyBytes))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	api := humachi.New(router, apiConfig())
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, perms: auth.Service{Config: cfg.Engine.Config}}
	registerHealth(group)
	h.registerRequests(group)
	h.registerAssignments(group)
	h.registerVersions(group)
	h.registerFeedback(group)
	h.registerSettlements(group)
	h.registerEvents(group)
	h.registerAPIKeys(group)
	h.registerMe(group)
	if cfg.Auth.AllowLegacyActorHeader {
		registerDevAuth(group, cfg.Auth)
	}
	serveSpec(router, api, basePath)

	return router, nil
}

// installErrorEnvelope makes huma's own errors (schema validation, bad params) use apiError.
func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		// request schema failures are client input errors, never state errors
		if status == http.StatusUnprocessableEntity {
			return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
		}
		return newAPIError(status, "", msg, details)
	}
}

// handlers binds the engine and permission checks to the registered operations.
type handlers struct {
	e     engine.Engine
	perms auth.Service
}

// require returns the caller when it holds perm.
func (h handlers) require(ctx context.Context, perm string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := h.perms.Require(p.actor(), perm); err != nil {
		return Principal{}, handleError(err)
	}
	return p, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// errorMapping is checked in order; the first sentinel matched by errors.Is wins.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrNotAssignee, http.StatusForbidden, "not_assignee"},
	{domain.ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{domain.ErrDuplicateClaim, http.StatusConflict, "duplicate_claim"},
	{domain.ErrAlreadyClosed, http.StatusConflict, "already_closed"},
	{domain.ErrSettlementImmutable, http.StatusConflict, "settlement_immutable"},
	{domain.ErrInvalidTransition, http.StatusUnprocessableEntity, "invalid_transition"},
	{domain.ErrNoPendingFeedback, http.StatusUnprocessableEntity, "no_pending_feedback"},
	{domain.ErrRequestClosed, http.StatusUnprocessableEntity, "request_closed"},
	{domain.ErrAssignmentReleased, http.StatusUnprocessableEntity, "assignment_released"},
	{domain.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
	{domain.ErrOutOfBounds, http.StatusBadRequest, "out_of_bounds"},
	{domain.ErrReasonRequired, http.StatusBadRequest, "reason_required"},
	{domain.ErrInvalidQuarter, http.StatusBadRequest, "invalid_quarter"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
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
	var settled *domain.AlreadySettledError
	if errors.As(err, &settled) {
		return newAPIError(http.StatusConflict, "already_settled", err.Error(), map[string]any{"existing": settled.Existing})
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": te.Entity, "from": te.From, "action": te.Action,
		})
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "invalid_transition",
	http.StatusTooManyRequests:     "rate_limited",
	http.StatusInternalServerError: "internal_error",
}

func codeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func accessLog(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("http request")
		})
	}
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type healthStatus struct {
	Status string `json:"status" example:"ok"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe; no credentials needed",
	}, func(ctx context.Context, _ *struct{}) (*output[healthStatus], error) {
		return respond(healthStatus{Status: "ok"}), nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Resolved principal with roles and permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
			Source:      p.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and roles are required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200
)

// captureBody buffers the request body so handlers can tell an empty body from a zero value.
func captureBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", map[string]any{"limit": limit}))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, raw)))
		})
	}
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
}

func normalizeLimit(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}

func (h handlers) now() time.Time {
	if h.e.Now != nil {
		return h.e.Now()
	}
	return time.Now()
}

// batchDate parses YYYY-MM-DD in the settlement timezone; empty means now.
func (h handlers) batchDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return h.now(), nil
	}
	t, err := time.ParseInLocation(settlement.DateLayout, s, h.e.Loc)
	if err != nil {
		return time.Time{}, domain.Invalid("date %q must be YYYY-MM-DD", s)
	}
	return t, nil
}

// quarterOrPrevious parses a quarter key; empty means the quarter before now.
func (h handlers) quarterOrPrevious(s string) (settlement.Quarter, error) {
	if strings.TrimSpace(s) == "" {
		return settlement.QuarterOf(h.now(), h.e.Loc).Previous(), nil
	}
	return settlement.ParseQuarter(s)
}
