package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kanshi/internal/auth"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/ctxutil"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/service/guard"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	guard               *guard.Service
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	logger              *slog.Logger
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): JWTMgr, Keyring.
type HandlersDeps struct {
	Guard               *guard.Service
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Logger              *slog.Logger
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		guard:               d.Guard,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		logger:              d.Logger,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeServiceError maps guard errors onto the API error envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case catalog.IsConfigurationError(err):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeConfiguration, err.Error())
	case errors.Is(err, guard.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, permission.ErrUnknownAgent):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		h.logger.Error("http: request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.keyring == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is disabled")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}
	if !h.keyring.Verify(req.UserID, req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleEvaluate handles POST /v1/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	dec, err := h.guard.Evaluate(r.Context(), req.AgentID, req.EndpointID, req.Mode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dec)
}

// HandleListEndpoints handles GET /v1/endpoints.
func (h *Handlers) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.guard.ListEndpoints(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, eps)
}

// HandleAgentPermissions handles GET /v1/agents/{agent_id}/permissions.
func (h *Handlers) HandleAgentPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.guard.AgentPermissions(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, perms)
}

// HandleLogs handles GET /v1/logs?limit&agent&status.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", model.DefaultAuditLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q := r.URL.Query()
	entries, err := h.guard.Logs(r.Context(), guard.LogsInput{
		Limit:  limit,
		Agent:  q.Get("agent"),
		Status: q.Get("status"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleReloadCatalog handles POST /v1/catalog/reload.
func (h *Handlers) HandleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	loadedAt, err := h.guard.ReloadCatalog(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"loaded_at": loadedAt.UTC().Format(time.RFC3339),
	})
}

// HandleDispatch handles POST /v1/dispatch. The result is returned with 200
// even when the turn fails; DispatchResult.Success carries the outcome.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	userID, ok := h.resolveUser(w, r, req.UserID)
	if !ok {
		return
	}
	res := h.guard.Dispatch(r.Context(), guard.DispatchInput{
		Message:     req.Message,
		UserID:      userID,
		Mode:        req.Mode,
		TargetAgent: req.TargetAgent,
	})
	writeJSON(w, r, http.StatusOK, res)
}

// HandleConversation handles GET /v1/conversations/{agent_id}/messages.
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, ok := h.resolveUser(w, r, q.Get("user_id"))
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", guard.DefaultHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	msgs, err := h.guard.History(r.Context(), guard.HistoryInput{
		UserID:  userID,
		AgentID: r.PathValue("agent_id"),
		TurnID:  q.Get("turn_id"),
		Limit:   limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.guard.Health(r.Context())
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// resolveUser picks the acting user. With auth enabled the token decides and
// a conflicting explicit user id is rejected; without auth the explicit id is used.
func (h *Handlers) resolveUser(w http.ResponseWriter, r *http.Request, explicit string) (string, bool) {
	explicit = strings.TrimSpace(explicit)
	tokenUser := ctxutil.UserIDFromContext(r.Context())
	if tokenUser == "" {
		return explicit, true
	}
	if explicit != "" && explicit != tokenUser {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "user_id does not match token")
		return "", false
	}
	return tokenUser, true
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
