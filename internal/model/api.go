package model

import "time"

// Field length limits for inbound requests.
const (
	MaxMessageLen = 32 * 1024 // 32 KB
	MaxUserIDLen  = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
)

// EvaluateRequest is the request body for POST /v1/evaluate.
type EvaluateRequest struct {
	AgentID    string `json:"agent_id"`
	EndpointID string `json:"endpoint_id"`
	Mode       string `json:"mode"`
}

// DispatchRequest is the request body for POST /v1/dispatch.
// UserID is taken from the bearer token when auth is enabled.
type DispatchRequest struct {
	Message     string `json:"message"`
	UserID      string `json:"user_id,omitempty"`
	Mode        string `json:"mode,omitempty"`
	TargetAgent string `json:"target_agent,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Catalog  string `json:"catalog"`
	Uptime   int64  `json:"uptime_seconds"`
	LoadedAt string `json:"catalog_loaded_at,omitempty"`
}
