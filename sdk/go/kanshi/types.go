package kanshi

import "time"

// Mode is the access mode requested against an endpoint.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// DispatchMode selects how a message is routed to agents.
type DispatchMode string

const (
	DispatchAuto   DispatchMode = "auto"
	DispatchManual DispatchMode = "manual"
)

// Service is the owning service of an endpoint.
type Service struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	BaseURL     string `json:"base_url"`
	Env         string `json:"env,omitempty"`
}

// Endpoint is one callable action in the catalog. Risk is "low",
// "medium" or "high".
type Endpoint struct {
	ID          string  `json:"id"`
	Method      string  `json:"method"`
	Path        string  `json:"path"`
	Risk        string  `json:"risk"`
	Description string  `json:"description"`
	Service     Service `json:"service"`
}

// EndpointSummary is the endpoint detail attached to allow decisions.
type EndpointSummary struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Risk        string `json:"risk"`
	BaseURL     string `json:"base_url"`
}

// Decision is the result of a permission check.
type Decision struct {
	Allowed             bool             `json:"allowed"`
	Reason              string           `json:"reason,omitempty"`
	RequireConfirmation bool             `json:"require_confirmation"`
	Endpoint            *EndpointSummary `json:"endpoint,omitempty"`
}

// PermissionRule grants an agent access to one endpoint.
type PermissionRule struct {
	EndpointID          string `json:"endpoint_id"`
	Modes               []Mode `json:"modes"`
	MaxRisk             string `json:"max_risk"`
	RequireConfirmation bool   `json:"require_confirmation"`
}

// AgentPermissions is one agent's entry in the permission table.
type AgentPermissions struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	Roles       []string         `json:"roles"`
	Rules       []PermissionRule `json:"rules"`
}

// AuditEntry is one recorded evaluation or dispatch attempt.
type AuditEntry struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	Agent               string    `json:"agent"`
	EndpointID          string    `json:"endpoint_id"`
	Method              string    `json:"method"`
	Path                string    `json:"path"`
	Status              string    `json:"status"`
	Reason              string    `json:"reason,omitempty"`
	RiskLevel           *string   `json:"risk_level,omitempty"`
	RequireConfirmation *bool     `json:"require_confirmation,omitempty"`
}

// LogsOptions filters an audit log query.
type LogsOptions struct {
	Limit  int
	Agent  string
	Status string // allowed, denied or error
}

// DispatchRequest is one user turn.
type DispatchRequest struct {
	Message     string       `json:"message"`
	UserID      string       `json:"user_id,omitempty"`
	Mode        DispatchMode `json:"mode,omitempty"`
	TargetAgent string       `json:"target_agent,omitempty"`
}

// AgentOutcome is one agent's result within a turn.
type AgentOutcome struct {
	AgentID  string         `json:"agent_id"`
	Content  string         `json:"content,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DispatchResult is returned for every turn. A failed turn has
// Success=false and Error set; it is not returned as a Go error.
type DispatchResult struct {
	Success        bool           `json:"success"`
	Response       string         `json:"response"`
	AgentsUsed     []string       `json:"agents_used"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
	Outcomes       []AgentOutcome `json:"outcomes,omitempty"`
}

// Message is one stored conversation message.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	UserID         string         `json:"user_id"`
	Sender         string         `json:"sender"`
	Content        string         `json:"content"`
	Type           string         `json:"message_type"`
	Recipients     []string       `json:"recipients"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HistoryOptions narrows a conversation history query.
type HistoryOptions struct {
	UserID string // ignored when the client is authenticated
	TurnID string
	Limit  int
}

// Health is the server health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Catalog  string `json:"catalog"`
	Uptime   int64  `json:"uptime_seconds"`
	LoadedAt string `json:"catalog_loaded_at,omitempty"`
}
