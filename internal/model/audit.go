package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditStatus is the outcome recorded for an evaluation or dispatch attempt.
type AuditStatus string

const (
	AuditAllowed AuditStatus = "allowed"
	AuditDenied  AuditStatus = "denied"
	AuditError   AuditStatus = "error"
)

// Valid reports whether s is a known status.
func (s AuditStatus) Valid() bool {
	switch s {
	case AuditAllowed, AuditDenied, AuditError:
		return true
	default:
		return false
	}
}

// Reserved endpoint ids for audit entries not tied to a catalog endpoint.
const (
	AuditEndpointRateLimit = "ratelimit"
	AuditEndpointDispatch  = "dispatch"
)

// AuditEntry is an immutable record of one evaluation or dispatch attempt.
type AuditEntry struct {
	ID                  uuid.UUID   `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	Agent               string      `json:"agent"`
	EndpointID          string      `json:"endpoint_id"`
	Method              string      `json:"method"`
	Path                string      `json:"path"`
	Status              AuditStatus `json:"status"`
	Reason              string      `json:"reason,omitempty"`
	RiskLevel           *RiskLevel  `json:"risk_level,omitempty"`
	RequireConfirmation *bool       `json:"require_confirmation,omitempty"`
}

// AuditFilter selects entries for log queries. Results are most-recent-first.
type AuditFilter struct {
	Limit  int
	Agent  string      // empty: any agent
	Status AuditStatus // empty: any status
}

// Audit query limits.
const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 1000
)

// Normalize clamps the limit into [1, MaxAuditLimit], defaulting to DefaultAuditLimit.
func (f AuditFilter) Normalize() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}
	if f.Limit > MaxAuditLimit {
		f.Limit = MaxAuditLimit
	}
	return f
}

// Matches reports whether e passes the agent and status filters.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
