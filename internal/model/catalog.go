package model

import (
	"fmt"
	"slices"
	"strings"
)

// RiskLevel classifies how dangerous an endpoint's action is.
// Values are ordered: RiskLow < RiskMedium < RiskHigh.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the three defined tiers.
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskHigh
}

// Exceeds reports whether r is strictly above max.
func (r RiskLevel) Exceeds(max RiskLevel) bool {
	return r > max
}

// ParseRiskLevel parses "low", "medium" or "high" (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return 0, fmt.Errorf("invalid risk level %q", s)
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Mode is the access mode requested against an endpoint.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Valid reports whether m is read or write.
func (m Mode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

// ParseMode parses "read" or "write" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode %q", s)
	}
	return m, nil
}

// ModeForMethod is the mode a call with the given HTTP method requires.
// GET and HEAD are reads; every other method writes.
func ModeForMethod(method string) Mode {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return ModeRead
	default:
		return ModeWrite
	}
}

// ServiceRef is the owning service of an endpoint.
type ServiceRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	BaseURL     string `json:"base_url"`
	Env         string `json:"env,omitempty"`
}

// Endpoint is one callable action in the catalog. Immutable once loaded.
type Endpoint struct {
	ID          string     `json:"id"`
	Method      string     `json:"method"`
	Path        string     `json:"path"`
	Risk        RiskLevel  `json:"risk"`
	Description string     `json:"description"`
	Service     ServiceRef `json:"service"`
}

// PermissionRule grants an agent access to one endpoint.
type PermissionRule struct {
	EndpointID          string    `json:"endpoint_id"`
	Modes               []Mode    `json:"modes"`
	MaxRisk             RiskLevel `json:"max_risk"`
	RequireConfirmation bool      `json:"require_confirmation"`
}

// Allows reports whether the rule grants mode.
func (r PermissionRule) Allows(mode Mode) bool {
	return slices.Contains(r.Modes, mode)
}

// ModesString renders the granted modes for denial reasons, e.g. "read, write".
func (r PermissionRule) ModesString() string {
	parts := make([]string, len(r.Modes))
	for i, m := range r.Modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

// Defaults is the global fallback policy.
type Defaults struct {
	UnknownEndpoint UnknownEndpointPolicy `json:"unknown_endpoint"`
}

// UnknownEndpointPolicy decides requests against endpoints absent from the catalog.
type UnknownEndpointPolicy struct {
	Allow bool `json:"allow"`
}

// EndpointSummary is the endpoint detail attached to allow decisions for display.
type EndpointSummary struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Description string    `json:"description"`
	Risk        RiskLevel `json:"risk"`
	BaseURL     string    `json:"base_url"`
}

// Summary returns the display summary for e.
func (e Endpoint) Summary() EndpointSummary {
	return EndpointSummary{
		ID:          e.ID,
		Method:      e.Method,
		Path:        e.Path,
		Description: e.Description,
		Risk:        e.Risk,
		BaseURL:     e.Service.BaseURL,
	}
}
