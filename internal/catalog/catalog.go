// Package catalog loads the endpoint catalog and the agent permission table
// and serves immutable snapshots of them.
//
// A Snapshot is built from raw documents by Build, which rejects malformed
// input (duplicate ids, unknown agents, invalid risk tiers or modes) with a
// *ConfigurationError. Store caches the latest snapshot for a TTL and
// refreshes it lazily on the next call after expiry.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// ConfigurationError reports an unreadable or malformed catalog. It is fatal
// for the evaluation or dispatch path that hit it.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Source produces a fresh snapshot. Implementations are re-fetchable: each
// call reads the underlying documents again.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Snapshot, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Snapshot is an immutable view of the catalog. Callers must not modify
// the returned maps or slices.
type Snapshot struct {
	endpoints map[string]model.Endpoint
	agents    map[model.AgentID]model.AgentPermissions
	defaults  model.Defaults
	loadedAt  time.Time
}

// Endpoint looks up an endpoint by id.
func (s *Snapshot) Endpoint(id string) (model.Endpoint, bool) {
	e, ok := s.endpoints[id]
	return e, ok
}

// Agent looks up an agent's permissions.
func (s *Snapshot) Agent(id model.AgentID) (model.AgentPermissions, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Defaults returns the global fallback policy.
func (s *Snapshot) Defaults() model.Defaults { return s.defaults }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Endpoints returns all endpoints sorted by service id, then endpoint id.
func (s *Snapshot) Endpoints() []model.Endpoint {
	out := make([]model.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service.ID != out[j].Service.ID {
			return out[i].Service.ID < out[j].Service.ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Agents returns all agents in the table, in fixed enumeration order.
func (s *Snapshot) Agents() []model.AgentPermissions {
	out := make([]model.AgentPermissions, 0, len(s.agents))
	for _, id := range model.AllAgents() {
		if a, ok := s.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// EndpointsDoc is the endpoint catalog document.
type EndpointsDoc struct {
	Services []ServiceDoc `json:"services" yaml:"services"`
}

// ServiceDoc is one service in the endpoint catalog.
type ServiceDoc struct {
	ID          string        `json:"id" yaml:"id"`
	DisplayName string        `json:"display_name" yaml:"display_name"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	Env         string        `json:"env" yaml:"env"`
	Endpoints   []EndpointDoc `json:"endpoints" yaml:"endpoints"`
}

// EndpointDoc is one endpoint in the endpoint catalog.
type EndpointDoc struct {
	ID          string `json:"id" yaml:"id"`
	Method      string `json:"method" yaml:"method"`
	Path        string `json:"path" yaml:"path"`
	Description string `json:"description" yaml:"description"`
	Risk        string `json:"risk" yaml:"risk"`
}

// PermissionsDoc is the agent permission table document.
type PermissionsDoc struct {
	Agents   []AgentDoc  `json:"agents" yaml:"agents"`
	Defaults DefaultsDoc `json:"defaults" yaml:"defaults"`
}

// AgentDoc is one agent in the permission table.
type AgentDoc struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	Roles       []string  `json:"roles" yaml:"roles"`
	Rules       []RuleDoc `json:"rules" yaml:"rules"`
}

// RuleDoc is one permission rule.
type RuleDoc struct {
	EndpointID          string   `json:"endpoint_id" yaml:"endpoint_id"`
	Modes               []string `json:"modes" yaml:"modes"`
	MaxRisk             string   `json:"max_risk" yaml:"max_risk"`
	RequireConfirmation bool     `json:"require_confirmation" yaml:"require_confirmation"`
}

// DefaultsDoc holds the global fallback policy.
type DefaultsDoc struct {
	UnknownEndpoint struct {
		Allow bool `json:"allow" yaml:"allow"`
	} `json:"unknown_endpoint" yaml:"unknown_endpoint"`
}

// Build validates the raw documents and assembles a snapshot.
// All validation problems are reported together.
func Build(eps EndpointsDoc, perms PermissionsDoc, now time.Time) (*Snapshot, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	endpoints := make(map[string]model.Endpoint)
	for _, svc := range eps.Services {
		if svc.ID == "" {
			addf("service with empty id")
			continue
		}
		ref := model.ServiceRef{
			ID:          svc.ID,
			DisplayName: svc.DisplayName,
			BaseURL:     strings.TrimRight(svc.BaseURL, "/"),
			Env:         svc.Env,
		}
		for _, ep := range svc.Endpoints {
			if ep.ID == "" {
				addf("service %q: endpoint with empty id", svc.ID)
				continue
			}
			if _, dup := endpoints[ep.ID]; dup {
				addf("duplicate endpoint id %q", ep.ID)
				continue
			}
			risk, err := model.ParseRiskLevel(ep.Risk)
			if err != nil {
				addf("endpoint %q: %v", ep.ID, err)
				continue
			}
			endpoints[ep.ID] = model.Endpoint{
				ID:          ep.ID,
				Method:      strings.ToUpper(ep.Method),
				Path:        ep.Path,
				Risk:        risk,
				Description: ep.Description,
				Service:     ref,
			}
		}
	}

	agents := make(map[model.AgentID]model.AgentPermissions)
	for _, a := range perms.Agents {
		id, err := model.ParseAgentID(a.ID)
		if err != nil {
			addf("permissions: %v", err)
			continue
		}
		if _, dup := agents[id]; dup {
			addf("duplicate agent %q", id)
			continue
		}
		ap := model.AgentPermissions{
			ID:          id,
			DisplayName: a.DisplayName,
			Roles:       append([]string(nil), a.Roles...),
		}
		seen := make(map[string]bool, len(a.Rules))
		for _, r := range a.Rules {
			if seen[r.EndpointID] {
				addf("agent %q: duplicate rule for endpoint %q", id, r.EndpointID)
				continue
			}
			seen[r.EndpointID] = true

			maxRisk, err := model.ParseRiskLevel(r.MaxRisk)
			if err != nil {
				addf("agent %q rule %q: %v", id, r.EndpointID, err)
				continue
			}
			modes := make([]model.Mode, 0, len(r.Modes))
			for _, m := range r.Modes {
				mode, err := model.ParseMode(m)
				if err != nil {
					addf("agent %q rule %q: %v", id, r.EndpointID, err)
					continue
				}
				modes = append(modes, mode)
			}
			ap.Rules = append(ap.Rules, model.PermissionRule{
				EndpointID:          r.EndpointID,
				Modes:               modes,
				MaxRisk:             maxRisk,
				RequireConfirmation: r.RequireConfirmation,
			})
		}
		agents[id] = ap
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{Op: "validate", Err: errors.New(strings.Join(problems, "; "))}
	}

	return &Snapshot{
		endpoints: endpoints,
		agents:    agents,
		defaults:  model.Defaults{UnknownEndpoint: model.UnknownEndpointPolicy{Allow: perms.Defaults.UnknownEndpoint.Allow}},
		loadedAt:  now.UTC(),
	}, nil
}
