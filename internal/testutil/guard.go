package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/classifier"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/service/guard"
)

// FixtureEndpoints is a small endpoint catalog used by transport tests.
const FixtureEndpoints = `
services:
  - id: deploy
    display_name: Deploy Service
    base_url: https://deploy.internal
    env: prod
    endpoints:
      - {id: deploy.status, method: GET, path: /v1/status, description: Deployment status, risk: low}
      - {id: deploy.rollout, method: POST, path: /v1/rollout, description: Start a rollout, risk: high}
  - id: metrics
    display_name: Metrics
    base_url: https://metrics.internal
    endpoints:
      - {id: metrics.query, method: GET, path: /api/query, description: Query metrics, risk: medium}
`

// FixturePermissions grants devops the deploy endpoints and analytics
// read access to metrics up to medium risk.
const FixturePermissions = `
agents:
  - id: devops
    display_name: DevOps Agent
    roles: [operator]
    rules:
      - {endpoint_id: deploy.status, modes: [read], max_risk: low}
      - {endpoint_id: deploy.rollout, modes: [read, write], max_risk: high, require_confirmation: true}
  - id: analytics
    display_name: Analytics Agent
    roles: [analyst]
    rules:
      - {endpoint_id: metrics.query, modes: [read], max_risk: medium}
defaults:
  unknown_endpoint:
    allow: false
`

// FixtureSource loads FixtureEndpoints and FixturePermissions.
func FixtureSource() catalog.Source {
	return catalog.SourceFunc(func(context.Context) (*catalog.Snapshot, error) {
		var eps catalog.EndpointsDoc
		if err := catalog.Decode("endpoints.yaml", []byte(FixtureEndpoints), &eps); err != nil {
			return nil, err
		}
		var perms catalog.PermissionsDoc
		if err := catalog.Decode("permissions.yaml", []byte(FixturePermissions), &perms); err != nil {
			return nil, err
		}
		return catalog.Build(eps, perms, time.Now())
	})
}

// EchoInvoker answers every prompt with "<agent>: ok".
type EchoInvoker struct{}

// Invoke implements dispatch.Invoker.
func (EchoInvoker) Invoke(_ context.Context, agent model.AgentID, _ string) (dispatch.InvokeResult, error) {
	return dispatch.InvokeResult{Content: string(agent) + ": ok"}, nil
}

// GuardFixture is a fully wired in-memory guard service.
type GuardFixture struct {
	Service  *guard.Service
	Catalog  *catalog.Store
	Audit    *audit.MemorySink
	Messages *dispatch.MemoryMessages
	Limiter  *ratelimit.Limiter
}

// NewGuardFixture wires the fixture catalog, in-memory audit and message
// stores, a memory rate limiter (rateLimit per minute) and invoker.
func NewGuardFixture(tb testing.TB, invoker dispatch.Invoker, rateLimit int) *GuardFixture {
	tb.Helper()
	logger := TestLogger()
	if invoker == nil {
		invoker = EchoInvoker{}
	}

	store := catalog.NewStore(FixtureSource(), time.Minute, logger)
	sink := audit.NewMemorySink(0)
	messages := dispatch.NewMemoryMessages()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), sink, logger)
	tb.Cleanup(func() { _ = limiter.Close() })

	coord := dispatch.New(dispatch.Config{
		RateLimit:     rateLimit,
		RateWindow:    time.Minute,
		FallbackAgent: model.AgentSupport,
	}, dispatch.Deps{
		Classifier: classifier.NewKeyword(classifier.DefaultKeywords),
		Invoker:    invoker,
		Messages:   messages,
		Limiter:    limiter,
		Audit:      sink,
		Logger:     logger,
	})

	svc := guard.New(guard.Deps{
		Catalog:     store,
		Evaluator:   permission.New(store, sink, logger),
		Coordinator: coord,
		Audit:       sink,
		Messages:    messages,
		StorageKind: "memory",
		Version:     "test",
		Logger:      logger,
	})
	return &GuardFixture{
		Service:  svc,
		Catalog:  store,
		Audit:    sink,
		Messages: messages,
		Limiter:  limiter,
	}
}
