package permission_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/testutil"
)

func newEvaluator(t *testing.T, eps catalog.EndpointsDoc, perms catalog.PermissionsDoc) (*permission.Evaluator, *audit.MemorySink) {
	t.Helper()
	snap, err := catalog.Build(eps, perms, time.Now())
	require.NoError(t, err)
	src := catalog.SourceFunc(func(context.Context) (*catalog.Snapshot, error) { return snap, nil })
	store := catalog.NewStore(src, time.Minute, testutil.TestLogger())
	sink := audit.NewMemorySink(0)
	return permission.New(store, sink, testutil.TestLogger()), sink
}

func fixture() (catalog.EndpointsDoc, catalog.PermissionsDoc) {
	eps := catalog.EndpointsDoc{Services: []catalog.ServiceDoc{{
		ID:          "deploy",
		DisplayName: "Deploy",
		BaseURL:     "https://deploy.internal",
		Endpoints: []catalog.EndpointDoc{
			{ID: "deploy.status", Method: "GET", Path: "/status", Risk: "low", Description: "status"},
			{ID: "deploy.restart", Method: "POST", Path: "/restart", Risk: "medium"},
			{ID: "deploy.rollback", Method: "POST", Path: "/rollback", Risk: "high"},
		},
	}}}
	perms := catalog.PermissionsDoc{Agents: []catalog.AgentDoc{
		{
			ID: "devops",
			Rules: []catalog.RuleDoc{
				{EndpointID: "deploy.status", Modes: []string{"read"}, MaxRisk: "low"},
				{EndpointID: "deploy.restart", Modes: []string{"read", "write"}, MaxRisk: "medium", RequireConfirmation: true},
				{EndpointID: "deploy.rollback", Modes: []string{"write"}, MaxRisk: "medium"},
			},
		},
		{ID: "analytics"},
	}}
	return eps, perms
}

func TestEvaluateAllowed(t *testing.T) {
	eps, perms := fixture()
	ev, sink := newEvaluator(t, eps, perms)

	dec, err := ev.Evaluate(t.Context(), model.AgentDevOps, "deploy.restart", model.ModeWrite)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.RequireConfirmation)
	require.NotNil(t, dec.Endpoint)
	assert.Equal(t, "POST", dec.Endpoint.Method)
	assert.Equal(t, "https://deploy.internal", dec.Endpoint.BaseURL)

	entries, err := sink.Query(t.Context(), model.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditAllowed, entries[0].Status)
	assert.Equal(t, "/restart", entries[0].Path)
	require.NotNil(t, entries[0].RequireConfirmation)
	assert.True(t, *entries[0].RequireConfirmation)
}

func TestEvaluateUnknownAgent(t *testing.T) {
	eps, perms := fixture()
	ev, sink := newEvaluator(t, eps, perms)

	dec, err := ev.Evaluate(t.Context(), model.AgentSupport, "deploy.status", model.ModeRead)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "Unknown agent", dec.Reason)

	entries, _ := sink.Query(t.Context(), model.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditDenied, entries[0].Status)
	assert.Equal(t, "support", entries[0].Agent)
	assert.Empty(t, entries[0].EndpointID)
	assert.Empty(t, entries[0].Method)
	assert.Empty(t, entries[0].Path)
}

func TestEvaluateUnknownEndpoint(t *testing.T) {
	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("allow=%v", allow), func(t *testing.T) {
			eps, perms := fixture()
			perms.Defaults.UnknownEndpoint.Allow = allow
			ev, _ := newEvaluator(t, eps, perms)

			dec, err := ev.Evaluate(t.Context(), model.AgentDevOps, "nope", model.ModeRead)
			require.NoError(t, err)
			assert.Equal(t, allow, dec.Allowed)
			assert.Equal(t, "Unknown endpoint", dec.Reason)
			assert.False(t, dec.RequireConfirmation)
		})
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	eps, perms := fixture()
	ev, sink := newEvaluator(t, eps, perms)

	// analytics is in the table with no rules at all.
	for _, ep := range []string{"deploy.status", "deploy.restart", "deploy.rollback"} {
		for _, mode := range []model.Mode{model.ModeRead, model.ModeWrite} {
			dec, err := ev.Evaluate(t.Context(), model.AgentAnalytics, ep, mode)
			require.NoError(t, err)
			assert.False(t, dec.Allowed, "%s %s", ep, mode)
			assert.Equal(t, "No permission rule found", dec.Reason)
		}
	}
	entries, _ := sink.Query(t.Context(), model.AuditFilter{})
	assert.Len(t, entries, 6)
}

func TestEvaluateModeNotAllowed(t *testing.T) {
	eps, perms := fixture()
	ev, _ := newEvaluator(t, eps, perms)

	dec, err := ev.Evaluate(t.Context(), model.AgentDevOps, "deploy.status", model.ModeWrite)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, `Mode "write" not allowed (allowed: read)`, dec.Reason)
}

func TestEvaluateRiskExceeded(t *testing.T) {
	eps, perms := fixture()
	ev, _ := newEvaluator(t, eps, perms)

	dec, err := ev.Evaluate(t.Context(), model.AgentDevOps, "deploy.rollback", model.ModeWrite)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, `Risk level "high" exceeds max allowed "medium"`, dec.Reason)
}

func TestEvaluateRiskGrid(t *testing.T) {
	tiers := []string{"low", "medium", "high"}
	for ei, epRisk := range tiers {
		for mi, maxRisk := range tiers {
			t.Run(epRisk+"/"+maxRisk, func(t *testing.T) {
				eps := catalog.EndpointsDoc{Services: []catalog.ServiceDoc{{
					ID:        "svc",
					Endpoints: []catalog.EndpointDoc{{ID: "svc.op", Method: "GET", Path: "/op", Risk: epRisk}},
				}}}
				perms := catalog.PermissionsDoc{Agents: []catalog.AgentDoc{{
					ID:    "automation",
					Rules: []catalog.RuleDoc{{EndpointID: "svc.op", Modes: []string{"read"}, MaxRisk: maxRisk}},
				}}}
				ev, _ := newEvaluator(t, eps, perms)

				dec, err := ev.Evaluate(t.Context(), model.AgentAutomation, "svc.op", model.ModeRead)
				require.NoError(t, err)
				assert.Equal(t, ei <= mi, dec.Allowed)
			})
		}
	}
}

func TestEvaluateExactlyOneAuditEntryPerCall(t *testing.T) {
	eps, perms := fixture()
	ev, sink := newEvaluator(t, eps, perms)

	calls := []struct {
		agent model.AgentID
		ep    string
		mode  model.Mode
	}{
		{model.AgentDevOps, "deploy.status", model.ModeRead},
		{model.AgentDevOps, "deploy.status", model.ModeWrite},
		{model.AgentDevOps, "deploy.rollback", model.ModeWrite},
		{model.AgentDevOps, "missing", model.ModeRead},
		{model.AgentSupport, "deploy.status", model.ModeRead},
		{model.AgentAnalytics, "deploy.status", model.ModeRead},
	}
	for i, c := range calls {
		_, err := ev.Evaluate(t.Context(), c.agent, c.ep, c.mode)
		require.NoError(t, err)
		assert.Equal(t, i+1, sink.Len())
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, model.AuditEntry) error { return errors.New("disk full") }
func (failingSink) Query(context.Context, model.AuditFilter) ([]model.AuditEntry, error) {
	return nil, nil
}

func TestEvaluateAuditFailurePropagates(t *testing.T) {
	eps, perms := fixture()
	snap, err := catalog.Build(eps, perms, time.Now())
	require.NoError(t, err)
	store := catalog.NewStore(catalog.SourceFunc(func(context.Context) (*catalog.Snapshot, error) {
		return snap, nil
	}), time.Minute, testutil.TestLogger())
	ev := permission.New(store, failingSink{}, testutil.TestLogger())

	dec, err := ev.Evaluate(t.Context(), model.AgentDevOps, "deploy.status", model.ModeRead)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, dec.Allowed, "decision is still returned")
}

func TestEvaluateCatalogUnavailable(t *testing.T) {
	store := catalog.NewStore(catalog.SourceFunc(func(context.Context) (*catalog.Snapshot, error) {
		return nil, errors.New("no such file")
	}), time.Minute, testutil.TestLogger())
	sink := audit.NewMemorySink(0)
	ev := permission.New(store, sink, testutil.TestLogger())

	_, err := ev.Evaluate(t.Context(), model.AgentDevOps, "deploy.status", model.ModeRead)
	require.Error(t, err)
	assert.True(t, catalog.IsConfigurationError(err))

	entries, err := sink.Query(t.Context(), model.AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditError, entries[0].Status)
	assert.Equal(t, "devops", entries[0].Agent)
	assert.Equal(t, "deploy.status", entries[0].EndpointID)
	assert.Contains(t, entries[0].Reason, "no such file")
}

func TestListEndpointsAndAgentPermissions(t *testing.T) {
	epsDoc, permsDoc := fixture()
	ev, _ := newEvaluator(t, epsDoc, permsDoc)

	eps, err := ev.ListEndpoints(t.Context())
	require.NoError(t, err)
	require.Len(t, eps, 3)
	assert.Equal(t, "deploy.restart", eps[0].ID)

	perms, err := ev.GetAgentPermissions(t.Context(), model.AgentDevOps)
	require.NoError(t, err)
	assert.Len(t, perms.Rules, 3)

	_, err = ev.GetAgentPermissions(t.Context(), model.AgentSupport)
	assert.ErrorIs(t, err, permission.ErrUnknownAgent)
}
