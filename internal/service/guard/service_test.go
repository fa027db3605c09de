package guard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/service/guard"
	"github.com/ashita-ai/kanshi/internal/testutil"
)

func TestEvaluate(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	dec, err := fx.Service.Evaluate(ctx, " DevOps ", "deploy.status", "READ")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.NotNil(t, dec.Endpoint)
	assert.Equal(t, "https://deploy.internal", dec.Endpoint.BaseURL)

	dec, err = fx.Service.Evaluate(ctx, "analytics", "deploy.status", "read")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, permission.ReasonNoRule, dec.Reason)

	dec, err = fx.Service.Evaluate(ctx, "marketing", "deploy.status", "read")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, permission.ReasonUnknownAgent, dec.Reason)

	assert.Equal(t, 3, fx.Audit.Len())
}

func TestEvaluateRejectsMalformedInput(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	tests := []struct {
		name                  string
		agent, endpoint, mode string
	}{
		{"missing agent", "", "deploy.status", "read"},
		{"missing endpoint", "devops", " ", "read"},
		{"bad mode", "devops", "deploy.status", "delete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.Service.Evaluate(ctx, tt.agent, tt.endpoint, tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, guard.ErrInvalidInput))
		})
	}
	assert.Equal(t, 0, fx.Audit.Len(), "rejected input is never evaluated")
}

func TestAgentPermissions(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	perms, err := fx.Service.AgentPermissions(ctx, "devops")
	require.NoError(t, err)
	assert.Len(t, perms.Rules, 2)

	_, err = fx.Service.AgentPermissions(ctx, "ghost")
	assert.ErrorIs(t, err, permission.ErrUnknownAgent)

	_, err = fx.Service.AgentPermissions(ctx, "")
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
}

func TestListEndpoints(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)

	eps, err := fx.Service.ListEndpoints(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(eps))
	for i, e := range eps {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"deploy.rollout", "deploy.status", "metrics.query"}, ids)
}

func TestLogs(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	for _, agent := range []string{"devops", "analytics", "devops"} {
		_, err := fx.Service.Evaluate(ctx, agent, "deploy.status", "read")
		require.NoError(t, err)
	}

	all, err := fx.Service.Logs(ctx, guard.LogsInput{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, !all[0].Timestamp.Before(all[2].Timestamp), "most recent first")

	denied, err := fx.Service.Logs(ctx, guard.LogsInput{Status: "denied"})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "analytics", denied[0].Agent)

	limited, err := fx.Service.Logs(ctx, guard.LogsInput{Agent: "devops", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = fx.Service.Logs(ctx, guard.LogsInput{Status: "maybe"})
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
	_, err = fx.Service.Logs(ctx, guard.LogsInput{Limit: -1})
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
}

func TestDispatchAndHistory(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	res := fx.Service.Dispatch(ctx, guard.DispatchInput{
		Message: "deploy the new build and show revenue metrics",
		UserID:  "alice",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []model.AgentID{model.AgentDevOps, model.AgentAnalytics}, res.AgentsUsed)
	assert.Contains(t, res.Response, "devops: ok")

	msgs, err := fx.Service.History(ctx, guard.HistoryInput{UserID: "alice", AgentID: "devops"})
	require.NoError(t, err)
	// user message, delegation, response; the final reply goes to the user only.
	require.Len(t, msgs, 3)
	assert.Equal(t, model.MessageUser, msgs[0].Type)
	assert.Equal(t, model.MessageDelegation, msgs[1].Type)
	assert.Equal(t, model.MessageResponse, msgs[2].Type)

	byTurn, err := fx.Service.History(ctx, guard.HistoryInput{
		UserID: "alice", AgentID: "devops", TurnID: msgs[0].TurnID.String(),
	})
	require.NoError(t, err)
	assert.Len(t, byTurn, 3)

	other, err := fx.Service.History(ctx, guard.HistoryInput{
		UserID: "alice", AgentID: "devops", TurnID: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDispatchManualBadTarget(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)

	res := fx.Service.Dispatch(context.Background(), guard.DispatchInput{
		Message: "hi", UserID: "alice", Mode: "manual", TargetAgent: "nobody",
	})
	assert.False(t, res.Success)
	assert.Empty(t, res.AgentsUsed)
	assert.NotEmpty(t, res.Error)
}

func TestHistoryValidation(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	_, err := fx.Service.History(ctx, guard.HistoryInput{AgentID: "devops"})
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
	_, err = fx.Service.History(ctx, guard.HistoryInput{UserID: "alice", AgentID: "coordinator"})
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
	_, err = fx.Service.History(ctx, guard.HistoryInput{UserID: "alice", AgentID: "devops", TurnID: "x"})
	assert.ErrorIs(t, err, guard.ErrInvalidInput)
}

func TestReloadCatalogAndHealth(t *testing.T) {
	fx := testutil.NewGuardFixture(t, nil, 10)
	ctx := context.Background()

	loadedAt, err := fx.Service.ReloadCatalog(ctx)
	require.NoError(t, err)
	assert.False(t, loadedAt.IsZero())

	h := fx.Service.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "ok", h.Catalog)
	assert.NotEmpty(t, h.LoadedAt)
}

func TestHealthUnhealthyWhenCatalogBroken(t *testing.T) {
	logger := testutil.TestLogger()
	broken := catalog.SourceFunc(func(context.Context) (*catalog.Snapshot, error) {
		return nil, errors.New("file missing")
	})
	store := catalog.NewStore(broken, 0, logger)
	svc := guard.New(guard.Deps{
		Catalog:   store,
		Evaluator: permission.New(store, nil, logger),
		Storage:   failingPinger{},
		Logger:    logger,
	})

	h := svc.Health(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "unavailable", h.Catalog)
	assert.Equal(t, "unreachable", h.Storage)

	_, err := svc.ListEndpoints(context.Background())
	assert.True(t, catalog.IsConfigurationError(err))
	_, err = svc.ReloadCatalog(context.Background())
	assert.True(t, catalog.IsConfigurationError(err))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }
