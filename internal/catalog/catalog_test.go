package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
)

func validDocs() (EndpointsDoc, PermissionsDoc) {
	eps := EndpointsDoc{Services: []ServiceDoc{{
		ID:      "svc",
		BaseURL: "https://svc.example/",
		Endpoints: []EndpointDoc{
			{ID: "svc.read", Method: "get", Path: "/read", Risk: "low"},
			{ID: "svc.write", Method: "POST", Path: "/write", Risk: "high"},
		},
	}}}
	perms := PermissionsDoc{Agents: []AgentDoc{{
		ID:          "devops",
		DisplayName: "DevOps",
		Rules: []RuleDoc{
			{EndpointID: "svc.read", Modes: []string{"read"}, MaxRisk: "low"},
		},
	}}}
	return eps, perms
}

func TestBuildValid(t *testing.T) {
	eps, perms := validDocs()
	perms.Defaults.UnknownEndpoint.Allow = true

	snap, err := Build(eps, perms, time.Now())
	require.NoError(t, err)

	ep, ok := snap.Endpoint("svc.read")
	require.True(t, ok)
	assert.Equal(t, "GET", ep.Method)
	assert.Equal(t, model.RiskLow, ep.Risk)
	assert.Equal(t, "https://svc.example", ep.Service.BaseURL)

	agent, ok := snap.Agent(model.AgentDevOps)
	require.True(t, ok)
	require.Len(t, agent.Rules, 1)
	assert.True(t, snap.Defaults().UnknownEndpoint.Allow)

	_, ok = snap.Agent(model.AgentSupport)
	assert.False(t, ok)
}

func TestBuildRejectsDuplicateRule(t *testing.T) {
	eps, perms := validDocs()
	perms.Agents[0].Rules = append(perms.Agents[0].Rules,
		RuleDoc{EndpointID: "svc.read", Modes: []string{"write"}, MaxRisk: "high"})

	_, err := Build(eps, perms, time.Now())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), `duplicate rule for endpoint "svc.read"`)
}

func TestBuildReportsAllProblems(t *testing.T) {
	eps, perms := validDocs()
	eps.Services[0].Endpoints = append(eps.Services[0].Endpoints,
		EndpointDoc{ID: "svc.read", Risk: "low"},
		EndpointDoc{ID: "svc.bad", Risk: "extreme"},
	)
	perms.Agents = append(perms.Agents,
		AgentDoc{ID: "marketing"},
		AgentDoc{ID: "devops"},
		AgentDoc{ID: "analytics", Rules: []RuleDoc{{EndpointID: "svc.read", Modes: []string{"execute"}, MaxRisk: "low"}}},
	)

	_, err := Build(eps, perms, time.Now())
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`duplicate endpoint id "svc.read"`,
		`endpoint "svc.bad": invalid risk level "extreme"`,
		`unknown agent "marketing"`,
		`duplicate agent "devops"`,
		`invalid mode "execute"`,
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestSnapshotEndpointsSorted(t *testing.T) {
	eps := EndpointsDoc{Services: []ServiceDoc{
		{ID: "b", Endpoints: []EndpointDoc{{ID: "b.2", Risk: "low"}, {ID: "b.1", Risk: "low"}}},
		{ID: "a", Endpoints: []EndpointDoc{{ID: "a.9", Risk: "low"}}},
	}}
	snap, err := Build(eps, PermissionsDoc{}, time.Now())
	require.NoError(t, err)

	var ids []string
	for _, e := range snap.Endpoints() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a.9", "b.1", "b.2"}, ids)
}

func TestFileSourceJSONAndYAML(t *testing.T) {
	src := NewFileSource("testdata/endpoints.json", "testdata/permissions.yaml")
	snap, err := src.Load(t.Context())
	require.NoError(t, err)

	assert.Len(t, snap.Endpoints(), 3)
	rollout, ok := snap.Endpoint("deploy.rollout")
	require.True(t, ok)
	assert.Equal(t, model.RiskHigh, rollout.Risk)
	assert.Equal(t, "prod", rollout.Service.Env)

	devops, ok := snap.Agent(model.AgentDevOps)
	require.True(t, ok)
	rule, ok := devops.Rule("deploy.rollout")
	require.True(t, ok)
	assert.True(t, rule.RequireConfirmation)
	assert.True(t, rule.Allows(model.ModeWrite))
	assert.False(t, snap.Defaults().UnknownEndpoint.Allow)
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource("testdata/nope.json", "testdata/permissions.yaml")
	_, err := src.Load(t.Context())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var doc PermissionsDoc
	err := Decode("p.json", []byte(`{"agents":[{"id":"devops","rulez":[]}]}`), &doc)
	require.Error(t, err)

	err = Decode("p.yaml", []byte("agents:\n  - id: devops\n    rulez: []\n"), &doc)
	require.Error(t, err)
}
