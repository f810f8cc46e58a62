package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

func routingDAG() *types.WorkflowDAG {
	return &types.WorkflowDAG{
		ID: "value-pipeline",
		Stages: []types.Stage{
			{ID: "qualify", Lifecycle: types.LifecycleOpportunity, RequiredCapabilities: []string{"analyze", "plan"}},
		},
		InitialStage: "qualify",
		FinalStages:  []string{"qualify"},
	}
}

func newTestRouter(t *testing.T) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry(time.Minute, zap.NewNop())
	router := NewRouter(reg, NewScorer(DefaultScoreWeights()), NewMemorySessionStore(), time.Hour, zap.NewNop())
	return router, reg
}

func TestRouter_SelectsCapabilityMatchOverLowerLoad(t *testing.T) {
	router, reg := newTestRouter(t)
	ctx := context.Background()

	a, err := reg.Register(types.AgentDescriptor{
		ID: "agent-a", Name: "A", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Load: 0.2, Region: "us",
	})
	require.NoError(t, err)
	b, err := reg.Register(types.AgentDescriptor{
		ID: "agent-b", Name: "B", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"plan"}, Load: 0.05, Region: "eu",
	})
	require.NoError(t, err)

	route, err := router.RouteStage(ctx, routingDAG(), "qualify", types.RequestContext{Region: "us"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, route.SelectedAgent.ID)
	require.Len(t, route.FallbackAgents, 1)
	assert.Equal(t, b.ID, route.FallbackAgents[0].ID)
	assert.False(t, route.StickySessionApplied)

	// The capability contribution dominates the load contribution.
	assert.Greater(t, route.Score.Capability, route.Score.Load)
}

func TestRouter_StickySessionWinsOverImprovedCompetitor(t *testing.T) {
	router, reg := newTestRouter(t)
	ctx := context.Background()
	req := types.RequestContext{Region: "us", SessionID: "sess-42"}

	_, err := reg.Register(types.AgentDescriptor{
		ID: "agent-a", Name: "A", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Load: 0.2, Region: "us",
	})
	require.NoError(t, err)
	_, err = reg.Register(types.AgentDescriptor{
		ID: "agent-b", Name: "B", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Load: 0.5, Region: "us",
	})
	require.NoError(t, err)

	first, err := router.RouteStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", first.SelectedAgent.ID)
	assert.False(t, first.StickySessionApplied)

	// The competitor drops to zero load; the session still sticks.
	require.NoError(t, reg.UpdateHeartbeat("agent-b", 0.0))

	second, err := router.RouteStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", second.SelectedAgent.ID)
	assert.True(t, second.StickySessionApplied)
}

func TestRouter_StickyAgentUnhealthyFallsThrough(t *testing.T) {
	router, reg := newTestRouter(t)
	ctx := context.Background()
	req := types.RequestContext{SessionID: "sess-7"}

	_, err := reg.Register(types.AgentDescriptor{
		ID: "agent-a", Name: "A", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"},
	})
	require.NoError(t, err)
	_, err = reg.Register(types.AgentDescriptor{
		ID: "agent-b", Name: "B", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Load: 0.9,
	})
	require.NoError(t, err)

	first, err := router.RouteStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	require.Equal(t, "agent-a", first.SelectedAgent.ID)

	// Degrade the pinned agent out of the healthy pool.
	reg.RecordFailure("agent-a")
	reg.RecordFailure("agent-a")
	reg.RecordFailure("agent-a")

	second, err := router.RouteStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", second.SelectedAgent.ID)
	assert.False(t, second.StickySessionApplied)
}

func TestRouter_DegradedFallbackWhenCapabilitiesMissing(t *testing.T) {
	router, reg := newTestRouter(t)
	ctx := context.Background()

	_, err := reg.Register(types.AgentDescriptor{
		ID: "agent-partial", Name: "partial", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"plan"},
	})
	require.NoError(t, err)
	_, err = reg.Register(types.AgentDescriptor{
		ID: "agent-degraded", Name: "degraded", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Status: types.AgentDegraded,
	})
	require.NoError(t, err)

	route, err := router.RouteStage(ctx, routingDAG(), "qualify", types.RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, "agent-degraded", route.SelectedAgent.ID)
	assert.Contains(t, route.Reason, "missing capabilities")
	assert.Contains(t, route.Reason, "selected degraded agent")
	// The partial healthy agent remains reachable as a fallback.
	require.NotEmpty(t, route.FallbackAgents)
	assert.Equal(t, "agent-partial", route.FallbackAgents[len(route.FallbackAgents)-1].ID)
}

func TestRouter_EmptyPoolFails(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.RouteStage(context.Background(), routingDAG(), "qualify", types.RequestContext{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRoutingExhausted, types.GetErrorCode(err))
}

func TestRouter_OfflineAndStaleAgentsExcluded(t *testing.T) {
	reg := NewRegistry(30*time.Second, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time { return now })
	router := NewRouter(reg, nil, nil, 0, zap.NewNop())
	ctx := context.Background()

	_, err := reg.Register(types.AgentDescriptor{
		ID: "agent-off", Name: "off", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Status: types.AgentOffline,
	})
	require.NoError(t, err)
	_, err = reg.Register(types.AgentDescriptor{
		ID: "agent-stale", Name: "stale", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"},
	})
	require.NoError(t, err)

	// Make the second agent's heartbeat stale.
	now = now.Add(31 * time.Second)
	reg.SetClock(func() time.Time { return now })

	_, err = router.RouteStage(ctx, routingDAG(), "qualify", types.RequestContext{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRoutingExhausted, types.GetErrorCode(err))
}

func TestRouter_UnknownStage(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.RouteStage(context.Background(), routingDAG(), "ghost", types.RequestContext{})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestRouter_PreviewLeavesNoTrace(t *testing.T) {
	router, reg := newTestRouter(t)
	ctx := context.Background()
	req := types.RequestContext{Region: "us", SessionID: "sess-preview"}

	_, err := reg.Register(types.AgentDescriptor{
		ID: "agent-a", Name: "A", Lifecycle: types.LifecycleOpportunity,
		Capabilities: []string{"analyze", "plan"}, Load: 0.2, Region: "us",
	})
	require.NoError(t, err)

	preview, err := router.PreviewStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	require.Equal(t, "agent-a", preview.SelectedAgent.ID)

	// The preview took no in-flight slot and pinned no session.
	assert.Zero(t, reg.InFlight("agent-a"))

	routed, err := router.RouteStage(ctx, routingDAG(), "qualify", req)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", routed.SelectedAgent.ID)
	assert.False(t, routed.StickySessionApplied)
	assert.Equal(t, 1, reg.InFlight("agent-a"))
}
