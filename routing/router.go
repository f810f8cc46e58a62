package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// Router picks one primary agent and an ordered fallback list per stage
// invocation.
type Router struct {
	registry   *Registry
	scorer     *Scorer
	sessions   SessionStore
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewRouter creates a routing layer over the given registry. A nil session
// store disables stickiness.
func NewRouter(registry *Registry, scorer *Scorer, sessions SessionStore, sessionTTL time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scorer == nil {
		scorer = NewScorer(DefaultScoreWeights())
	}
	return &Router{
		registry:   registry,
		scorer:     scorer,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		logger:     logger.With(zap.String("component", "agent_router")),
	}
}

// scored pairs an agent with its composite score for ranking.
type scored struct {
	agent *types.AgentDescriptor
	score types.RouteScore
}

// RouteStage selects the agent for one invocation of the given stage and
// commits the decision: the session is pinned to the selected agent and the
// call is counted in flight until the caller releases it.
//
// Selection order:
//  1. filter to the available pool (not offline, heartbeat fresh) and
//     partition by stored status into healthy and degraded;
//  2. a session previously routed to a still-healthy agent sticks to it
//     regardless of competing scores;
//  3. otherwise the healthy pool is ranked by total score descending when
//     at least one healthy agent satisfies every required capability;
//  4. when none does, the highest-scoring degraded agent is selected and
//     the reason records the compromise;
//  5. an empty pool is a routing failure, never a silent default.
func (r *Router) RouteStage(ctx context.Context, dag *types.WorkflowDAG, stageID string, req types.RequestContext) (*types.StageRoute, error) {
	route, err := r.selectStage(ctx, dag, stageID, req)
	if err != nil {
		return nil, err
	}
	r.commit(ctx, req, route)
	return route, nil
}

// PreviewStage runs the same selection as RouteStage without committing: no
// session is pinned and no in-flight count is taken, so a preview never
// influences subsequent routing.
func (r *Router) PreviewStage(ctx context.Context, dag *types.WorkflowDAG, stageID string, req types.RequestContext) (*types.StageRoute, error) {
	return r.selectStage(ctx, dag, stageID, req)
}

func (r *Router) selectStage(ctx context.Context, dag *types.WorkflowDAG, stageID string, req types.RequestContext) (*types.StageRoute, error) {
	stage, ok := dag.StageByID(stageID)
	if !ok {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("stage %q is not defined in workflow %q", stageID, dag.ID))
	}

	pool := r.registry.ListAvailable()
	if len(pool) == 0 {
		return nil, types.NewError(types.ErrRoutingExhausted,
			"no available agents, healthy or degraded").WithStage(stageID).WithRetryable(true)
	}

	var healthy, degraded []*types.AgentDescriptor
	for _, agent := range pool {
		switch agent.Status {
		case types.AgentHealthy:
			healthy = append(healthy, agent)
		case types.AgentDegraded:
			degraded = append(degraded, agent)
		}
	}

	// Sticky session takes precedence over scores while the remembered
	// agent is still healthy.
	stickyID := r.lookupSession(ctx, req.SessionID)
	if stickyID != "" {
		for _, agent := range healthy {
			if agent.ID == stickyID {
				return r.buildRoute(stage, agent, allExcept(pool, agent.ID), req, true,
					fmt.Sprintf("sticky session %s pinned to agent %s", req.SessionID, agent.ID)), nil
			}
		}
		// Remembered agent fell out of the healthy pool; fall through to
		// normal ranking.
	}

	if anyFullMatch(healthy, stage.RequiredCapabilities) {
		ranked := r.rank(stage, healthy, req)
		selected := ranked[0]
		route := r.buildRoute(stage, selected.agent, rankedAgents(ranked[1:]), req, false,
			fmt.Sprintf("top score %.3f among %d healthy agents", selected.score.Total, len(healthy)))
		route.Score = selected.score
		return route, nil
	}

	if len(degraded) > 0 {
		ranked := r.rank(stage, degraded, req)
		selected := ranked[0]
		fallbacks := rankedAgents(ranked[1:])
		if len(healthy) > 0 {
			fallbacks = append(fallbacks, rankedAgents(r.rank(stage, healthy, req))...)
		}
		route := r.buildRoute(stage, selected.agent, fallbacks, req, false,
			"missing capabilities in healthy pool; selected degraded agent "+selected.agent.ID)
		route.Score = selected.score
		return route, nil
	}

	if len(healthy) > 0 {
		// No degraded pool to fall back to; route to the best healthy agent
		// even though capabilities are incomplete.
		ranked := r.rank(stage, healthy, req)
		selected := ranked[0]
		route := r.buildRoute(stage, selected.agent, rankedAgents(ranked[1:]), req, false,
			"missing capabilities; selected best-effort healthy agent "+selected.agent.ID)
		route.Score = selected.score
		return route, nil
	}

	return nil, types.NewError(types.ErrRoutingExhausted,
		"no available agents, healthy or degraded").WithStage(stageID).WithRetryable(true)
}

// rank scores candidates and orders them by total descending. Ties break on
// agent id for deterministic routing.
func (r *Router) rank(stage *types.Stage, candidates []*types.AgentDescriptor, req types.RequestContext) []scored {
	out := make([]scored, 0, len(candidates))
	for _, agent := range candidates {
		out = append(out, scored{agent: agent, score: r.scorer.Score(stage, agent, req, false)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score.Total != out[j].score.Total {
			return out[i].score.Total > out[j].score.Total
		}
		return out[i].agent.ID < out[j].agent.ID
	})
	return out
}

func (r *Router) buildRoute(stage *types.Stage, selected *types.AgentDescriptor, fallbacks []*types.AgentDescriptor, req types.RequestContext, sticky bool, reason string) *types.StageRoute {
	return &types.StageRoute{
		StageID:              stage.ID,
		SelectedAgent:        selected,
		FallbackAgents:       fallbacks,
		Score:                r.scorer.Score(stage, selected, req, sticky),
		Reason:               reason,
		StickySessionApplied: sticky,
	}
}

// commit records the decision: pins the session, marks the call in flight,
// and logs the audit line.
func (r *Router) commit(ctx context.Context, req types.RequestContext, route *types.StageRoute) {
	r.registry.Acquire(route.SelectedAgent.ID)

	if r.sessions != nil && req.SessionID != "" {
		if err := r.sessions.Set(ctx, req.SessionID, route.SelectedAgent.ID, r.sessionTTL); err != nil {
			r.logger.Warn("failed to pin sticky session",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}

	r.logger.Info("stage routed",
		zap.String("stage_id", route.StageID),
		zap.String("agent_id", route.SelectedAgent.ID),
		zap.Float64("score", route.Score.Total),
		zap.Bool("sticky", route.StickySessionApplied),
		zap.Int("fallbacks", len(route.FallbackAgents)),
		zap.String("reason", route.Reason))
}

func (r *Router) lookupSession(ctx context.Context, sessionID string) string {
	if r.sessions == nil || sessionID == "" {
		return ""
	}
	agentID, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		r.logger.Warn("sticky session lookup failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	return agentID
}

func anyFullMatch(agents []*types.AgentDescriptor, required []string) bool {
	for _, agent := range agents {
		if agent.HasCapabilities(required) {
			return true
		}
	}
	return false
}

func rankedAgents(ranked []scored) []*types.AgentDescriptor {
	out := make([]*types.AgentDescriptor, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.agent)
	}
	return out
}

func allExcept(agents []*types.AgentDescriptor, excludeID string) []*types.AgentDescriptor {
	out := make([]*types.AgentDescriptor, 0, len(agents))
	for _, agent := range agents {
		if agent.ID != excludeID {
			out = append(out, agent)
		}
	}
	return out
}
