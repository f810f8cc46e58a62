package routing

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// degradeAfterFailures is the consecutive-failure streak that flips a
// healthy agent to degraded.
const degradeAfterFailures = 3

// DefaultHeartbeatTimeout is how stale a heartbeat may be before an agent
// is excluded from routing.
const DefaultHeartbeatTimeout = 60 * time.Second

// Registry tracks known agent descriptors and their health. An agent is
// available for routing iff its stored status is not offline AND its last
// heartbeat is fresher than the heartbeat timeout. The staleness check is
// derived at read time and never mutates the stored status.
type Registry struct {
	mu               sync.RWMutex
	agents           map[string]*types.AgentDescriptor
	failureStreak    map[string]int
	inFlight         map[string]int
	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

// NewRegistry creates an agent registry with the given heartbeat timeout.
// A zero timeout falls back to DefaultHeartbeatTimeout.
func NewRegistry(heartbeatTimeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		agents:           make(map[string]*types.AgentDescriptor),
		failureStreak:    make(map[string]int),
		inFlight:         make(map[string]int),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
		logger:           logger.With(zap.String("component", "agent_registry")),
	}
}

// SetClock overrides the registry clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds or replaces an agent descriptor. A missing id is assigned,
// a missing status defaults to healthy, and the heartbeat is initialized to
// the current time.
func (r *Registry) Register(desc types.AgentDescriptor) (*types.AgentDescriptor, error) {
	if !desc.Lifecycle.Valid() {
		return nil, types.NewError(types.ErrValidation, "agent lifecycle category is required")
	}
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if desc.Status == "" {
		desc.Status = types.AgentHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	desc.LastHeartbeat = r.now()
	r.agents[desc.ID] = &desc
	r.failureStreak[desc.ID] = 0

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.ID),
		zap.String("lifecycle", string(desc.Lifecycle)),
		zap.String("region", desc.Region),
		zap.Strings("capabilities", desc.Capabilities))

	registered := desc
	return &registered, nil
}

// UpdateHeartbeat records a liveness signal and the agent's reported load.
func (r *Registry) UpdateHeartbeat(id string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, "unknown agent "+id)
	}
	agent.LastHeartbeat = r.now()
	agent.Load = clamp01(load)
	return nil
}

// RecordFailure notes a failed call on the agent. A streak of consecutive
// failures degrades the stored status.
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}
	r.failureStreak[id]++
	if r.failureStreak[id] >= degradeAfterFailures && agent.Status == types.AgentHealthy {
		agent.Status = types.AgentDegraded
		r.logger.Warn("agent degraded after failure streak",
			zap.String("agent_id", id),
			zap.Int("streak", r.failureStreak[id]))
	}
}

// MarkHealthy resets the failure streak and restores healthy status.
func (r *Registry) MarkHealthy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}
	r.failureStreak[id] = 0
	if agent.Status == types.AgentDegraded {
		agent.Status = types.AgentHealthy
		r.logger.Info("agent restored to healthy", zap.String("agent_id", id))
	}
}

// Acquire notes that a stage call is in flight on the agent.
func (r *Registry) Acquire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		r.inFlight[id]++
	}
}

// RecordRelease notes that a routed stage call finished on the agent.
func (r *Registry) RecordRelease(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[id] > 0 {
		r.inFlight[id]--
	}
}

// Get returns a copy of the descriptor for the given id.
func (r *Registry) Get(id string) (*types.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	out := *agent
	return &out, true
}

// Available reports whether the agent can be routed to right now: stored
// status is not offline and the heartbeat is fresh. The two conditions are
// distinct and both checked.
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return false
	}
	return agent.Status != types.AgentOffline && !agent.Stale(r.heartbeatTimeout, r.now())
}

// List returns copies of every registered descriptor.
func (r *Registry) List() []*types.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentDescriptor, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		out = append(out, &cp)
	}
	return out
}

// ListAvailable returns copies of every agent passing the availability
// check, including degraded ones. Callers partition by stored status.
func (r *Registry) ListAvailable() []*types.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]*types.AgentDescriptor, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.Status == types.AgentOffline || agent.Stale(r.heartbeatTimeout, now) {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	return out
}

// InFlight returns the number of stage calls currently running on the agent.
func (r *Registry) InFlight(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inFlight[id]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
