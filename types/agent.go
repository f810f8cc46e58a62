package types

import "time"

// AgentStatus is the stored health classification of an agent. Staleness of
// the last heartbeat additionally reclassifies an agent as unavailable
// without mutating this field; the two checks are separate code paths.
type AgentStatus string

const (
	AgentHealthy  AgentStatus = "healthy"
	AgentDegraded AgentStatus = "degraded"
	AgentOffline  AgentStatus = "offline"
)

// AgentDescriptor describes one worker in the routing pool.
type AgentDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Lifecycle is the lifecycle category the agent serves.
	Lifecycle LifecycleStage `json:"lifecycle_stage"`
	// Capabilities lists the skills the agent offers.
	Capabilities []string `json:"capabilities"`
	// Region is used for routing proximity.
	Region string `json:"region"`
	// Endpoint is the base URL the invoker posts stage work to.
	Endpoint string `json:"endpoint"`
	// Status is the stored classification; offline-by-staleness is derived.
	Status AgentStatus `json:"status"`
	// LastHeartbeat is the time of the most recent liveness signal.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Load is the last reported load in [0,1].
	Load float64 `json:"load"`
}

// HasCapabilities reports whether the agent offers every required skill.
func (a *AgentDescriptor) HasCapabilities(required []string) bool {
	return a.CapabilityOverlap(required) == len(required)
}

// CapabilityOverlap counts how many required skills the agent offers.
func (a *AgentDescriptor) CapabilityOverlap(required []string) int {
	n := 0
	for _, req := range required {
		for _, cap := range a.Capabilities {
			if cap == req {
				n++
				break
			}
		}
	}
	return n
}

// Stale reports whether the last heartbeat is older than timeout at now.
func (a *AgentDescriptor) Stale(timeout time.Duration, now time.Time) bool {
	return now.Sub(a.LastHeartbeat) >= timeout
}

// RouteScore is the composite suitability score for a (stage, agent) pair.
// Each component holds its weighted contribution, so Total is their sum and
// components are directly comparable.
type RouteScore struct {
	Total      float64 `json:"total"`
	Capability float64 `json:"capability_score"`
	Load       float64 `json:"load_score"`
	Proximity  float64 `json:"proximity_score"`
	Stickiness float64 `json:"stickiness_score"`
}

// StageRoute is the result of one routing decision. It is ephemeral and
// survives only in audit logging.
type StageRoute struct {
	StageID              string             `json:"stage_id"`
	SelectedAgent        *AgentDescriptor   `json:"selected_agent"`
	FallbackAgents       []*AgentDescriptor `json:"fallback_agents"`
	Score                RouteScore         `json:"score"`
	Reason               string             `json:"reason"`
	StickySessionApplied bool               `json:"sticky_session_applied"`
	// Prediction is filled on route previews only; live routing never
	// consults it.
	Prediction *Prediction `json:"prediction,omitempty"`
}
