package routing

import "github.com/blueprinthq/valueflow/types"

// ScoreWeights weight the components of the composite routing score.
// Capability must carry at least the weight of load so that capability
// overlap dominates selection in the base scenario.
type ScoreWeights struct {
	Capability float64 `yaml:"capability" json:"capability"`
	Load       float64 `yaml:"load" json:"load"`
	Proximity  float64 `yaml:"proximity" json:"proximity"`
	Stickiness float64 `yaml:"stickiness" json:"stickiness"`
}

// DefaultScoreWeights returns the standard weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Capability: 0.50,
		Load:       0.20,
		Proximity:  0.15,
		Stickiness: 0.15,
	}
}

// Scorer computes composite suitability scores. It is a pure function over
// its inputs; all health filtering happens before scoring.
type Scorer struct {
	weights ScoreWeights
}

// NewScorer creates a scorer. Weights with a capability weight below the
// load weight are rejected by falling back to the defaults.
func NewScorer(weights ScoreWeights) *Scorer {
	if weights.Capability < weights.Load || weights.Capability <= 0 {
		weights = DefaultScoreWeights()
	}
	return &Scorer{weights: weights}
}

// Score computes the weighted composite score for a (stage, agent) pair.
// Each RouteScore component holds its weighted contribution:
//
//   - capability: matched fraction of required capabilities (1 when the
//     stage requires none); more overlap always scores higher
//   - load: 1 - load, so lower load scores higher
//   - proximity: 1 when the agent's region matches the request's
//   - stickiness: 1 when the session was previously routed to this agent
func (s *Scorer) Score(stage *types.Stage, agent *types.AgentDescriptor, req types.RequestContext, sticky bool) types.RouteScore {
	capability := 1.0
	if n := len(stage.RequiredCapabilities); n > 0 {
		capability = float64(agent.CapabilityOverlap(stage.RequiredCapabilities)) / float64(n)
	}

	load := 1.0 - clamp01(agent.Load)

	proximity := 0.0
	if req.Region != "" && agent.Region == req.Region {
		proximity = 1.0
	}

	stickiness := 0.0
	if sticky {
		stickiness = 1.0
	}

	score := types.RouteScore{
		Capability: s.weights.Capability * capability,
		Load:       s.weights.Load * load,
		Proximity:  s.weights.Proximity * proximity,
		Stickiness: s.weights.Stickiness * stickiness,
	}
	score.Total = score.Capability + score.Load + score.Proximity + score.Stickiness
	return score
}
