package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/types"
)

// OutcomePredictor estimates how a stage call is likely to go before it is
// made. Predictions feed pre-flight routing previews and simulations only;
// the execution path never consults them.
type OutcomePredictor interface {
	PredictStageOutcome(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext) (*types.Prediction, error)
}

// HeuristicPredictor is the deterministic fallback predictor. It derives a
// success probability from the routing pool's health and capability fit.
// There is no model call; the same inputs produce the same prediction.
type HeuristicPredictor struct {
	registry *routing.Registry
}

// NewHeuristicPredictor creates the deterministic predictor.
func NewHeuristicPredictor(registry *routing.Registry) *HeuristicPredictor {
	return &HeuristicPredictor{registry: registry}
}

func (p *HeuristicPredictor) PredictStageOutcome(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext) (*types.Prediction, error) {
	pool := p.registry.ListAvailable()

	var basis []string
	probability := 0.0
	switch {
	case len(pool) == 0:
		basis = append(basis, "no available agents")
	default:
		healthy, capable, degraded := 0, 0, 0
		var loadSum float64
		for _, agent := range pool {
			switch agent.Status {
			case types.AgentHealthy:
				healthy++
			case types.AgentDegraded:
				degraded++
			}
			if agent.HasCapabilities(stage.RequiredCapabilities) {
				capable++
			}
			loadSum += agent.Load
		}
		avgLoad := loadSum / float64(len(pool))

		switch {
		case capable > 0 && healthy > 0:
			probability = 0.95 - 0.2*avgLoad
			basis = append(basis, fmt.Sprintf("%d capable agents in a healthy pool", capable))
		case capable > 0:
			probability = 0.70 - 0.2*avgLoad
			basis = append(basis, fmt.Sprintf("%d capable agents, all degraded", capable))
		default:
			probability = 0.40 - 0.2*avgLoad
			basis = append(basis, "no agent satisfies required capabilities")
		}
		if degraded > 0 {
			basis = append(basis, fmt.Sprintf("%d degraded agents in pool", degraded))
		}
		basis = append(basis, fmt.Sprintf("average load %.2f", avgLoad))
	}

	timeout := time.Duration(stage.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &types.Prediction{
		SuccessProbability: clamp01(probability),
		// Expect calls to land well inside the stage deadline.
		ExpectedDurationMs: timeout.Milliseconds() / 4,
		Basis:              strings.Join(basis, "; "),
	}, nil
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
