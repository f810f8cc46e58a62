package workflow

import (
	"context"

	"github.com/blueprinthq/valueflow/types"
)

// DefinitionStore resolves active workflow definitions.
type DefinitionStore interface {
	// ActiveDefinition returns the active definition with the given id, or
	// a DEFINITION_NOT_FOUND error.
	ActiveDefinition(ctx context.Context, id string) (*types.WorkflowDAG, error)
}

// ExecutionStore persists execution state, logs, events, and audit records.
// All operations are simple durable appends/updates; no cross-row
// transactional guarantees are assumed.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error

	AppendLog(ctx context.Context, log *types.ExecutionLog) error
	UpdateLog(ctx context.Context, log *types.ExecutionLog) error
	Logs(ctx context.Context, executionID string) ([]*types.ExecutionLog, error)

	AppendEvent(ctx context.Context, event *types.ExecutionEvent) error
	Events(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error)

	AppendAudit(ctx context.Context, record *types.AuditRecord) error
}

// Metrics receives engine observations. Implementations must be safe for
// concurrent use; the prometheus collector in internal/metrics satisfies
// this interface.
type Metrics interface {
	ExecutionStarted()
	ExecutionFinished(status types.ExecutionStatus)
	StageAttempt(lifecycle types.LifecycleStage, outcome string, duration float64)
	RoutingDecision(sticky, degraded bool)
	BreakerTransition(to string)
	CompensationRun(succeeded bool, stages int)
}

// nopMetrics is the default when no collector is wired.
type nopMetrics struct{}

func (nopMetrics) ExecutionStarted()                                    {}
func (nopMetrics) ExecutionFinished(types.ExecutionStatus)              {}
func (nopMetrics) StageAttempt(types.LifecycleStage, string, float64)   {}
func (nopMetrics) RoutingDecision(bool, bool)                           {}
func (nopMetrics) BreakerTransition(string)                             {}
func (nopMetrics) CompensationRun(bool, int)                            {}
