package types

import "time"

// ExecutionStatus is the workflow-level state machine:
// initiated → in_progress → {completed | failed}; failed → rolled_back
// when compensation succeeds. completed and rolled_back are terminal;
// failed is terminal only when rollback is not attempted or itself fails.
type ExecutionStatus string

const (
	StatusInitiated  ExecutionStatus = "initiated"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether no further transition can leave the status.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// CanTransitionTo reports whether the status machine permits moving to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusInitiated:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRolledBack || next == StatusInProgress
	default:
		return false
	}
}

// ExecutedStep is the append-only record of a completed stage inside the
// execution context. It is the authoritative list the compensation
// coordinator walks in reverse.
type ExecutedStep struct {
	StageID     string         `json:"stage_id"`
	Lifecycle   LifecycleStage `json:"stage_type"`
	Compensable bool           `json:"compensator"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ExecutionContext is the accumulator shared across the stages of one
// execution. The engine owns it exclusively; a stage's output is merged
// before the next stage begins.
type ExecutionContext struct {
	// Region is the caller's region, used for routing proximity.
	Region string `json:"region,omitempty"`
	// SessionID keys sticky routing. Empty disables stickiness.
	SessionID string `json:"session_id,omitempty"`
	// Variables carries the caller-supplied workflow input.
	Variables map[string]any `json:"variables,omitempty"`
	// StageOutputs maps stage id to that stage's merged output.
	StageOutputs map[string]map[string]any `json:"stage_outputs,omitempty"`
	// ExecutedSteps is append-only, in completion order.
	ExecutedSteps []ExecutedStep `json:"executed_steps"`
}

// NewExecutionContext creates an execution context for one run.
func NewExecutionContext(region, sessionID string, vars map[string]any) *ExecutionContext {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &ExecutionContext{
		Region:       region,
		SessionID:    sessionID,
		Variables:    vars,
		StageOutputs: make(map[string]map[string]any),
	}
}

// MergeOutput records a stage's output in the accumulator.
func (c *ExecutionContext) MergeOutput(stageID string, output map[string]any) {
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[string]map[string]any)
	}
	c.StageOutputs[stageID] = output
}

// RecordStep appends a completed stage to the executed-step trail.
func (c *ExecutionContext) RecordStep(step ExecutedStep) {
	c.ExecutedSteps = append(c.ExecutedSteps, step)
}

// RequestContext carries the per-invocation routing inputs.
type RequestContext struct {
	Region    string `json:"region,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// BreakerSnapshot is the persisted form of one circuit breaker, stored on
// the execution record so breaker state survives a process restart.
type BreakerSnapshot struct {
	StageID  string    `json:"stage_id"`
	State    string    `json:"state"`
	Failures int       `json:"failure_count"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// WorkflowExecution is one run of a workflow definition. It is mutated only
// through the engine's update path and archived, never deleted.
type WorkflowExecution struct {
	ID           string            `json:"id"`
	DefinitionID string            `json:"definition_id"`
	Status       ExecutionStatus   `json:"status"`
	CurrentStage string            `json:"current_stage"`
	Context      *ExecutionContext `json:"context"`
	BreakerState []BreakerSnapshot `json:"circuit_breaker_state,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// LogStatus is the per-attempt log state.
type LogStatus string

const (
	LogInProgress LogStatus = "in_progress"
	LogCompleted  LogStatus = "completed"
	LogFailed     LogStatus = "failed"
)

// ExecutionLog is one row per (execution, stage, attempt). Rows are
// appended and updated in place, never deleted.
type ExecutionLog struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	StageID          string         `json:"stage_id"`
	Lifecycle        LifecycleStage `json:"stage_type"`
	Attempt          int            `json:"attempt"`
	AgentID          string         `json:"agent_id,omitempty"`
	Status           LogStatus      `json:"status"`
	InputData        map[string]any `json:"input_data,omitempty"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	ArtifactsCreated []string       `json:"artifacts_created,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	DurationMs       int64          `json:"duration_ms"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// EventType enumerates the append-only execution event kinds.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventStageFailed        EventType = "stage_failed"
	EventRetryScheduled     EventType = "retry_scheduled"
	EventBreakerTransition  EventType = "breaker_transition"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventRollbackStarted    EventType = "rollback_started"
	EventStageCompensated   EventType = "stage_compensated"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventRollbackFailed     EventType = "rollback_failed"
)

// ExecutionEvent is an append-only event record; never mutated after insert.
type ExecutionEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"type"`
	StageID     string         `json:"stage_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditRecord is an append-only audit entry for significant engine
// decisions (routing, retry, failure, completion).
type AuditRecord struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Action      string         `json:"action"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CompensationContext is derived from a completed log's output and consumed
// exactly once by the matching compensator.
type CompensationContext struct {
	ExecutionID      string         `json:"execution_id"`
	StageID          string         `json:"stage_id"`
	Lifecycle        LifecycleStage `json:"lifecycle"`
	ArtifactsCreated []string       `json:"artifacts_created"`
	StateChanges     map[string]any `json:"state_changes,omitempty"`
}
