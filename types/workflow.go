package types

import "fmt"

// LifecycleStage is the closed set of customer-value lifecycle categories a
// workflow stage can belong to. Compensation handlers are dispatched over
// this enum, never over stage-id substrings.
type LifecycleStage string

const (
	// LifecycleOpportunity identifies and qualifies a value opportunity.
	LifecycleOpportunity LifecycleStage = "opportunity"
	// LifecycleTarget builds the business case and commits to value targets.
	LifecycleTarget LifecycleStage = "target"
	// LifecycleRealization measures delivered value against committed targets.
	LifecycleRealization LifecycleStage = "realization"
	// LifecycleExpansion identifies expansion plays from realized value.
	LifecycleExpansion LifecycleStage = "expansion"
	// LifecycleIntegrity validates data quality and audit posture.
	LifecycleIntegrity LifecycleStage = "integrity"
)

// AllLifecycleStages returns every lifecycle category in pipeline order.
func AllLifecycleStages() []LifecycleStage {
	return []LifecycleStage{
		LifecycleOpportunity,
		LifecycleTarget,
		LifecycleRealization,
		LifecycleExpansion,
		LifecycleIntegrity,
	}
}

// Valid reports whether s is a known lifecycle category.
func (s LifecycleStage) Valid() bool {
	switch s {
	case LifecycleOpportunity, LifecycleTarget, LifecycleRealization,
		LifecycleExpansion, LifecycleIntegrity:
		return true
	}
	return false
}

// RetryConfig controls the per-stage retry loop and backoff curve.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialDelayMs is the delay before the second attempt.
	InitialDelayMs int `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	// MaxDelayMs caps the computed delay.
	MaxDelayMs int `json:"max_delay_ms" yaml:"max_delay_ms"`
	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter randomizes each delay within ±10% when enabled.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the retry policy used when a stage does not
// declare its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelayMs: 500,
		MaxDelayMs:     30000,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Stage is one unit of work in a workflow, executed by exactly one routed
// agent per attempt.
type Stage struct {
	// ID is unique within the owning definition.
	ID string `json:"id" yaml:"id"`
	// Lifecycle is the explicit lifecycle category of the stage.
	Lifecycle LifecycleStage `json:"lifecycle" yaml:"lifecycle"`
	// RequiredCapabilities lists the skills the routed agent must offer.
	RequiredCapabilities []string `json:"required_capabilities" yaml:"required_capabilities"`
	// TimeoutSeconds bounds a single worker call. Zero means the engine default.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
	// Retry is the stage retry policy. Zero value means the engine default.
	Retry RetryConfig `json:"retry" yaml:"retry"`
	// Compensable marks the stage as having a rollback handler.
	Compensable bool `json:"compensable" yaml:"compensable"`
}

// Transition is a directed edge between two stages.
type Transition struct {
	From string `json:"from_stage" yaml:"from_stage"`
	To   string `json:"to_stage" yaml:"to_stage"`
}

// WorkflowDAG is a workflow definition: named stages connected by
// transitions forming a functional graph (at most one outgoing transition
// per stage). Cycles are detected at execution time via a visited set.
type WorkflowDAG struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Stages       []Stage      `json:"stages" yaml:"stages"`
	Transitions  []Transition `json:"transitions" yaml:"transitions"`
	InitialStage string       `json:"initial_stage" yaml:"initial_stage"`
	FinalStages  []string     `json:"final_stages" yaml:"final_stages"`
}

// Validate checks structural invariants before any execution state is
// created: unique stage ids, known lifecycle categories, resolvable
// transition endpoints, at most one outgoing transition per stage, and
// resolvable initial/final stages. Returns a VALIDATION error on the first
// violation.
func (d *WorkflowDAG) Validate() error {
	if d.ID == "" {
		return NewError(ErrValidation, "workflow definition id is required")
	}
	if len(d.Stages) == 0 {
		return NewError(ErrValidation, "workflow definition has no stages")
	}

	seen := make(map[string]bool, len(d.Stages))
	for i := range d.Stages {
		st := &d.Stages[i]
		if st.ID == "" {
			return NewError(ErrValidation, "stage id is required")
		}
		if seen[st.ID] {
			return NewError(ErrValidation, fmt.Sprintf("duplicate stage id %q", st.ID))
		}
		seen[st.ID] = true
		if !st.Lifecycle.Valid() {
			return NewError(ErrValidation,
				fmt.Sprintf("stage %q has unknown lifecycle category %q", st.ID, st.Lifecycle)).
				WithStage(st.ID)
		}
	}

	if !seen[d.InitialStage] {
		return NewError(ErrValidation, fmt.Sprintf("initial stage %q is not defined", d.InitialStage))
	}
	for _, id := range d.FinalStages {
		if !seen[id] {
			return NewError(ErrValidation, fmt.Sprintf("final stage %q is not defined", id))
		}
	}
	if len(d.FinalStages) == 0 {
		return NewError(ErrValidation, "workflow definition has no final stages")
	}

	outgoing := make(map[string]int, len(d.Transitions))
	for _, tr := range d.Transitions {
		if !seen[tr.From] {
			return NewError(ErrValidation, fmt.Sprintf("transition references unknown stage %q", tr.From))
		}
		if !seen[tr.To] {
			return NewError(ErrValidation, fmt.Sprintf("transition references unknown stage %q", tr.To))
		}
		outgoing[tr.From]++
		if outgoing[tr.From] > 1 {
			return NewError(ErrValidation,
				fmt.Sprintf("stage %q has more than one outgoing transition", tr.From))
		}
	}
	return nil
}

// StageByID returns the stage with the given id.
func (d *WorkflowDAG) StageByID(id string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// NextStage returns the single successor of the given stage, if any.
func (d *WorkflowDAG) NextStage(from string) (string, bool) {
	for _, tr := range d.Transitions {
		if tr.From == from {
			return tr.To, true
		}
	}
	return "", false
}

// IsFinal reports whether the given stage terminates the workflow.
func (d *WorkflowDAG) IsFinal(id string) bool {
	for _, f := range d.FinalStages {
		if f == id {
			return true
		}
	}
	return false
}
