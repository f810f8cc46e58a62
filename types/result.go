package types

// StepOutcome classifies the result of a single stage attempt. The retry
// loop's decision logic is total over this enum instead of inspecting
// error types.
type StepOutcome int

const (
	// OutcomeOk means the attempt succeeded.
	OutcomeOk StepOutcome = iota
	// OutcomeRetryable means the attempt failed but may be retried.
	OutcomeRetryable
	// OutcomeFatal means the attempt failed and retrying cannot help.
	OutcomeFatal
)

func (o StepOutcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StepResult carries the outcome of one stage attempt.
type StepResult struct {
	Outcome          StepOutcome
	Output           map[string]any
	ArtifactsCreated []string
	Err              error
}

// Ok builds a successful step result.
func Ok(output map[string]any, artifacts []string) StepResult {
	return StepResult{Outcome: OutcomeOk, Output: output, ArtifactsCreated: artifacts}
}

// Retryable builds a failed step result eligible for retry.
func Retryable(err error) StepResult {
	return StepResult{Outcome: OutcomeRetryable, Err: err}
}

// Fatal builds a failed step result that must not be retried.
func Fatal(err error) StepResult {
	return StepResult{Outcome: OutcomeFatal, Err: err}
}

// AgentResponse is the wire shape a worker returns for one stage call.
type AgentResponse struct {
	Success          bool           `json:"success"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	ArtifactsCreated []string       `json:"artifacts_created,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// Prediction is a pre-flight estimate of a stage's outcome, produced by an
// OutcomePredictor. Used only by the simulation path, never by execution.
type Prediction struct {
	// SuccessProbability is in [0,1].
	SuccessProbability float64 `json:"success_probability"`
	// ExpectedDurationMs estimates the stage call latency.
	ExpectedDurationMs int64 `json:"expected_duration_ms"`
	// Basis names the signals the estimate was derived from.
	Basis string `json:"basis"`
}
