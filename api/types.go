package api

// ExecuteRequest starts a workflow execution.
// @Description Workflow execution request
type ExecuteRequest struct {
	// Initial workflow variables, merged into the execution context
	Variables map[string]any `json:"variables,omitempty"`
	// Preferred region for routing proximity
	Region string `json:"region,omitempty" example:"us-east-1"`
	// Session ID for sticky agent routing
	SessionID string `json:"session_id,omitempty" example:"sess-42"`
}

// ExecuteResponse acknowledges an accepted execution.
// @Description Workflow execution acknowledgement
type ExecuteResponse struct {
	// ID of the created execution
	ExecutionID string `json:"execution_id" example:"6a1f0b1e-..."`
	// Initial status, always "initiated"
	Status string `json:"status" example:"initiated"`
}

// HeartbeatRequest reports agent liveness and load.
// @Description Agent heartbeat request
type HeartbeatRequest struct {
	// Current load in [0,1]
	Load float64 `json:"load" example:"0.35"`
}

// RoutePreviewRequest asks which agent a stage would route to, without
// executing anything or committing a sticky session.
// @Description Routing preview request
type RoutePreviewRequest struct {
	// Preferred region for routing proximity
	Region string `json:"region,omitempty" example:"us-east-1"`
	// Session ID for sticky agent routing
	SessionID string `json:"session_id,omitempty" example:"sess-42"`
}
