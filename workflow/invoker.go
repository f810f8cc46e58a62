package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// AgentInvoker performs the remote worker call for one stage attempt. The
// call is opaque: any transport error, non-2xx status, or decode failure is
// a stage failure.
type AgentInvoker interface {
	Invoke(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext, route *types.StageRoute) (*types.AgentResponse, error)
}

// InvokerFunc adapts a function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext, route *types.StageRoute) (*types.AgentResponse, error)

func (f InvokerFunc) Invoke(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext, route *types.StageRoute) (*types.AgentResponse, error) {
	return f(ctx, stage, execCtx, route)
}

// stageRequest is the wire shape posted to an agent's process endpoint.
type stageRequest struct {
	ExecutionID  string                    `json:"execution_id,omitempty"`
	StageID      string                    `json:"stage_id"`
	Variables    map[string]any            `json:"variables,omitempty"`
	StageOutputs map[string]map[string]any `json:"stage_outputs,omitempty"`
}

// HTTPInvoker posts stage work to the routed agent's lifecycle endpoint:
// POST {endpoint}/api/{lifecycle}/process.
type HTTPInvoker struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPInvoker creates an HTTP invoker. A nil client gets a default with
// a conservative transport timeout; per-call deadlines come from the
// caller's context.
func NewHTTPInvoker(client *http.Client, logger *zap.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInvoker{
		client: client,
		logger: logger.With(zap.String("component", "agent_invoker")),
	}
}

func (inv *HTTPInvoker) Invoke(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext, route *types.StageRoute) (*types.AgentResponse, error) {
	agent := route.SelectedAgent
	if agent == nil || agent.Endpoint == "" {
		return nil, types.NewError(types.ErrStageExecution,
			"routed agent has no endpoint").WithStage(stage.ID)
	}

	body, err := json.Marshal(stageRequest{
		StageID:      stage.ID,
		Variables:    execCtx.Variables,
		StageOutputs: execCtx.StageOutputs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode stage request: %w", err)
	}

	url := fmt.Sprintf("%s/api/%s/process", agent.Endpoint, stage.Lifecycle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrStageExecution, "agent call failed").
			WithStage(stage.ID).WithAgent(agent.ID).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a bounded slice of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewError(types.ErrStageExecution,
			fmt.Sprintf("agent returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))).
			WithStage(stage.ID).WithAgent(agent.ID).WithRetryable(true)
	}

	var out types.AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrStageExecution, "decode agent response").
			WithStage(stage.ID).WithAgent(agent.ID).WithRetryable(true).WithCause(err)
	}
	return &out, nil
}
