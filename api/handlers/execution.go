package handlers

import (
	"context"
	"net/http"

	"github.com/blueprinthq/valueflow/api"
	"github.com/blueprinthq/valueflow/types"
	"go.uber.org/zap"
)

// ExecutionService is the engine surface the execution handlers need.
// *workflow.Engine satisfies it.
type ExecutionService interface {
	ExecuteWorkflow(ctx context.Context, definitionID string, req types.RequestContext, vars map[string]any) (string, error)
	RetryWorkflowFromLastStage(ctx context.Context, executionID string) error
	GetExecutionStatus(ctx context.Context, executionID string) (*types.WorkflowExecution, error)
	GetExecutionLogs(ctx context.Context, executionID string) ([]*types.ExecutionLog, error)
	GetExecutionEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error)
	CanRollback(ctx context.Context, executionID string) (bool, error)
	RollbackExecution(ctx context.Context, executionID string) error
	PreviewRoute(ctx context.Context, definitionID, stageID string, req types.RequestContext) (*types.StageRoute, error)
}

// ExecutionHandler serves the workflow execution endpoints.
type ExecutionHandler struct {
	engine ExecutionService
	logger *zap.Logger
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(engine ExecutionService, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{engine: engine, logger: logger}
}

// HandleExecute starts an execution of a workflow definition. The work runs
// in the background; the response only acknowledges acceptance.
// @Summary Start execution
// @Tags execution
// @Accept json
// @Produce json
// @Param id path string true "Workflow definition ID"
// @Param request body api.ExecuteRequest true "Execution request"
// @Success 202 {object} Response{data=api.ExecuteResponse} "Execution accepted"
// @Failure 400 {object} Response "Invalid definition"
// @Failure 404 {object} Response "Definition not found"
// @Router /api/v1/workflows/{id}/executions [post]
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	definitionID := r.PathValue("id")
	if definitionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "workflow ID is required", h.logger)
		return
	}

	var req api.ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	executionID, err := h.engine.ExecuteWorkflow(r.Context(), definitionID, types.RequestContext{
		Region:    req.Region,
		SessionID: req.SessionID,
	}, req.Variables)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: api.ExecuteResponse{
			ExecutionID: executionID,
			Status:      string(types.StatusInitiated),
		},
	})
}

// HandleStatus returns the current execution record.
// @Summary Get execution status
// @Tags execution
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=types.WorkflowExecution} "Execution record"
// @Failure 404 {object} Response "Execution not found"
// @Router /api/v1/executions/{id} [get]
func (h *ExecutionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "execution ID is required", h.logger)
		return
	}

	exec, err := h.engine.GetExecutionStatus(r.Context(), executionID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

// HandleLogs returns the per-attempt logs of an execution, ordered by
// insertion.
// @Summary Get execution logs
// @Tags execution
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=[]types.ExecutionLog} "Attempt logs"
// @Router /api/v1/executions/{id}/logs [get]
func (h *ExecutionHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "execution ID is required", h.logger)
		return
	}

	logs, err := h.engine.GetExecutionLogs(r.Context(), executionID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, logs)
}

// HandleEvents returns the lifecycle event stream of an execution.
// @Summary Get execution events
// @Tags execution
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=[]types.ExecutionEvent} "Events"
// @Router /api/v1/executions/{id}/events [get]
func (h *ExecutionHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "execution ID is required", h.logger)
		return
	}

	events, err := h.engine.GetExecutionEvents(r.Context(), executionID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, events)
}

// HandleRollback compensates a failed or completed execution in reverse
// stage order.
// @Summary Roll back an execution
// @Tags execution
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response "Rollback completed"
// @Failure 409 {object} Response "Execution is not rollbackable"
// @Router /api/v1/executions/{id}/rollback [post]
func (h *ExecutionHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "execution ID is required", h.logger)
		return
	}

	if err := h.engine.RollbackExecution(r.Context(), executionID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{
		"execution_id": executionID,
		"status":       string(types.StatusRolledBack),
	})
}

// HandleResume resumes a failed execution from its current stage, restoring
// the persisted circuit breaker state.
// @Summary Resume a failed execution
// @Tags execution
// @Produce json
// @Param id path string true "Execution ID"
// @Success 202 {object} Response "Resume accepted"
// @Failure 409 {object} Response "Execution is not in a failed state"
// @Router /api/v1/executions/{id}/resume [post]
func (h *ExecutionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, types.ErrValidation, "execution ID is required", h.logger)
		return
	}

	if err := h.engine.RetryWorkflowFromLastStage(r.Context(), executionID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: map[string]string{
			"execution_id": executionID,
			"status":       string(types.StatusInProgress),
		},
	})
}

// HandlePreviewRoute reports which agent a stage would route to right now.
// The preview does not commit a sticky session or touch agent load.
// @Summary Preview stage routing
// @Tags execution
// @Accept json
// @Produce json
// @Param id path string true "Workflow definition ID"
// @Param stage path string true "Stage ID"
// @Param request body api.RoutePreviewRequest true "Preview request"
// @Success 200 {object} Response{data=types.StageRoute} "Routing decision"
// @Failure 503 {object} Response "No eligible agent"
// @Router /api/v1/workflows/{id}/stages/{stage}/route-preview [post]
func (h *ExecutionHandler) HandlePreviewRoute(w http.ResponseWriter, r *http.Request) {
	definitionID := r.PathValue("id")
	stageID := r.PathValue("stage")
	if definitionID == "" || stageID == "" {
		WriteErrorMessage(w, types.ErrValidation, "workflow ID and stage ID are required", h.logger)
		return
	}

	var req api.RoutePreviewRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	route, err := h.engine.PreviewRoute(r.Context(), definitionID, stageID, types.RequestContext{
		Region:    req.Region,
		SessionID: req.SessionID,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, route)
}
