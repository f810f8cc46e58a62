package handlers

import (
	"context"
	"net/http"

	"github.com/blueprinthq/valueflow/types"
	"go.uber.org/zap"
)

// DefinitionStore is the persistence surface the definition handlers need.
// *store.GormStore satisfies it.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, dag *types.WorkflowDAG) error
	ActiveDefinition(ctx context.Context, id string) (*types.WorkflowDAG, error)
}

// DefinitionHandler serves the workflow definition endpoints.
type DefinitionHandler struct {
	store  DefinitionStore
	logger *zap.Logger
}

// NewDefinitionHandler creates a definition handler.
func NewDefinitionHandler(store DefinitionStore, logger *zap.Logger) *DefinitionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefinitionHandler{store: store, logger: logger}
}

// HandleCreate registers a workflow definition. The DAG is validated before
// it is stored; an invalid graph never becomes active.
// @Summary Register workflow definition
// @Tags workflow
// @Accept json
// @Produce json
// @Param request body types.WorkflowDAG true "Workflow DAG"
// @Success 201 {object} Response{data=types.WorkflowDAG} "Definition stored"
// @Failure 400 {object} Response "Invalid DAG"
// @Router /api/v1/workflows [post]
func (h *DefinitionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var dag types.WorkflowDAG
	if err := DecodeJSONBody(w, r, &dag, h.logger); err != nil {
		return
	}

	if err := dag.Validate(); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := h.store.SaveDefinition(r.Context(), &dag); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow definition registered",
		zap.String("workflow_id", dag.ID),
		zap.Int("stages", len(dag.Stages)),
	)
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: dag})
}

// HandleGet returns the active definition with the given ID.
// @Summary Get workflow definition
// @Tags workflow
// @Produce json
// @Param id path string true "Workflow definition ID"
// @Success 200 {object} Response{data=types.WorkflowDAG} "Definition"
// @Failure 404 {object} Response "Definition not found"
// @Router /api/v1/workflows/{id} [get]
func (h *DefinitionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, types.ErrValidation, "workflow ID is required", h.logger)
		return
	}

	dag, err := h.store.ActiveDefinition(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, dag)
}
