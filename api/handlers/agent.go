package handlers

import (
	"net/http"

	"github.com/blueprinthq/valueflow/api"
	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/types"
	"go.uber.org/zap"
)

// AgentHandler serves the agent pool endpoints.
type AgentHandler struct {
	registry *routing.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(registry *routing.Registry, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{registry: registry, logger: logger}
}

// HandleRegister adds an agent to the routing pool.
// @Summary Register agent
// @Tags agent
// @Accept json
// @Produce json
// @Param request body types.AgentDescriptor true "Agent descriptor"
// @Success 201 {object} Response{data=types.AgentDescriptor} "Registered agent"
// @Failure 400 {object} Response "Invalid descriptor"
// @Router /api/v1/agents [post]
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var desc types.AgentDescriptor
	if err := DecodeJSONBody(w, r, &desc, h.logger); err != nil {
		return
	}

	registered, err := h.registry.Register(desc)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent_id", registered.ID),
		zap.String("lifecycle", string(registered.Lifecycle)),
	)
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: registered})
}

// HandleHeartbeat records an agent liveness signal with its current load.
// @Summary Agent heartbeat
// @Tags agent
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param request body api.HeartbeatRequest true "Heartbeat"
// @Success 200 {object} Response "Heartbeat recorded"
// @Failure 404 {object} Response "Agent not found"
// @Router /api/v1/agents/{id}/heartbeat [post]
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		WriteErrorMessage(w, types.ErrValidation, "agent ID is required", h.logger)
		return
	}

	var req api.HeartbeatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.registry.UpdateHeartbeat(agentID, req.Load); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"agent_id": agentID})
}

// HandleList lists registered agents. With ?available=true only agents
// eligible for routing are returned.
// @Summary List agents
// @Tags agent
// @Produce json
// @Param available query bool false "Only routable agents"
// @Success 200 {object} Response{data=[]types.AgentDescriptor} "Agent list"
// @Router /api/v1/agents [get]
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var agents []*types.AgentDescriptor
	if r.URL.Query().Get("available") == "true" {
		agents = h.registry.ListAvailable()
	} else {
		agents = h.registry.List()
	}
	WriteSuccess(w, agents)
}

// HandleGet returns a single agent descriptor.
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=types.AgentDescriptor} "Agent descriptor"
// @Failure 404 {object} Response "Agent not found"
// @Router /api/v1/agents/{id} [get]
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		WriteErrorMessage(w, types.ErrValidation, "agent ID is required", h.logger)
		return
	}

	agent, ok := h.registry.Get(agentID)
	if !ok {
		WriteErrorMessage(w, types.ErrAgentNotFound, "agent not found: "+agentID, h.logger)
		return
	}
	WriteSuccess(w, agent)
}
