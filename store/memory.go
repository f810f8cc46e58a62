package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/blueprinthq/valueflow/types"
)

// MemoryStore is a process-local store. It backs tests and embedded
// deployments where no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*types.WorkflowDAG
	executions  map[string]*types.WorkflowExecution
	logs        map[string][]*types.ExecutionLog
	events      map[string][]*types.ExecutionEvent
	audits      map[string][]*types.AuditRecord
	artifacts   map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*types.WorkflowDAG),
		executions:  make(map[string]*types.WorkflowExecution),
		logs:        make(map[string][]*types.ExecutionLog),
		events:      make(map[string][]*types.ExecutionEvent),
		audits:      make(map[string][]*types.AuditRecord),
		artifacts:   make(map[string]bool),
	}
}

// PutDefinition stores or replaces a workflow definition.
func (s *MemoryStore) PutDefinition(dag *types.WorkflowDAG) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[dag.ID] = dag
}

// ActiveDefinition implements workflow.DefinitionStore.
func (s *MemoryStore) ActiveDefinition(ctx context.Context, id string) (*types.WorkflowDAG, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dag, ok := s.definitions[id]
	if !ok {
		return nil, types.NewError(types.ErrDefinitionNotFound,
			fmt.Sprintf("workflow definition %q not found", id))
	}
	return dag, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("execution %q already exists", exec.ID))
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, types.NewError(types.ErrExecutionNotFound,
			fmt.Sprintf("execution %q not found", id))
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return types.NewError(types.ErrExecutionNotFound,
			fmt.Sprintf("execution %q not found", exec.ID))
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, log *types.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.ExecutionID] = append(s.logs[log.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateLog(ctx context.Context, log *types.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.logs[log.ExecutionID]
	for i, row := range rows {
		if row.ID == log.ID {
			cp := *log
			rows[i] = &cp
			return nil
		}
	}
	return types.NewError(types.ErrExecutionNotFound,
		fmt.Sprintf("execution log %q not found", log.ID))
}

func (s *MemoryStore) Logs(ctx context.Context, executionID string) ([]*types.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.logs[executionID]
	out := make([]*types.ExecutionLog, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.events[executionID]
	out := make([]*types.ExecutionEvent, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, record *types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.audits[record.ExecutionID] = append(s.audits[record.ExecutionID], &cp)
	return nil
}

// Audits returns the audit trail for an execution in append order.
func (s *MemoryStore) Audits(executionID string) []*types.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.audits[executionID]
	out := make([]*types.AuditRecord, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	return out
}

// PutArtifact records an artifact id so deletion can be observed in tests.
func (s *MemoryStore) PutArtifact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[id] = true
}

// HasArtifact reports whether the artifact still exists.
func (s *MemoryStore) HasArtifact(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifacts[id]
}

// DeleteArtifact implements workflow.ArtifactDeleter. Deleting an unknown
// artifact succeeds: it is treated as already deleted.
func (s *MemoryStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, artifactID)
	return nil
}

func cloneExecution(exec *types.WorkflowExecution) *types.WorkflowExecution {
	cp := *exec
	if exec.Context != nil {
		cctx := *exec.Context
		cctx.ExecutedSteps = append([]types.ExecutedStep(nil), exec.Context.ExecutedSteps...)
		cp.Context = &cctx
	}
	cp.BreakerState = append([]types.BreakerSnapshot(nil), exec.BreakerState...)
	return &cp
}
