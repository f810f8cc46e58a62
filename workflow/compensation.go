package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// Compensator reverts the side effects of one completed stage. Deleting an
// artifact that no longer exists is not an error: compensators are
// idempotent.
type Compensator interface {
	Compensate(ctx context.Context, cctx *types.CompensationContext) error
}

// CompensatorFunc adapts a function to the Compensator interface.
type CompensatorFunc func(ctx context.Context, cctx *types.CompensationContext) error

func (f CompensatorFunc) Compensate(ctx context.Context, cctx *types.CompensationContext) error {
	return f(ctx, cctx)
}

// CompensatorTable is an exhaustive dispatch table over the closed set of
// lifecycle categories. Lookups never fall through silently: an unmapped
// category is a hard error.
type CompensatorTable struct {
	Opportunity Compensator
	Target      Compensator
	Realization Compensator
	Expansion   Compensator
	Integrity   Compensator
}

// For resolves the compensator for a lifecycle category.
func (t *CompensatorTable) For(lifecycle types.LifecycleStage) (Compensator, error) {
	var c Compensator
	switch lifecycle {
	case types.LifecycleOpportunity:
		c = t.Opportunity
	case types.LifecycleTarget:
		c = t.Target
	case types.LifecycleRealization:
		c = t.Realization
	case types.LifecycleExpansion:
		c = t.Expansion
	case types.LifecycleIntegrity:
		c = t.Integrity
	default:
		return nil, types.NewError(types.ErrCompensation,
			fmt.Sprintf("no compensator for lifecycle category %q", lifecycle))
	}
	if c == nil {
		return nil, types.NewError(types.ErrCompensation,
			fmt.Sprintf("compensator for lifecycle category %q is not configured", lifecycle))
	}
	return c, nil
}

// ArtifactDeleter removes one artifact by id. Implementations must treat a
// missing artifact as already deleted.
type ArtifactDeleter interface {
	DeleteArtifact(ctx context.Context, artifactID string) error
}

// artifactCompensator deletes the artifacts a stage created. Every
// lifecycle category uses this baseline; target additionally releases the
// value commitment recorded in the stage's state changes.
type artifactCompensator struct {
	lifecycle types.LifecycleStage
	artifacts ArtifactDeleter
	logger    *zap.Logger
}

func (c *artifactCompensator) Compensate(ctx context.Context, cctx *types.CompensationContext) error {
	for _, artifactID := range cctx.ArtifactsCreated {
		if err := c.artifacts.DeleteArtifact(ctx, artifactID); err != nil {
			return types.NewError(types.ErrCompensation,
				fmt.Sprintf("delete artifact %s", artifactID)).
				WithStage(cctx.StageID).WithCause(err)
		}
	}

	if c.lifecycle == types.LifecycleTarget {
		if commit, ok := cctx.StateChanges["value_commit"]; ok {
			c.logger.Info("released value commitment",
				zap.String("execution_id", cctx.ExecutionID),
				zap.String("stage_id", cctx.StageID),
				zap.Any("value_commit", commit))
		}
	}

	c.logger.Info("stage compensated",
		zap.String("execution_id", cctx.ExecutionID),
		zap.String("stage_id", cctx.StageID),
		zap.String("lifecycle", string(c.lifecycle)),
		zap.Int("artifacts_deleted", len(cctx.ArtifactsCreated)))
	return nil
}

// NewDefaultCompensatorTable builds the standard table: every lifecycle
// category reverts by deleting the artifacts its stages created.
func NewDefaultCompensatorTable(artifacts ArtifactDeleter, logger *zap.Logger) *CompensatorTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	mk := func(lc types.LifecycleStage) Compensator {
		return &artifactCompensator{lifecycle: lc, artifacts: artifacts, logger: logger}
	}
	return &CompensatorTable{
		Opportunity: mk(types.LifecycleOpportunity),
		Target:      mk(types.LifecycleTarget),
		Realization: mk(types.LifecycleRealization),
		Expansion:   mk(types.LifecycleExpansion),
		Integrity:   mk(types.LifecycleIntegrity),
	}
}

// Coordinator runs compensating actions across the completed stages of a
// failed execution, in reverse completion order.
type Coordinator struct {
	store  ExecutionStore
	table  *CompensatorTable
	logger *zap.Logger
}

// NewCoordinator creates a compensation coordinator.
func NewCoordinator(store ExecutionStore, table *CompensatorTable, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		table:  table,
		logger: logger.With(zap.String("component", "compensation")),
	}
}

// CanRollback reports whether the execution may be compensated: the run
// must have finished in failed or completed state and at least one executed
// step must be compensable.
func (c *Coordinator) CanRollback(ctx context.Context, executionID string) (bool, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != types.StatusFailed && exec.Status != types.StatusCompleted {
		return false, nil
	}
	if exec.Context == nil {
		return false, nil
	}
	for _, step := range exec.Context.ExecutedSteps {
		if step.Compensable {
			return true, nil
		}
	}
	return false, nil
}

// RollbackExecution reverse-walks the executed steps and invokes each
// category's compensator exactly once per step. The first compensator
// failure aborts the walk and leaves the execution failed; on full success
// the execution transitions to rolled_back.
func (c *Coordinator) RollbackExecution(ctx context.Context, executionID string) error {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != types.StatusFailed && exec.Status != types.StatusCompleted {
		return types.NewError(types.ErrNotRollbackable,
			fmt.Sprintf("execution in status %q cannot be rolled back", exec.Status))
	}

	// A missing context means nothing was executed, so there is nothing to
	// compensate; the walk below runs zero steps.
	var steps []types.ExecutedStep
	if exec.Context != nil {
		steps = exec.Context.ExecutedSteps
	}
	c.appendEvent(ctx, executionID, types.EventRollbackStarted, "", map[string]any{
		"steps": len(steps),
	})

	compensated := 0
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if !step.Compensable {
			continue
		}

		cctx, err := c.compensationContext(ctx, exec, step)
		if err != nil {
			return c.abort(ctx, executionID, step.StageID, err)
		}
		compensator, err := c.table.For(step.Lifecycle)
		if err != nil {
			return c.abort(ctx, executionID, step.StageID, err)
		}
		if err := compensator.Compensate(ctx, cctx); err != nil {
			return c.abort(ctx, executionID, step.StageID, err)
		}

		compensated++
		c.appendEvent(ctx, executionID, types.EventStageCompensated, step.StageID, map[string]any{
			"lifecycle": string(step.Lifecycle),
			"artifacts": len(cctx.ArtifactsCreated),
		})
	}

	exec.Status = types.StatusRolledBack
	if err := c.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	c.appendEvent(ctx, executionID, types.EventRollbackCompleted, "", map[string]any{
		"stages_compensated": compensated,
	})
	c.logger.Info("rollback completed",
		zap.String("execution_id", executionID),
		zap.Int("stages_compensated", compensated))
	return nil
}

// compensationContext derives the one-shot compensation input from the
// step's latest completed log.
func (c *Coordinator) compensationContext(ctx context.Context, exec *types.WorkflowExecution, step types.ExecutedStep) (*types.CompensationContext, error) {
	logs, err := c.store.Logs(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	cctx := &types.CompensationContext{
		ExecutionID: exec.ID,
		StageID:     step.StageID,
		Lifecycle:   step.Lifecycle,
	}
	// Latest completed attempt wins.
	for i := len(logs) - 1; i >= 0; i-- {
		log := logs[i]
		if log.StageID == step.StageID && log.Status == types.LogCompleted {
			cctx.ArtifactsCreated = log.ArtifactsCreated
			cctx.StateChanges = log.OutputData
			break
		}
	}
	return cctx, nil
}

// abort records a failed rollback. The execution stays failed so the
// original failure remains visible.
func (c *Coordinator) abort(ctx context.Context, executionID, stageID string, cause error) error {
	c.logger.Error("rollback aborted",
		zap.String("execution_id", executionID),
		zap.String("stage_id", stageID),
		zap.Error(cause))
	c.appendEvent(ctx, executionID, types.EventRollbackFailed, stageID, map[string]any{
		"error": cause.Error(),
	})
	if types.GetErrorCode(cause) == types.ErrCompensation {
		return cause
	}
	return types.NewError(types.ErrCompensation, "rollback aborted").
		WithStage(stageID).WithCause(cause)
}

func (c *Coordinator) appendEvent(ctx context.Context, executionID string, typ types.EventType, stageID string, payload map[string]any) {
	err := c.store.AppendEvent(ctx, &types.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        typ,
		StageID:     stageID,
		Payload:     payload,
	})
	if err != nil {
		c.logger.Warn("failed to append event",
			zap.String("execution_id", executionID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}
