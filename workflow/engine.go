package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/types"
)

// EngineConfig bounds the engine's runtime behavior.
type EngineConfig struct {
	// MaxConcurrentExecutions caps in-flight executions across all callers.
	MaxConcurrentExecutions int64 `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`
	// DefaultTimeout applies to stages that declare no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// AutoRollback runs compensation automatically when a workflow fails
	// and CanRollback permits it.
	AutoRollback bool `yaml:"auto_rollback" json:"auto_rollback"`
}

// DefaultEngineConfig returns the standard engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentExecutions: 64,
		DefaultTimeout:          30 * time.Second,
		AutoRollback:            true,
	}
}

// Engine is the workflow execution engine. It owns every WorkflowExecution
// exclusively: all mutations flow through its update path.
type Engine struct {
	definitions DefinitionStore
	store       ExecutionStore
	router      *routing.Router
	registry    *routing.Registry
	breakers    *BreakerManager
	invoker     AgentInvoker
	coordinator *Coordinator
	predictor   OutcomePredictor
	metrics     Metrics

	config EngineConfig
	sem    *semaphore.Weighted
	tracer trace.Tracer
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
	rngMu sync.Mutex

	wg sync.WaitGroup
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithMetrics wires a metrics recorder.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithCoordinator wires the compensation coordinator used for automatic
// and manual rollback.
func WithCoordinator(c *Coordinator) EngineOption {
	return func(e *Engine) { e.coordinator = c }
}

// WithPredictor wires an outcome predictor consulted by route previews.
func WithPredictor(p OutcomePredictor) EngineOption {
	return func(e *Engine) { e.predictor = p }
}

// WithClock overrides the engine clock. Intended for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithSleeper overrides the backoff sleep. Intended for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRand seeds the jitter source. Intended for tests.
func WithRand(rng *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = rng }
}

// NewEngine creates the execution engine.
func NewEngine(
	definitions DefinitionStore,
	store ExecutionStore,
	router *routing.Router,
	registry *routing.Registry,
	breakers *BreakerManager,
	invoker AgentInvoker,
	config EngineConfig,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = DefaultEngineConfig().MaxConcurrentExecutions
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultEngineConfig().DefaultTimeout
	}

	e := &Engine{
		definitions: definitions,
		store:       store,
		router:      router,
		registry:    registry,
		breakers:    breakers,
		invoker:     invoker,
		metrics:     nopMetrics{},
		config:      config,
		sem:         semaphore.NewWeighted(config.MaxConcurrentExecutions),
		tracer:      otel.Tracer("valueflow/workflow"),
		logger:      logger.With(zap.String("component", "workflow_engine")),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(e)
	}

	if breakers != nil {
		breakers.OnTransition(func(executionID, stageID string, from, to BreakerState) {
			e.metrics.BreakerTransition(to.String())
			e.appendEvent(context.Background(), executionID, types.EventBreakerTransition, stageID, map[string]any{
				"from": from.String(),
				"to":   to.String(),
			})
		})
	}
	return e
}

// ExecuteWorkflow validates the definition, persists the initiated
// execution, and starts the stage loop in the background. It returns the
// execution id immediately; progress is queried through
// GetExecutionStatus / GetExecutionLogs / GetExecutionEvents.
func (e *Engine) ExecuteWorkflow(ctx context.Context, definitionID string, req types.RequestContext, vars map[string]any) (string, error) {
	dag, err := e.definitions.ActiveDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}
	if err := dag.Validate(); err != nil {
		return "", err
	}

	now := e.now()
	exec := &types.WorkflowExecution{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		Status:       types.StatusInitiated,
		CurrentStage: dag.InitialStage,
		Context:      types.NewExecutionContext(req.Region, req.SessionID, vars),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	e.appendEvent(ctx, exec.ID, types.EventExecutionStarted, "", map[string]any{
		"definition_id": definitionID,
	})
	e.metrics.ExecutionStarted()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Background context: the caller's request ends at submission.
		runCtx := context.Background()
		if err := e.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		e.run(runCtx, dag, exec, make(map[string]bool))
	}()

	return exec.ID, nil
}

// RetryWorkflowFromLastStage resumes a failed execution at its recorded
// current stage, restoring circuit-breaker state from the persisted
// snapshot. The visited set starts fresh for the resumed run.
func (e *Engine) RetryWorkflowFromLastStage(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != types.StatusFailed {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution in status %q cannot be resumed", exec.Status))
	}
	dag, err := e.definitions.ActiveDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}
	if err := dag.Validate(); err != nil {
		return err
	}
	if _, ok := dag.StageByID(exec.CurrentStage); !ok {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("current stage %q no longer exists in definition %q", exec.CurrentStage, dag.ID))
	}

	e.breakers.ImportFor(exec.ID, exec.BreakerState)
	exec.Status = types.StatusInProgress
	exec.ErrorMessage = ""
	if err := e.updateExecution(ctx, exec); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx := context.Background()
		if err := e.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		e.run(runCtx, dag, exec, make(map[string]bool))
	}()
	return nil
}

// GetExecutionStatus returns the execution record.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// GetExecutionLogs returns the per-attempt log rows in append order.
func (e *Engine) GetExecutionLogs(ctx context.Context, executionID string) ([]*types.ExecutionLog, error) {
	return e.store.Logs(ctx, executionID)
}

// GetExecutionEvents returns the event trail in append order.
func (e *Engine) GetExecutionEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	return e.store.Events(ctx, executionID)
}

// CanRollback reports whether compensation may run for the execution.
func (e *Engine) CanRollback(ctx context.Context, executionID string) (bool, error) {
	if e.coordinator == nil {
		return false, nil
	}
	return e.coordinator.CanRollback(ctx, executionID)
}

// RollbackExecution runs compensation for the execution.
func (e *Engine) RollbackExecution(ctx context.Context, executionID string) error {
	if e.coordinator == nil {
		return types.NewError(types.ErrNotRollbackable, "no compensation coordinator configured")
	}
	err := e.coordinator.RollbackExecution(ctx, executionID)
	if err != nil {
		e.metrics.CompensationRun(false, 0)
		return err
	}
	exec, getErr := e.store.GetExecution(ctx, executionID)
	if getErr == nil {
		e.metrics.CompensationRun(true, len(exec.Context.ExecutedSteps))
	}
	return nil
}

// PreviewRoute exposes pre-flight routing without executing anything or
// committing the decision: no session is pinned, no load is counted, and the
// route carries a predicted outcome when a predictor is configured.
func (e *Engine) PreviewRoute(ctx context.Context, definitionID, stageID string, req types.RequestContext) (*types.StageRoute, error) {
	dag, err := e.definitions.ActiveDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	route, err := e.router.PreviewStage(ctx, dag, stageID, req)
	if err != nil {
		return nil, err
	}
	if e.predictor != nil {
		stage, ok := dag.StageByID(stageID)
		if ok {
			prediction, perr := e.predictor.PredictStageOutcome(ctx, stage, nil)
			if perr != nil {
				e.logger.Warn("outcome prediction failed",
					zap.String("stage_id", stageID), zap.Error(perr))
			} else {
				route.Prediction = prediction
			}
		}
	}
	return route, nil
}

// Drain blocks until all in-flight executions finish or ctx expires.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run advances the execution through the DAG until a final stage completes
// or a stage exhausts its retries. The visited set enforces cycle
// detection: revisiting a stage within one run is fatal.
func (e *Engine) run(ctx context.Context, dag *types.WorkflowDAG, exec *types.WorkflowExecution, visited map[string]bool) {
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("definition.id", exec.DefinitionID),
		))
	defer span.End()

	exec.Status = types.StatusInProgress
	if err := e.updateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist in_progress status",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}

	for {
		stageID := exec.CurrentStage
		if visited[stageID] {
			err := types.NewError(types.ErrCircularDependency,
				fmt.Sprintf("stage %q was already executed in this run", stageID)).WithStage(stageID)
			e.failExecution(ctx, exec, err)
			return
		}
		visited[stageID] = true

		stage, ok := dag.StageByID(stageID)
		if !ok {
			err := types.NewError(types.ErrValidation,
				fmt.Sprintf("stage %q is not defined", stageID)).WithStage(stageID)
			e.failExecution(ctx, exec, err)
			return
		}

		output, err := e.executeStage(ctx, dag, exec, stage)
		if err != nil {
			e.failExecution(ctx, exec, err)
			return
		}

		exec.Context.MergeOutput(stage.ID, output)
		exec.Context.RecordStep(types.ExecutedStep{
			StageID:     stage.ID,
			Lifecycle:   stage.Lifecycle,
			Compensable: stage.Compensable,
			CompletedAt: e.now(),
		})

		exec.BreakerState = e.breakers.ExportFor(exec.ID)
		if dag.IsFinal(stage.ID) {
			e.completeExecution(ctx, exec)
			return
		}

		next, ok := dag.NextStage(stage.ID)
		if !ok {
			err := types.NewError(types.ErrValidation,
				fmt.Sprintf("stage %q is neither final nor has an outgoing transition", stage.ID)).WithStage(stage.ID)
			e.failExecution(ctx, exec, err)
			return
		}
		exec.CurrentStage = next
		if err := e.updateExecution(ctx, exec); err != nil {
			e.logger.Error("failed to persist stage advance",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}
}

// executeStage routes the stage once, then runs the retry loop against the
// selected agent: each attempt appends a log row, races the worker call
// against the stage deadline through the circuit breaker, and either
// completes or schedules a backoff retry. Created artifacts land on the log
// row, where compensation reads them back.
func (e *Engine) executeStage(ctx context.Context, dag *types.WorkflowDAG, exec *types.WorkflowExecution, stage *types.Stage) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.stage",
		trace.WithAttributes(
			attribute.String("stage.id", stage.ID),
			attribute.String("stage.lifecycle", string(stage.Lifecycle)),
		))
	defer span.End()

	req := types.RequestContext{
		Region:    exec.Context.Region,
		SessionID: exec.Context.SessionID,
	}
	route, err := e.router.RouteStage(ctx, dag, stage.ID, req)
	if err != nil {
		return nil, err
	}
	agentID := route.SelectedAgent.ID
	defer e.registry.RecordRelease(agentID)

	e.metrics.RoutingDecision(route.StickySessionApplied, route.SelectedAgent.Status == types.AgentDegraded)
	e.appendAudit(ctx, exec.ID, "routing_decision", map[string]any{
		"stage_id":     stage.ID,
		"agent_id":     agentID,
		"score":        route.Score.Total,
		"sticky":       route.StickySessionApplied,
		"reason":       route.Reason,
		"fallback_ids": agentIDs(route.FallbackAgents),
	})
	e.appendEvent(ctx, exec.ID, types.EventStageStarted, stage.ID, map[string]any{
		"agent_id": agentID,
	})

	retry := normalizeRetry(stage.Retry)
	timeout := time.Duration(stage.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		log := &types.ExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			StageID:     stage.ID,
			Lifecycle:   stage.Lifecycle,
			Attempt:     attempt,
			AgentID:     agentID,
			Status:      types.LogInProgress,
			InputData:   exec.Context.Variables,
			StartedAt:   e.now(),
		}
		if err := e.store.AppendLog(ctx, log); err != nil {
			e.logger.Error("failed to append execution log",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}

		start := e.now()
		resp, callErr := e.breakers.Call(ctx, exec.ID, stage.ID, timeout, func(callCtx context.Context) (*types.AgentResponse, error) {
			return e.invoker.Invoke(callCtx, stage, exec.Context, route)
		})
		elapsed := e.now().Sub(start)
		result := classify(resp, callErr)

		e.metrics.StageAttempt(stage.Lifecycle, result.Outcome.String(), elapsed.Seconds())

		if result.Outcome == types.OutcomeOk {
			e.completeLog(ctx, log, result, elapsed)
			e.registry.MarkHealthy(agentID)
			e.breakers.Reset(exec.ID, stage.ID)
			e.appendEvent(ctx, exec.ID, types.EventStageCompleted, stage.ID, map[string]any{
				"attempt":     attempt,
				"duration_ms": elapsed.Milliseconds(),
			})
			return result.Output, nil
		}

		lastErr = result.Err
		e.failLog(ctx, log, result.Err, elapsed)
		e.registry.RecordFailure(agentID)
		e.appendEvent(ctx, exec.ID, types.EventStageFailed, stage.ID, map[string]any{
			"attempt": attempt,
			"error":   result.Err.Error(),
		})

		if result.Outcome == types.OutcomeFatal {
			return nil, result.Err
		}
		if attempt < retry.MaxAttempts {
			delay := BackoffDelay(retry, attempt, e.jitterSource(retry))
			e.appendEvent(ctx, exec.ID, types.EventRetryScheduled, stage.ID, map[string]any{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			})
			e.appendAudit(ctx, exec.ID, "stage_retry", map[string]any{
				"stage_id": stage.ID,
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			})
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, types.NewError(types.ErrStageExecution,
		fmt.Sprintf("stage %q exhausted %d attempts", stage.ID, retry.MaxAttempts)).
		WithStage(stage.ID).WithAgent(agentID).WithCause(lastErr)
}

// classify maps a call result onto the closed StepResult union so the
// retry loop's decision is total.
func classify(resp *types.AgentResponse, err error) types.StepResult {
	if err != nil {
		switch types.GetErrorCode(err) {
		case types.ErrCircularDependency, types.ErrValidation:
			return types.Fatal(err)
		case types.ErrStageTimeout, types.ErrCircuitOpen:
			return types.Retryable(err)
		}
		if types.IsRetryable(err) {
			return types.Retryable(err)
		}
		// Opaque transport and worker errors are retryable by default.
		return types.Retryable(err)
	}
	if resp == nil {
		return types.Retryable(types.NewError(types.ErrStageExecution, "agent returned no response"))
	}
	if !resp.Success {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "agent reported failure"
		}
		return types.Retryable(types.NewError(types.ErrStageExecution, msg).WithRetryable(true))
	}
	return types.Ok(resp.OutputData, resp.ArtifactsCreated)
}

// completeExecution marks the run completed and persists the final state.
func (e *Engine) completeExecution(ctx context.Context, exec *types.WorkflowExecution) {
	exec.Status = types.StatusCompleted
	completed := e.now()
	exec.CompletedAt = &completed
	if err := e.updateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist completion",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.appendEvent(ctx, exec.ID, types.EventExecutionCompleted, "", map[string]any{
		"stages": len(exec.Context.ExecutedSteps),
	})
	e.appendAudit(ctx, exec.ID, "execution_completed", map[string]any{
		"stages": len(exec.Context.ExecutedSteps),
	})
	e.metrics.ExecutionFinished(types.StatusCompleted)
	e.breakers.Drop(exec.ID)
	e.logger.Info("workflow completed",
		zap.String("execution_id", exec.ID),
		zap.Int("stages", len(exec.Context.ExecutedSteps)))
}

// failExecution marks the run failed, then attempts compensation when
// permitted. A compensation failure never masks the original failure.
func (e *Engine) failExecution(ctx context.Context, exec *types.WorkflowExecution, cause error) {
	exec.Status = types.StatusFailed
	exec.ErrorMessage = cause.Error()
	exec.BreakerState = e.breakers.ExportFor(exec.ID)
	if err := e.updateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist failure",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.appendEvent(ctx, exec.ID, types.EventExecutionFailed, exec.CurrentStage, map[string]any{
		"error": cause.Error(),
	})
	e.appendAudit(ctx, exec.ID, "execution_failed", map[string]any{
		"stage_id": exec.CurrentStage,
		"error":    cause.Error(),
	})
	e.metrics.ExecutionFinished(types.StatusFailed)
	e.logger.Warn("workflow failed",
		zap.String("execution_id", exec.ID),
		zap.String("stage_id", exec.CurrentStage),
		zap.Error(cause))

	if !e.config.AutoRollback || e.coordinator == nil {
		return
	}
	ok, err := e.coordinator.CanRollback(ctx, exec.ID)
	if err != nil || !ok {
		return
	}
	if err := e.RollbackExecution(ctx, exec.ID); err != nil {
		e.logger.Error("automatic rollback failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	e.metrics.ExecutionFinished(types.StatusRolledBack)
}

func (e *Engine) completeLog(ctx context.Context, log *types.ExecutionLog, result types.StepResult, elapsed time.Duration) {
	completed := e.now()
	log.Status = types.LogCompleted
	log.OutputData = result.Output
	log.ArtifactsCreated = result.ArtifactsCreated
	log.DurationMs = elapsed.Milliseconds()
	log.CompletedAt = &completed
	if err := e.store.UpdateLog(ctx, log); err != nil {
		e.logger.Error("failed to complete execution log",
			zap.String("log_id", log.ID), zap.Error(err))
	}
}

func (e *Engine) failLog(ctx context.Context, log *types.ExecutionLog, cause error, elapsed time.Duration) {
	completed := e.now()
	log.Status = types.LogFailed
	log.ErrorMessage = cause.Error()
	log.DurationMs = elapsed.Milliseconds()
	log.CompletedAt = &completed
	if err := e.store.UpdateLog(ctx, log); err != nil {
		e.logger.Error("failed to fail execution log",
			zap.String("log_id", log.ID), zap.Error(err))
	}
}

func (e *Engine) updateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	exec.UpdatedAt = e.now()
	return e.store.UpdateExecution(ctx, exec)
}

func (e *Engine) appendEvent(ctx context.Context, executionID string, typ types.EventType, stageID string, payload map[string]any) {
	err := e.store.AppendEvent(ctx, &types.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        typ,
		StageID:     stageID,
		Payload:     payload,
		CreatedAt:   e.now(),
	})
	if err != nil {
		e.logger.Warn("failed to append event",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (e *Engine) appendAudit(ctx context.Context, executionID, action string, detail map[string]any) {
	err := e.store.AppendAudit(ctx, &types.AuditRecord{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Action:      action,
		Detail:      detail,
		CreatedAt:   e.now(),
	})
	if err != nil {
		e.logger.Warn("failed to append audit record",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// jitterSource returns a uniform [0,1) source when jitter is on; BackoffDelay
// treats a nil source as jitter disabled. The returned func holds rngMu for
// each draw so concurrent executions share the rng safely.
func (e *Engine) jitterSource(cfg types.RetryConfig) func() float64 {
	if !cfg.Jitter {
		return nil
	}
	return func() float64 {
		e.rngMu.Lock()
		defer e.rngMu.Unlock()
		return e.rng.Float64()
	}
}

func agentIDs(agents []*types.AgentDescriptor) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ID)
	}
	return out
}
