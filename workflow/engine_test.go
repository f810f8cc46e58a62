package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/store"
	"github.com/blueprinthq/valueflow/types"
)

// scriptedInvoker fails a stage a fixed number of times before succeeding.
type scriptedInvoker struct {
	mu       sync.Mutex
	failures map[string]int // stage id → remaining failures
	calls    map[string]int
}

func newScriptedInvoker(failures map[string]int) *scriptedInvoker {
	if failures == nil {
		failures = make(map[string]int)
	}
	return &scriptedInvoker{failures: failures, calls: make(map[string]int)}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, stage *types.Stage, execCtx *types.ExecutionContext, route *types.StageRoute) (*types.AgentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[stage.ID]++
	if s.failures[stage.ID] > 0 {
		s.failures[stage.ID]--
		return &types.AgentResponse{Success: false, ErrorMessage: "transient worker failure"}, nil
	}
	return &types.AgentResponse{
		Success:          true,
		OutputData:       map[string]any{"stage": stage.ID},
		ArtifactsCreated: []string{stage.ID + "-artifact"},
	}, nil
}

func (s *scriptedInvoker) callCount(stageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stageID]
}

type engineHarness struct {
	engine  *Engine
	store   *store.MemoryStore
	invoker *scriptedInvoker
	delays  *[]time.Duration
}

func newEngineHarness(t *testing.T, dag *types.WorkflowDAG, failures map[string]int) *engineHarness {
	t.Helper()

	mem := store.NewMemoryStore()
	mem.PutDefinition(dag)

	registry := routing.NewRegistry(time.Minute, nil)
	for _, lc := range types.AllLifecycleStages() {
		if _, err := registry.Register(types.AgentDescriptor{
			ID:           "agent-" + string(lc),
			Lifecycle:    lc,
			Capabilities: []string{string(lc) + "-skill"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	router := routing.NewRouter(registry, nil, nil, 0, nil)
	breakers := NewBreakerManager(BreakerConfig{FailureThreshold: 10, Cooldown: time.Second}, nil)
	invoker := newScriptedInvoker(failures)
	coordinator := NewCoordinator(mem, NewDefaultCompensatorTable(mem, nil), nil)

	var delays []time.Duration
	var mu sync.Mutex
	engine := NewEngine(mem, mem, router, registry, breakers, invoker,
		EngineConfig{MaxConcurrentExecutions: 4, DefaultTimeout: 5 * time.Second, AutoRollback: true},
		zap.NewNop(),
		WithCoordinator(coordinator),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		}),
		WithPredictor(NewHeuristicPredictor(registry)),
	)
	return &engineHarness{engine: engine, store: mem, invoker: invoker, delays: &delays}
}

func twoStageDAG() *types.WorkflowDAG {
	return &types.WorkflowDAG{
		ID:   "value-pipeline",
		Name: "Value Pipeline",
		Stages: []types.Stage{
			{
				ID:          "discover",
				Lifecycle:   types.LifecycleOpportunity,
				Compensable: true,
				Retry:       types.RetryConfig{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2.0},
			},
			{
				ID:          "commit",
				Lifecycle:   types.LifecycleTarget,
				Compensable: true,
				Retry:       types.RetryConfig{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2.0},
			},
		},
		Transitions:  []types.Transition{{From: "discover", To: "commit"}},
		InitialStage: "discover",
		FinalStages:  []string{"commit"},
	}
}

func runToCompletion(t *testing.T, h *engineHarness, definitionID string) string {
	t.Helper()
	id, err := h.engine.ExecuteWorkflow(context.Background(), definitionID, types.RequestContext{}, map[string]any{"account": "acme"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return id
}

func TestEngineHappyPath(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), nil)
	id := runToCompletion(t, h, "value-pipeline")

	exec, err := h.engine.GetExecutionStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", exec.Status, exec.ErrorMessage)
	}
	if exec.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if len(exec.Context.ExecutedSteps) != 2 {
		t.Fatalf("executed steps = %d, want 2", len(exec.Context.ExecutedSteps))
	}
	if exec.Context.ExecutedSteps[0].StageID != "discover" || exec.Context.ExecutedSteps[1].StageID != "commit" {
		t.Errorf("executed steps out of order: %+v", exec.Context.ExecutedSteps)
	}
	if exec.Context.StageOutputs["discover"]["stage"] != "discover" {
		t.Errorf("stage output not merged: %v", exec.Context.StageOutputs)
	}

	logs, err := h.engine.GetExecutionLogs(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2 (one attempt per stage)", len(logs))
	}
	for _, log := range logs {
		if log.Status != types.LogCompleted {
			t.Errorf("log %s/%d status = %s", log.StageID, log.Attempt, log.Status)
		}
	}
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), map[string]int{"commit": 2})
	id := runToCompletion(t, h, "value-pipeline")

	exec, err := h.engine.GetExecutionStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed after retries", exec.Status)
	}
	if got := h.invoker.callCount("commit"); got != 3 {
		t.Errorf("commit called %d times, want 3", got)
	}

	logs, _ := h.engine.GetExecutionLogs(context.Background(), id)
	var commitLogs []*types.ExecutionLog
	for _, log := range logs {
		if log.StageID == "commit" {
			commitLogs = append(commitLogs, log)
		}
	}
	if len(commitLogs) != 3 {
		t.Fatalf("commit logs = %d, want one row per attempt", len(commitLogs))
	}
	if commitLogs[0].Status != types.LogFailed || commitLogs[1].Status != types.LogFailed || commitLogs[2].Status != types.LogCompleted {
		t.Errorf("commit log statuses = %s, %s, %s", commitLogs[0].Status, commitLogs[1].Status, commitLogs[2].Status)
	}

	// Two retries means two backoff sleeps following the exponential curve.
	if len(*h.delays) != 2 {
		t.Fatalf("recorded %d backoff sleeps, want 2", len(*h.delays))
	}
	if (*h.delays)[0] != 100*time.Millisecond || (*h.delays)[1] != 200*time.Millisecond {
		t.Errorf("delays = %v, want [100ms 200ms]", *h.delays)
	}
}

func TestEngineExhaustedRetriesRollsBack(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), map[string]int{"commit": 100})
	id := runToCompletion(t, h, "value-pipeline")

	exec, err := h.engine.GetExecutionStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != types.StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back after auto compensation", exec.Status)
	}
	if got := h.invoker.callCount("commit"); got != 3 {
		t.Errorf("commit called %d times, want retry bound of 3", got)
	}

	events, _ := h.engine.GetExecutionEvents(context.Background(), id)
	var sawFailed, sawCompensated, sawRollbackDone bool
	for _, ev := range events {
		switch ev.Type {
		case types.EventExecutionFailed:
			sawFailed = true
		case types.EventStageCompensated:
			if ev.StageID == "discover" {
				sawCompensated = true
			}
		case types.EventRollbackCompleted:
			sawRollbackDone = true
		}
	}
	if !sawFailed || !sawCompensated || !sawRollbackDone {
		t.Errorf("event trail incomplete: failed=%v compensated=%v rollback=%v",
			sawFailed, sawCompensated, sawRollbackDone)
	}
}

func TestEngineDetectsCycle(t *testing.T) {
	dag := &types.WorkflowDAG{
		ID: "looping",
		Stages: []types.Stage{
			{ID: "a", Lifecycle: types.LifecycleOpportunity},
			{ID: "b", Lifecycle: types.LifecycleTarget},
			{ID: "end", Lifecycle: types.LifecycleIntegrity},
		},
		Transitions: []types.Transition{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
		InitialStage: "a",
		FinalStages:  []string{"end"},
	}

	h := newEngineHarness(t, dag, nil)
	id := runToCompletion(t, h, "looping")

	exec, err := h.engine.GetExecutionStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed on cycle", exec.Status)
	}
	// a and b each ran exactly once before the revisit was caught.
	if h.invoker.callCount("a") != 1 || h.invoker.callCount("b") != 1 {
		t.Errorf("calls a=%d b=%d, want 1 each", h.invoker.callCount("a"), h.invoker.callCount("b"))
	}
}

func TestEngineUnknownDefinition(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), nil)
	_, err := h.engine.ExecuteWorkflow(context.Background(), "missing", types.RequestContext{}, nil)
	if !types.IsCode(err, types.ErrDefinitionNotFound) {
		t.Fatalf("err = %v, want DEFINITION_NOT_FOUND", err)
	}
}

func TestEngineRejectsInvalidDefinition(t *testing.T) {
	dag := &types.WorkflowDAG{
		ID:           "broken",
		Stages:       []types.Stage{{ID: "a", Lifecycle: types.LifecycleStage("bogus")}},
		InitialStage: "a",
		FinalStages:  []string{"a"},
	}
	h := newEngineHarness(t, twoStageDAG(), nil)
	h.store.PutDefinition(dag)

	_, err := h.engine.ExecuteWorkflow(context.Background(), "broken", types.RequestContext{}, nil)
	if !types.IsCode(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestEngineResumeFromLastStage(t *testing.T) {
	// commit fails until retries run out, then the backlog clears and the
	// resumed run succeeds at the same stage.
	h := newEngineHarness(t, twoStageDAG(), map[string]int{"commit": 3})
	id, err := h.engine.ExecuteWorkflow(context.Background(), "value-pipeline", types.RequestContext{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Drain(drainCtx); err != nil {
		t.Fatal(err)
	}

	exec, _ := h.engine.GetExecutionStatus(context.Background(), id)
	if exec.Status != types.StatusRolledBack {
		t.Fatalf("first run status = %s, want rolled_back", exec.Status)
	}

	// rolled_back executions are terminal and cannot resume.
	if err := h.engine.RetryWorkflowFromLastStage(context.Background(), id); !types.IsCode(err, types.ErrInvalidTransition) {
		t.Fatalf("resume of rolled_back: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngineResumeFailedExecution(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), map[string]int{"commit": 3})

	// Disable auto rollback so the execution stays failed and resumable.
	h.engine.config.AutoRollback = false

	id, err := h.engine.ExecuteWorkflow(context.Background(), "value-pipeline", types.RequestContext{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Drain(drainCtx); err != nil {
		t.Fatal(err)
	}

	exec, _ := h.engine.GetExecutionStatus(context.Background(), id)
	if exec.Status != types.StatusFailed {
		t.Fatalf("first run status = %s, want failed", exec.Status)
	}
	if exec.CurrentStage != "commit" {
		t.Fatalf("current stage = %s, want commit", exec.CurrentStage)
	}

	// The scripted failures are spent; the resumed run completes at commit.
	if err := h.engine.RetryWorkflowFromLastStage(context.Background(), id); err != nil {
		t.Fatalf("RetryWorkflowFromLastStage: %v", err)
	}
	drainCtx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := h.engine.Drain(drainCtx2); err != nil {
		t.Fatal(err)
	}

	exec, _ = h.engine.GetExecutionStatus(context.Background(), id)
	if exec.Status != types.StatusCompleted {
		t.Fatalf("resumed status = %s, want completed (error: %s)", exec.Status, exec.ErrorMessage)
	}
}

func TestEngineJitterSourceSafeAcrossExecutions(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), nil)
	cfg := types.RetryConfig{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2.0, Jitter: true}

	// Concurrent retry loops share one rng; every draw must stay inside the
	// jitter envelope and the race detector must stay quiet.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d := BackoffDelay(cfg, 2, h.engine.jitterSource(cfg))
				lo := time.Duration(200*(1-jitterFraction)) * time.Millisecond
				hi := time.Duration(200*(1+jitterFraction)) * time.Millisecond
				if d < lo || d > hi {
					t.Errorf("jittered delay %v outside [%v, %v]", d, lo, hi)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestEnginePreviewRouteCarriesPrediction(t *testing.T) {
	h := newEngineHarness(t, twoStageDAG(), nil)

	route, err := h.engine.PreviewRoute(context.Background(), "value-pipeline", "discover", types.RequestContext{})
	if err != nil {
		t.Fatalf("PreviewRoute: %v", err)
	}
	if route.Prediction == nil {
		t.Fatal("preview route carries no prediction")
	}
	if route.Prediction.SuccessProbability <= 0 || route.Prediction.SuccessProbability > 1 {
		t.Errorf("success probability = %f, want in (0, 1]", route.Prediction.SuccessProbability)
	}
	if route.Prediction.Basis == "" {
		t.Error("prediction basis is empty")
	}

	// Previewing again yields the same prediction; the heuristic is
	// deterministic for an unchanged pool.
	again, err := h.engine.PreviewRoute(context.Background(), "value-pipeline", "discover", types.RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if *again.Prediction != *route.Prediction {
		t.Errorf("prediction not deterministic: %+v vs %+v", again.Prediction, route.Prediction)
	}
}
