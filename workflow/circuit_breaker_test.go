package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blueprinthq/valueflow/types"
)

func newTestBreakers(t *testing.T, threshold int, cooldown time.Duration) (*BreakerManager, *time.Time) {
	t.Helper()
	m := NewBreakerManager(BreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		LatencyThreshold: time.Minute,
	}, nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func failingCall(m *BreakerManager, execID, stageID string) error {
	_, err := m.Call(context.Background(), execID, stageID, 0,
		func(ctx context.Context) (*types.AgentResponse, error) {
			return nil, errors.New("worker exploded")
		})
	return err
}

func succeedingCall(m *BreakerManager, execID, stageID string) error {
	_, err := m.Call(context.Background(), execID, stageID, 0,
		func(ctx context.Context) (*types.AgentResponse, error) {
			return &types.AgentResponse{Success: true}, nil
		})
	return err
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	m, _ := newTestBreakers(t, 3, 30*time.Second)

	for i := 0; i < 3; i++ {
		if err := failingCall(m, "exec-1", "discover"); err == nil {
			t.Fatalf("call %d: expected worker error", i+1)
		}
	}
	if state, ok := m.State("exec-1", "discover"); !ok || state != BreakerOpen {
		t.Fatalf("after %d failures: state = %v, want open", 3, state)
	}

	// Next call fails fast with CIRCUIT_BREAKER_OPEN, worker never invoked.
	invoked := false
	_, err := m.Call(context.Background(), "exec-1", "discover", 0,
		func(ctx context.Context) (*types.AgentResponse, error) {
			invoked = true
			return &types.AgentResponse{Success: true}, nil
		})
	if !types.IsCode(err, types.ErrCircuitOpen) {
		t.Fatalf("open breaker: err = %v, want CIRCUIT_BREAKER_OPEN", err)
	}
	if invoked {
		t.Fatal("open breaker must not invoke the worker")
	}
	if !types.IsRetryable(err) {
		t.Fatal("fast-fail must be retryable")
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	m, _ := newTestBreakers(t, 2, 30*time.Second)

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")
	if state, _ := m.State("exec-1", "discover"); state != BreakerOpen {
		t.Fatal("exec-1/discover should be open")
	}

	// Same stage in another execution is unaffected.
	if err := succeedingCall(m, "exec-2", "discover"); err != nil {
		t.Fatalf("exec-2/discover: %v", err)
	}
	// Another stage in the same execution is unaffected.
	if err := succeedingCall(m, "exec-1", "commit"); err != nil {
		t.Fatalf("exec-1/commit: %v", err)
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	m, now := newTestBreakers(t, 2, 30*time.Second)

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")

	// Still cooling down.
	*now = now.Add(10 * time.Second)
	if err := succeedingCall(m, "exec-1", "discover"); !types.IsCode(err, types.ErrCircuitOpen) {
		t.Fatalf("during cooldown: err = %v, want CIRCUIT_BREAKER_OPEN", err)
	}

	// Cooldown elapsed: one trial call is allowed and closes the breaker.
	*now = now.Add(30 * time.Second)
	if err := succeedingCall(m, "exec-1", "discover"); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if state, _ := m.State("exec-1", "discover"); state != BreakerClosed {
		t.Fatalf("after trial success: state = %v, want closed", state)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	m, now := newTestBreakers(t, 2, 30*time.Second)

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")

	*now = now.Add(31 * time.Second)
	if err := failingCall(m, "exec-1", "discover"); err == nil {
		t.Fatal("trial call should surface the worker error")
	}
	if state, _ := m.State("exec-1", "discover"); state != BreakerOpen {
		t.Fatalf("after trial failure: state = %v, want open again", state)
	}

	// Reopened breaker enforces a fresh cooldown.
	if err := succeedingCall(m, "exec-1", "discover"); !types.IsCode(err, types.ErrCircuitOpen) {
		t.Fatalf("after reopen: err = %v, want CIRCUIT_BREAKER_OPEN", err)
	}
}

func TestBreakerResetOnStageSuccess(t *testing.T) {
	m, _ := newTestBreakers(t, 3, 30*time.Second)

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")
	m.Reset("exec-1", "discover")

	// The streak restarts; two more failures are not enough to open.
	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")
	if state, _ := m.State("exec-1", "discover"); state == BreakerOpen {
		t.Fatal("reset must clear the failure streak")
	}
}

func TestBreakerCallTimeout(t *testing.T) {
	m, _ := newTestBreakers(t, 5, 30*time.Second)
	m.SetClock(time.Now)

	_, err := m.Call(context.Background(), "exec-1", "discover", 20*time.Millisecond,
		func(ctx context.Context) (*types.AgentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if !types.IsCode(err, types.ErrStageTimeout) {
		t.Fatalf("err = %v, want STAGE_TIMEOUT", err)
	}
	if !types.IsRetryable(err) {
		t.Fatal("timeout must be retryable")
	}
}

func TestBreakerSnapshotRoundTrip(t *testing.T) {
	m, now := newTestBreakers(t, 2, 30*time.Second)

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")
	succeedingCall(m, "exec-1", "commit")

	snaps := m.ExportFor("exec-1")
	if len(snaps) != 2 {
		t.Fatalf("exported %d snapshots, want 2", len(snaps))
	}

	// A fresh manager restored from the snapshot keeps the open state and
	// its cooldown anchor.
	restored := NewBreakerManager(BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Second}, nil)
	restored.SetClock(func() time.Time { return *now })
	restored.ImportFor("exec-1", snaps)

	if state, ok := restored.State("exec-1", "discover"); !ok || state != BreakerOpen {
		t.Fatalf("restored state = %v, want open", state)
	}
	if err := succeedingCall(restored, "exec-1", "discover"); !types.IsCode(err, types.ErrCircuitOpen) {
		t.Fatalf("restored breaker should still fail fast, got %v", err)
	}

	*now = now.Add(31 * time.Second)
	if err := succeedingCall(restored, "exec-1", "discover"); err != nil {
		t.Fatalf("restored breaker trial after cooldown: %v", err)
	}
}

func TestBreakerTransitionHook(t *testing.T) {
	m, now := newTestBreakers(t, 2, 30*time.Second)

	type change struct{ from, to BreakerState }
	got := make(chan change, 8)
	m.OnTransition(func(executionID, stageID string, from, to BreakerState) {
		got <- change{from, to}
	})

	failingCall(m, "exec-1", "discover")
	failingCall(m, "exec-1", "discover")
	*now = now.Add(31 * time.Second)
	succeedingCall(m, "exec-1", "discover")

	// Hooks fire asynchronously, so assert on the set of observed changes.
	seen := make(map[change]int)
	for i := 0; i < 3; i++ {
		select {
		case c := <-got:
			seen[c]++
		case <-time.After(2 * time.Second):
			t.Fatalf("hook called %d times, want 3", i)
		}
	}
	for _, expected := range []change{
		{BreakerClosed, BreakerOpen},
		{BreakerOpen, BreakerHalfOpen},
		{BreakerHalfOpen, BreakerClosed},
	} {
		if seen[expected] != 1 {
			t.Fatalf("transition %v→%v observed %d times, want 1", expected.from, expected.to, seen[expected])
		}
	}
}
