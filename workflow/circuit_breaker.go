package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// BreakerClosed allows calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails fast without invoking the worker.
	BreakerOpen
	// BreakerHalfOpen allows a single trial call after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func breakerStateFromString(s string) BreakerState {
	switch s {
	case "open":
		return BreakerOpen
	case "half_open":
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerConfig configures every breaker the manager creates.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many consecutive
	// failures are recorded while closed.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// Cooldown is how long an open breaker rejects calls before allowing a
	// half-open trial.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// LatencyThreshold flags slow calls in logs. Instrumentation only; the
	// per-call timeout is separate.
	LatencyThreshold time.Duration `yaml:"latency_threshold" json:"latency_threshold"`
}

// DefaultBreakerConfig returns the standard breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		LatencyThreshold: 5 * time.Second,
	}
}

// breaker is the per-key state. Guarded by the manager's mutex.
type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	halfOpen bool // trial call in flight
}

// TransitionHook observes breaker state changes, keyed by execution and
// stage. Called outside the manager lock.
type TransitionHook func(executionID, stageID string, from, to BreakerState)

// BreakerManager keeps one circuit breaker per (execution, stage) key,
// created lazily on first call. State is exportable as a snapshot so it can
// be persisted with the execution row and restored after a restart.
type BreakerManager struct {
	mu       sync.Mutex
	breakers map[string]map[string]*breaker // executionID → stageID → breaker
	config   BreakerConfig
	hook     TransitionHook
	now      func() time.Time
	logger   *zap.Logger
}

// NewBreakerManager creates a breaker manager.
func NewBreakerManager(config BreakerConfig, logger *zap.Logger) *BreakerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &BreakerManager{
		breakers: make(map[string]map[string]*breaker),
		config:   config,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// SetClock overrides the cooldown clock. Intended for tests.
func (m *BreakerManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnTransition registers a hook observing state changes.
func (m *BreakerManager) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Call guards one worker call for the (execution, stage) key. An open
// breaker fails fast with a CIRCUIT_BREAKER_OPEN error; otherwise fn runs
// under its own deadline and the result is recorded against the breaker.
// A deadline overrun is returned as a STAGE_TIMEOUT error.
func (m *BreakerManager) Call(
	ctx context.Context,
	executionID, stageID string,
	timeout time.Duration,
	fn func(ctx context.Context) (*types.AgentResponse, error),
) (*types.AgentResponse, error) {
	if err := m.allow(executionID, stageID); err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := m.clock()
	resp, err := fn(callCtx)
	elapsed := m.clock().Sub(start)

	if m.config.LatencyThreshold > 0 && elapsed > m.config.LatencyThreshold {
		m.logger.Warn("slow stage call",
			zap.String("execution_id", executionID),
			zap.String("stage_id", stageID),
			zap.Duration("elapsed", elapsed))
	}

	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		m.recordFailure(executionID, stageID)
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.ErrStageTimeout,
				"stage call exceeded deadline").WithStage(stageID).WithRetryable(true).WithCause(err)
		}
		return nil, err
	}

	m.recordSuccess(executionID, stageID)
	return resp, nil
}

// Reset closes and clears the breaker for the key. Called on stage success.
func (m *BreakerManager) Reset(executionID, stageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stages, ok := m.breakers[executionID]; ok {
		delete(stages, stageID)
	}
}

// State returns the current state for the key; ok is false when no breaker
// exists yet.
func (m *BreakerManager) State(executionID, stageID string) (BreakerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[executionID][stageID]
	if !ok {
		return BreakerClosed, false
	}
	return b.state, true
}

// ExportFor snapshots every breaker belonging to one execution.
func (m *BreakerManager) ExportFor(executionID string) []types.BreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages := m.breakers[executionID]
	if len(stages) == 0 {
		return nil
	}
	out := make([]types.BreakerSnapshot, 0, len(stages))
	for stageID, b := range stages {
		out = append(out, types.BreakerSnapshot{
			StageID:  stageID,
			State:    b.state.String(),
			Failures: b.failures,
			OpenedAt: b.openedAt,
		})
	}
	return out
}

// ImportFor restores breaker state for one execution from a snapshot,
// replacing whatever is in memory for that execution.
func (m *BreakerManager) ImportFor(executionID string, snapshots []types.BreakerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages := make(map[string]*breaker, len(snapshots))
	for _, snap := range snapshots {
		stages[snap.StageID] = &breaker{
			state:    breakerStateFromString(snap.State),
			failures: snap.Failures,
			openedAt: snap.OpenedAt,
		}
	}
	m.breakers[executionID] = stages
}

// Drop discards all breakers of a finished execution.
func (m *BreakerManager) Drop(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, executionID)
}

func (m *BreakerManager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

// allow checks whether a call may proceed, moving an open breaker to
// half-open once the cooldown has elapsed.
func (m *BreakerManager) allow(executionID, stageID string) error {
	m.mu.Lock()

	b := m.get(executionID, stageID)
	switch b.state {
	case BreakerClosed:
		m.mu.Unlock()
		return nil

	case BreakerOpen:
		if m.now().Sub(b.openedAt) >= m.config.Cooldown {
			from := b.state
			b.state = BreakerHalfOpen
			b.halfOpen = true
			m.transition(executionID, stageID, from, BreakerHalfOpen, "cooldown elapsed", b.failures)
			m.mu.Unlock()
			return nil
		}
		remaining := m.config.Cooldown - m.now().Sub(b.openedAt)
		m.mu.Unlock()
		return types.NewError(types.ErrCircuitOpen,
			"circuit breaker open, retry after "+remaining.String()).
			WithStage(stageID).WithRetryable(true)

	case BreakerHalfOpen:
		if b.halfOpen {
			m.mu.Unlock()
			return types.NewError(types.ErrCircuitOpen,
				"circuit breaker half-open, trial call in flight").
				WithStage(stageID).WithRetryable(true)
		}
		b.halfOpen = true
		m.mu.Unlock()
		return nil
	}

	m.mu.Unlock()
	return nil
}

func (m *BreakerManager) recordSuccess(executionID, stageID string) {
	m.mu.Lock()

	b := m.get(executionID, stageID)
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		m.mu.Unlock()

	case BreakerHalfOpen:
		from := b.state
		b.state = BreakerClosed
		b.failures = 0
		b.halfOpen = false
		m.transition(executionID, stageID, from, BreakerClosed, "trial call succeeded", 0)
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

func (m *BreakerManager) recordFailure(executionID, stageID string) {
	m.mu.Lock()

	b := m.get(executionID, stageID)
	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= m.config.FailureThreshold {
			from := b.state
			b.state = BreakerOpen
			b.openedAt = m.now()
			m.transition(executionID, stageID, from, BreakerOpen, "failure threshold crossed", b.failures)
		}
		m.mu.Unlock()

	case BreakerHalfOpen:
		from := b.state
		b.state = BreakerOpen
		b.openedAt = m.now()
		b.halfOpen = false
		m.transition(executionID, stageID, from, BreakerOpen, "trial call failed", b.failures)
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// get returns the breaker for the key, creating it lazily. Caller holds the
// lock.
func (m *BreakerManager) get(executionID, stageID string) *breaker {
	stages, ok := m.breakers[executionID]
	if !ok {
		stages = make(map[string]*breaker)
		m.breakers[executionID] = stages
	}
	b, ok := stages[stageID]
	if !ok {
		b = &breaker{state: BreakerClosed}
		stages[stageID] = b
	}
	return b
}

// transition logs and notifies a state change. Caller holds the lock; the
// hook is invoked asynchronously to avoid deadlocks.
func (m *BreakerManager) transition(executionID, stageID string, from, to BreakerState, reason string, failures int) {
	m.logger.Info("circuit breaker state change",
		zap.String("execution_id", executionID),
		zap.String("stage_id", stageID),
		zap.String("old_state", from.String()),
		zap.String("new_state", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", failures))

	if m.hook != nil {
		hook := m.hook
		go hook(executionID, stageID, from, to)
	}
}
