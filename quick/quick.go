// Package quick provides a convenience entry point for embedding the
// valueflow engine with minimal boilerplate: in-memory stores, default
// configuration, and an HTTP invoker.
//
// Usage:
//
//	import "github.com/blueprinthq/valueflow/quick"
//
//	vf, err := quick.New()
//	vf.Store.PutDefinition(dag)
//	vf.Registry.Register(agentDescriptor)
//	id, err := vf.Engine.ExecuteWorkflow(ctx, dag.ID, types.RequestContext{}, nil)
//
// State lives in process memory, so quick is suited to tests, examples, and
// single-node embedding. Production deployments should wire the engine with
// the GORM store and Redis sessions instead (see cmd/valueflow).
package quick

import (
	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/store"
	"github.com/blueprinthq/valueflow/workflow"

	"go.uber.org/zap"
)

// Option configures the engine created by New.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	engineConfig workflow.EngineConfig
	breakers     workflow.BreakerConfig
	weights      routing.ScoreWeights
	invoker      workflow.AgentInvoker
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEngineConfig overrides the engine configuration.
func WithEngineConfig(cfg workflow.EngineConfig) Option {
	return func(o *options) { o.engineConfig = cfg }
}

// WithBreakerConfig overrides the circuit breaker configuration.
func WithBreakerConfig(cfg workflow.BreakerConfig) Option {
	return func(o *options) { o.breakers = cfg }
}

// WithScoreWeights overrides the routing score weights.
func WithScoreWeights(w routing.ScoreWeights) Option {
	return func(o *options) { o.weights = w }
}

// WithInvoker replaces the HTTP invoker, e.g. with an in-process one for
// tests.
func WithInvoker(inv workflow.AgentInvoker) Option {
	return func(o *options) { o.invoker = inv }
}

// ValueFlow bundles an engine with the in-memory components behind it.
type ValueFlow struct {
	Engine   *workflow.Engine
	Registry *routing.Registry
	Store    *store.MemoryStore
}

// New creates a fully wired in-memory engine.
func New(opts ...Option) (*ValueFlow, error) {
	o := &options{
		logger:       zap.NewNop(),
		engineConfig: workflow.DefaultEngineConfig(),
		breakers:     workflow.DefaultBreakerConfig(),
		weights:      routing.DefaultScoreWeights(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.invoker == nil {
		o.invoker = workflow.NewHTTPInvoker(nil, o.logger)
	}

	mem := store.NewMemoryStore()
	registry := routing.NewRegistry(routing.DefaultHeartbeatTimeout, o.logger)
	scorer := routing.NewScorer(o.weights)
	router := routing.NewRouter(registry, scorer, routing.NewMemorySessionStore(), 0, o.logger)
	breakers := workflow.NewBreakerManager(o.breakers, o.logger)

	table := workflow.NewDefaultCompensatorTable(mem, o.logger)
	coordinator := workflow.NewCoordinator(mem, table, o.logger)

	engine := workflow.NewEngine(
		mem, mem, router, registry, breakers, o.invoker,
		o.engineConfig, o.logger,
		workflow.WithCoordinator(coordinator),
		workflow.WithPredictor(workflow.NewHeuristicPredictor(registry)),
	)

	return &ValueFlow{
		Engine:   engine,
		Registry: registry,
		Store:    mem,
	}, nil
}
