// Package valueflow provides a top-level convenience entry point for
// embedding the workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/blueprinthq/valueflow"
//
//	vf, err := valueflow.New()
//	vf, err := valueflow.New(valueflow.WithLogger(logger))
//
// This is a thin wrapper around [quick.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package valueflow

import (
	"github.com/blueprinthq/valueflow/quick"
)

// Option configures the engine created by [New].
type Option = quick.Option

// ValueFlow bundles an engine with the in-memory components behind it.
type ValueFlow = quick.ValueFlow

// New creates a fully wired in-memory engine.
func New(opts ...Option) (*ValueFlow, error) {
	return quick.New(opts...)
}

// Re-export options so callers never need to import quick/.

// WithLogger sets a custom zap logger.
var WithLogger = quick.WithLogger

// WithEngineConfig overrides the engine configuration.
var WithEngineConfig = quick.WithEngineConfig

// WithBreakerConfig overrides the circuit breaker configuration.
var WithBreakerConfig = quick.WithBreakerConfig

// WithScoreWeights overrides the routing score weights.
var WithScoreWeights = quick.WithScoreWeights

// WithInvoker replaces the HTTP invoker.
var WithInvoker = quick.WithInvoker
