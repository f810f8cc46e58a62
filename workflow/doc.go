// Package workflow implements the saga-style execution engine: it walks a
// workflow DAG stage by stage, routes each stage to a capability-matched
// agent, wraps every call in a per-stage circuit breaker, retries failures
// with exponential backoff, and runs compensating actions across completed
// stages when the overall process ultimately fails.
//
// The engine persists all execution state through the DefinitionStore and
// ExecutionStore interfaces; package store provides the GORM-backed and
// in-memory implementations. Agent selection is delegated to package
// routing, remote calls to an AgentInvoker.
//
// One execution's stage loop is strictly sequential; separate executions
// run concurrently on their own goroutines, bounded by a weighted
// semaphore. The registry, breaker manager, and session store are safe for
// that concurrency.
package workflow
