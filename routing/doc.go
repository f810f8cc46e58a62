// Package routing selects a capability-matched agent for each workflow
// stage invocation.
//
// The package is built from three parts:
//
//   - Registry: the only source of truth for "is this agent alive and
//     usable". Tracks descriptors, heartbeats, load, and failure streaks.
//   - Scorer: a pure function computing a composite suitability score for a
//     (stage, agent) pair from capability overlap, load, region proximity,
//     and session stickiness.
//   - Router: combines registry and scorer to pick one primary agent and an
//     ordered fallback list, applying sticky sessions and the degraded-pool
//     fallback.
//
// Sticky sessions are kept in a SessionStore; the Redis implementation
// shares routing decisions across engine replicas, the in-memory one serves
// single-process deployments and tests.
package routing
