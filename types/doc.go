// Package types defines the shared data model for the ValueFlow
// orchestration engine: workflow definitions, execution records, agent
// descriptors, routing results, and the structured error taxonomy.
//
// The package has no dependencies on other ValueFlow packages so that
// every layer (routing, workflow, store, api) can exchange values
// without import cycles.
package types
