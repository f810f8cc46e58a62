// Package store provides the persistence implementations behind the
// workflow engine: a GORM-backed store for production and an in-memory
// store for tests and embedded use. Both satisfy the engine's
// DefinitionStore and ExecutionStore interfaces plus the compensation
// coordinator's ArtifactDeleter.
package store
