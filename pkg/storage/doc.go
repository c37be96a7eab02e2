// Package storage persists tasks and task-relation edges.
//
// The store is the single writer-serialization point for task state:
// status transitions are validated at write time and illegal
// back-edges (e.g. Completed -> Running) are rejected with
// ErrIllegalTransition. Edge upserts are idempotent.
package storage
