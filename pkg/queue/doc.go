// Package queue delivers pipeline work units over Redis with
// at-least-once semantics: leases with a visibility timeout, capped
// exponential retry backoff, and a dead letter list per queue.
package queue
