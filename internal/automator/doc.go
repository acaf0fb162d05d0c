// Package automator runs registered workers against the orchestration
// server. Each task type gets its own runner: a fixed-delay poll loop feeding
// a bounded pool of worker goroutines, with result updates retried on
// transport failure and a graceful, idempotent shutdown.
package automator
