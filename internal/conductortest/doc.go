// Package conductortest provides an in-memory orchestration server for tests
// and local runs. Server speaks the task polling HTTP API and StreamServer
// speaks the framed workflow execution stream.
package conductortest
