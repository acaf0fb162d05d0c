// Package stream submits workflow executions over a long-lived bidirectional
// stream and correlates the completions the server pushes back.
package stream

import (
	"context"

	"github.com/seantiz/ember/internal/protocol"
)

// State is the connectivity state of a stream connection.
type State int32

// Connection states.
const (
	StateConnecting State = iota
	StateReady
	StateTransientFailure
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Conn is one established stream to the server.
type Conn interface {
	Send(env *protocol.Envelope) error
	State() State
	Close() error
}

// Dialer opens a new Conn. Every inbound envelope on the returned Conn is
// passed to onMessage from the Conn's read goroutine.
type Dialer interface {
	Dial(ctx context.Context, onMessage func(*protocol.Envelope)) (Conn, error)
}
