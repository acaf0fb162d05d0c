// Package protocol defines the envelopes exchanged on the workflow execution
// stream and the length-prefixed framing that carries them.
package protocol

import "github.com/seantiz/ember/internal/model"

// Envelope types.
const (
	TypeStart = "start"
	TypeRun   = "run"
	TypeError = "error"
)

// StartRequest asks the server to start a workflow and, when Monitor is set,
// to push the resulting run back on the same stream.
type StartRequest struct {
	RequestID      string                      `json:"requestId"`
	IdempotencyKey string                      `json:"idempotencyKey,omitempty"`
	Monitor        bool                        `json:"monitor"`
	WaitUntilTask  string                      `json:"waitUntilTask,omitempty"`
	Request        *model.StartWorkflowRequest `json:"request"`
}

// ErrorEvent reports that the server could not start or finish a request.
type ErrorEvent struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// Envelope is the single message shape on the stream. Exactly one of the
// payload fields is set, matching Type.
type Envelope struct {
	Type  string             `json:"type"`
	Start *StartRequest      `json:"start,omitempty"`
	Run   *model.WorkflowRun `json:"run,omitempty"`
	Error *ErrorEvent        `json:"error,omitempty"`
}

// RequestID returns the correlation id carried by whichever payload is set.
func (e *Envelope) RequestID() string {
	switch {
	case e.Start != nil:
		return e.Start.RequestID
	case e.Run != nil:
		return e.Run.RequestID
	case e.Error != nil:
		return e.Error.RequestID
	default:
		return ""
	}
}
