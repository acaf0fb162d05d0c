package conductortest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/protocol"
)

// StreamServer answers workflow start requests on the execution stream. Each
// monitored start is completed with a COMPLETED run whose output echoes its
// input, unless the workflow name was registered with Fail or Hold.
type StreamServer struct {
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	failing  map[string]string
	held     map[string]bool
	started  int
	closed   bool
}

// NewStreamServer returns a stream server that is not yet listening.
func NewStreamServer(logger *slog.Logger) *StreamServer {
	return &StreamServer{
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		failing: make(map[string]string),
		held:    make(map[string]bool),
	}
}

// Fail makes every start of workflow name answer with an error envelope.
func (s *StreamServer) Fail(name, message string) {
	s.mu.Lock()
	s.failing[name] = message
	s.mu.Unlock()
}

// Hold makes starts of workflow name go unanswered.
func (s *StreamServer) Hold(name string) {
	s.mu.Lock()
	s.held[name] = true
	s.mu.Unlock()
}

// Started returns the number of start requests received.
func (s *StreamServer) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// DropConnections closes every open stream without stopping the listener.
func (s *StreamServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

// Serve accepts connections on l until Close. It returns nil after Close.
func (s *StreamServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

// Close stops the listener and drops every connection.
func (s *StreamServer) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	s.DropConnections()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (s *StreamServer) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *StreamServer) handleConnection(conn net.Conn) {
	defer s.forget(conn)

	reader := bufio.NewReader(conn)
	codec, err := acceptHello(conn, reader)
	if err != nil {
		s.logger.Warn("stream handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	s.logger.Debug("stream connected", "remote", conn.RemoteAddr().String(), "codec", codec.ContentType())

	var writeMu sync.Mutex
	send := func(env *protocol.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := protocol.WriteFrame(conn, codec, env); err != nil {
			s.logger.Debug("stream write failed", "error", err)
		}
	}

	for {
		var env protocol.Envelope
		if err := protocol.ReadFrame(reader, codec, &env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("stream read failed", "error", err)
			}
			return
		}
		if reply := s.answer(&env); reply != nil {
			send(reply)
		}
	}
}

// acceptHello reads "HELLO <content-type>" and replies OK when the codec is
// known.
func acceptHello(conn net.Conn, reader *bufio.Reader) (protocol.Codec, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read HELLO: %w", err)
	}
	contentType, ok := strings.CutPrefix(strings.TrimSpace(line), "HELLO ")
	if !ok {
		fmt.Fprintf(conn, "ERR expected HELLO\n")
		return nil, fmt.Errorf("unexpected greeting %q", strings.TrimSpace(line))
	}
	codec, err := protocol.Lookup(contentType)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return nil, err
	}
	if _, err := io.WriteString(conn, "OK\n"); err != nil {
		return nil, fmt.Errorf("send OK: %w", err)
	}
	return codec, nil
}

// answer returns the reply for an inbound envelope, or nil when none is due.
func (s *StreamServer) answer(env *protocol.Envelope) *protocol.Envelope {
	if env.Type != protocol.TypeStart || env.Start == nil {
		return &protocol.Envelope{
			Type: protocol.TypeError,
			Error: &protocol.ErrorEvent{
				RequestID: env.RequestID(),
				Code:      "BAD_REQUEST",
				Message:   fmt.Sprintf("unexpected envelope type %q", env.Type),
			},
		}
	}

	start := env.Start
	if start.Request == nil || start.Request.Name == "" {
		return &protocol.Envelope{
			Type: protocol.TypeError,
			Error: &protocol.ErrorEvent{
				RequestID: start.RequestID,
				Code:      "BAD_REQUEST",
				Message:   "workflow name is required",
			},
		}
	}

	s.mu.Lock()
	s.started++
	message, failing := s.failing[start.Request.Name]
	held := s.held[start.Request.Name]
	s.mu.Unlock()

	switch {
	case failing:
		return &protocol.Envelope{
			Type: protocol.TypeError,
			Error: &protocol.ErrorEvent{
				RequestID: start.RequestID,
				Code:      "WORKFLOW_FAILED",
				Message:   message,
			},
		}
	case held, !start.Monitor:
		return nil
	}

	now := time.Now().UnixMilli()
	req := start.Request
	return &protocol.Envelope{
		Type: protocol.TypeRun,
		Run: &model.WorkflowRun{
			RequestID:     start.RequestID,
			WorkflowID:    model.NewID(),
			CorrelationID: req.CorrelationID,
			Status:        model.WorkflowStatusCompleted,
			Input:         req.Input,
			Output:        maps.Clone(req.Input),
			CreateTime:    now,
			UpdateTime:    now,
		},
	}
}
