package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/ember/internal/completion"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/protocol"
)

var (
	// ErrStreamUnavailable is returned when no READY connection can carry a
	// submission. Callers may retry.
	ErrStreamUnavailable = errors.New("stream: connection unavailable")
	// ErrClientClosed is returned by a closed client and fails calls still
	// pending when Close runs.
	ErrClientClosed = errors.New("stream: client closed")
)

// RemoteError is a failure reported by the server for one request.
type RemoteError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("workflow request %s failed: %s: %s", e.RequestID, e.Code, e.Message)
	}
	return fmt.Sprintf("workflow request %s failed: %s", e.RequestID, e.Message)
}

// IsRetryable reports whether err is a transient stream failure after which
// the same request may be submitted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStreamUnavailable)
}

// ReconnectPolicy decides what a submission does when the stream is not READY.
type ReconnectPolicy string

const (
	// ReconnectFailFast triggers a background reconnect and fails the
	// submission with ErrStreamUnavailable.
	ReconnectFailFast ReconnectPolicy = "fail-fast"
	// ReconnectWait reconnects inline and sends on the new connection if it
	// comes up READY within DialTimeout.
	ReconnectWait ReconnectPolicy = "wait"
)

// Config controls a Client.
type Config struct {
	HealthCheckInterval time.Duration
	ReconnectPolicy     ReconnectPolicy
	// MaxPendingAge evicts submissions that have waited longer than this.
	// Zero disables eviction.
	MaxPendingAge time.Duration
	DialTimeout   time.Duration
}

// Defaults for Config.
const (
	DefaultHealthCheckInterval = time.Second
	DefaultDialTimeout         = 5 * time.Second
)

func (c *Config) applyDefaults() error {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReconnectPolicy == "" {
		c.ReconnectPolicy = ReconnectFailFast
	}
	switch {
	case c.HealthCheckInterval < 0:
		return fmt.Errorf("health check interval must be positive, got %s", c.HealthCheckInterval)
	case c.DialTimeout < 0:
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	case c.MaxPendingAge < 0:
		return fmt.Errorf("max pending age must not be negative, got %s", c.MaxPendingAge)
	case c.ReconnectPolicy != ReconnectFailFast && c.ReconnectPolicy != ReconnectWait:
		return fmt.Errorf("unknown reconnect policy %q", c.ReconnectPolicy)
	}
	return nil
}

// connRef lets a Conn live behind an atomic pointer. broken is set when a
// send on the conn failed, whatever the conn itself reports.
type connRef struct {
	conn   Conn
	broken atomic.Bool
}

func (r *connRef) state() State {
	if r.broken.Load() {
		return StateTransientFailure
	}
	return r.conn.State()
}

// Client submits workflow executions on a shared stream and matches the
// pushed completions to their callers by correlation id.
type Client struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger

	conn        atomic.Pointer[connRef]
	reconnectMu sync.Mutex
	writeMu     sync.Mutex
	pending     *completion.Registry[*model.WorkflowRun]

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient dials the stream and starts the connection monitor. ctx bounds
// the initial dial only; the monitor runs until Close. A failed initial dial
// is logged and retried by the monitor.
func NewClient(ctx context.Context, dialer Dialer, cfg Config, logger *slog.Logger) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("stream: nil dialer")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}

	c := &Client{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger,
		pending: completion.NewRegistry[*model.WorkflowRun](),
		kick:    make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	err := c.Reconnect(dialCtx)
	cancel()
	if err != nil {
		logger.Warn("initial stream dial failed, monitor will retry", "error", err)
	}

	c.wg.Go(c.monitor)
	return c, nil
}

// State returns the current connection state without blocking.
func (c *Client) State() State {
	if c.closed.Load() {
		return StateShutdown
	}
	ref := c.conn.Load()
	if ref == nil {
		return StateTransientFailure
	}
	return ref.state()
}

// Pending returns the number of submissions awaiting completion.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Submit sends a start request and returns the handle its completion will be
// delivered to. Every call uses a fresh correlation id, which also serves as
// the request's idempotency key.
func (c *Client) Submit(req *model.StartWorkflowRequest, waitUntilTask string) (*completion.Pending[*model.WorkflowRun], error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if req == nil {
		return nil, errors.New("stream: nil start request")
	}

	id := model.NewRequestID()
	p, err := c.pending.Register(id)
	if err != nil {
		if errors.Is(err, completion.ErrClosed) {
			return nil, ErrClientClosed
		}
		return nil, fmt.Errorf("register request: %w", err)
	}
	pendingRequests.Set(float64(c.pending.Len()))

	ref, err := c.readyConn()
	if err != nil {
		c.abandon(p)
		submissionsTotal.WithLabelValues(resultUnavailable).Inc()
		return nil, err
	}

	env := &protocol.Envelope{
		Type: protocol.TypeStart,
		Start: &protocol.StartRequest{
			RequestID:      id,
			IdempotencyKey: id,
			Monitor:        true,
			WaitUntilTask:  waitUntilTask,
			Request:        req,
		},
	}

	c.writeMu.Lock()
	err = ref.conn.Send(env)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(p)
		ref.broken.Store(true)
		c.triggerReconnect()
		submissionsTotal.WithLabelValues(resultFailure).Inc()
		c.logger.Warn("stream send failed", "request_id", id, "workflow", req.Name, "error", err)
		return nil, fmt.Errorf("%w: send: %w", ErrStreamUnavailable, err)
	}

	submissionsTotal.WithLabelValues(resultSuccess).Inc()
	c.logger.Debug("workflow submitted", "request_id", id, "workflow", req.Name)
	return p, nil
}

// ExecuteWorkflow submits req and waits for its completion. The wait ends
// with ctx's error when ctx is done first.
func (c *Client) ExecuteWorkflow(ctx context.Context, req *model.StartWorkflowRequest, waitUntilTask string) (*model.WorkflowRun, error) {
	p, err := c.Submit(req, waitUntilTask)
	if err != nil {
		return nil, err
	}

	run, err := p.Wait(ctx)
	pendingRequests.Set(float64(c.pending.Len()))
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			completionsTotal.WithLabelValues(resultTimeout).Inc()
			c.logger.Warn("workflow completion wait ended", "request_id", p.ID(), "error", err)
		}
		return nil, err
	}
	return run, nil
}

// Reconnect replaces the connection unless it is already READY. Concurrent
// callers are serialized and re-check the state once they hold the lock, so
// only one dial happens per outage.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}
	old := c.conn.Load()
	if old != nil && old.state() == StateReady {
		return nil
	}

	conn, err := c.dialer.Dial(ctx, c.handleInbound)
	if err != nil {
		reconnectsTotal.WithLabelValues(resultFailure).Inc()
		c.logger.Warn("stream reconnect failed", "error", err)
		return fmt.Errorf("reconnect: %w", err)
	}

	c.conn.Store(&connRef{conn: conn})
	if old != nil {
		old.conn.Close()
	}
	reconnectsTotal.WithLabelValues(resultSuccess).Inc()
	c.logger.Info("stream connected", "state", conn.State().String())
	return nil
}

// Close stops the monitor, closes the connection, and fails every pending
// submission with ErrClientClosed. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()

		c.reconnectMu.Lock()
		ref := c.conn.Swap(nil)
		c.reconnectMu.Unlock()
		if ref != nil {
			err = ref.conn.Close()
		}

		c.pending.Close(ErrClientClosed)
		pendingRequests.Set(0)
		c.logger.Info("stream client closed")
	})
	return err
}

func (c *Client) readyConn() (*connRef, error) {
	if ref := c.conn.Load(); ref != nil && ref.state() == StateReady {
		return ref, nil
	}

	if c.cfg.ReconnectPolicy == ReconnectFailFast {
		c.triggerReconnect()
		return nil, ErrStreamUnavailable
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := c.Reconnect(ctx); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
	}
	if ref := c.conn.Load(); ref != nil && ref.state() == StateReady {
		return ref, nil
	}
	return nil, ErrStreamUnavailable
}

func (c *Client) abandon(p *completion.Pending[*model.WorkflowRun]) {
	c.pending.Deregister(p)
	pendingRequests.Set(float64(c.pending.Len()))
}

func (c *Client) triggerReconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// handleInbound routes a pushed envelope to the submission it answers.
func (c *Client) handleInbound(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRun:
		if env.Run == nil {
			c.logger.Warn("run envelope without payload")
			return
		}
		if c.pending.Resolve(env.Run.RequestID, env.Run) {
			completionsTotal.WithLabelValues(resultRun).Inc()
		} else {
			c.logger.Debug("dropping run for unknown request", "request_id", env.Run.RequestID)
		}
	case protocol.TypeError:
		if env.Error == nil {
			c.logger.Warn("error envelope without payload")
			return
		}
		rerr := &RemoteError{
			RequestID: env.Error.RequestID,
			Code:      env.Error.Code,
			Message:   env.Error.Message,
		}
		if c.pending.Fail(env.Error.RequestID, rerr) {
			completionsTotal.WithLabelValues(resultError).Inc()
		} else {
			c.logger.Debug("dropping error for unknown request", "request_id", env.Error.RequestID)
		}
	default:
		c.logger.Debug("ignoring inbound envelope", "type", env.Type)
	}
	pendingRequests.Set(float64(c.pending.Len()))
}
