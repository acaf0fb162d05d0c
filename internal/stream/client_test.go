package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/ember/internal/completion"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/protocol"
)

// fakeConn records sent envelopes and hands them to respond, if set.
type fakeConn struct {
	state     atomic.Int32
	onMessage func(*protocol.Envelope)
	respond   func(c *fakeConn, env *protocol.Envelope)
	sendErr   error

	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if c.respond != nil {
		go c.respond(c, env)
	}
	return nil
}

func (c *fakeConn) State() State { return State(c.state.Load()) }

func (c *fakeConn) Close() error {
	c.state.Store(int32(StateShutdown))
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeDialer hands out fakeConns and fails while failDials > 0.
type fakeDialer struct {
	respond   func(c *fakeConn, env *protocol.Envelope)
	failDials atomic.Int32
	dials     atomic.Int32
	delay     time.Duration

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, onMessage func(*protocol.Envelope)) (Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.failDials.Load() > 0 {
		d.failDials.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{onMessage: onMessage, respond: d.respond}
	c.state.Store(int32(StateReady))
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// completeRun answers every start request with a COMPLETED run echoing its input.
func completeRun(c *fakeConn, env *protocol.Envelope) {
	c.onMessage(&protocol.Envelope{
		Type: protocol.TypeRun,
		Run: &model.WorkflowRun{
			RequestID:  env.Start.RequestID,
			WorkflowID: "wf-" + env.Start.RequestID,
			Status:     model.WorkflowStatusCompleted,
			Output:     env.Start.Request.Input,
		},
	})
}

func newTestClient(t *testing.T, d *fakeDialer, cfg Config) *Client {
	t.Helper()
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 20 * time.Millisecond
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c, err := NewClient(context.Background(), d, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExecuteWorkflowReturnsRun(t *testing.T) {
	d := &fakeDialer{respond: completeRun}
	c := newTestClient(t, d, Config{})
	require.Equal(t, StateReady, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	run, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{
		Name:  "order",
		Input: map[string]any{"id": "o-1"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, "o-1", run.Output["id"])
	assert.Equal(t, 0, c.Pending())

	sent := d.last().sent[0]
	assert.Equal(t, protocol.TypeStart, sent.Type)
	assert.True(t, sent.Start.Monitor)
	assert.Equal(t, sent.Start.RequestID, sent.Start.IdempotencyKey)
	assert.Equal(t, run.RequestID, sent.Start.RequestID)
}

func TestConcurrentExecutionsAreCorrelated(t *testing.T) {
	d := &fakeDialer{respond: completeRun}
	c := newTestClient(t, d, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Go(func() {
			want := fmt.Sprintf("caller-%d", i)
			run, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{
				Name:  "fanout",
				Input: map[string]any{"caller": want},
			}, "")
			if err != nil {
				errs <- err
				return
			}
			if got := run.Output["caller"]; got != want {
				errs <- fmt.Errorf("caller %d received run for %v", i, got)
			}
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Pending())

	ids := make(map[string]bool)
	for _, env := range d.last().sent {
		assert.False(t, ids[env.Start.RequestID], "correlation id reused")
		ids[env.Start.RequestID] = true
	}
	assert.Len(t, ids, n)
}

func TestRemoteErrorFailsOnlyThatRequest(t *testing.T) {
	d := &fakeDialer{respond: func(c *fakeConn, env *protocol.Envelope) {
		if env.Start.Request.Name == "broken" {
			c.onMessage(&protocol.Envelope{
				Type:  protocol.TypeError,
				Error: &protocol.ErrorEvent{RequestID: env.Start.RequestID, Code: "NOT_FOUND", Message: "no such workflow"},
			})
			return
		}
		completeRun(c, env)
	}}
	c := newTestClient(t, d, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "broken"}, "")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "NOT_FOUND", rerr.Code)
	assert.False(t, IsRetryable(err))

	run, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "fine"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, run.Status)
}

func TestWaitTimeoutCleansUp(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "slow"}, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())

	// A completion arriving after the timeout is dropped.
	conn := d.last()
	reqID := conn.sent[0].Start.RequestID
	conn.onMessage(&protocol.Envelope{
		Type: protocol.TypeRun,
		Run:  &model.WorkflowRun{RequestID: reqID, Status: model.WorkflowStatusCompleted},
	})
	assert.Equal(t, 0, c.Pending())
}

func TestUnknownRequestIDIsDropped(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{})

	p, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.NoError(t, err)

	d.last().onMessage(&protocol.Envelope{
		Type: protocol.TypeRun,
		Run:  &model.WorkflowRun{RequestID: "nobody", Status: model.WorkflowStatusCompleted},
	})
	assert.Equal(t, 1, c.Pending())

	select {
	case <-p.Done():
		t.Fatal("unrelated completion resolved the pending request")
	default:
	}
}

func TestFailFastWhenNotReady(t *testing.T) {
	d := &fakeDialer{respond: completeRun}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour})

	first := d.last()
	first.state.Store(int32(StateTransientFailure))

	_, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.ErrorIs(t, err, ErrStreamUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, first.sentCount())

	// The failed submission kicks the monitor, which reconnects.
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 10*time.Millisecond)
	assert.NotSame(t, first, d.last())
	assert.Equal(t, StateShutdown, first.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "x"}, "")
	assert.NoError(t, err)
}

func TestMonitorReconnectsEveryNonReadyState(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{name: "connecting", state: StateConnecting},
		{name: "transient failure", state: StateTransientFailure},
		{name: "shutdown", state: StateShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{respond: completeRun}
			c := newTestClient(t, d, Config{HealthCheckInterval: 20 * time.Millisecond})
			first := d.last()
			require.Equal(t, int32(1), d.dials.Load())

			first.state.Store(int32(tt.state))

			require.Eventually(t, func() bool { return d.dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
			assert.NotSame(t, first, d.last())
		})
	}
}

func TestFailFastRecoversFromShutdownConn(t *testing.T) {
	d := &fakeDialer{respond: completeRun}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour})

	d.last().state.Store(int32(StateShutdown))

	_, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.ErrorIs(t, err, ErrStreamUnavailable)

	// The kick from the failed submission is enough; the ticker never fires.
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, run.Status)
}

func TestMonitorIdleAfterClose(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{HealthCheckInterval: 10 * time.Millisecond})
	require.NoError(t, c.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, StateShutdown, c.State())
}

func TestWaitPolicyReconnectsInline(t *testing.T) {
	d := &fakeDialer{respond: completeRun}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour, ReconnectPolicy: ReconnectWait})

	d.last().state.Store(int32(StateTransientFailure))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestWaitPolicyDialFailureIsRetryable(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour, ReconnectPolicy: ReconnectWait})

	d.last().state.Store(int32(StateTransientFailure))
	d.failDials.Store(1)

	_, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, c.Pending())
}

func TestSendFailureMarksConnBroken(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour})

	first := d.last()
	first.sendErr = errors.New("broken pipe")

	_, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, c.Pending())

	require.Eventually(t, func() bool { return d.dials.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 10*time.Millisecond)
}

func TestInitialDialFailureIsRecovered(t *testing.T) {
	d := &fakeDialer{}
	d.failDials.Store(2)
	c := newTestClient(t, d, Config{})

	assert.Equal(t, StateTransientFailure, c.State())
	require.Eventually(t, func() bool { return c.State() == StateReady }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, d.dials.Load(), int32(3))
}

func TestConcurrentReconnectDialsOnce(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour})
	require.Equal(t, int32(1), d.dials.Load())

	d.last().state.Store(int32(StateTransientFailure))

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			assert.NoError(t, c.Reconnect(context.Background()))
		})
	}
	wg.Wait()

	assert.Equal(t, int32(2), d.dials.Load())
	assert.Equal(t, StateReady, c.State())
}

func TestReconnectWhenReadyIsNoop(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{HealthCheckInterval: time.Hour})

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestMaxPendingAgeEvicts(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{MaxPendingAge: 30 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.ExecuteWorkflow(ctx, &model.StartWorkflowRequest{Name: "never"}, "")
	require.ErrorIs(t, err, completion.ErrEvicted)
	assert.Equal(t, 0, c.Pending())
}

func TestCloseFailsPending(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Config{})

	p, err := c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, StateShutdown, c.State())

	_, err = c.Submit(&model.StartWorkflowRequest{Name: "x"}, "")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrClientClosed)

	// Idempotent.
	assert.NoError(t, c.Close())
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err := NewClient(context.Background(), &fakeDialer{}, Config{ReconnectPolicy: "sometimes"}, logger)
	assert.Error(t, err)

	_, err = NewClient(context.Background(), nil, Config{}, logger)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "TRANSIENT_FAILURE", StateTransientFailure.String())
	assert.Equal(t, "SHUTDOWN", StateShutdown.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
