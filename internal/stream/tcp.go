package stream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/ember/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// TCPDialer connects to a stream server over TCP. After connecting it sends
// "HELLO <content-type>\n" and expects "OK\n" before switching to
// length-prefixed frames encoded with Codec.
type TCPDialer struct {
	Addr         string
	Codec        protocol.Codec
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, onMessage func(*protocol.Envelope)) (Conn, error) {
	codec := d.Codec
	if codec == nil {
		codec = protocol.JSON()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}

	reader, err := handshake(ctx, conn, codec.ContentType())
	if err != nil {
		conn.Close()
		return nil, err
	}

	tc := &tcpConn{
		conn:         conn,
		reader:       reader,
		codec:        codec,
		writeTimeout: d.WriteTimeout,
		logger:       logger.With("addr", d.Addr),
	}
	if tc.writeTimeout <= 0 {
		tc.writeTimeout = defaultWriteTimeout
	}
	tc.state.Store(int32(StateReady))

	go tc.readLoop(onMessage)
	return tc, nil
}

// handshake negotiates the codec. The returned reader must be used for all
// later reads so bytes buffered during the handshake are not lost.
func handshake(ctx context.Context, conn net.Conn, contentType string) (*bufio.Reader, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := fmt.Fprintf(conn, "HELLO %s\n", contentType); err != nil {
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read HELLO response: %w", err)
	}

	response = strings.TrimSpace(response)
	if response != "OK" {
		return nil, fmt.Errorf("stream handshake rejected: %s", response)
	}
	return reader, nil
}

type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	codec        protocol.Codec
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
}

func (c *tcpConn) State() State {
	return State(c.state.Load())
}

func (c *tcpConn) Send(env *protocol.Envelope) error {
	if st := c.State(); st != StateReady {
		return fmt.Errorf("send on %s connection", st)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.fail(err)
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, c.codec, env); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateShutdown))
		err = c.conn.Close()
	})
	return err
}

// fail moves a live connection to TRANSIENT_FAILURE and closes the socket.
func (c *tcpConn) fail(cause error) {
	if c.state.CompareAndSwap(int32(StateReady), int32(StateTransientFailure)) {
		c.logger.Warn("stream connection failed", "error", cause)
		c.conn.Close()
	}
}

func (c *tcpConn) readLoop(onMessage func(*protocol.Envelope)) {
	for {
		var env protocol.Envelope
		if err := protocol.ReadFrame(c.reader, c.codec, &env); err != nil {
			// No-op once Close has run.
			c.fail(err)
			return
		}
		if onMessage != nil {
			onMessage(&env)
		}
	}
}
