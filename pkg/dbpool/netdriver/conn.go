package netdriver

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tbxark/dbpool/pkg/dbpool/proto"
)

// Conn is the raw connection produced by the tcp and mux drivers. It carries
// request/response frames over an authenticated TCP connection or yamux stream.
type Conn struct {
	conn      net.Conn
	sessionID string

	mu     sync.Mutex // serializes round trips
	broken bool       // a round trip failed mid-flight; guarded by mu

	closeOnce sync.Once
	closeErr  error
	onClose   func() error
}

func newConn(conn net.Conn, sessionID string, onClose func() error) *Conn {
	if onClose == nil {
		onClose = conn.Close
	}
	return &Conn{
		conn:      conn,
		sessionID: sessionID,
		onClose:   onClose,
	}
}

// SessionID returns the id the backend assigned during the handshake.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// NetConn exposes the underlying connection or stream.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// RoundTrip writes payload as one frame and reads one frame back.
// Cancelling ctx aborts the I/O in progress. Once a round trip has failed
// after touching the wire, the reply stream can no longer be trusted: the
// connection is closed and every later call returns ErrConnBroken.
func (c *Conn) RoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, ErrConnBroken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(dl); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}()

	if err := proto.WriteFrame(c.conn, payload); err != nil {
		c.markBroken()
		return nil, ctxErrOr(ctx, err)
	}
	resp, err := proto.ReadFrame(c.conn)
	if err != nil {
		c.markBroken()
		return nil, ctxErrOr(ctx, err)
	}
	return resp, nil
}

// markBroken must be called with mu held.
func (c *Conn) markBroken() {
	c.broken = true
	_ = c.Close()
}

// Close closes the connection. Later calls return the first call's result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.onClose()
	})
	return c.closeErr
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The socket deadline can fire a moment before the context notices.
	if dl, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}
