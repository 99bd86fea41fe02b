package netdriver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/proto"
)

// Options tunes how the network drivers dial and authenticate.
type Options struct {
	DialTimeout      time.Duration // per attempt, default 3s
	HandshakeTimeout time.Duration // HELLO round trip, default 5s
	MaxRetries       uint64        // extra dial attempts after the first, default 2
	RetryInterval    time.Duration // first backoff interval, default 100ms
	Logger           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	o.Logger = common.OrNop(o.Logger)
	return o
}

type dialer struct {
	opts Options
}

func newDialer(opts Options) dialer {
	return dialer{opts: opts.withDefaults()}
}

// dial opens a TCP connection, retrying refused or timed-out attempts with
// exponential backoff until MaxRetries or ctx runs out.
func (d dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.RetryInterval
	eb.MaxInterval = 10 * d.opts.RetryInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, d.opts.MaxRetries), ctx)

	nd := net.Dialer{Timeout: d.opts.DialTimeout}
	conn, err := backoff.RetryNotifyWithData(func() (net.Conn, error) {
		return nd.DialContext(ctx, "tcp", addr)
	}, b, func(err error, wait time.Duration) {
		d.opts.Logger.Debug("Dial failed, retrying",
			zap.String("addr", addr),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// handshake sends HELLO and waits for an OK HELLO_RESP, returning the session id.
func (d dialer) handshake(ctx context.Context, conn net.Conn, hello proto.Hello) (string, error) {
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if err := proto.WriteHello(conn, hello); err != nil {
		return "", fmt.Errorf("write hello: %w", err)
	}

	resp, err := proto.ReadHelloResp(conn)
	if err != nil {
		return "", fmt.Errorf("read hello response: %w", err)
	}

	if err := common.ClearDeadline(conn); err != nil {
		return "", err
	}

	if resp.Status != proto.StatusOK {
		return "", &HandshakeError{
			Status:  resp.Status,
			Message: resp.Message,
		}
	}

	return resp.SessionID, nil
}

// connect dials target and authenticates; the returned conn is ready for frames
// (or for a yamux session when flags carries proto.FlagMultiplex).
func (d dialer) connect(ctx context.Context, target Target, username, password string, flags uint8) (net.Conn, string, error) {
	conn, err := d.dial(ctx, target.Addr)
	if err != nil {
		return nil, "", err
	}

	hello := proto.NewHello(username, password, target.Database, flags)
	sessionID, err := d.handshake(ctx, conn, hello)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}

	d.opts.Logger.Debug("Connected to backend",
		zap.String("addr", target.Addr),
		zap.String("database", target.Database),
		zap.String("session_id", sessionID),
		zap.Bool("multiplexed", flags&proto.FlagMultiplex != 0))

	return conn, sessionID, nil
}
