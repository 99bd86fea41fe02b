// Package netdriver provides the "tcp" and "mux" drivers, which open raw
// connections to a dbpool backend. Importing the package registers both in
// driver.Default:
//
//	import _ "github.com/tbxark/dbpool/pkg/dbpool/netdriver"
//
// URLs take the form tcp://host:port/database for either driver.
package netdriver

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/tbxark/dbpool/pkg/dbpool/driver"
	"github.com/tbxark/dbpool/pkg/dbpool/proto"
)

func init() {
	driver.Register("tcp", NewTCPDriver(Options{}))
	driver.Register("mux", NewMuxDriver(Options{}))
}

// TCPDriver opens one authenticated TCP connection per raw connection.
type TCPDriver struct {
	dialer dialer
}

// NewTCPDriver creates a TCPDriver.
func NewTCPDriver(opts Options) *TCPDriver {
	return &TCPDriver{dialer: newDialer(opts)}
}

// Open dials and authenticates a new connection.
func (d *TCPDriver) Open(ctx context.Context, rawURL, username, password string) (driver.RawConn, error) {
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, sessionID, err := d.dialer.connect(ctx, target, username, password, 0)
	if err != nil {
		return nil, err
	}
	return newConn(conn, sessionID, nil), nil
}

// MuxDriver multiplexes raw connections as yamux streams over one
// authenticated TCP connection per (address, user, database). The shared
// session is closed together with its last stream.
type MuxDriver struct {
	dialer dialer

	mu       sync.Mutex
	sessions map[string]*muxSession
}

type muxSession struct {
	key       string
	sess      *yamux.Session
	sessionID string
	streams   int
}

// NewMuxDriver creates a MuxDriver.
func NewMuxDriver(opts Options) *MuxDriver {
	return &MuxDriver{
		dialer:   newDialer(opts),
		sessions: make(map[string]*muxSession),
	}
}

// Open opens a new stream, establishing the shared session first if needed.
// Dialing happens without holding the driver lock; if two callers race to
// create the same session, the loser closes its own and uses the winner's.
func (d *MuxDriver) Open(ctx context.Context, rawURL, username, password string) (driver.RawConn, error) {
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	key := target.Addr + "|" + username + "|" + target.Database

	var fresh *muxSession
	for {
		d.mu.Lock()
		s := d.sessions[key]
		if s == nil || s.sess.IsClosed() {
			if fresh == nil {
				d.mu.Unlock()
				fresh, err = d.newSession(ctx, key, target, username, password)
				if err != nil {
					return nil, err
				}
				continue
			}
			s, fresh = fresh, nil
			d.sessions[key] = s
		}

		conn, err := d.openStream(s)
		d.mu.Unlock()

		if fresh != nil {
			_ = fresh.sess.Close()
		}
		return conn, err
	}
}

// openStream must be called with mu held.
func (d *MuxDriver) openStream(s *muxSession) (driver.RawConn, error) {
	stream, err := s.sess.OpenStream()
	if err != nil {
		if s.streams == 0 {
			_ = s.sess.Close()
			if d.sessions[s.key] == s {
				delete(d.sessions, s.key)
			}
		}
		return nil, err
	}
	s.streams++

	return newConn(stream, s.sessionID, func() error {
		err := stream.Close()
		d.releaseStream(s)
		return err
	}), nil
}

func (d *MuxDriver) newSession(ctx context.Context, key string, target Target, username, password string) (*muxSession, error) {
	conn, sessionID, err := d.dialer.connect(ctx, target, username, password, proto.FlagMultiplex)
	if err != nil {
		return nil, err
	}

	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.LogOutput = io.Discard

	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	d.dialer.opts.Logger.Debug("Yamux session created",
		zap.String("addr", target.Addr),
		zap.String("session_id", sessionID))

	return &muxSession{key: key, sess: sess, sessionID: sessionID}, nil
}

func (d *MuxDriver) releaseStream(s *muxSession) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s.streams--
	if s.streams > 0 {
		return
	}

	_ = s.sess.Close()
	if d.sessions[s.key] == s {
		delete(d.sessions, s.key)
	}
	d.dialer.opts.Logger.Debug("Yamux session closed", zap.String("session_id", s.sessionID))
}

// Sessions reports how many shared sessions are currently open.
func (d *MuxDriver) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
