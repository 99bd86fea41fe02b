// Package backend is a small reference server for the dbpool protocol. It
// authenticates connections with a single user/password, serves a fixed set
// of database names, and echoes every frame back to the sender. It exists so
// the network drivers and the pool can be exercised end to end.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/proto"
)

const handshakeTimeout = 5 * time.Second

// Server accepts pool connections, authenticates them and echoes frames on
// plain or multiplexed sessions.
type Server struct {
	cfg         *Config            // Server configuration
	registry    *Registry          // Live sessions
	limiter     *ConnectionLimiter // Client connection limit
	authLimiter *AuthLimiter       // Auth failure tracking per host
	logger      *zap.Logger        // Logger instance

	mu       sync.Mutex
	listener net.Listener
	handlers sync.WaitGroup
}

// NewServer creates a new Server. cfg is expected to be validated.
func NewServer(cfg *Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		registry:    NewRegistry(),
		limiter:     NewConnectionLimiter(cfg.MaxClients),
		authLimiter: NewAuthLimiter(cfg.MaxAuthFailures, cfg.AuthBlockDuration),
		logger:      common.OrNop(logger),
	}
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Backend listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the listener opened by Listen until ctx is
// cancelled, then closes every session and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("backend: Serve called before Listen")
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down backend")
			_ = listener.Close()
		case <-done:
		}
	}()

	defer func() {
		s.registry.CloseAll()
		s.handlers.Wait()
		s.authLimiter.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs a client connection through the handshake and then serves
// frames until the client goes away or the session is closed.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	remoteAddr := conn.RemoteAddr().String()
	host := remoteHost(conn)
	logger := s.logger.With(zap.String("remote_addr", remoteAddr))

	if s.authLimiter.IsBlocked(host) {
		logger.Warn("Rejecting connection from blocked host")
		return
	}

	if !s.limiter.Acquire() {
		logger.Warn("Client limit reached", zap.Int("max_clients", s.cfg.MaxClients))
		sendResponse(conn, proto.StatusBusy, "", "too many clients", logger)
		return
	}
	defer s.limiter.Release()

	if err := common.SetReadDeadline(conn, handshakeTimeout); err != nil {
		logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}

	hello, err := proto.ReadHello(conn)
	if err != nil {
		logger.Warn("Failed to read HELLO message", zap.Error(err))
		sendResponse(conn, proto.StatusBadRequest, "", "invalid HELLO message", logger)
		return
	}

	userOK := common.SecretEqual([]byte(hello.Username), []byte(s.cfg.Username))
	passOK := common.SecretEqual([]byte(hello.Password), []byte(s.cfg.Password))
	if !userOK || !passOK {
		blocked := s.authLimiter.RecordFailure(host)
		logger.Warn("Authentication failed",
			zap.String("username", hello.Username),
			zap.Bool("host_blocked", blocked))
		sendResponse(conn, proto.StatusAuthFail, "", "authentication failed", logger)
		return
	}
	s.authLimiter.Reset(host)

	if !s.cfg.hasDatabase(hello.Database) {
		logger.Warn("Unknown database requested", zap.String("database", hello.Database))
		sendResponse(conn, proto.StatusUnknownDatabase, "", "unknown database "+hello.Database, logger)
		return
	}

	info := SessionInfo{
		ID:          uuid.NewString(),
		Username:    hello.Username,
		Database:    hello.Database,
		RemoteAddr:  remoteAddr,
		Multiplexed: hello.Multiplexed(),
		StartedAt:   time.Now(),
	}
	logger = logger.With(zap.String("session_id", info.ID))

	if !sendResponse(conn, proto.StatusOK, info.ID, "welcome", logger) {
		return
	}

	if err := common.ClearDeadline(conn); err != nil {
		logger.Error("Failed to clear deadline", zap.Error(err))
		return
	}

	if hello.Multiplexed() {
		s.serveSession(conn, info, logger)
	} else {
		s.servePlain(conn, info, logger)
	}
}

func (s *Server) servePlain(conn net.Conn, info SessionInfo, logger *zap.Logger) {
	remove, err := s.registry.Add(info, conn)
	if err != nil {
		logger.Error("Failed to register session", zap.Error(err))
		return
	}
	defer remove()

	logger.Info("Session established",
		zap.String("username", info.Username),
		zap.String("database", info.Database))

	serveFrames(conn, logger)

	logger.Info("Session closed")
}

func (s *Server) serveSession(conn net.Conn, info SessionInfo, logger *zap.Logger) {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.LogOutput = io.Discard

	session, err := yamux.Server(conn, cfg)
	if err != nil {
		logger.Error("Failed to create yamux session", zap.Error(err))
		return
	}

	remove, err := s.registry.Add(info, session)
	if err != nil {
		logger.Error("Failed to register session", zap.Error(err))
		_ = session.Close()
		return
	}
	defer remove()

	logger.Info("Multiplexed session established",
		zap.String("username", info.Username),
		zap.String("database", info.Database))

	streams := NewConnectionLimiter(s.cfg.MaxStreamsPerSession)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := session.Accept()
		if err != nil {
			logger.Info("Multiplexed session closed", zap.Error(err))
			return
		}

		if !streams.Acquire() {
			logger.Warn("Stream limit reached", zap.Int("max_streams", s.cfg.MaxStreamsPerSession))
			_ = stream.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer streams.Release()
			defer func() {
				_ = stream.Close()
			}()
			serveFrames(stream, logger)
		}()
	}
}

// serveFrames echoes frames until the peer closes or an I/O error occurs.
func serveFrames(rw io.ReadWriter, logger *zap.Logger) {
	for {
		payload, err := proto.ReadFrame(rw)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Frame read ended", zap.Error(err))
			}
			return
		}
		if err := proto.WriteFrame(rw, payload); err != nil {
			logger.Debug("Frame write failed", zap.Error(err))
			return
		}
	}
}

func sendResponse(conn net.Conn, status uint8, sessionID, message string, logger *zap.Logger) bool {
	resp := proto.HelloResp{
		Version:   proto.Version,
		Status:    status,
		SessionID: sessionID,
		Message:   message,
	}

	if err := common.SetWriteDeadline(conn, handshakeTimeout); err != nil {
		logger.Error("Failed to set write deadline", zap.Error(err))
		return false
	}

	if err := proto.WriteHelloResp(conn, resp); err != nil {
		logger.Error("Failed to write HELLO_RESP", zap.Uint8("status", status), zap.Error(err))
		return false
	}
	return true
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
