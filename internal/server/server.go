// Package server implements the authoritative board synchronization server.
//
// One Server owns the canonical board store and the session registry. Each
// websocket connection gets a read loop and a single writer goroutine
// draining a bounded outbound queue, so delivery is FIFO per connection.
// Mutations are serialized by one lock across validate, apply, broadcast,
// and acknowledge, so no two mutations interleave and broadcast order
// matches mutation order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a random free port.
	Port int

	// SendQueueSize bounds each connection's outbound queue. A connection
	// that falls this far behind is disconnected rather than allowed to
	// block the shared broadcast path.
	SendQueueSize int

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// Seed is the initial board. Nil falls back to board.Seed().
	Seed board.Board

	// Logger for server activity.
	Logger *logrus.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:          3001,
		SendQueueSize: 64,
		WriteTimeout:  5 * time.Second,
		Logger:        logrus.StandardLogger(),
	}
}

// conn is one client connection with its bounded outbound queue.
type conn struct {
	id string
	ws *websocket.Conn

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// enqueue queues a frame for delivery. Reports false when the queue is full
// or the connection is already closed.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once. The read loop observes the
// closed websocket and runs the normal disconnect path.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// Server is the realtime board synchronization server.
type Server struct {
	config   *Config
	store    *board.Store
	sessions *session.Registry
	logger   *logrus.Logger

	// mu serializes the full request cycle of every mutation:
	// resolve user, validate, apply, enqueue broadcast, enqueue ack.
	mu sync.Mutex

	connsMu sync.RWMutex
	conns   map[string]*conn

	nextConnID atomic.Uint64

	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from the given configuration.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		store:    board.NewStore(config.Seed),
		sessions: session.NewRegistry(),
		logger:   config.Logger,
		conns:    make(map[string]*conn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; use Stop for graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.config.Port, err)
	}
	s.listener = ln

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/ws", s.handleWebSocket)
	e.GET("/health", s.handleHealth)

	s.http = &http.Server{
		Handler:     e,
		ReadTimeout: 0, // websocket connections are long-lived
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", ln.Addr().String()).Info("board sync server listening")
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing every client connection.
func (s *Server) Stop() error {
	s.logger.Info("stopping board sync server")

	s.cancel()

	s.connsMu.Lock()
	for _, c := range s.conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	s.connsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("board sync server stopped")
	return nil
}

// Addr returns the listener address, usable once Start has returned.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// ConnectionCount returns the number of joined sessions.
func (s *Server) ConnectionCount() int {
	return s.sessions.Count()
}

// Snapshot returns a copy of the current board, for inspection.
func (s *Server) Snapshot() board.Board {
	return s.store.Snapshot()
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   protocol.Timestamp(time.Now()),
		"connections": s.sessions.Count(),
	})
}

// handleWebSocket upgrades the connection and runs its read loop.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	cn := &conn{
		id:     fmt.Sprintf("conn-%d", s.nextConnID.Add(1)),
		ws:     ws,
		send:   make(chan []byte, s.config.SendQueueSize),
		closed: make(chan struct{}),
	}

	s.connsMu.Lock()
	s.conns[cn.id] = cn
	total := len(s.conns)
	s.connsMu.Unlock()

	s.logger.WithFields(logrus.Fields{"conn": cn.id, "total": total}).Info("client connected")

	s.wg.Add(1)
	go s.writeLoop(cn)

	s.readLoop(cn)
	return nil
}

// readLoop consumes frames until the connection dies, then runs the
// disconnect path.
func (s *Server) readLoop(cn *conn) {
	defer s.disconnect(cn)

	for {
		typ, data, err := cn.ws.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.dispatch(cn, data)
	}
}

// writeLoop drains the outbound queue. A single writer per connection
// preserves FIFO delivery order.
func (s *Server) writeLoop(cn *conn) {
	defer s.wg.Done()

	for {
		select {
		case <-cn.closed:
			return
		case frame := <-cn.send:
			ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
			err := cn.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				cn.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// send marshals an envelope onto the connection's queue. A full queue means
// the consumer is too slow to keep; it is disconnected instead of blocking
// the shared path.
func (s *Server) send(cn *conn, env protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal envelope")
		return
	}
	if !cn.enqueue(frame) {
		s.logger.WithField("conn", cn.id).Warn("outbound queue full, dropping slow consumer")
		cn.close(websocket.StatusPolicyViolation, "too slow")
	}
}

// broadcastExcept delivers an envelope to every connection other than the
// origin. Passing an empty origin id delivers to everyone.
func (s *Server) broadcastExcept(originID string, env protocol.Envelope) {
	s.connsMu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id == originID {
			continue
		}
		targets = append(targets, c)
	}
	s.connsMu.RUnlock()

	for _, c := range targets {
		s.send(c, env)
	}
}

// broadcastAll delivers an envelope to every connection, origin included.
// Used for presence lists, which the joining or leaving side also needs.
func (s *Server) broadcastAll(env protocol.Envelope) {
	s.broadcastExcept("", env)
}

// disconnect unregisters the connection and, if it had joined, announces
// the departure to the survivors.
func (s *Server) disconnect(cn *conn) {
	cn.close(websocket.StatusNormalClosure, "")

	s.connsMu.Lock()
	delete(s.conns, cn.id)
	s.connsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.sessions.Leave(cn.id)
	if !ok {
		s.logger.WithField("conn", cn.id).Info("client disconnected before joining")
		return
	}

	ev, err := protocol.NewEvent(protocol.EventUserLeft, protocol.UserData{User: user},
		user.ID, user.Name, protocol.Timestamp(time.Now()))
	if err != nil {
		s.logger.WithError(err).Error("failed to build user_left event")
	} else if env, err := protocol.Encode(protocol.MessageEvent, 0, ev); err == nil {
		s.broadcastAll(env)
	}

	s.pushPresence()
	s.logger.WithFields(logrus.Fields{"conn": cn.id, "user": user.Name}).Info("user left")
}

// pushPresence broadcasts the refreshed user list to every connection.
// Callers hold s.mu.
func (s *Server) pushPresence() {
	env, err := protocol.Encode(protocol.MessageUsersUpdate, 0, s.sessions.Users())
	if err != nil {
		s.logger.WithError(err).Error("failed to encode users_update")
		return
	}
	s.broadcastAll(env)
}
