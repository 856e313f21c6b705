// Package client implements the board sync client: the websocket
// connection with request/acknowledgment pairing and automatic reconnect,
// and the reconciliation layer that applies mutations optimistically,
// rolls them back on failure, and resolves conflicts with remote events by
// last-writer-wins timestamp comparison.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

// Errors surfaced by the client.
var (
	// ErrNotConnected means a request was attempted with no live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout means the server produced no acknowledgment within
	// the configured bound.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionLost means the connection dropped while a request was in
	// flight. The reconnect policy takes over separately.
	ErrConnectionLost = errors.New("connection lost")

	// ErrOperationPending means the task already has a mutation in flight.
	// One in-flight operation per task is enforced.
	ErrOperationPending = errors.New("operation already pending for task")
)

// Config holds client configuration. Defaults: a 10 second acknowledgment
// timeout, five reconnect attempts, one second apart.
type Config struct {
	// URL of the server websocket endpoint, e.g. ws://localhost:3001/ws.
	URL string

	// User is the identity announced in the join message. A zero value gets
	// a generated id and name.
	User session.User

	// RequestTimeout bounds how long a mutation waits for its ack.
	RequestTimeout time.Duration

	// ReconnectAttempts bounds automatic reconnection after a drop.
	ReconnectAttempts int

	// ReconnectDelay is the fixed backoff between attempts.
	ReconnectDelay time.Duration

	// Logger for client activity.
	Logger *logrus.Logger

	// OnBoardChange fires with a copy of the local board after every local
	// or remote change.
	OnBoardChange func(board.Board)

	// OnUsersUpdate fires with the server's presence list.
	OnUsersUpdate func([]session.User)

	// OnEvent fires for every remote event applied or recorded.
	OnEvent func(protocol.Event)

	// OnConflict fires when a pending local operation loses to a newer
	// remote event. A notice, not an error.
	OnConflict func(taskID string, winner protocol.Event)

	// OnConnectionChange fires when the connection is established or lost.
	OnConnectionChange func(connected bool)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		Logger:            logrus.StandardLogger(),
	}
}

// Client is a connected board participant.
type Client struct {
	config *Config
	logger *logrus.Logger
	user   session.User

	rec *Reconciler

	connMu    sync.Mutex
	ws        *websocket.Conn
	connected bool

	nextSeq atomic.Uint64
	ackMu   sync.Mutex
	acks    map[uint64]chan protocol.Ack

	usersMu sync.Mutex
	users   []session.User

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client. Connect must be called before issuing mutations.
func New(config *Config) *Client {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ReconnectAttempts <= 0 {
		config.ReconnectAttempts = defaults.ReconnectAttempts
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	user := config.User
	if user.ID == "" {
		user.ID = "user-" + uuid.NewString()
	}
	if user.Name == "" {
		user.Name = "User " + user.ID[len(user.ID)-4:]
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: config,
		logger: config.Logger,
		user:   user,
		acks:   make(map[uint64]chan protocol.Ack),
		ctx:    ctx,
		cancel: cancel,
	}
	c.rec = newReconciler(c)
	return c
}

// User returns the identity this client joins with.
func (c *Client) User() session.User { return c.user }

// Board returns a copy of the client's current local board state.
func (c *Client) Board() board.Board { return c.rec.Board() }

// Users returns the most recent presence list pushed by the server.
func (c *Client) Users() []session.User {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	out := make([]session.User, len(c.users))
	copy(out, c.users)
	return out
}

// Activity returns the most recent remote events, newest first.
func (c *Client) Activity() []protocol.Event { return c.rec.Activity() }

// MoveTask optimistically moves a task and reconciles with the server.
func (c *Client) MoveTask(ctx context.Context, taskID, fromColumnID, toColumnID string, toIndex int) error {
	return c.rec.MoveTask(ctx, taskID, fromColumnID, toColumnID, toIndex)
}

// CreateTask optimistically inserts a task at the head of the column. A
// task without an id gets a generated one. The created task is returned
// immediately; the error reports the server's verdict.
func (c *Client) CreateTask(ctx context.Context, task board.Task, columnID string) (board.Task, error) {
	return c.rec.CreateTask(ctx, task, columnID)
}

// UpdateTask optimistically replaces a task in place.
func (c *Client) UpdateTask(ctx context.Context, task board.Task) error {
	return c.rec.UpdateTask(ctx, task)
}

// DeleteTask optimistically removes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.rec.DeleteTask(ctx, taskID)
}

// Connect dials the server, joins with the client's identity, and starts
// the read loop. It returns once the join message is on the wire; the
// board_state push arrives asynchronously through OnBoardChange.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()

	c.connMu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.connMu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// dial establishes a connection and sends the join message.
func (c *Client) dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.URL, err)
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	join, err := protocol.Encode(protocol.MessageJoin, 0, protocol.JoinRequest{
		ID:       c.user.ID,
		Name:     c.user.Name,
		Avatar:   c.user.Avatar,
		Initials: c.user.Initials,
	})
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "join encode failed")
		return err
	}
	frame, _ := json.Marshal(join)
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		_ = ws.Close(websocket.StatusAbnormalClosure, "join write failed")
		return fmt.Errorf("failed to send join: %w", err)
	}

	c.connMu.Lock()
	c.ws = ws
	c.connected = true
	c.connMu.Unlock()

	c.notifyConnection(true)
	c.logger.WithField("url", c.config.URL).Info("connected to board sync server")
	return nil
}

// request sends one mutation and waits for its acknowledgment, bounded by
// the configured timeout. Timeout and connection loss are synthesized as
// failures so the caller's pending-operation state machine always
// terminates.
func (c *Client) request(ctx context.Context, typ protocol.MessageType, payload any) error {
	c.connMu.Lock()
	ws := c.ws
	connected := c.connected
	c.connMu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	seq := c.nextSeq.Add(1)
	env, err := protocol.Encode(typ, seq, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ch := make(chan protocol.Ack, 1)
	c.ackMu.Lock()
	c.acks[seq] = ch
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, seq)
		c.ackMu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	err = ws.Write(writeCtx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if !ack.Success {
			return fmt.Errorf("server rejected %s: %s", typ, ack.Error)
		}
		return nil
	case <-timer.C:
		return ErrRequestTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionLost
	}
}

// readLoop consumes server frames until the connection drops, then hands
// over to the reconnect policy.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.connMu.Lock()
		ws := c.ws
		c.connMu.Unlock()
		if ws == nil {
			return
		}

		_, frame, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.handleDisconnect()
			if !c.reconnect() {
				return
			}
			continue
		}

		c.handleFrame(frame)
	}
}

// handleDisconnect fails every in-flight request and flips the connection
// state.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.ws = nil
	c.connected = false
	c.connMu.Unlock()

	c.ackMu.Lock()
	for seq, ch := range c.acks {
		ch <- protocol.Ack{Success: false, Error: ErrConnectionLost.Error()}
		delete(c.acks, seq)
	}
	c.ackMu.Unlock()

	c.notifyConnection(false)
	c.logger.Warn("connection to board sync server lost")
}

// reconnect retries the connection a bounded number of times with a fixed
// backoff, rejoining on success. The fresh board_state push that follows
// supersedes all local optimistic state; events missed while disconnected
// are not replayed.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.config.ReconnectDelay):
		}

		c.logger.WithField("attempt", attempt).Info("reconnecting")
		if err := c.dial(c.ctx); err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			continue
		}
		return true
	}

	c.logger.Error("giving up after maximum reconnect attempts")
	return false
}

// handleFrame routes one server push or acknowledgment.
func (c *Client) handleFrame(frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.WithError(err).Warn("unparseable server frame")
		return
	}

	switch env.Type {
	case protocol.MessageAck:
		var ack protocol.Ack
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			c.logger.WithError(err).Warn("malformed ack")
			return
		}
		c.ackMu.Lock()
		ch, ok := c.acks[env.Seq]
		c.ackMu.Unlock()
		if ok {
			ch <- ack
		}

	case protocol.MessageBoardState:
		var b board.Board
		if err := json.Unmarshal(env.Data, &b); err != nil {
			c.logger.WithError(err).Warn("malformed board_state")
			return
		}
		c.rec.ResetBoard(b)

	case protocol.MessageUsersUpdate:
		var users []session.User
		if err := json.Unmarshal(env.Data, &users); err != nil {
			c.logger.WithError(err).Warn("malformed users_update")
			return
		}
		c.usersMu.Lock()
		c.users = users
		c.usersMu.Unlock()
		if c.config.OnUsersUpdate != nil {
			c.config.OnUsersUpdate(users)
		}

	case protocol.MessageEvent:
		var ev protocol.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			c.logger.WithError(err).Warn("malformed realtime_event")
			return
		}
		c.rec.HandleEvent(ev)

	default:
		c.logger.WithField("type", env.Type).Warn("unknown server message type")
	}
}

func (c *Client) notifyConnection(connected bool) {
	if c.config.OnConnectionChange != nil {
		c.config.OnConnectionChange(connected)
	}
}
