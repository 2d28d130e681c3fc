package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/notify"
	apperrors "github.com/bazaarlab/notisync/pkg/errors"
	"github.com/bazaarlab/notisync/pkg/logger"
	"github.com/bazaarlab/notisync/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB
)

// StateHandler observes push-connection transitions. connected=false carries
// the error that dropped the connection, nil on clean disconnect.
type StateHandler func(connected bool, err error)

type eventHandler struct {
	id int64
	fn func(json.RawMessage)
}

// SocketClient maintains at most one live push connection, scoped to the
// authenticated user. It does not reconnect by itself; the sync controller
// owns the retry policy.
type SocketClient struct {
	endpoint string
	token    string

	// writeMu serializes frame writes; gorilla/websocket allows only one
	// concurrent writer per connection.
	writeMu  sync.Mutex
	mu       sync.Mutex
	conn     *websocket.Conn
	userID   string
	connID   string
	done     chan struct{}
	handlers map[string][]eventHandler
	nextID   int64
	onState  StateHandler

	log *zap.Logger
}

// NewSocketClient constructs a push client for the supplied websocket URL.
func NewSocketClient(endpoint, token string) (*SocketClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("transport: socket endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, apperrors.ErrTransport.WithInternal(err)
	}

	return &SocketClient{
		endpoint: endpoint,
		token:    token,
		handlers: make(map[string][]eventHandler),
		log:      logger.WithModule("transport.socket"),
	}, nil
}

// SetStateHandler registers the connection-state observer. Must be called
// before Connect.
func (c *SocketClient) SetStateHandler(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect opens the push connection bound to the user's room. Calling it
// while already connected for the same user is a no-op; a different user
// tears down the old connection first.
func (c *SocketClient) Connect(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("transport: user id is required")
	}

	c.mu.Lock()
	if c.conn != nil {
		if c.userID == userID {
			c.mu.Unlock()
			return nil
		}
		c.closeLocked(nil)
	}
	c.mu.Unlock()

	target, err := url.Parse(c.endpoint)
	if err != nil {
		return apperrors.ErrTransport.WithInternal(err)
	}
	query := target.Query()
	query.Set("user", userID)
	if c.token != "" {
		query.Set("token", c.token)
	}
	target.RawQuery = query.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		metrics.Reconnects.WithLabelValues("failure").Inc()
		return apperrors.ErrTransport.WithInternal(err)
	}
	metrics.Reconnects.WithLabelValues("success").Inc()

	// Per-dial id so reconnect attempts can be told apart in the logs.
	connID := uuid.NewString()

	c.mu.Lock()
	c.conn = conn
	c.userID = userID
	c.connID = connID
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// Bind to the user's room before any event can be missed.
	if err := c.Emit(notify.EmitJoin, notify.JoinPayload{UserID: userID}); err != nil {
		c.Disconnect()
		return err
	}

	go c.readLoop(conn)
	go c.pingLoop(conn, done)

	c.notifyState(true, nil)
	c.log.Info("push connection established",
		zap.String("user_id", userID),
		zap.String("conn_id", connID))
	return nil
}

// Connected reports whether a live push connection exists.
func (c *SocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the push connection and releases its resources. Safe to
// call repeatedly and on every exit path.
func (c *SocketClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(nil)
}

// OnEvent registers a handler for a named push event. The returned function
// unregisters the handler; callers must invoke it on teardown so handlers do
// not leak across reconnects.
func (c *SocketClient) OnEvent(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], eventHandler{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		registered := c.handlers[event]
		for i, h := range registered {
			if h.id == id {
				c.handlers[event] = append(registered[:i], registered[i+1:]...)
				break
			}
		}
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Emit sends an event envelope to the server.
func (c *SocketClient) Emit(event string, payload any) error {
	env, err := notify.NewEnvelope(event, payload)
	if err != nil {
		return apperrors.ErrTransport.WithInternal(err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return apperrors.ErrTransport
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return apperrors.ErrTransport.WithInternal(err)
	}
	return nil
}

func (c *SocketClient) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			dropped := c.conn == conn
			connID := c.connID
			if dropped {
				c.closeLocked(err)
			}
			c.mu.Unlock()
			if dropped && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("push connection dropped", zap.Error(err), zap.String("conn_id", connID))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var env notify.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.Debug("invalid push payload", zap.Error(err))
			continue
		}

		c.dispatch(env)
	}
}

func (c *SocketClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *SocketClient) dispatch(env notify.Envelope) {
	c.mu.Lock()
	registered := make([]eventHandler, len(c.handlers[env.Event]))
	copy(registered, c.handlers[env.Event])
	c.mu.Unlock()

	if len(registered) == 0 {
		c.log.Debug("unhandled push event", zap.String("event", env.Event))
		return
	}

	metrics.PushEvents.WithLabelValues(env.Event).Inc()
	for _, h := range registered {
		h.fn(env.Data)
	}
}

// closeLocked tears down the live connection. Callers hold c.mu.
func (c *SocketClient) closeLocked(cause error) error {
	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil
	c.userID = ""
	c.connID = ""
	if c.done != nil {
		close(c.done)
		c.done = nil
	}

	err := conn.Close()
	go c.notifyState(false, cause)
	return err
}

func (c *SocketClient) notifyState(connected bool, err error) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(connected, err)
	}
}
