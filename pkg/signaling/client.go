package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrConnection is returned when the relay cannot be reached or the handshake fails
	ErrConnection = errors.New("signaling: connection failed")
	// ErrUnavailable is reported once the reconnect attempt cap is exhausted
	ErrUnavailable = errors.New("signaling: unavailable")
	// ErrNotConnected is returned by Send while there is no live connection
	ErrNotConnected = errors.New("signaling: not connected")
	// ErrTokenExpired is returned by Connect when the auth token has already expired
	ErrTokenExpired = errors.New("signaling: auth token expired")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("signaling: client closed")
)

// State is the connection state of a Client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateUnavailable is terminal until the next explicit Connect
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// Handler receives inbound events. Handlers run one at a time in arrival order.
type Handler func(msg Message)

// Subscription identifies a registered handler
type Subscription struct {
	event string
	id    uint64
}

// Config holds signaling client configuration
type Config struct {
	URL               string        // Relay WebSocket URL
	ReconnectAttempts int           // Reconnect attempts before giving up (default 5, negative disables)
	ReconnectDelay    time.Duration // Fixed delay between attempts (default 2s)
	HandshakeTimeout  time.Duration // Dial + welcome timeout (default 10s)
	PingInterval      time.Duration // Keepalive interval (default 25s)
	Logger            *slog.Logger
}

// Client is a thin event envelope over one websocket connection to the relay.
// It keeps at most one live connection and reconnects a bounded number of times.
type Client struct {
	url               string
	reconnectAttempts int
	reconnectDelay    time.Duration
	handshakeTimeout  time.Duration
	pingInterval      time.Duration
	logger            *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	participantID string
	token         string

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]map[uint64]Handler
	nextSubID  atomic.Uint64
	dispatchMu sync.Mutex

	connectGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new signaling client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:               cfg.URL,
		reconnectAttempts: cfg.ReconnectAttempts,
		reconnectDelay:    cfg.ReconnectDelay,
		handshakeTimeout:  cfg.HandshakeTimeout,
		pingInterval:      cfg.PingInterval,
		logger:            cfg.Logger,
		handlers:          make(map[string]map[uint64]Handler),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Connect establishes the relay connection. Calling it while connected, or
// concurrently with another Connect, shares the one live connection.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := checkToken(authToken); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.token = authToken
	c.mu.Unlock()

	_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			c.mu.Unlock()
			return nil, nil
		case StateReconnecting:
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: reconnect in progress", ErrConnection)
		}
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.dial(ctx); err != nil {
			c.setState(StateDisconnected)
			c.dispatch(EventConnectError, ConnectError{Error: err.Error()})
			return nil, err
		}
		return nil, nil
	})
	return err
}

// checkToken rejects tokens whose exp claim is in the past. Tokens that are
// not JWTs are passed through untouched; the relay decides what they mean.
func checkToken(token string) error {
	if token == "" {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// dial opens the websocket, waits for the welcome frame and starts the loops
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.logger.Error("failed to connect to signaling relay", "url", c.url, "error", err)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	participantID, err := c.awaitWelcome(conn)
	if err != nil {
		conn.Close()
		c.logger.Error("signaling handshake failed", "url", c.url, "error", err)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	pongWait := 2 * c.pingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.participantID = participantID
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected to signaling relay", "url", c.url, "participantID", participantID)
	c.dispatch(EventConnected, Welcome{ParticipantID: participantID})

	done := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.keepalive(conn, done)

	return nil
}

// awaitWelcome reads the first frame, which must be the relay's welcome
func (c *Client) awaitWelcome(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Event != EventWelcome {
		return "", fmt.Errorf("expected %s, got %q", EventWelcome, env.Event)
	}

	var welcome Welcome
	if err := json.Unmarshal(env.Data, &welcome); err != nil {
		return "", err
	}
	if welcome.ParticipantID == "" {
		return "", errors.New("welcome without participant id")
	}
	return welcome.ParticipantID, nil
}

// readLoop handles incoming frames until the connection fails
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			c.onConnectionLost(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed signaling frame", "error", err)
			continue
		}

		c.logger.Debug("received signaling event", "event", env.Event)
		c.deliver(Message{Event: env.Event, Data: env.Data})
	}
}

// keepalive sends ping control frames on a jittered interval
func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := jitterbug.New(c.pingInterval, &jitterbug.Norm{Stdev: c.pingInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// onConnectionLost clears the dead connection and starts reconnecting
func (c *Client) onConnectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.ctx.Err() != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("signaling connection lost", "error", cause)
	c.dispatch(EventDisconnected, Disconnected{Reason: cause.Error()})

	c.wg.Add(1)
	go c.reconnect()
}

// reconnect retries the dial with a fixed delay up to the attempt cap
func (c *Client) reconnect() {
	defer c.wg.Done()

	if c.reconnectAttempts < 0 {
		c.giveUp(ErrUnavailable)
		return
	}

	select {
	case <-c.ctx.Done():
		return
	case <-time.After(c.reconnectDelay):
	}

	attempt := 0
	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		attempt++
		c.logger.Info("attempting signaling reconnection", "attempt", attempt, "max", c.reconnectAttempts)
		return struct{}{}, c.dial(c.ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.reconnectDelay)),
		backoff.WithMaxTries(uint(c.reconnectAttempts)),
	)
	if err == nil {
		c.logger.Info("signaling reconnected", "attempts", attempt)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	c.giveUp(fmt.Errorf("%w: %v", ErrUnavailable, err))
}

// giveUp moves the client to the terminal unavailable state
func (c *Client) giveUp(err error) {
	c.setState(StateUnavailable)
	c.logger.Error("signaling unavailable, giving up", "error", err)
	c.dispatch(EventConnectError, ConnectError{Error: err.Error()})
}

// Send writes one event to the relay. Once the client is unavailable
// messages are dropped and Send reports success.
func (c *Client) Send(event string, payload interface{}) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state == StateUnavailable {
		c.logger.Debug("signaling unavailable, dropping message", "event", event)
		return nil
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{event, payload})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("failed to send signaling event", "event", event, "error", err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// On registers a handler for an event
func (c *Client) On(event string, h Handler) Subscription {
	id := c.nextSubID.Add(1)

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	return Subscription{event: event, id: id}
}

// Off removes a handler registered with On. Removing twice is harmless.
func (c *Client) Off(sub Subscription) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if hs, ok := c.handlers[sub.event]; ok {
		delete(hs, sub.id)
		if len(hs) == 0 {
			delete(c.handlers, sub.event)
		}
	}
}

// dispatch delivers a locally generated event
func (c *Client) dispatch(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode local event", "event", event, "error", err)
		return
	}
	c.deliver(Message{Event: event, Data: data})
}

// deliver runs the handlers for msg. dispatchMu keeps every handler call
// serialized so subscribers see one event at a time.
func (c *Client) deliver(msg Message) {
	c.handlersMu.RLock()
	hs := make([]Handler, 0, len(c.handlers[msg.Event]))
	for _, h := range c.handlers[msg.Event] {
		hs = append(hs, h)
	}
	c.handlersMu.RUnlock()

	if len(hs) == 0 {
		return
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

// setState updates the connection state
func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is live
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// ID returns the participant id assigned by the relay for the current connection
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Close closes the connection and stops reconnecting
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	return nil
}
