package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"

	"github.com/gorilla/websocket"
)

// ErrConnectionFailed is the permanent error surfaced once the reconnect
// budget is exhausted. The client will not retry past it; a fresh Connect
// starts over.
var ErrConnectionFailed = errors.New("connection error: reconnect attempts exhausted")

// ErrNotConnected is returned by Send while the connection is not open.
var ErrNotConnected = errors.New("not connected")

// State is the connection lifecycle:
// Disconnected -> Connecting -> Open -> (Closing | Disconnected).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// Handler receives one decoded inbound message.
type Handler func(env models.Envelope, payload any)

// StateHandler observes connection state changes. err is non-nil only for
// the permanent failure after the retry budget is spent.
type StateHandler func(state State, err error)

// Options tunes the client transport.
type Options struct {
	// URL is the ws endpoint, e.g. ws://host/ws/document/doc-1.
	URL string
	// ResourceID tags the frames the transport originates itself (heartbeat,
	// post-reconnect resync).
	ResourceID string
	// LastVersion, when set, reports the highest version the consumer has
	// applied. After a reconnect the transport re-announces the user and asks
	// for everything past that version.
	LastVersion func() uint64
	// HeartbeatInterval spaces protocol-level pings. Advisory only: silence
	// does not close the connection.
	HeartbeatInterval time.Duration
	// Reconnect backoff: initial delay, doubling per attempt up to the cap,
	// for at most MaxReconnectAttempts attempts.
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 1 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	return o
}

// Client owns one persistent connection to the collaboration server:
// handshake, heartbeat, reconnect with backoff, and frame (de)serialization.
// Delivery is at-most-once per attempt; ordering is not preserved across a
// reconnect boundary, so consumers re-join and resync on every reopen.
type Client struct {
	opts   Options
	token  string
	userID string

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	shouldReconnect bool
	done            chan struct{}

	writeMu sync.Mutex

	handlerMu     sync.Mutex
	nextHandlerID int
	handlers      map[string]map[int]Handler
	stateHandlers map[int]StateHandler
}

// NewClient creates a disconnected client for the given endpoint.
func NewClient(opts Options) *Client {
	return &Client{
		opts:          opts.withDefaults(),
		state:         StateDisconnected,
		handlers:      make(map[string]map[int]Handler),
		stateHandlers: make(map[int]StateHandler),
	}
}

// Connect dials the server, sends the authenticate message and starts the
// read and heartbeat loops. A failed initial dial is surfaced directly; once
// open, abnormal closes are retried with exponential backoff.
func (c *Client) Connect(ctx context.Context, credential, userID string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect called in state %s", c.state)
	}
	c.token = credential
	c.userID = userID
	c.shouldReconnect = true
	c.done = make(chan struct{})
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting, nil)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.notifyState(StateDisconnected, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.startSession(conn, false)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", c.userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// startSession installs the connection, authenticates immediately and spawns
// the per-connection loops. A reconnect also re-announces the user and
// requests everything missed since the last applied version: frames are not
// replayed across a reconnect boundary, so the catch-up is explicit.
func (c *Client) startSession(conn *websocket.Conn, reconnected bool) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	if err := c.writeFrame(conn, models.TypeAuthenticate, "", models.AuthenticatePayload{Token: c.token}); err != nil {
		log.Printf("transport: failed to send authenticate: %v", err)
	}
	if reconnected {
		user := models.NewUser(c.userID, "")
		if err := c.writeFrame(conn, models.TypeUserJoin, c.opts.ResourceID, models.UserJoinPayload{User: *user}); err != nil {
			log.Printf("transport: failed to re-announce user: %v", err)
		}
		if c.opts.LastVersion != nil {
			payload := models.SyncRequestPayload{FromVersion: c.opts.LastVersion()}
			if err := c.writeFrame(conn, models.TypeSyncRequest, c.opts.ResourceID, payload); err != nil {
				log.Printf("transport: failed to request resync: %v", err)
			}
		}
	}

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	c.notifyState(StateOpen, nil)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	env, payload, err := models.DecodeMessage(raw)
	if err != nil {
		if errors.Is(err, models.ErrUnknownMessageType) {
			log.Printf("transport: ignoring unknown message type: %v", err)
		} else {
			log.Printf("transport: dropping malformed message: %v", err)
		}
		return
	}

	if env.Type == models.TypePing {
		_ = c.Send(models.TypePong, env.ResourceID, nil)
		return
	}

	c.handlerMu.Lock()
	entries := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		entries = append(entries, h)
	}
	c.handlerMu.Unlock()

	for _, h := range entries {
		h(env, payload)
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.isCurrent(conn) {
				return
			}
			if err := c.writeFrame(conn, models.TypePing, "", nil); err != nil {
				return
			}
		}
	}
}

// handleDisconnect decides between a clean stop and the reconnect path. A
// normal close (1000) or an explicit Close never reconnects.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closing := c.state == StateClosing || !c.shouldReconnect
	c.mu.Unlock()
	conn.Close()

	if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.setState(StateDisconnected)
		c.notifyState(StateDisconnected, nil)
		return
	}

	log.Printf("transport: connection lost: %v", err)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff: BackoffInitial,
// doubled per attempt, capped at BackoffMax, at most MaxReconnectAttempts
// times. Exhausting the budget surfaces the permanent ErrConnectionFailed
// instead of retrying forever.
func (c *Client) reconnectLoop() {
	c.setState(StateConnecting)
	c.notifyState(StateConnecting, nil)

	backoff := c.opts.BackoffInitial
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			log.Printf("transport: reconnected after %d attempt(s)", attempt)
			c.startSession(conn, true)
			return
		}
		log.Printf("transport: reconnect attempt %d failed: %v", attempt, err)

		backoff = nextBackoff(backoff, c.opts.BackoffMax)
	}

	c.setState(StateDisconnected)
	c.notifyState(StateDisconnected, ErrConnectionFailed)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// Send marshals and writes one message. Valid only while open.
func (c *Client) Send(msgType, resourceID string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	return c.writeFrame(conn, msgType, resourceID, payload)
}

func (c *Client) writeFrame(conn *websocket.Conn, msgType, resourceID string, payload any) error {
	frame, err := models.NewMessage(msgType, resourceID, c.userID, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// On registers a handler for one message type and returns its unsubscribe.
func (c *Client) On(msgType string, handler Handler) func() {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[int]Handler)
	}
	c.handlers[msgType][id] = handler

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.handlers[msgType], id)
	}
}

// OnConnectionChange registers a state observer and returns its unsubscribe.
func (c *Client) OnConnectionChange(handler StateHandler) func() {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.stateHandlers[id] = handler

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close shuts the connection down cleanly and disables reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = false
	c.state = StateClosing
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	} else {
		c.setState(StateDisconnected)
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) isCurrent(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) notifyState(state State, err error) {
	c.handlerMu.Lock()
	entries := make([]StateHandler, 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		entries = append(entries, h)
	}
	c.handlerMu.Unlock()

	for _, h := range entries {
		h(state, err)
	}
}
