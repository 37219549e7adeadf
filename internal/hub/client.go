package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/casa-home/casahub-go/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const initialCorrelationID = 1

// Options control the client's timing behavior. Zero values fall back to
// the defaults below.
type Options struct {
	// HandshakeTimeout bounds the whole connection attempt, from dial to
	// auth_ok. A hung handshake is force-closed when it expires.
	HandshakeTimeout time.Duration
	// PingInterval is the keep-alive cadence once authenticated. Kept short
	// on purpose: mobile radios let sockets go stale silently, and frequent
	// pings are what makes the disconnected state show up quickly.
	PingInterval time.Duration
	// ReconnectDelay is the fixed wait before an automatic reconnect.
	ReconnectDelay time.Duration
}

// DefaultOptions returns the production timing profile.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 30 * time.Second,
		PingInterval:     10 * time.Second,
		ReconnectDelay:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	return o
}

// ResponseHandler receives the correlated response for one sent command.
// A nil result means the connection closed before the response arrived.
type ResponseHandler func(res *Result)

// Client owns one logical persistent connection to the hub: the socket, the
// correlation-id counter, the pending-handler map and the reconnect timer.
// No other component touches the socket directly.
type Client struct {
	opts       Options
	logger     *logrus.Logger
	dispatcher *Dispatcher
	metrics    *metrics.Metrics

	mu              sync.Mutex
	conn            *websocket.Conn
	gen             uint64 // connection generation; stale pumps no-op
	sessionID       string
	creds           Credentials
	wsURL           string
	nextID          int64
	pending         map[int64]ResponseHandler
	shouldReconnect bool
	reconnectTimer  *time.Timer
	pingStop        chan struct{}
	authed          bool
	connected       bool
	authCh          chan bool
}

// NewClient creates a hub client. The dispatcher receives all unsolicited
// push; metrics may be nil.
func NewClient(opts Options, dispatcher *Dispatcher, m *metrics.Metrics, logger *logrus.Logger) *Client {
	return &Client{
		opts:       opts.withDefaults(),
		logger:     logger,
		dispatcher: dispatcher,
		metrics:    m,
		nextID:     initialCorrelationID,
		pending:    make(map[int64]ResponseHandler),
	}
}

// Dispatcher returns the dispatcher this client feeds.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// normalizeWebSocketURL turns a user-supplied base URL into the socket
// endpoint: trailing slash stripped, http:// assumed when no scheme is
// given, http/https mapped to ws/wss, fixed endpoint path appended.
func normalizeWebSocketURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Connect establishes a fresh authenticated session. It blocks until the
// handshake succeeds (true), is rejected or times out (false). Transport
// failures resolve false and leave the reconnect machinery running; only
// unusable input yields an error.
//
// Calling Connect while a socket exists closes the previous socket first,
// reporting its disconnect to observers, and cancels any scheduled automatic
// reconnect so two attempts never race.
func (c *Client) Connect(ctx context.Context, creds Credentials) (bool, error) {
	if creds.Token == "" {
		return false, ErrMissingToken
	}
	wsURL, err := normalizeWebSocketURL(creds.URL)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.cancelReconnectLocked()
	wasConnected := c.connected
	c.teardownConnLocked()
	c.creds = creds
	c.wsURL = wsURL
	c.sessionID = uuid.New().String()
	c.shouldReconnect = true
	// Fresh connection establishment: the correlation counter restarts.
	// Automatic reconnects keep counting where they left off.
	c.nextID = initialCorrelationID
	c.mu.Unlock()

	// Replacing a live session is a raw disconnect as far as observers are
	// concerned; the new session reports its own connected transition.
	if wasConnected {
		c.dispatcher.dispatchConnectionState(false)
	}

	return c.attempt(ctx), nil
}

// attempt runs one dial+handshake cycle against the stored credentials.
// One deadline spans the whole attempt, dial through auth_ok.
func (c *Client) attempt(ctx context.Context) bool {
	c.mu.Lock()
	wsURL := c.wsURL
	log := c.logger.WithFields(logrus.Fields{
		"session_id": c.sessionID,
		"url":        wsURL,
	})
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		log.WithError(err).Warn("Hub dial failed")
		c.mu.Lock()
		if c.shouldReconnect {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	if !c.shouldReconnect {
		// Disconnect landed while the dial was in flight. The terminal
		// state wins: drop the socket instead of authenticating on it.
		c.mu.Unlock()
		conn.Close()
		log.Debug("Dial finished after disconnect, dropping socket")
		return false
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.authed = false
	authCh := make(chan bool, 1)
	c.authCh = authCh
	c.mu.Unlock()

	go c.readPump(conn, gen, log)

	select {
	case ok := <-authCh:
		return ok
	case <-time.After(time.Until(deadline)):
		log.Warn("Hub handshake timed out, closing socket")
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("Connect cancelled")
	}

	// Force-close; the pump's close handling still schedules a reconnect
	// unless auth already failed.
	c.mu.Lock()
	if c.gen == gen && c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	return false
}

// Disconnect is the clean terminal state: reconnection disabled, liveness
// stopped, socket closed, pending handlers cleared, id counter reset.
// Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.cancelReconnectLocked()
	c.teardownConnLocked()
	c.nextID = initialCorrelationID
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.dispatcher.dispatchConnectionState(false)
	}
	c.logger.Info("Disconnected from hub")
}

// IsConnected reports whether an authenticated session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the id of the current logical session, for log
// correlation. Empty before the first Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send assigns the next correlation id (the unid'd auth frame excepted),
// stores handler under that id and transmits. It silently no-ops when the
// socket is not open: queuing is deliberately unsupported, so callers treat
// a never-called handler as failure to send. Returns the assigned id and
// whether the frame went out.
func (c *Client) Send(payload map[string]any, handler ResponseHandler) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(payload, handler)
}

func (c *Client) sendLocked(payload map[string]any, handler ResponseHandler) (int64, bool) {
	if c.conn == nil {
		return 0, false
	}

	var id int64
	if t, _ := payload["type"].(string); t != TypeAuth {
		id = c.nextID
		c.nextID++
		payload["id"] = id
		if handler != nil {
			c.pending[id] = handler
		}
	}

	if err := c.conn.WriteJSON(payload); err != nil {
		c.logger.WithError(err).Warn("Failed to write frame, closing socket")
		if id != 0 {
			delete(c.pending, id)
		}
		c.conn.Close()
		return 0, false
	}
	c.metrics.FrameSent()
	return id, true
}

// CancelPending drops the handler for id, if still registered. A late
// response for that id is then discarded rather than mis-delivered.
func (c *Client) CancelPending(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Request sends payload and blocks until the correlated response, ctx
// expiry or connection loss. Not-connected is reported immediately, before
// any network attempt, so callers can short-circuit instead of waiting on
// a timeout.
func (c *Client) Request(ctx context.Context, payload map[string]any) (*Result, error) {
	ch := make(chan *Result, 1)
	id, ok := c.Send(payload, func(res *Result) { ch <- res })
	if !ok {
		return nil, ErrNotConnected
	}

	select {
	case res := <-ch:
		if res == nil {
			return nil, ErrDisconnected
		}
		if !res.Success {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, &CommandError{Message: "unspecified hub error"}
		}
		return res, nil
	case <-ctx.Done():
		c.CancelPending(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// readPump reads frames until the socket dies, then runs close handling.
func (c *Client) readPump(conn *websocket.Conn, gen uint64, log *logrus.Entry) {
	defer c.handleClosed(gen, log)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Hub closed the socket")
			} else {
				log.WithError(err).Debug("Socket read failed")
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("Dropping unparseable frame")
			continue
		}
		c.metrics.FrameReceived(frame.Type)
		c.handleFrame(&frame, gen, log)
	}
}

// handleFrame classifies one incoming frame. Handshake control frames stay
// internal, id-correlated results go to their single-use handler, events go
// to the dispatcher.
func (c *Client) handleFrame(frame *serverFrame, gen uint64, log *logrus.Entry) {
	switch frame.Type {
	case TypeAuthRequired:
		c.sendAuth(gen, log)

	case TypeAuthOK:
		c.onAuthOK(gen, frame.HAVersion, log)

	case TypeAuthInvalid:
		c.onAuthInvalid(gen, log)

	case TypePong:
		log.WithField("id", frame.ID).Trace("Pong received")

	case TypeResult:
		c.mu.Lock()
		handler, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if !ok {
			log.WithField("id", frame.ID).Debug("Result with no pending request, dropping")
			return
		}
		success := frame.Success != nil && *frame.Success
		handler(&Result{
			ID:      frame.ID,
			Success: success,
			Result:  frame.Result,
			Error:   frame.Error,
		})

	case TypeEvent:
		c.dispatcher.dispatchEvent(frame.Event)

	default:
		log.WithField("type", frame.Type).Debug("Unknown frame type")
	}
}

// sendAuth answers auth_required. Per the handshake contract this frame
// carries no correlation id.
func (c *Client) sendAuth(gen uint64, log *logrus.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(map[string]any{
		"type":         TypeAuth,
		"access_token": c.creds.Token,
	}); err != nil {
		log.WithError(err).Warn("Failed to send auth frame")
		c.conn.Close()
		return
	}
	c.metrics.FrameSent()
	log.Debug("Auth frame sent")
}

// onAuthOK finishes the handshake: start liveness, issue the connection-
// scoped event subscriptions, flip to connected.
func (c *Client) onAuthOK(gen uint64, haVersion string, log *logrus.Entry) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.authed = true
	c.connected = true

	stop := make(chan struct{})
	c.pingStop = stop
	go c.pingLoop(gen, stop)

	// Subscriptions are connection-scoped, so they are re-issued on every
	// successful handshake: the resync trigger and the catch-all bus feed.
	c.sendLocked(map[string]any{
		"type":       TypeSubscribeEvents,
		"event_type": EventStateChanged,
	}, nil)
	c.sendLocked(map[string]any{
		"type": TypeSubscribeEvents,
	}, nil)

	authCh := c.authCh
	c.mu.Unlock()

	log.WithField("hub_version", haVersion).Info("Authenticated with hub")
	c.dispatcher.dispatchConnectionState(true)
	select {
	case authCh <- true:
	default:
	}
}

// onAuthInvalid is the one fatal, non-retried failure mode: reconnection is
// permanently disabled for this credential set.
func (c *Client) onAuthInvalid(gen uint64, log *logrus.Entry) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = false
	authCh := c.authCh
	c.mu.Unlock()

	log.Error("Hub rejected access token, auto-reconnect disabled")
	c.dispatcher.dispatchConnectionState(false)
	select {
	case authCh <- false:
	default:
	}
}

// handleClosed runs once per dead socket: fail outstanding requests, report
// the transition, and schedule a reconnect if still enabled.
func (c *Client) handleClosed(gen uint64, log *logrus.Entry) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer Connect or Disconnect already superseded this socket.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.stopPingLocked()
	c.failPendingLocked()
	c.authed = false
	wasConnected := c.connected
	c.connected = false
	if c.shouldReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if wasConnected {
		log.Warn("Hub connection lost")
		c.dispatcher.dispatchConnectionState(false)
	}
}

// pingLoop sends a keep-alive frame at a fixed cadence while the session
// lives. The frame is a normal correlated command; the pong is best-effort.
func (c *Client) pingLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.gen != gen || c.conn == nil {
				c.mu.Unlock()
				return
			}
			c.sendLocked(map[string]any{"type": TypePing}, nil)
			c.mu.Unlock()
		}
	}
}

// reconnect is the timer callback for one automatic attempt. Retries are
// unbounded: each failed attempt schedules the next one.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	log := c.logger.WithField("session_id", c.sessionID)
	c.mu.Unlock()

	log.Info("Attempting hub reconnect")
	c.metrics.Reconnect()
	c.attempt(context.Background())
}

// scheduleReconnectLocked arms the single reconnect timer. Exclusive: a
// timer already pending is left alone.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.logger.WithField("delay", c.opts.ReconnectDelay).Info("Scheduling hub reconnect")
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// teardownConnLocked closes the live socket, if any, and fails its pending
// requests. The generation bump makes the old read pump a no-op.
func (c *Client) teardownConnLocked() {
	c.gen++
	c.stopPingLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked()
	c.authed = false
	c.connected = false
}

func (c *Client) stopPingLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}

// failPendingLocked wakes every outstanding request with a nil result.
func (c *Client) failPendingLocked() {
	for id, handler := range c.pending {
		delete(c.pending, id)
		go handler(nil)
	}
}
