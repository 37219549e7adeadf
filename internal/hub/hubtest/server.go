// Package hubtest provides an in-process hub speaking the WebSocket
// protocol, for wire-level tests: scripted handshake, canned state lists,
// frame capture and fault injection.
package hubtest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one decoded JSON frame.
type Frame = map[string]any

// DefaultToken is the access token the server accepts unless changed.
const DefaultToken = "valid-token"

// Server is a scripted hub. Zero configuration gives a hub that accepts
// DefaultToken, confirms subscriptions, answers pings and serves an empty
// state list.
type Server struct {
	// Token is the only accepted access token.
	Token string
	// OnFrame, when set, sees every post-auth frame first. Returning true
	// claims the frame; false falls through to the default responses.
	OnFrame func(c *Conn, f Frame) bool
	// OnUpgrade, when set, runs before each WebSocket upgrade. Blocking in
	// it holds the dial open, for tests racing connection establishment.
	OnUpgrade func()

	http *httptest.Server
	up   websocket.Upgrader

	mu       sync.Mutex
	dials    int
	received []Frame
	conns    []*Conn
	states   []Frame
}

// Conn is one live client connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Send writes one frame to the client.
func (c *Conn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

// Close drops the connection, simulating a network failure.
func (c *Conn) Close() {
	c.ws.Close()
}

// NewServer starts a test hub.
func NewServer() *Server {
	s := &Server{Token: DefaultToken}
	s.http = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the http base URL clients should connect to.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() {
	s.CloseConnections()
	s.http.Close()
}

// Dials returns how many WebSocket connections were opened.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Received returns a copy of every frame read so far, in order.
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.received))
	copy(out, s.received)
	return out
}

// FramesOfType filters received frames by type.
func (s *Server) FramesOfType(frameType string) []Frame {
	var out []Frame
	for _, f := range s.Received() {
		if t, _ := f["type"].(string); t == frameType {
			out = append(out, f)
		}
	}
	return out
}

// WaitForFrame polls until a frame of frameType arrives or timeout passes.
func (s *Server) WaitForFrame(frameType string, timeout time.Duration) (Frame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frames := s.FramesOfType(frameType)
		if len(frames) > 0 {
			return frames[len(frames)-1], true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

// SetStates replaces the entity list served for get_states.
func (s *Server) SetStates(states []Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = states
}

// ActiveConn returns the most recent live connection, or nil.
func (s *Server) ActiveConn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// PushEvent sends an event frame on the most recent connection.
func (s *Server) PushEvent(eventType string, data Frame) error {
	c := s.ActiveConn()
	if c == nil {
		return nil
	}
	return c.Send(Frame{
		"type": "event",
		"event": Frame{
			"event_type": eventType,
			"data":       data,
			"time_fired": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// CloseConnections drops every live connection.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// FrameID extracts the correlation id of a frame, 0 when absent.
func FrameID(f Frame) int64 {
	switch id := f["id"].(type) {
	case float64:
		return int64(id)
	case int64:
		return id
	case int:
		return int64(id)
	}
	return 0
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.OnUpgrade != nil {
		s.OnUpgrade()
	}
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &Conn{ws: ws}

	s.mu.Lock()
	s.dials++
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	conn.Send(Frame{"type": "auth_required", "ha_version": "2024.6.0"})

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()

		s.dispatch(conn, f)
	}
}

func (s *Server) dispatch(conn *Conn, f Frame) {
	frameType, _ := f["type"].(string)

	if frameType == "auth" {
		if token, _ := f["access_token"].(string); token == s.Token {
			conn.Send(Frame{"type": "auth_ok", "ha_version": "2024.6.0"})
		} else {
			conn.Send(Frame{"type": "auth_invalid", "message": "Invalid access token"})
		}
		return
	}

	if s.OnFrame != nil && s.OnFrame(conn, f) {
		return
	}

	id := FrameID(f)
	switch frameType {
	case "ping":
		conn.Send(Frame{"id": id, "type": "pong"})
	case "subscribe_events":
		conn.Send(Frame{"id": id, "type": "result", "success": true, "result": nil})
	case "get_states":
		s.mu.Lock()
		states := s.states
		s.mu.Unlock()
		if states == nil {
			states = []Frame{}
		}
		conn.Send(Frame{"id": id, "type": "result", "success": true, "result": states})
	case "call_service":
		conn.Send(Frame{"id": id, "type": "result", "success": true, "result": Frame{}})
	}
}
