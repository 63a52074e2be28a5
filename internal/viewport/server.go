package viewport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// InputEvent is a validated client-originated input event.
type InputEvent struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InputHandler receives validated input events forwarded from a connected
// client, keyed by the client and the agent its stream is bound to.
type InputHandler func(clientID, agentID string, event InputEvent)

type wireMessage struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Event *InputEvent     `json:"event,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// Server is the dedicated viewport frame/ack WebSocket server.
type Server struct {
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	tokens      *TokenStore
	handler     InputHandler
	maxConns    int
	authTimeout time.Duration
	logger      *slog.Logger

	conns map[*clientConn]struct{}

	listener net.Listener
	httpSrv  *http.Server
	addr     string
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConnections caps concurrent connections; 0 means unlimited.
func WithMaxConnections(n int) Option { return func(s *Server) { s.maxConns = n } }

// WithAuthTimeout overrides how long an unauthenticated connection is kept
// open before being dropped.
func WithAuthTimeout(d time.Duration) Option { return func(s *Server) { s.authTimeout = d } }

// WithInputHandler sets the callback invoked for every validated input event.
func WithInputHandler(h InputHandler) Option { return func(s *Server) { s.handler = h } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a Server backed by tokens for auth.
func NewServer(tokens *TokenStore, opts ...Option) *Server {
	s := &Server{
		tokens:      tokens,
		authTimeout: 5 * time.Second,
		logger:      slog.Default().With("component", "viewport-server"),
		conns:       make(map[*clientConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1 << 20,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds a TCP listener, fixed to port if nonzero, else OS-assigned.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleWS)}
	go func() { _ = s.httpSrv.Serve(ln) }()
	return nil
}

// Addr returns the bound address (valid after Listen).
func (s *Server) Addr() string { return s.addr }

// Close shuts down the listener and all connections.
func (s *Server) Close() error {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

type clientConn struct {
	ws          *websocket.Conn
	agentID     string
	clientID    string
	lastAck     uint32
	mu          sync.Mutex
	writeClosed bool
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.maxConns > 0 && len(s.conns) >= s.maxConns {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &clientConn{ws: ws}
	s.serve(conn)
}

func (s *Server) serve(conn *clientConn) {
	defer func() {
		_ = conn.ws.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if !s.authenticate(conn) {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			s.handleAck(conn, data)
		case websocket.TextMessage:
			s.handleTextMessage(conn, data)
		}
	}
}

func (s *Server) authenticate(conn *clientConn) bool {
	_ = conn.ws.SetReadDeadline(timeNow().Add(s.authTimeout))
	mt, data, err := conn.ws.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return false
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "stream_auth" {
		return false
	}

	agentID, clientID, ok := s.tokens.Consume(msg.Token)
	if !ok {
		_ = conn.ws.WriteJSON(map[string]any{"type": "stream_auth_error"})
		return false
	}

	conn.agentID = agentID
	conn.clientID = clientID
	_ = conn.ws.SetReadDeadline(time.Time{})
	_ = conn.ws.WriteJSON(map[string]any{"type": "stream_auth_ok"})
	return true
}

func (s *Server) handleAck(conn *clientConn, data []byte) {
	frameNum, err := DecodeAck(data)
	if err != nil {
		s.logger.Debug("invalid ack frame", "error", err)
		return
	}
	conn.mu.Lock()
	conn.lastAck = frameNum
	conn.mu.Unlock()
}

func (s *Server) handleTextMessage(conn *clientConn, data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type != "input_event" || msg.Event == nil {
		return
	}
	if msg.Event.Kind == "" {
		return
	}
	if s.handler != nil {
		s.handler(conn.clientID, conn.agentID, *msg.Event)
	}
}

// BroadcastFrame pushes a frame to every authenticated connection streaming
// agentID, returning the number of connections reached. Write failures drop
// silently; the read loop tears the connection down on its side.
func (s *Server) BroadcastFrame(agentID string, header FrameHeader, jpeg []byte) int {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if c.agentID == agentID {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.PushFrame(header, jpeg); err == nil {
			sent++
		}
	}
	return sent
}

// LastAck returns the most recently acked frame number for a connection, as
// a window hint for the frame producer (spec §5 backpressure).
func (c *clientConn) LastAck() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// PushFrame sends a frame to a single authenticated connection.
func (c *clientConn) PushFrame(header FrameHeader, jpeg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeClosed {
		return fmt.Errorf("viewport: connection closed")
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, header.Encode(jpeg))
}

var timeNow = time.Now
