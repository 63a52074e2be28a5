package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flomonster/sentryhub/internal/push"
	"github.com/flomonster/sentryhub/internal/relay"
	"github.com/flomonster/sentryhub/internal/state"
	"github.com/flomonster/sentryhub/pkg/models"
)

// envelope is the hub WebSocket protocol's JSON message shape (spec §6).
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// Server is the hub's WebSocket control plane implementing spec §6.
type Server struct {
	runner  *Runner
	broker  *relay.Broker
	states  *state.Manager
	pushMgr *push.Manager
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// AgentID implements relay.AgentHandle so a connected browser client can be
// the delivery target of a browser-only tool request (spec §4.8 item 1).
func (c *client) AgentID() string { return c.id }

// Deliver implements relay.AgentHandle by wrapping an inbound broker message
// in the client's envelope and writing it to the websocket.
func (c *client) Deliver(msgType string, payload []byte) {
	_ = c.send(map[string]any{"type": msgType, "data": json.RawMessage(payload)})
}

// NewServer creates a hub protocol Server.
func NewServer(runner *Runner, broker *relay.Broker, states *state.Manager, pushMgr *push.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runner:  runner,
		broker:  broker,
		states:  states,
		pushMgr: pushMgr,
		logger:  logger.With("component", "hub-protocol"),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	runner.AddListener(s.onRunnerEvent)
	return s
}

// ServeHTTP upgrades and serves one client connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = fmt.Sprintf("%p", ws)
	}
	c := &client{id: clientID, ws: ws}

	s.mu.Lock()
	s.clients[clientID] = c
	s.mu.Unlock()
	s.broker.RegisterAgent(c, true)

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		s.broker.UnregisterAgent(clientID)
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(context.Background(), c, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	env.Data = data

	switch env.Type {
	case "persist_agent":
		s.handlePersistAgent(c, data)
	case "subscribe_agent":
		s.handleSubscribeAgent(c, data)
	case "unsubscribe_agent":
		s.handleUnsubscribeAgent(c, data)
	case "restore_agent":
		s.handleRestoreAgent(c, data)
	case "send_message":
		s.handleSendMessage(ctx, c, data)
	case "dom_state_update":
		s.handleDOMStateUpdate(c, data)
	case "state_write_through":
		s.handleStateWriteThrough(c, data)
	case "list_hub_agents":
		s.handleListHubAgents(c)
	case "push_subscribe":
		s.handlePushSubscribe(ctx, c, data)
	case "push_verify":
		s.handlePushVerify(c, data)
	case "browser_tool_result":
		s.handleBrowserToolResult(data)
	default:
		s.logger.Debug("unrecognized hub message type", "type", env.Type)
	}
}

type persistAgentMsg struct {
	Session models.HubAgentSession `json:"session"`
}

func (s *Server) handlePersistAgent(c *client, data []byte) {
	var msg persistAgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = c.send(map[string]any{"type": "persist_result", "success": false, "error": err.Error()})
		return
	}
	hubAgentID, err := s.runner.Persist(msg.Session.Config, &msg.Session)
	if err != nil {
		_ = c.send(map[string]any{"type": "persist_result", "success": false, "error": err.Error()})
		return
	}
	s.broker.Subscribe(c.id, hubAgentID)
	_ = c.send(map[string]any{"type": "persist_result", "success": true, "hubAgentId": hubAgentID})
}

type agentIDMsg struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleSubscribeAgent(c *client, data []byte) {
	var msg agentIDMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.broker.Subscribe(c.id, msg.AgentID)
}

func (s *Server) handleUnsubscribeAgent(c *client, data []byte) {
	var msg agentIDMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.broker.Unsubscribe(c.id, msg.AgentID)
}

func (s *Server) handleRestoreAgent(c *client, data []byte) {
	var msg agentIDMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !s.broker.IsSubscribed(c.id, msg.AgentID) {
		_ = c.send(map[string]any{"type": "restore_session", "session": nil})
		return
	}
	session, err := s.runner.Snapshot(msg.AgentID)
	if err != nil {
		_ = c.send(map[string]any{"type": "restore_session", "session": nil})
		return
	}
	_ = c.send(map[string]any{"type": "restore_session", "session": session})
}

type sendMessageMsg struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(ctx context.Context, c *client, data []byte) {
	var msg sendMessageMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := s.runner.SendMessage(ctx, msg.AgentID, msg.Content); err != nil {
		_ = c.send(map[string]any{"type": "error", "error": err.Error()})
	}
}

type domStateUpdateMsg struct {
	HubAgentID string         `json:"hubAgentId"`
	DOMState   map[string]any `json:"domState"`
}

func (s *Server) handleDOMStateUpdate(c *client, data []byte) {
	var msg domStateUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !s.broker.IsSubscribed(c.id, msg.HubAgentID) {
		return
	}
	if err := s.runner.UpdateDOMState(msg.HubAgentID, msg.DOMState); err != nil {
		return
	}
	s.broadcastExcept(msg.HubAgentID, c.id, map[string]any{
		"type":       "restore_dom_state",
		"hubAgentId": msg.HubAgentID,
		"domState":   msg.DOMState,
	})
}

type stateWriteThroughMsg struct {
	HubAgentID string          `json:"hubAgentId"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Action     string          `json:"action"`
}

func (s *Server) handleStateWriteThrough(c *client, data []byte) {
	var msg stateWriteThroughMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if s.states == nil {
		return
	}
	action := state.WriteThroughSet
	if msg.Action == "delete" {
		action = state.WriteThroughDelete
	}
	s.states.WriteThrough(c.id, msg.HubAgentID, msg.Key, msg.Value, action)
}

type browserToolResultMsg struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	IsError   bool            `json:"isError"`
}

// handleBrowserToolResult resolves a pending browser-only tool dispatch
// issued by internal/hub.relayBrowserRouter (spec §4.8 item 1).
func (s *Server) handleBrowserToolResult(data []byte) {
	var msg browserToolResultMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.broker.Resolve(msg.RequestID, msg.Result, msg.IsError)
}

func (s *Server) handleListHubAgents(c *client) {
	_ = c.send(map[string]any{"type": "hub_agents_list", "agents": s.runner.ListSummaries()})
}

type pushSubscribeMsg struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) handlePushSubscribe(ctx context.Context, c *client, data []byte) {
	if s.pushMgr == nil {
		return
	}
	var msg pushSubscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := s.pushMgr.Subscribe(ctx, msg.DeviceID, msg.Endpoint, msg.Keys.P256dh, msg.Keys.Auth); err != nil {
		s.logger.Warn("push subscribe failed", "device", msg.DeviceID, "error", err)
	}
}

type pushVerifyMsg struct {
	DeviceID string `json:"deviceId"`
	PIN      string `json:"pin"`
}

func (s *Server) handlePushVerify(c *client, data []byte) {
	if s.pushMgr == nil {
		_ = c.send(map[string]any{"type": "push_verify_result", "success": false})
		return
	}
	var msg pushVerifyMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	ok := s.pushMgr.VerifyPin(msg.DeviceID, msg.PIN)
	_ = c.send(map[string]any{"type": "push_verify_result", "success": ok})
}

// broadcastExcept sends payload to every client subscribed to hubAgentID
// other than excludeClientID (spec §4.8 item 2).
func (s *Server) broadcastExcept(hubAgentID, excludeClientID string, payload any) {
	for _, clientID := range s.broker.SubscribersOf(hubAgentID) {
		if clientID == excludeClientID {
			continue
		}
		s.mu.Lock()
		c, ok := s.clients[clientID]
		s.mu.Unlock()
		if ok {
			_ = c.send(payload)
		}
	}
}

// onRunnerEvent fans out runner lifecycle and canonical agent events to
// subscribed clients as agent_loop_event / agent_event (spec §4.8 item 3).
func (s *Server) onRunnerEvent(hubAgentID, eventType string, payload any) {
	msgType := "agent_event"
	if eventType == "agent_loop_event" {
		msgType = "agent_loop_event"
	}
	s.broadcastExcept(hubAgentID, "", map[string]any{
		"type":       msgType,
		"hubAgentId": hubAgentID,
		"event":      eventType,
		"payload":    payload,
	})
}
