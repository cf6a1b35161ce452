package test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/webchat_calls_go/pkg/relay"
)

const sessionCookie = "session"

// MockBackend simulates the chat backend: the login and chat member REST
// endpoints plus the signaling relay that forwards call events between users.
type MockBackend struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	users map[string]int   // username -> id
	chats map[string][]int // chat id -> member ids

	clientsMu sync.Mutex
	clients   map[string]*relayConn // user id -> connection
	forwarded map[string]int        // event name -> count
}

type relayConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *relayConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// StartMockBackend starts a mock backend on a random local port
func StartMockBackend(logger *slog.Logger) (*MockBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	mock := &MockBackend{
		listener:  listener,
		logger:    logger,
		users:     make(map[string]int),
		chats:     make(map[string][]int),
		clients:   make(map[string]*relayConn),
		forwarded: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", mock.handleLogin)
	mux.HandleFunc("GET /api/chats/{id}/members", mock.handleMembers)
	mux.HandleFunc("/ws", mock.handleWebSocket)

	mock.server = &http.Server{Handler: mux}

	go func() {
		if err := mock.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock backend error", "error", err)
		}
	}()

	logger.Info("mock backend started", "addr", listener.Addr().String())
	return mock, nil
}

// URL returns the HTTP base URL of the backend
func (m *MockBackend) URL() string {
	return "http://" + m.listener.Addr().String()
}

// AddUser registers a user that logs in with any password
func (m *MockBackend) AddUser(username string, id int) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	m.users[username] = id
}

// AddChat registers a chat with the given members
func (m *MockBackend) AddChat(chatID string, members ...int) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	m.chats[chatID] = members
}

func (m *MockBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "bad request"})
		return
	}

	m.clientsMu.Lock()
	id, ok := m.users[req.Username]
	m.clientsMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "Invalid credentials"})
		return
	}

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: strconv.Itoa(id), Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   map[string]any{"id": id, "username": req.Username},
	})
}

func (m *MockBackend) handleMembers(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(sessionCookie); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "login required"})
		return
	}

	m.clientsMu.Lock()
	ids, ok := m.chats[r.PathValue("id")]
	m.clientsMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "chat not found"})
		return
	}

	members := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, map[string]any{"id": id, "username": fmt.Sprintf("user%d", id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "members": members})
}

// handleWebSocket identifies the user by session cookie and forwards their
// call events to the addressed user
func (m *MockBackend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "login required", http.StatusUnauthorized)
		return
	}
	userID := cookie.Value

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("failed to upgrade connection", "error", err)
		return
	}
	conn := &relayConn{ws: ws}

	m.clientsMu.Lock()
	m.clients[userID] = conn
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		if m.clients[userID] == conn {
			delete(m.clients, userID)
		}
		m.clientsMu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("relay read error", "userID", userID, "error", err)
			}
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug("failed to parse message", "error", err)
			continue
		}
		m.route(userID, env)
	}
}

// route rewrites an outbound event into its inbound form for the recipient
func (m *MockBackend) route(from string, env relay.Envelope) {
	var (
		to      string
		event   = env.Event
		payload any
	)

	switch env.Event {
	case relay.EventCallInvite:
		var in relay.CallInvite
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return
		}
		to, event = in.ToUserID, relay.EventIncomingCall
		payload = relay.IncomingCall{FromUserID: from, ChatID: in.ChatID, CallType: in.CallType, CallID: in.CallID}
	case relay.EventSignal:
		var in relay.SignalMessage
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return
		}
		to = in.ToUserID
		payload = relay.SignalMessage{FromUserID: from, Signal: in.Signal}
	case relay.EventEndCall:
		var in relay.EndCall
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return
		}
		to = in.ToUserID
		payload = relay.EndCall{FromUserID: from}
	default:
		return
	}

	out, err := relay.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}

	m.clientsMu.Lock()
	target := m.clients[to]
	m.forwarded[env.Event]++
	m.clientsMu.Unlock()

	if target == nil {
		m.logger.Debug("recipient offline", "event", env.Event, "to", to)
		return
	}
	if err := target.write(data); err != nil {
		m.logger.Debug("failed to forward", "event", env.Event, "error", err)
	}
}

// Forwarded returns how many events of the given outbound type were routed
func (m *MockBackend) Forwarded(event string) int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return m.forwarded[event]
}

// WaitForConnections waits for n relay clients to connect
func (m *MockBackend) WaitForConnections(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		m.clientsMu.Lock()
		count := len(m.clients)
		m.clientsMu.Unlock()

		if count >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d connections, got %d", n, count)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops the mock backend
func (m *MockBackend) Close() error {
	m.clientsMu.Lock()
	for _, c := range m.clients {
		c.ws.Close()
	}
	m.clientsMu.Unlock()

	return m.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
