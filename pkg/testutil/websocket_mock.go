package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"rendernet/pkg/api/stream"
	"rendernet/pkg/logging"

	"github.com/gorilla/websocket"
)

// Directive is one subscription directive received by the mock server.
type Directive struct {
	// Conn is the 1-based index of the connection that carried it.
	Conn     int
	Path     string
	Action   string
	Channels []string
}

// MockStreamServer is an in-process event stream endpoint. It records
// subscription directives per connection, pushes events, and can drop or refuse
// connections to exercise reconnect paths.
type MockStreamServer struct {
	server    *httptest.Server
	upgrader  websocket.Upgrader
	logger    logging.Logger
	jwtHelper *JWTTestHelper

	mu          sync.Mutex
	conns       []*MockConnection
	accepted    int
	directives  []Directive
	refuse      bool
	changed     chan struct{}
	lastSubject string

	// AuthRequired makes the server validate the bearer token as a JWT signed
	// with the helper's secret.
	AuthRequired bool
}

// MockConnection is one accepted stream connection.
type MockConnection struct {
	index int
	path  string
	conn  *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewMockStreamServer starts a server that accepts any bearer token.
func NewMockStreamServer() *MockStreamServer {
	m := &MockStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logging.NewDiscardLogger(),
		jwtHelper: NewJWTTestHelper(),
		changed:   make(chan struct{}),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	return m
}

// NewMockStreamServerWithAuth starts a server that requires a JWT signed by helper.
func NewMockStreamServerWithAuth(helper *JWTTestHelper) *MockStreamServer {
	m := NewMockStreamServer()
	m.jwtHelper = helper
	m.AuthRequired = true
	return m
}

// URL returns the http base URL of the server.
func (m *MockStreamServer) URL() string {
	return m.server.URL
}

// WebSocketURL returns the ws:// form of URL.
func (m *MockStreamServer) WebSocketURL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close drops every connection and shuts the server down.
func (m *MockStreamServer) Close() {
	m.DropAll()
	m.server.Close()
}

// Refuse makes subsequent handshakes fail with 503 while set.
func (m *MockStreamServer) Refuse(refuse bool) {
	m.mu.Lock()
	m.refuse = refuse
	m.mu.Unlock()
}

// Accepted returns how many connections have been accepted so far.
func (m *MockStreamServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Subject returns the JWT subject of the latest authenticated connection.
func (m *MockStreamServer) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSubject
}

// Directives returns every directive received, in arrival order.
func (m *MockStreamServer) Directives() []Directive {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Directive(nil), m.directives...)
}

// DirectivesFor returns the directives carried by connection index.
func (m *MockStreamServer) DirectivesFor(index int) []Directive {
	var out []Directive
	for _, d := range m.Directives() {
		if d.Conn == index {
			out = append(out, d)
		}
	}
	return out
}

// WaitFor polls cond until it holds or timeout elapses.
func (m *MockStreamServer) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		if cond() {
			return true
		}
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond()
		}
	}
}

// Broadcast sends raw to every open connection.
func (m *MockStreamServer) Broadcast(raw []byte) {
	for _, c := range m.openConnections() {
		_ = c.Send(raw)
	}
}

// BroadcastEvent encodes and sends an event to every open connection.
func (m *MockStreamServer) BroadcastEvent(eventType stream.EventType, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stream.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		return err
	}
	m.Broadcast(raw)
	return nil
}

// DropAll closes every open connection without a close handshake.
func (m *MockStreamServer) DropAll() {
	for _, c := range m.openConnections() {
		c.Close()
	}
}

func (m *MockStreamServer) openConnections() []*MockConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockConnection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.IsConnected() {
			out = append(out, c)
		}
	}
	return out
}

// notifyLocked wakes WaitFor callers. Caller holds m.mu.
func (m *MockStreamServer) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MockStreamServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	refuse := m.refuse
	m.mu.Unlock()
	if refuse {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
		return
	}

	var subject string
	if m.AuthRequired {
		claims, err := m.jwtHelper.ValidateJWT(parts[1])
		if err != nil {
			m.logger.WithError(err).Warn("Invalid JWT token for stream connection")
			http.Error(w, "Invalid authentication", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade stream connection")
		return
	}

	m.mu.Lock()
	m.accepted++
	mc := &MockConnection{index: m.accepted, path: r.URL.Path, conn: conn}
	m.conns = append(m.conns, mc)
	if subject != "" {
		m.lastSubject = subject
	}
	m.notifyLocked()
	m.mu.Unlock()

	go m.readPump(mc)
}

func (m *MockStreamServer) readPump(c *MockConnection) {
	defer func() {
		c.Close()
		m.mu.Lock()
		m.notifyLocked()
		m.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg stream.SubscriptionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.WithError(err).Warn("Ignoring non-directive message")
			continue
		}

		m.mu.Lock()
		m.directives = append(m.directives, Directive{
			Conn:     c.index,
			Path:     c.path,
			Action:   msg.Action,
			Channels: msg.Channels,
		})
		m.notifyLocked()
		m.mu.Unlock()
	}
}

// Index returns the 1-based accept order of the connection.
func (c *MockConnection) Index() int { return c.index }

// Path returns the request path the connection was opened on.
func (c *MockConnection) Path() string { return c.path }

// Send writes one text frame.
func (c *MockConnection) Send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection.
func (c *MockConnection) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

// IsConnected returns whether the connection is still open
func (c *MockConnection) IsConnected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return !c.closed
}
