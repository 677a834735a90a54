package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"rendernet/pkg/api/stream"
	"rendernet/pkg/auth"
	"rendernet/pkg/logging"
	"rendernet/pkg/version"
)

const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultPingInterval         = 54 * time.Second
)

var (
	ErrAlreadyConnected = errors.New("stream is already connected")
	ErrDisconnected     = errors.New("stream was disconnected while connecting")
)

// Config represents the configuration for the event stream manager
type Config struct {
	BaseURL string
	// Token is sent as a bearer credential on every handshake.
	Token string

	ReconnectDelay time.Duration
	// MaxReconnectAttempts of zero means the default; negative disables reconnects.
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// PingInterval of zero means the default; negative disables keepalive pings.
	PingInterval time.Duration

	Logger  logging.Logger
	Dialer  Dialer
	Metrics *Metrics
}

// Manager keeps one logical event-stream connection alive across transport drops,
// replays the desired channel subscriptions after every reconnect, and fans events
// out to registered handlers.
type Manager struct {
	baseURL              string
	token                string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	handshakeTimeout     time.Duration
	pingInterval         time.Duration
	logger               logging.Logger
	dialer               Dialer
	metrics              *Metrics
	now                  func() time.Time

	mu              sync.Mutex
	state           State
	group           stream.ChannelGroup
	conn            Conn
	generation      uint64
	shouldReconnect bool
	attempts        int
	retryTimer      *time.Timer
	stopPing        chan struct{}
	channels        map[string]struct{}

	writeMu  sync.Mutex
	handlers *registry
}

// NewManager creates a disconnected Manager.
func NewManager(config Config) *Manager {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	} else if config.MaxReconnectAttempts < 0 {
		config.MaxReconnectAttempts = 0
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	} else if config.PingInterval < 0 {
		config.PingInterval = 0
	}
	if config.Dialer == nil {
		d := &WebSocketDialer{HandshakeTimeout: config.HandshakeTimeout}
		if config.PingInterval > 0 {
			d.ReadTimeout = config.PingInterval * 10 / 9
		}
		config.Dialer = d
	}

	return &Manager{
		baseURL:              config.BaseURL,
		token:                config.Token,
		reconnectDelay:       config.ReconnectDelay,
		maxReconnectAttempts: config.MaxReconnectAttempts,
		handshakeTimeout:     config.HandshakeTimeout,
		pingInterval:         config.PingInterval,
		logger:               logging.OrDiscard(config.Logger),
		dialer:               config.Dialer,
		metrics:              config.Metrics,
		now:                  time.Now,
		channels:             make(map[string]struct{}),
		handlers:             newRegistry(),
	}
}

// Connect opens the stream for group and blocks until the transport is open or
// the dial fails. A failed initial dial is returned and is not retried.
func (m *Manager) Connect(ctx context.Context, group stream.ChannelGroup) error {
	endpoint, err := group.Path()
	if err != nil {
		return err
	}
	if err := auth.CheckBearer(m.token, m.now()); err != nil {
		return fmt.Errorf("stream credential rejected: %w", err)
	}

	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.cancelRetryLocked()
	m.group = group
	m.shouldReconnect = true
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	conn, err := m.dial(ctx, endpoint)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		m.shouldReconnect = false
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return err
	}

	m.establishLocked(conn)
	m.logger.WithFields(logging.Fields{
		"channel_group": group,
		"channels":      len(m.channels),
	}).Info("Connected to event stream")
	m.mu.Unlock()

	m.serve(conn, gen)
	return nil
}

// Disconnect closes the stream and cancels any scheduled reconnect. It is safe to
// call repeatedly and from any state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.shouldReconnect = false
	m.cancelRetryLocked()
	m.generation++
	conn := m.conn
	m.conn = nil
	m.stopPingLocked()
	wasActive := m.state != StateDisconnected
	if wasActive {
		m.setStateLocked(StateDisconnected)
	}
	group := m.group
	m.mu.Unlock()

	if wasActive {
		m.logger.WithField("channel_group", group).Info("Disconnected from event stream")
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !isExpectedClose(err) {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// IsActive reports whether the transport is currently open.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the number of consecutive reconnect attempts since
// the last successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers h for events of eventType. A nil handler is ignored and
// yields the zero id.
func (m *Manager) Subscribe(eventType stream.EventType, h Handler) HandlerID {
	if h == nil {
		return 0
	}
	return m.handlers.add(eventType, h)
}

// Unsubscribe removes a handler registered with Subscribe. Unknown ids are ignored.
func (m *Manager) Unsubscribe(eventType stream.EventType, id HandlerID) {
	m.handlers.remove(eventType, id)
}

// SubscribeAll registers h for every event type.
func (m *Manager) SubscribeAll(h Handler) HandlerID {
	if h == nil {
		return 0
	}
	return m.handlers.addAll(h)
}

// UnsubscribeAll removes a handler registered with SubscribeAll. Unknown ids are
// ignored.
func (m *Manager) UnsubscribeAll(id HandlerID) {
	m.handlers.removeAll(id)
}

func (m *Manager) SubscribeToJob(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("job id is required")
	}
	return m.addChannel(stream.JobChannel(jobID))
}

func (m *Manager) SubscribeToNode(nodeID string) error {
	if strings.TrimSpace(nodeID) == "" {
		return errors.New("node id is required")
	}
	return m.addChannel(stream.NodeChannel(nodeID))
}

func (m *Manager) SubscribeToWallet(address string) error {
	if strings.TrimSpace(address) == "" {
		return errors.New("wallet address is required")
	}
	return m.addChannel(stream.WalletChannel(address))
}

func (m *Manager) SubscribeToNetworkStats() error {
	return m.addChannel(stream.NetworkStatsChannel)
}

// UnsubscribeFromChannel drops channel from the desired set and, when connected,
// tells the server.
func (m *Manager) UnsubscribeFromChannel(channel string) error {
	m.mu.Lock()
	if _, ok := m.channels[channel]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, channel)
	conn := m.liveConnLocked()
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.send(conn, stream.ActionUnsubscribe, channel)
}

// Channels returns the desired subscription set, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) addChannel(channel string) error {
	m.mu.Lock()
	if _, ok := m.channels[channel]; ok {
		m.mu.Unlock()
		return nil
	}
	m.channels[channel] = struct{}{}
	conn := m.liveConnLocked()
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := m.send(conn, stream.ActionSubscribe, channel); err != nil {
		// The channel stays desired; it is replayed on the next connection.
		return err
	}
	m.logger.WithField("channel", channel).Debug("Subscribed to channel")
	return nil
}

// liveConnLocked returns the open connection, or nil. Caller holds m.mu.
func (m *Manager) liveConnLocked() Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// send writes one directive on conn. It never runs under m.mu, so a stalled
// write blocks only other writers.
func (m *Manager) send(conn Conn, action, channel string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeDirective(conn, action, channel)
}

// writeDirective encodes and writes one directive. Caller holds m.writeMu.
func writeDirective(conn Conn, action, channel string) error {
	payload, err := json.Marshal(stream.SubscriptionMessage{
		Action:   action,
		Channels: []string{channel},
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s directive: %w", action, err)
	}
	if err := conn.WriteMessage(payload); err != nil {
		return fmt.Errorf("failed to send %s for %s: %w", action, channel, err)
	}
	return nil
}

// establishLocked installs conn as the live connection. Caller holds m.mu and
// calls serve after releasing it.
func (m *Manager) establishLocked(conn Conn) {
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	if m.pingInterval > 0 {
		m.stopPing = make(chan struct{})
		go m.pingLoop(conn, m.stopPing)
	}
}

// serve replays every desired channel on conn and only then starts reading.
// The desired set is read while writeMu is held, so directives issued during
// the replay are written after it.
func (m *Manager) serve(conn Conn, gen uint64) {
	m.writeMu.Lock()
	for _, ch := range m.Channels() {
		if err := writeDirective(conn, stream.ActionSubscribe, ch); err != nil {
			// The read loop will observe the broken transport and reconnect.
			m.logger.WithError(err).WithField("channel", ch).Warn("Failed to replay subscription")
			break
		}
	}
	m.writeMu.Unlock()

	go m.readLoop(conn, gen)
}

func (m *Manager) dial(ctx context.Context, endpoint string) (Conn, error) {
	wsURL, err := buildWebSocketURL(m.baseURL, endpoint)
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set("Authorization", auth.BearerHeader(m.token))
	header.Set("User-Agent", version.UserAgent())

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, wsURL, header)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		event, err := stream.ParseEvent(data)
		if err != nil {
			m.logger.WithError(err).Warn("Dropping malformed stream message")
			m.metrics.dropped(string(m.currentGroup()))
			continue
		}
		m.metrics.event(string(event.Type))
		m.dispatch(event)
	}
}

func (m *Manager) pingLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WritePing()
			m.writeMu.Unlock()
			if err != nil {
				m.logger.WithError(err).Warn("Failed to send ping")
				// Closing unblocks the read loop, which owns the drop.
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch delivers event to a snapshot of its handlers in registration order.
func (m *Manager) dispatch(event stream.Event) {
	for _, reg := range m.handlers.snapshot(event.Type) {
		m.invoke(reg, event)
	}
}

func (m *Manager) invoke(reg registration, event stream.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.handlerError(string(event.Type))
			m.logger.WithFields(logging.Fields{
				"event_type": event.Type,
				"handler_id": reg.id,
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()

	if err := reg.handler(event); err != nil {
		m.metrics.handlerError(string(event.Type))
		m.logger.WithError(err).WithFields(logging.Fields{
			"event_type": event.Type,
			"handler_id": reg.id,
		}).Error("Event handler error")
	}
}

// handleDrop reacts to the loss of the connection of generation gen. Closes of
// superseded connections are ignored.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.conn == nil {
		return
	}
	_ = m.conn.Close()
	m.conn = nil
	m.stopPingLocked()

	if isExpectedClose(cause) {
		m.logger.WithField("channel_group", m.group).Info("Event stream closed by server")
	} else {
		m.logger.WithError(cause).WithField("channel_group", m.group).Warn("Event stream connection lost")
	}
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer or gives up. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	group := string(m.group)
	if !m.shouldReconnect {
		m.setStateLocked(StateDisconnected)
		return
	}
	if m.attempts >= m.maxReconnectAttempts {
		m.shouldReconnect = false
		m.setStateLocked(StateDisconnected)
		m.metrics.reconnect(group, "exhausted")
		m.logger.WithFields(logging.Fields{
			"channel_group": group,
			"attempts":      m.attempts,
		}).Error("Max reconnect attempts reached, giving up")
		return
	}

	m.attempts++
	m.setStateLocked(StateReconnecting)
	m.metrics.reconnect(group, "scheduled")
	m.logger.WithFields(logging.Fields{
		"channel_group": group,
		"attempt":       m.attempts,
		"max_attempts":  m.maxReconnectAttempts,
		"delay":         m.reconnectDelay.String(),
	}).Warn("Scheduling event stream reconnect")
	m.retryTimer = time.AfterFunc(m.reconnectDelay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if !m.shouldReconnect || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.setStateLocked(StateConnecting)
	m.generation++
	gen := m.generation
	group := m.group
	attempt := m.attempts
	m.mu.Unlock()

	endpoint, _ := group.Path()
	conn, err := m.dial(context.Background(), endpoint)

	m.mu.Lock()
	if gen != m.generation || !m.shouldReconnect {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.metrics.reconnect(string(group), "failed")
		m.logger.WithError(err).WithFields(logging.Fields{
			"channel_group": group,
			"attempt":       attempt,
		}).Warn("Event stream reconnect failed")
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.establishLocked(conn)
	m.metrics.reconnect(string(group), "succeeded")
	m.logger.WithFields(logging.Fields{
		"channel_group": group,
		"attempt":       attempt,
		"channels":      len(m.channels),
	}).Info("Reconnected to event stream")
	m.mu.Unlock()

	m.serve(conn, gen)
}

func (m *Manager) currentGroup() stream.ChannelGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.group
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) stopPingLocked() {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
}

// setStateLocked advances the state machine along a legal edge. Caller holds m.mu.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	if !CanTransition(m.state, next) {
		m.logger.WithFields(logging.Fields{
			"from": m.state.String(),
			"to":   next.String(),
		}).Error("Illegal stream state transition")
		return
	}
	m.state = next
	m.metrics.setState(string(m.group), next)
}

// buildWebSocketURL joins the stream base URL and an endpoint path, mapping
// http(s) schemes to ws(s).
func buildWebSocketURL(baseURL, endpoint string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid stream url %q: missing host", baseURL)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + endpoint
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
