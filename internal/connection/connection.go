package connection

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"garden-sync/internal/emitter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the peer.
	maxMessageSize = 64 * 1024
)

// Options configures a Manager. Zero fields fall back to production defaults
// so tests can compress every interval.
type Options struct {
	// URL is the websocket endpoint; the authenticated user id and token
	// are appended as query parameters on dial.
	URL   string
	Token string

	PingInterval     time.Duration // liveness ping period, default 30s
	BackoffBase      time.Duration // first reconnect delay, default 1s
	BackoffCap       time.Duration // max reconnect delay, default 30s
	MaxRetries       int           // consecutive reconnect attempts, default 5
	HandshakeTimeout time.Duration // dial timeout, default 10s
}

func (o *Options) withDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Backoff returns the reconnect delay for the n-th consecutive failed
// attempt (0-indexed): min(base*2^n, limit).
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

type pingMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type        string `json:"type"`
	Connections int    `json:"connections"`
}

// Manager owns the single duplex connection for one authenticated user. All
// consumers share it through subscriptions; nobody else writes to the raw
// socket.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	stats          Stats
	userID         string
	conn           *websocket.Conn
	attempts       int
	reconnectTimer *time.Timer
	manualClose    bool
	refs           int

	writeMu sync.Mutex

	stateSubs emitter.Registry[State]
	statsSubs emitter.Registry[Stats]
	rawSubs   emitter.Registry[[]byte]
}

func NewManager(opts Options, logger *slog.Logger) *Manager {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns the last liveness-check results.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SubscribeState registers a callback for state transitions and returns an
// unsubscribe handle.
func (m *Manager) SubscribeState(fn func(State)) func() {
	return m.stateSubs.Subscribe(fn)
}

// SubscribeStats registers a callback for liveness-check updates.
func (m *Manager) SubscribeStats(fn func(Stats)) func() {
	return m.statsSubs.Subscribe(fn)
}

// SubscribeMessages registers a callback for raw inbound messages. Delivery
// is in arrival order, one message at a time.
func (m *Manager) SubscribeMessages(fn func([]byte)) func() {
	return m.rawSubs.Subscribe(fn)
}

// Connect opens the connection for userID. It is a no-op when already
// Connected or Connecting for the same user.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	if m.state != StateDisconnected && m.userID == userID {
		m.mu.Unlock()
		return
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		m.Disconnect()
		m.mu.Lock()
	}
	m.userID = userID
	m.manualClose = false
	m.attempts = 0
	m.mu.Unlock()

	m.startDial()
}

// Disconnect closes the connection with a normal-closure code and suppresses
// automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.stats = Stats{}
	stats := m.stats
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	m.setState(StateDisconnected)
	m.statsSubs.Publish(stats)
}

// Send serializes v and writes it to the connection. When not Connected it
// logs a warning and drops the message; callers must not assume delivery.
func (m *Manager) Send(v any) {
	m.mu.Lock()
	state := m.state
	conn := m.conn
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warn("message dropped, connection not ready", "state", state.String())
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("failed to serialize outbound message", "error", err)
		return
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("failed to write message", "error", err)
	}
}

// Acquire registers a consumer of the shared connection and returns its
// release handle. The first consumer dials; the connection is torn down only
// when the last consumer releases.
func (m *Manager) Acquire(userID string) func() {
	m.mu.Lock()
	m.refs++
	first := m.refs == 1
	m.mu.Unlock()

	if first {
		m.Connect(userID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.refs--
			last := m.refs == 0
			m.mu.Unlock()
			if last {
				m.Disconnect()
			}
		})
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.stateSubs.Publish(s)
}

func (m *Manager) dialURL() string {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return m.opts.URL
	}
	q := u.Query()
	q.Set("user_id", m.userID)
	if m.opts.Token != "" {
		q.Set("token", m.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) startDial() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.setState(StateConnecting)

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
		conn, _, err := dialer.Dial(m.dialURL(), nil)
		if err != nil {
			m.logger.Warn("dial failed", "error", err)
			m.setState(StateDisconnected)
			m.scheduleReconnect()
			return
		}

		done := make(chan struct{})
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			conn.Close()
			m.setState(StateDisconnected)
			return
		}
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()

		m.setState(StateConnected)
		m.logger.Info("connection established", "userID", m.userID)

		go m.pingLoop(done)
		m.readLoop(conn, done)
	}()
}

// readLoop delivers inbound messages to subscribers in arrival order; each
// message is handled completely before the next is read.
func (m *Manager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.conn != conn
			manual := m.manualClose
			if !stale {
				m.conn = nil
			}
			m.mu.Unlock()

			if stale || manual {
				return
			}
			conn.Close()
			m.setState(StateDisconnected)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info("connection closed by server")
				return
			}
			m.logger.Warn("connection lost", "error", err)
			m.scheduleReconnect()
			return
		}

		var pong pongMessage
		if json.Unmarshal(data, &pong) == nil && pong.Type == "pong" {
			m.mu.Lock()
			m.stats.PeerCount = pong.Connections
			stats := m.stats
			m.mu.Unlock()
			m.statsSubs.Publish(stats)
			continue
		}

		m.rawSubs.Publish(data)
	}
}

func (m *Manager) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Send(pingMessage{Type: "ping"})
		}
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxRetries {
		m.stats.LastError = "connection lost: reconnect attempts exhausted"
		stats := m.stats
		m.mu.Unlock()
		m.logger.Error("giving up on reconnect", "attempts", m.opts.MaxRetries)
		m.statsSubs.Publish(stats)
		return
	}
	delay := Backoff(m.attempts, m.opts.BackoffBase, m.opts.BackoffCap)
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = time.AfterFunc(delay, m.startDial)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Manager)
)

// SharedManager returns the process-wide Manager for userID, creating it on
// first use without connecting. Consumers call Acquire to mount.
func SharedManager(userID string, opts Options, logger *slog.Logger) *Manager {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	m, ok := shared[userID]
	if !ok {
		m = NewManager(opts, logger)
		shared[userID] = m
	}
	return m
}

// Shared returns the process-wide Manager for userID, creating it on first
// use, and registers the caller as a consumer. The returned release handle
// must be called on unmount; the connection closes when the last consumer
// releases.
func Shared(userID string, opts Options, logger *slog.Logger) (*Manager, func()) {
	m := SharedManager(userID, opts, logger)
	release := m.Acquire(userID)
	return m, func() {
		release()
		sharedMu.Lock()
		m.mu.Lock()
		if m.refs == 0 && shared[userID] == m {
			delete(shared, userID)
		}
		m.mu.Unlock()
		sharedMu.Unlock()
	}
}
