// Package lobby holds the client-resident state machine for a group study
// session. The socket event stream is the primary source of truth; REST
// reconciliation is a periodic correction, never an authority that overrides
// a more recent socket-delivered state.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"garden-sync/internal/api"
	"garden-sync/internal/emitter"
	"garden-sync/internal/events"
	"garden-sync/internal/store"
)

// Phase is the lobby membership state, using a custom enum type for better
// type safety.
type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseJoining Phase = "joining"
	PhaseHosting Phase = "hosting"
	PhaseJoined  Phase = "joined"
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks if the Phase is a valid enum value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseEmpty, PhaseJoining, PhaseHosting, PhaseJoined:
		return true
	default:
		return false
	}
}

// Snapshot is the read-only view delivered to subscribers. Members keep the
// server's order for display stability but never contain duplicates.
type Snapshot struct {
	Phase       Phase
	Code        string
	Host        string
	Members     []string
	CreatedAt   time.Time
	Provisional bool

	// Notice carries the explanatory message for state-resetting paths;
	// empty when the reset is the successful completion of a user action.
	Notice string
}

// Backend is the REST collaborator the machine issues state-changing actions
// against.
type Backend interface {
	CreateLobby(ctx context.Context) (*api.Lobby, error)
	JoinLobby(ctx context.Context, code string) (*api.Lobby, error)
	LeaveLobby(ctx context.Context, code string) error
	EndLobby(ctx context.Context, code string) error
	LobbyStatus(ctx context.Context, code string) (*api.Lobby, error)
	LobbyHealth(ctx context.Context, code string) error
}

// EventSource is the slice of the event router the machine consumes.
type EventSource interface {
	OnLobby(fn func(events.LobbyEvent)) func()
}

type Options struct {
	UserID  string
	Backend Backend
	Events  EventSource
	Store   store.Store
	Logger  *slog.Logger

	HealthInterval    time.Duration // default 30s
	HealthTimeout     time.Duration // default 5s
	ReconcileInterval time.Duration // default 30s
	InitialDelay      time.Duration // first reconcile after start, default 1s
	CloseTimeout      time.Duration // default 10s
}

func (o *Options) withDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const healthFailLimit = 3

// Machine owns LobbyState exclusively. Everything else reads it via
// Subscribe and routes mutations through the action methods.
type Machine struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	phase       Phase
	code        string
	host        string
	members     []string
	createdAt   time.Time
	provisional bool
	notice      string
	healthFails int

	subs emitter.Registry[Snapshot]

	unsubEvents func()
	stop        chan struct{}
	stopOnce    sync.Once
}

func New(opts Options) *Machine {
	opts.withDefaults()
	m := &Machine{
		opts:   opts,
		logger: opts.Logger,
		phase:  PhaseEmpty,
		stop:   make(chan struct{}),
	}
	m.restore()
	m.unsubEvents = opts.Events.OnLobby(m.handleEvent)
	return m
}

// restore seeds the machine from the device-local persisted copy so the UI
// reflects the last known membership before the first round-trip resolves.
func (m *Machine) restore() {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	persisted, err := m.opts.Store.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted lobby state", "error", err)
		return
	}
	if persisted == nil {
		return
	}
	phase := Phase(persisted.Phase)
	if phase != PhaseHosting && phase != PhaseJoined {
		return
	}
	m.phase = phase
	m.code = persisted.Code
	m.host = persisted.Host
	m.members = dedupe(persisted.Members)
	m.createdAt = persisted.CreatedAt
	m.provisional = true
	m.logger.Info("restored provisional lobby state", "code", m.code, "phase", phase.String())
}

// Start launches the health-check and reconciliation loops.
func (m *Machine) Start() {
	go m.run()
}

// Stop cancels the timers and detaches from the event router.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.unsubEvents != nil {
		m.unsubEvents()
	}
}

func (m *Machine) run() {
	initial := time.NewTimer(m.opts.InitialDelay)
	defer initial.Stop()
	reconcile := time.NewTicker(m.opts.ReconcileInterval)
	defer reconcile.Stop()
	health := time.NewTicker(m.opts.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-initial.C:
			m.reconcile(context.Background())
		case <-reconcile.C:
			m.reconcile(context.Background())
		case <-health.C:
			m.healthCheck(context.Background())
		}
	}
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	members := make([]string, len(m.members))
	copy(members, m.members)
	return Snapshot{
		Phase:       m.phase,
		Code:        m.code,
		Host:        m.host,
		Members:     members,
		CreatedAt:   m.createdAt,
		Provisional: m.provisional,
		Notice:      m.notice,
	}
}

// Subscribe registers a view callback and delivers the current snapshot
// immediately.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	fn(m.Snapshot())
	return m.subs.Subscribe(fn)
}

// Create asks the backend for a new lobby hosted by this user. On failure
// the state is unchanged and the server's message is surfaced verbatim.
func (m *Machine) Create(ctx context.Context) error {
	if m.opts.UserID == "" {
		return errors.New("an authenticated user is required to create a lobby")
	}
	m.mu.Lock()
	if m.phase != PhaseEmpty {
		m.mu.Unlock()
		return fmt.Errorf("cannot create a lobby while %s", m.phase)
	}
	m.mu.Unlock()

	lb, err := m.opts.Backend.CreateLobby(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.phase = PhaseHosting
	m.code = lb.Code
	m.host = m.opts.UserID
	if len(lb.Users) > 0 {
		m.members = dedupe(lb.Users)
	} else {
		m.members = []string{m.opts.UserID}
	}
	m.createdAt = lb.CreatedAt
	m.provisional = false
	m.notice = ""
	m.mu.Unlock()

	m.persist()
	m.publish()
	m.logger.Info("lobby created", "code", lb.Code)
	return nil
}

// Join submits a join code. On failure the machine returns to the phase that
// preceded the attempt and the error is surfaced.
func (m *Machine) Join(ctx context.Context, rawCode string) error {
	code := strings.TrimSpace(rawCode)
	if code == "" {
		return errors.New("a join code is required")
	}

	m.mu.Lock()
	if m.phase == PhaseHosting || m.phase == PhaseJoined {
		m.mu.Unlock()
		return fmt.Errorf("cannot join a lobby while %s", m.phase)
	}
	previous := m.phase
	m.phase = PhaseJoining
	m.notice = ""
	m.mu.Unlock()
	m.publish()

	lb, err := m.opts.Backend.JoinLobby(ctx, code)
	if err != nil {
		m.mu.Lock()
		m.phase = previous
		m.mu.Unlock()
		m.publish()
		return err
	}

	m.mu.Lock()
	m.phase = PhaseJoined
	m.code = lb.Code
	m.host = lb.Host
	m.members = dedupe(lb.Users)
	m.createdAt = lb.CreatedAt
	m.provisional = false
	m.healthFails = 0
	m.mu.Unlock()

	m.persist()
	m.publish()
	m.logger.Info("lobby joined", "code", lb.Code)
	return nil
}

// Leave removes this user from the lobby. A "not found" or "not a member"
// response means the server already agrees with the desired outcome and is
// treated as success.
func (m *Machine) Leave(ctx context.Context) error {
	if err := m.validateProvisional(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.phase == PhaseEmpty {
		m.mu.Unlock()
		return nil
	}
	code := m.code
	m.mu.Unlock()

	err := m.opts.Backend.LeaveLobby(ctx, code)
	if err != nil && !api.IsNotFoundClass(err) {
		return err
	}

	m.reset("")
	m.logger.Info("lobby left", "code", code)
	return nil
}

// Close tears the lobby down; host only. An "already gone" response resets
// cleanly; a timeout is treated like a 5xx and resets with a notice, because
// an unreachable close endpoint most likely means the session is already
// unusable. Any other definite failure leaves the state unchanged so the
// user may retry.
func (m *Machine) Close(ctx context.Context) error {
	if err := m.validateProvisional(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.phase != PhaseHosting {
		m.mu.Unlock()
		return errors.New("only the host can close the lobby")
	}
	code := m.code
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.CloseTimeout)
	defer cancel()

	err := m.opts.Backend.EndLobby(ctx, code)
	switch {
	case err == nil, api.IsNotFoundClass(err):
		m.reset("")
		m.logger.Info("lobby closed", "code", code)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		m.reset("Returning to main page")
		m.logger.Warn("close timed out, resetting", "code", code)
		return nil
	default:
		return err
	}
}

// validateProvisional revalidates restored state against the server before
// it is trusted for a mutating action.
func (m *Machine) validateProvisional(ctx context.Context) error {
	m.mu.Lock()
	provisional := m.provisional
	m.mu.Unlock()
	if !provisional {
		return nil
	}
	m.reconcile(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provisional {
		return errors.New("lobby state could not be validated")
	}
	return nil
}

// handleEvent consumes inbound lobby events for the current code. Membership
// is always taken from the event's authoritative list, never recomputed
// locally; self-originated join/leave events are ignored.
func (m *Machine) handleEvent(ev events.LobbyEvent) {
	m.mu.Lock()
	if m.phase == PhaseEmpty || ev.Code != m.code {
		m.mu.Unlock()
		return
	}

	switch ev.Action {
	case events.LobbyDisband:
		m.mu.Unlock()
		notice := ""
		if ev.UserID != m.opts.UserID {
			notice = "Lobby was disbanded by the host"
		}
		m.reset(notice)
		m.logger.Info("lobby disbanded", "code", ev.Code, "actor", ev.UserID)

	case events.LobbyJoin, events.LobbyLeave:
		if ev.UserID == m.opts.UserID {
			m.mu.Unlock()
			return
		}
		m.members = dedupe(ev.Users)
		m.mu.Unlock()
		m.persist()
		m.publish()

	default:
		m.mu.Unlock()
		m.logger.Warn("unrecognized lobby action", "action", string(ev.Action))
	}
}

// reconcile re-fetches authoritative lobby state by code. The server's view
// overwrites the local one, never merged. Hosts are exempt unless the state
// is provisional.
func (m *Machine) reconcile(ctx context.Context) {
	m.mu.Lock()
	phase := m.phase
	code := m.code
	provisional := m.provisional
	m.mu.Unlock()

	if phase != PhaseJoined && !(provisional && phase == PhaseHosting) {
		return
	}

	lb, err := m.opts.Backend.LobbyStatus(ctx, code)
	if api.IsNotFoundClass(err) {
		m.reset("This lobby no longer exists")
		return
	}
	if err != nil {
		m.logger.Warn("reconcile failed", "code", code, "error", err)
		return
	}

	if !contains(lb.Users, m.opts.UserID) {
		m.reset("You are no longer a member of this lobby")
		return
	}

	m.mu.Lock()
	if m.phase == PhaseEmpty || m.code != code {
		// A socket event reset or moved the state while the fetch was in
		// flight; the fresher view wins.
		m.mu.Unlock()
		return
	}
	if lb.Host == m.opts.UserID {
		m.phase = PhaseHosting
	} else {
		m.phase = PhaseJoined
	}
	m.host = lb.Host
	m.members = dedupe(lb.Users)
	m.createdAt = lb.CreatedAt
	m.provisional = false
	m.mu.Unlock()

	m.persist()
	m.publish()
}

// healthCheck probes the lobby's continued existence server-side,
// independent of event delivery. It guards against a server-side teardown
// that produced no event leaving the client stuck in a state no peer will
// ever revive.
func (m *Machine) healthCheck(ctx context.Context) {
	m.mu.Lock()
	phase := m.phase
	code := m.code
	m.mu.Unlock()

	if phase != PhaseHosting && phase != PhaseJoined {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()

	err := m.opts.Backend.LobbyHealth(ctx, code)
	if err == nil {
		m.mu.Lock()
		m.healthFails = 0
		m.mu.Unlock()
		return
	}

	if api.IsNotFoundClass(err) {
		m.reset("This lobby no longer exists")
		return
	}

	m.mu.Lock()
	m.healthFails++
	fails := m.healthFails
	m.mu.Unlock()
	m.logger.Warn("lobby health check failed", "code", code, "consecutive", fails, "error", err)

	if fails >= healthFailLimit {
		m.reset("Lost connection to the lobby")
	}
}

// reset returns the machine to Empty and clears the persisted copy. A
// non-empty notice is surfaced to subscribers; user-initiated leave/close
// resets pass an empty one.
func (m *Machine) reset(notice string) {
	m.mu.Lock()
	m.phase = PhaseEmpty
	m.code = ""
	m.host = ""
	m.members = nil
	m.createdAt = time.Time{}
	m.provisional = false
	m.healthFails = 0
	m.notice = notice
	m.mu.Unlock()

	if m.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.opts.Store.Clear(ctx); err != nil {
			m.logger.Warn("failed to clear persisted lobby state", "error", err)
		}
		cancel()
	}
	m.publish()
}

// persist mirrors the current state into device-local storage.
func (m *Machine) persist() {
	if m.opts.Store == nil {
		return
	}
	m.mu.Lock()
	entry := store.PersistedLobby{
		Phase:     string(m.phase),
		Code:      m.code,
		Host:      m.host,
		Members:   append([]string(nil), m.members...),
		CreatedAt: m.createdAt,
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Store.Save(ctx, entry); err != nil {
		m.logger.Warn("failed to persist lobby state", "error", err)
	}
}

func (m *Machine) publish() {
	m.subs.Publish(m.Snapshot())
}

// dedupe keeps the first occurrence of each member, preserving order for
// display stability.
func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func contains(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
