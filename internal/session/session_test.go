package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garden-sync/internal/config"
	"garden-sync/internal/connection"
	"garden-sync/internal/lobby"
	"garden-sync/testsupport"
)

const testSecret = "garden-sync-test-secret"

var userSeq int

// newSession builds a started session for a fresh user against the in-process
// backend. User ids are unique per call because the connection manager
// registry is keyed process-wide by user.
func newSession(t *testing.T, backend *testsupport.Backend, tweak func(*config.Config)) *Session {
	t.Helper()
	userSeq++
	userID := fmt.Sprintf("user-%d-%d", time.Now().UnixNano(), userSeq)

	cfg := &config.Config{
		Server: config.ServerConfig{
			BaseURL:        backend.URL(),
			WSURL:          backend.WSURL(),
			RequestTimeout: 2 * time.Second,
			CloseTimeout:   2 * time.Second,
		},
		Auth: config.AuthConfig{Token: backend.Token(userID)},
		Connection: config.ConnectionConfig{
			PingInterval: 50 * time.Millisecond,
			BackoffBase:  20 * time.Millisecond,
			BackoffCap:   100 * time.Millisecond,
			MaxRetries:   3,
		},
		Lobby: config.LobbyConfig{
			HealthInterval:    time.Hour,
			HealthTimeout:     time.Second,
			ReconcileInterval: time.Hour,
		},
		Mutation: config.MutationConfig{Timeout: 2 * time.Second},
		Store: config.StoreConfig{
			Backend: "file",
			Path:    filepath.Join(t.TempDir(), "lobby.json"),
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	s, err := New(cfg, nil)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Close)

	require.Eventually(t, func() bool { return s.Conn.State() == connection.StateConnected },
		2*time.Second, 5*time.Millisecond, "session should come online")
	return s
}

func waitPhase(t *testing.T, s *Session, want lobby.Phase) lobby.Snapshot {
	t.Helper()
	var snap lobby.Snapshot
	require.Eventually(t, func() bool {
		snap = s.Lobby.Snapshot()
		return snap.Phase == want
	}, 2*time.Second, 5*time.Millisecond, "expected phase %s, got %s", want, snap.Phase)
	return snap
}

func TestHostSeesJoiner(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	host := newSession(t, backend, nil)
	guest := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NotEmpty(t, code)

	require.NoError(t, guest.Lobby.Join(context.Background(), code))
	assert.Equal(t, lobby.PhaseJoined, guest.Lobby.Snapshot().Phase)
	assert.Equal(t, host.UserID, guest.Lobby.Snapshot().Host)

	// The host learns about the join purely from the pushed event.
	require.Eventually(t, func() bool {
		return len(host.Lobby.Snapshot().Members) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{host.UserID, guest.UserID}, host.Lobby.Snapshot().Members)
}

func TestGuestLeaveShrinksHostView(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	host := newSession(t, backend, nil)
	guest := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NoError(t, guest.Lobby.Join(context.Background(), code))
	require.Eventually(t, func() bool {
		return len(host.Lobby.Snapshot().Members) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, guest.Lobby.Leave(context.Background()))
	snap := waitPhase(t, guest, lobby.PhaseEmpty)
	assert.Empty(t, snap.Notice, "leaving deliberately needs no explanation")

	require.Eventually(t, func() bool {
		return len(host.Lobby.Snapshot().Members) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{host.UserID}, host.Lobby.Snapshot().Members)
	assert.Equal(t, lobby.PhaseHosting, host.Lobby.Snapshot().Phase)
}

func TestHostCloseDisbandsGuests(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	host := newSession(t, backend, nil)
	guest := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NoError(t, guest.Lobby.Join(context.Background(), code))

	require.NoError(t, host.Lobby.Close(context.Background()))
	hostSnap := waitPhase(t, host, lobby.PhaseEmpty)
	assert.Empty(t, hostSnap.Notice, "the host initiated the close")

	guestSnap := waitPhase(t, guest, lobby.PhaseEmpty)
	assert.Equal(t, "Lobby was disbanded by the host", guestSnap.Notice)

	assert.Nil(t, backend.Lobby(code))
}

func TestGuestCannotClose(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	host := newSession(t, backend, nil)
	guest := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	require.NoError(t, guest.Lobby.Join(context.Background(), host.Lobby.Snapshot().Code))

	assert.Error(t, guest.Lobby.Close(context.Background()))
	assert.Equal(t, lobby.PhaseJoined, guest.Lobby.Snapshot().Phase)
}

func TestSilentTeardownCaughtByHealthCheck(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	guest := newSession(t, backend, func(cfg *config.Config) {
		cfg.Lobby.HealthInterval = 25 * time.Millisecond
	})
	host := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NoError(t, guest.Lobby.Join(context.Background(), code))

	// The lobby evaporates server-side with no event to anyone.
	backend.DropLobby(code)

	snap := waitPhase(t, guest, lobby.PhaseEmpty)
	assert.Equal(t, "This lobby no longer exists", snap.Notice)
}

func TestChatRelay(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	host := newSession(t, backend, nil)
	guest := newSession(t, backend, nil)

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NoError(t, guest.Lobby.Join(context.Background(), code))
	require.Eventually(t, func() bool {
		return len(host.Lobby.Snapshot().Members) == 2
	}, 2*time.Second, 5*time.Millisecond)

	host.SendChat("hosty", "ready to focus?")

	for _, s := range []*Session{host, guest} {
		require.Eventually(t, func() bool {
			return len(s.ChatTail(code)) == 1
		}, 2*time.Second, 5*time.Millisecond, "chat reaches every member, sender included")
		msg := s.ChatTail(code)[0]
		assert.Equal(t, "hosty", msg.Username)
		assert.Equal(t, "ready to focus?", msg.Message)
		assert.False(t, msg.At.IsZero())
	}
}

func TestChatDroppedOutsideLobby(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	s := newSession(t, backend, nil)
	s.SendChat("drifter", "anyone here?")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.ChatTail(""))
}

func TestPresenceRoster(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	s := newSession(t, backend, nil)

	backend.PushEvent(s.UserID, map[string]any{"type": "presence", "action": "online", "user_id": "zoe"})
	backend.PushEvent(s.UserID, map[string]any{"type": "presence", "action": "online", "user_id": "ana"})

	require.Eventually(t, func() bool { return len(s.OnlineUsers()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ana", "zoe"}, s.OnlineUsers())

	backend.PushEvent(s.UserID, map[string]any{"type": "presence", "action": "offline", "user_id": "zoe"})
	require.Eventually(t, func() bool { return len(s.OnlineUsers()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ana"}, s.OnlineUsers())
}

func TestLivenessPeerCount(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	a := newSession(t, backend, nil)
	b := newSession(t, backend, nil)

	for _, s := range []*Session{a, b} {
		require.Eventually(t, func() bool { return s.Conn.Stats().PeerCount == 2 },
			2*time.Second, 5*time.Millisecond, "pong reports all live connections")
	}
}

func TestWalletSpendAgainstBackend(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	s := newSession(t, backend, nil)
	backend.SetBalance(s.UserID, 100)
	s.Wallet.SetBalance(100)

	require.NoError(t, s.Wallet.Spend(context.Background(), 30, "shop"))
	assert.Equal(t, int64(70), s.Wallet.Balance())

	err := s.Wallet.Spend(context.Background(), 500, "shop")
	assert.Error(t, err)
	assert.Equal(t, int64(70), s.Wallet.Balance())
}

func TestWalletPushedUpdate(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	s := newSession(t, backend, nil)
	s.Wallet.SetBalance(10)

	backend.PushEvent(s.UserID, map[string]any{
		"type":        "pomo_bank_update",
		"action":      "balance_changed",
		"user_id":     s.UserID,
		"new_balance": 42,
		"reason":      "session reward",
	})

	require.Eventually(t, func() bool { return s.Wallet.Balance() == 42 },
		2*time.Second, 5*time.Millisecond)
}

func TestGardenPlacementAgainstBackend(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	s := newSession(t, backend, nil)
	backend.SetInventory(s.UserID, map[string]int{"oak": 2})
	s.Garden.SetInventory(map[string]int{"oak": 2})

	require.NoError(t, s.Garden.Place(context.Background(), "a1", "oak"))
	assert.Equal(t, 1, s.Garden.Count("oak"))

	require.NoError(t, s.Garden.Place(context.Background(), "a2", "oak"))
	assert.Equal(t, 0, s.Garden.Count("oak"))

	err := s.Garden.Place(context.Background(), "a3", "oak")
	assert.Error(t, err)
	assert.Equal(t, 0, s.Garden.Count("oak"))
}

func TestRestoredStateSurvivesRestart(t *testing.T) {
	backend := testsupport.New(testSecret)
	defer backend.Close()

	path := filepath.Join(t.TempDir(), "lobby.json")
	host := newSession(t, backend, nil)
	guest := newSession(t, backend, func(cfg *config.Config) {
		cfg.Store.Path = path
	})
	guestID := guest.UserID

	require.NoError(t, host.Lobby.Create(context.Background()))
	code := host.Lobby.Snapshot().Code
	require.NoError(t, guest.Lobby.Join(context.Background(), code))
	guest.Close()

	// A fresh session for the same user restores the membership from disk,
	// marks it provisional, and the first reconcile settles it.
	cfg := &config.Config{
		Server: config.ServerConfig{
			BaseURL:        backend.URL(),
			WSURL:          backend.WSURL(),
			RequestTimeout: 2 * time.Second,
			CloseTimeout:   2 * time.Second,
		},
		Auth:       config.AuthConfig{Token: backend.Token(guestID)},
		Connection: config.ConnectionConfig{PingInterval: 50 * time.Millisecond},
		Lobby: config.LobbyConfig{
			HealthInterval:    time.Hour,
			HealthTimeout:     time.Second,
			ReconcileInterval: time.Hour,
		},
		Mutation: config.MutationConfig{Timeout: 2 * time.Second},
		Store:    config.StoreConfig{Backend: "file", Path: path},
	}
	revived, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(revived.Close)

	snap := revived.Lobby.Snapshot()
	assert.Equal(t, lobby.PhaseJoined, snap.Phase)
	assert.Equal(t, code, snap.Code)
	assert.True(t, snap.Provisional, "restored state waits for server confirmation")

	revived.Start()
	require.Eventually(t, func() bool {
		s := revived.Lobby.Snapshot()
		return s.Phase == lobby.PhaseJoined && !s.Provisional
	}, 3*time.Second, 10*time.Millisecond, "the first reconcile settles the restored view")
}
