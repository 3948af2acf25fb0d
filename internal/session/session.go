// Package session wires one authenticated user's sync core: the shared
// connection, the event router, the lobby machine and the wallet and garden
// trackers, plus the lightweight chat tail and presence roster the UI reads.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"garden-sync/internal/api"
	"garden-sync/internal/auth"
	"garden-sync/internal/config"
	"garden-sync/internal/connection"
	"garden-sync/internal/events"
	"garden-sync/internal/garden"
	"garden-sync/internal/lobby"
	"garden-sync/internal/router"
	"garden-sync/internal/store"
	"garden-sync/internal/wallet"
)

// chatTailLimit bounds the per-lobby chat tail kept in memory.
const chatTailLimit = 100

type ChatMessage struct {
	UserID   string
	Username string
	Message  string
	At       time.Time
}

type Session struct {
	UserID string
	Conn   *connection.Manager
	Router *router.Router
	Lobby  *lobby.Machine
	Wallet *wallet.Tracker
	Garden *garden.Placer

	logger  *slog.Logger
	release func()

	mu     sync.Mutex
	chat   map[string][]ChatMessage
	online map[string]struct{}
	unsubs []func()
}

func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	userID, err := auth.UserIDFromToken(cfg.Auth.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		st, err = store.NewRedisStoreFromURL(cfg.Store.RedisURL, userID)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
	default:
		st = store.NewFileStore(cfg.Store.Path)
	}

	apiClient := api.NewClient(cfg.Server.BaseURL, cfg.Auth.Token, cfg.Server.RequestTimeout, logger)

	conn := connection.SharedManager(userID, connection.Options{
		URL:          cfg.Server.WSURL,
		Token:        cfg.Auth.Token,
		PingInterval: cfg.Connection.PingInterval,
		BackoffBase:  cfg.Connection.BackoffBase,
		BackoffCap:   cfg.Connection.BackoffCap,
		MaxRetries:   cfg.Connection.MaxRetries,
	}, logger)

	rtr := router.New(conn, logger)

	s := &Session{
		UserID: userID,
		Conn:   conn,
		Router: rtr,
		Lobby: lobby.New(lobby.Options{
			UserID:            userID,
			Backend:           apiClient,
			Events:            rtr,
			Store:             st,
			Logger:            logger,
			HealthInterval:    cfg.Lobby.HealthInterval,
			HealthTimeout:     cfg.Lobby.HealthTimeout,
			ReconcileInterval: cfg.Lobby.ReconcileInterval,
			CloseTimeout:      cfg.Server.CloseTimeout,
		}),
		Wallet: wallet.NewTracker(userID, apiClient, rtr, cfg.Mutation.Timeout, logger),
		Garden: garden.NewPlacer(userID, apiClient, rtr, cfg.Mutation.Timeout, logger),
		logger: logger,
		chat:   make(map[string][]ChatMessage),
		online: make(map[string]struct{}),
	}

	s.unsubs = append(s.unsubs,
		rtr.OnChat(s.handleChat),
		rtr.OnPresence(s.handlePresence),
	)
	return s, nil
}

// Start mounts the session on the shared connection and launches the lobby
// loops.
func (s *Session) Start() {
	s.release = s.Conn.Acquire(s.UserID)
	s.Lobby.Start()
	s.logger.Info("session started", "userID", s.UserID)
}

// Close unmounts everything; the connection is torn down when this was the
// last consumer.
func (s *Session) Close() {
	s.Lobby.Stop()
	s.Wallet.Close()
	s.Garden.Close()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.Router.Close()
	if s.release != nil {
		s.release()
	}
	s.logger.Info("session closed", "userID", s.UserID)
}

func (s *Session) handleChat(ev events.ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Action {
	case events.ChatCleared:
		delete(s.chat, ev.Code)
	case events.ChatNewMessage:
		tail := append(s.chat[ev.Code], ChatMessage{
			UserID:   ev.UserID,
			Username: ev.Username,
			Message:  ev.Message,
			At:       ev.Timestamp,
		})
		if len(tail) > chatTailLimit {
			tail = tail[len(tail)-chatTailLimit:]
		}
		s.chat[ev.Code] = tail
	}
}

func (s *Session) handlePresence(ev events.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Action {
	case events.PresenceOnline:
		s.online[ev.UserID] = struct{}{}
	case events.PresenceOffline:
		delete(s.online, ev.UserID)
	}
}

// ChatTail returns the retained messages for a lobby, oldest first.
func (s *Session) ChatTail(code string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := make([]ChatMessage, len(s.chat[code]))
	copy(tail, s.chat[code])
	return tail
}

// OnlineUsers returns the current presence roster, sorted for stable output.
func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.online))
	for u := range s.online {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// SendChat emits a chat message for the current lobby. Delivery is not
// acknowledged; the echoed event updates the tail.
func (s *Session) SendChat(username, message string) {
	snap := s.Lobby.Snapshot()
	if snap.Phase != lobby.PhaseHosting && snap.Phase != lobby.PhaseJoined {
		s.logger.Warn("chat dropped, not in a lobby")
		return
	}
	s.Router.EmitChatEvent(events.ChatEvent{
		Action:   events.ChatNewMessage,
		Code:     snap.Code,
		UserID:   s.UserID,
		Username: username,
		Message:  message,
	})
}
