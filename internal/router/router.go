// Package router classifies decoded inbound messages into typed event
// categories and fans them out to per-category subscriber sets. It is also
// the single outbound path: emit methods serialize events and hand them to
// the connection manager without waiting for acknowledgment.
package router

import (
	"encoding/json"
	"log/slog"
	"time"

	"garden-sync/internal/emitter"
	"garden-sync/internal/events"
)

// Conn is the slice of the connection manager the router needs.
type Conn interface {
	Send(v any)
	SubscribeMessages(fn func([]byte)) func()
}

type Router struct {
	conn   Conn
	logger *slog.Logger

	lobbySubs    emitter.Registry[events.LobbyEvent]
	chatSubs     emitter.Registry[events.ChatEvent]
	presenceSubs emitter.Registry[events.PresenceEvent]
	gameSubs     emitter.Registry[events.GameEvent]
	walletSubs   emitter.Registry[events.WalletEvent]
	anySubs      emitter.Registry[events.Event]

	unsubscribe func()
}

func New(conn Conn, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{conn: conn, logger: logger}
	r.unsubscribe = conn.SubscribeMessages(r.handleRaw)
	return r
}

// Close detaches the router from the connection. Subscribers stay registered
// but receive nothing further.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// handleRaw runs on the connection's read loop, so messages are classified
// and delivered completely, in arrival order, before the next one is read.
func (r *Router) handleRaw(data []byte) {
	ev, err := events.Decode(data, time.Now())
	if err != nil {
		r.logger.Warn("dropping inbound message", "error", err)
		return
	}

	switch e := ev.(type) {
	case events.LobbyEvent:
		r.lobbySubs.Publish(e)
	case events.ChatEvent:
		r.chatSubs.Publish(e)
	case events.PresenceEvent:
		r.presenceSubs.Publish(e)
	case events.GameEvent:
		r.gameSubs.Publish(e)
	case events.WalletEvent:
		r.walletSubs.Publish(e)
	}

	r.anySubs.Publish(ev)
}

// safe wraps a subscriber callback so a panicking consumer cannot halt
// delivery to the others.
func safe[T any](logger *slog.Logger, fn func(T)) func(T) {
	return func(v T) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("event subscriber panicked", "panic", rec)
			}
		}()
		fn(v)
	}
}

func (r *Router) OnLobby(fn func(events.LobbyEvent)) func() {
	return r.lobbySubs.Subscribe(safe(r.logger, fn))
}

// OnLobbyCode delivers only lobby events for the given code. The filter is
// applied inline on the generic subscription, adding no latency or
// reordering.
func (r *Router) OnLobbyCode(code string, fn func(events.LobbyEvent)) func() {
	return r.OnLobby(func(ev events.LobbyEvent) {
		if ev.Code == code {
			fn(ev)
		}
	})
}

func (r *Router) OnChat(fn func(events.ChatEvent)) func() {
	return r.chatSubs.Subscribe(safe(r.logger, fn))
}

func (r *Router) OnChatInLobby(code string, fn func(events.ChatEvent)) func() {
	return r.OnChat(func(ev events.ChatEvent) {
		if ev.Code == code {
			fn(ev)
		}
	})
}

func (r *Router) OnPresence(fn func(events.PresenceEvent)) func() {
	return r.presenceSubs.Subscribe(safe(r.logger, fn))
}

func (r *Router) OnGame(fn func(events.GameEvent)) func() {
	return r.gameSubs.Subscribe(safe(r.logger, fn))
}

func (r *Router) OnWallet(fn func(events.WalletEvent)) func() {
	return r.walletSubs.Subscribe(safe(r.logger, fn))
}

func (r *Router) OnWalletFor(userID string, fn func(events.WalletEvent)) func() {
	return r.OnWallet(func(ev events.WalletEvent) {
		if ev.UserID == userID {
			fn(ev)
		}
	})
}

func (r *Router) OnAny(fn func(events.Event)) func() {
	return r.anySubs.Subscribe(safe(r.logger, fn))
}

// emit serializes ev with its category discriminator and hands it to the
// connection. No local state is touched; any local effect is the caller's
// responsibility.
func (r *Router) emit(ev events.Event) {
	data, err := events.Encode(ev, time.Now())
	if err != nil {
		r.logger.Warn("failed to encode outbound event", "category", ev.Category().String(), "error", err)
		return
	}
	r.conn.Send(json.RawMessage(data))
}

func (r *Router) EmitLobbyEvent(ev events.LobbyEvent)       { r.emit(ev) }
func (r *Router) EmitChatEvent(ev events.ChatEvent)         { r.emit(ev) }
func (r *Router) EmitPresenceEvent(ev events.PresenceEvent) { r.emit(ev) }
func (r *Router) EmitGameEvent(ev events.GameEvent)         { r.emit(ev) }
func (r *Router) EmitWalletEvent(ev events.WalletEvent)     { r.emit(ev) }
