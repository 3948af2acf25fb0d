package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies which subscriber set an inbound message belongs to,
// using a custom enum type for better type safety.
type Category string

const (
	CategoryLobby    Category = "lobby"
	CategoryChat     Category = "chat_message"
	CategoryPresence Category = "presence"
	CategoryGame     Category = "game"
	CategoryWallet   Category = "pomo_bank_update"
)

// String returns the string representation of the Category.
func (c Category) String() string {
	return string(c)
}

// IsValid checks if the Category is a valid enum value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryLobby, CategoryChat, CategoryPresence, CategoryGame, CategoryWallet:
		return true
	default:
		return false
	}
}

// Lobby event actions.
type LobbyAction string

const (
	LobbyJoin    LobbyAction = "join"
	LobbyLeave   LobbyAction = "leave"
	LobbyDisband LobbyAction = "disband"
)

func (a LobbyAction) IsValid() bool {
	switch a {
	case LobbyJoin, LobbyLeave, LobbyDisband:
		return true
	default:
		return false
	}
}

// Chat event actions.
type ChatAction string

const (
	ChatNewMessage ChatAction = "new_message"
	ChatCleared    ChatAction = "chat_cleared"
)

// Presence event actions.
type PresenceAction string

const (
	PresenceOnline  PresenceAction = "online"
	PresenceOffline PresenceAction = "offline"
)

// Wallet event actions.
type WalletAction string

const WalletBalanceChanged WalletAction = "balance_changed"

// Game event actions.
type GameAction string

const (
	GameStructurePlaced GameAction = "structure_placed"
	GameSessionStarted  GameAction = "session_started"
	GameSessionEnded    GameAction = "session_ended"
)

// Event is the interface every decoded inbound message satisfies. Events are
// immutable value objects created at decode time.
type Event interface {
	Category() Category
	// Key is the correlation key: lobby code, user id or game id depending
	// on the category.
	Key() string
	// Actor is the originating user id.
	Actor() string
	OccurredAt() time.Time
}

type LobbyEvent struct {
	Action    LobbyAction `json:"action"`
	Code      string      `json:"lobby_code"`
	UserID    string      `json:"user_id"`
	Users     []string    `json:"users,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e LobbyEvent) Category() Category    { return CategoryLobby }
func (e LobbyEvent) Key() string           { return e.Code }
func (e LobbyEvent) Actor() string         { return e.UserID }
func (e LobbyEvent) OccurredAt() time.Time { return e.Timestamp }

type ChatEvent struct {
	Action    ChatAction `json:"action"`
	Code      string     `json:"lobby_code"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func (e ChatEvent) Category() Category    { return CategoryChat }
func (e ChatEvent) Key() string           { return e.Code }
func (e ChatEvent) Actor() string         { return e.UserID }
func (e ChatEvent) OccurredAt() time.Time { return e.Timestamp }

type PresenceEvent struct {
	Action    PresenceAction `json:"action"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e PresenceEvent) Category() Category    { return CategoryPresence }
func (e PresenceEvent) Key() string           { return e.UserID }
func (e PresenceEvent) Actor() string         { return e.UserID }
func (e PresenceEvent) OccurredAt() time.Time { return e.Timestamp }

type GameEvent struct {
	Action    GameAction      `json:"action"`
	GameID    string          `json:"game_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e GameEvent) Category() Category    { return CategoryGame }
func (e GameEvent) Key() string           { return e.GameID }
func (e GameEvent) Actor() string         { return e.UserID }
func (e GameEvent) OccurredAt() time.Time { return e.Timestamp }

type WalletEvent struct {
	Action     WalletAction `json:"action"`
	UserID     string       `json:"user_id"`
	OldBalance int64        `json:"old_balance"`
	NewBalance int64        `json:"new_balance"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (e WalletEvent) Category() Category    { return CategoryWallet }
func (e WalletEvent) Key() string           { return e.UserID }
func (e WalletEvent) Actor() string         { return e.UserID }
func (e WalletEvent) OccurredAt() time.Time { return e.Timestamp }

// StructurePlacedPayload is the game-event payload for a confirmed structure
// placement.
type StructurePlacedPayload struct {
	StructureID string `json:"structure_id"`
	Slot        string `json:"slot"`
	Remaining   int    `json:"remaining"`
}

// envelope is the flat wire shape shared by every inbound message; the
// backend sends category-specific fields at the top level.
type envelope struct {
	Type       Category        `json:"type"`
	Action     string          `json:"action,omitempty"`
	LobbyCode  string          `json:"lobby_code,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	GameID     string          `json:"game_id,omitempty"`
	Users      []string        `json:"users,omitempty"`
	Username   string          `json:"username,omitempty"`
	Message    string          `json:"message,omitempty"`
	OldBalance int64           `json:"old_balance,omitempty"`
	NewBalance int64           `json:"new_balance,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

// ErrUnknownCategory is returned by Decode for message types no subscriber
// set exists for. Callers log and drop these, they are never fatal.
type ErrUnknownCategory struct {
	Type string
}

func (e *ErrUnknownCategory) Error() string {
	return fmt.Sprintf("unknown event category %q", e.Type)
}

// Decode turns a raw inbound message into its typed event. Messages without
// a timestamp are stamped with now.
func Decode(data []byte, now time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	switch env.Type {
	case CategoryLobby:
		return LobbyEvent{
			Action:    LobbyAction(env.Action),
			Code:      env.LobbyCode,
			UserID:    env.UserID,
			Users:     env.Users,
			Timestamp: env.Timestamp,
		}, nil
	case CategoryChat:
		return ChatEvent{
			Action:    ChatAction(env.Action),
			Code:      env.LobbyCode,
			UserID:    env.UserID,
			Username:  env.Username,
			Message:   env.Message,
			Timestamp: env.Timestamp,
		}, nil
	case CategoryPresence:
		return PresenceEvent{
			Action:    PresenceAction(env.Action),
			UserID:    env.UserID,
			Timestamp: env.Timestamp,
		}, nil
	case CategoryGame:
		return GameEvent{
			Action:    GameAction(env.Action),
			GameID:    env.GameID,
			UserID:    env.UserID,
			Payload:   env.Payload,
			Timestamp: env.Timestamp,
		}, nil
	case CategoryWallet:
		return WalletEvent{
			Action:     WalletAction(env.Action),
			UserID:     env.UserID,
			OldBalance: env.OldBalance,
			NewBalance: env.NewBalance,
			Reason:     env.Reason,
			Timestamp:  env.Timestamp,
		}, nil
	default:
		return nil, &ErrUnknownCategory{Type: string(env.Type)}
	}
}

// Encode serializes an outbound event, stamping the timestamp when absent.
func Encode(ev Event, now time.Time) ([]byte, error) {
	env := map[string]any{"type": string(ev.Category())}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	env["type"] = string(ev.Category())
	if ev.OccurredAt().IsZero() {
		env["timestamp"] = now
	}
	return json.Marshal(env)
}
