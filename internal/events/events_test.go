package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLobbyEvent(t *testing.T) {
	raw := []byte(`{"type":"lobby","action":"join","lobby_code":"ABC123","user_id":"u2","users":["u1","u2"]}`)
	now := time.Now()

	ev, err := Decode(raw, now)
	require.NoError(t, err)

	lobby, ok := ev.(LobbyEvent)
	require.True(t, ok)
	assert.Equal(t, LobbyJoin, lobby.Action)
	assert.Equal(t, "ABC123", lobby.Code)
	assert.Equal(t, "u2", lobby.UserID)
	assert.Equal(t, []string{"u1", "u2"}, lobby.Users)
	assert.Equal(t, now, lobby.Timestamp, "missing timestamp is stamped at decode time")
	assert.Equal(t, CategoryLobby, ev.Category())
	assert.Equal(t, "ABC123", ev.Key())
}

func TestDecodeKeepsExplicitTimestamp(t *testing.T) {
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(map[string]any{
		"type": "presence", "action": "online", "user_id": "u1", "timestamp": sent,
	})
	require.NoError(t, err)

	ev, err := Decode(raw, time.Now())
	require.NoError(t, err)
	assert.True(t, ev.OccurredAt().Equal(sent))
}

func TestDecodeWalletEvent(t *testing.T) {
	raw := []byte(`{"type":"pomo_bank_update","action":"balance_changed","user_id":"u1","old_balance":100,"new_balance":70,"reason":"shop purchase"}`)

	ev, err := Decode(raw, time.Now())
	require.NoError(t, err)

	wallet, ok := ev.(WalletEvent)
	require.True(t, ok)
	assert.Equal(t, WalletBalanceChanged, wallet.Action)
	assert.Equal(t, int64(100), wallet.OldBalance)
	assert.Equal(t, int64(70), wallet.NewBalance)
	assert.Equal(t, "shop purchase", wallet.Reason)
	assert.Equal(t, "u1", ev.Key(), "wallet events correlate on the user id")
}

func TestDecodeChatEvent(t *testing.T) {
	raw := []byte(`{"type":"chat_message","action":"new_message","lobby_code":"ABC123","user_id":"u1","username":"ana","message":"hi"}`)

	ev, err := Decode(raw, time.Now())
	require.NoError(t, err)

	chat, ok := ev.(ChatEvent)
	require.True(t, ok)
	assert.Equal(t, ChatNewMessage, chat.Action)
	assert.Equal(t, "ana", chat.Username)
	assert.Equal(t, "hi", chat.Message)
}

func TestDecodeGameEventPayload(t *testing.T) {
	raw := []byte(`{"type":"game","action":"structure_placed","game_id":"g1","user_id":"u1","payload":{"structure_id":"oak","slot":"a1","remaining":4}}`)

	ev, err := Decode(raw, time.Now())
	require.NoError(t, err)

	game, ok := ev.(GameEvent)
	require.True(t, ok)

	var placed StructurePlacedPayload
	require.NoError(t, json.Unmarshal(game.Payload, &placed))
	assert.Equal(t, "oak", placed.StructureID)
	assert.Equal(t, 4, placed.Remaining)
}

func TestDecodeUnknownCategory(t *testing.T) {
	_, err := Decode([]byte(`{"type":"tutorial","action":"step"}`), time.Now())
	require.Error(t, err)

	var unknown *ErrUnknownCategory
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "tutorial", unknown.Type)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`), time.Now())
	assert.Error(t, err)
}

func TestEncodeStampsTypeAndTimestamp(t *testing.T) {
	data, err := Encode(ChatEvent{
		Action:   ChatNewMessage,
		Code:     "ABC123",
		UserID:   "u1",
		Username: "ana",
		Message:  "hi",
	}, time.Now())
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "chat_message", out["type"])
	assert.NotEmpty(t, out["timestamp"])

	// The encoded form must round-trip through Decode.
	ev, err := Decode(data, time.Now())
	require.NoError(t, err)
	assert.Equal(t, CategoryChat, ev.Category())
}

func TestCategoryIsValid(t *testing.T) {
	for _, c := range []Category{CategoryLobby, CategoryChat, CategoryPresence, CategoryGame, CategoryWallet} {
		assert.True(t, c.IsValid(), c.String())
	}
	assert.False(t, Category("pong").IsValid(), "pong is consumed by the connection manager, not routed")
}
