// Package store persists the last known lobby membership on the device so a
// restart can seed the UI before the first network round-trip resolves. The
// persisted copy is provisional; the lobby machine revalidates it against
// the server before trusting it for mutating actions.
package store

import (
	"context"
	"time"
)

// Keys for the two persisted entries.
const (
	KeyPhase = "lobby_phase"
	KeyState = "lobby_state"
)

// PersistedLobby is the serialized lobby tuple mirrored on every mutation.
type PersistedLobby struct {
	Phase     string    `json:"phase"`
	Code      string    `json:"code"`
	Host      string    `json:"host"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Store holds the two keyed entries: the machine state tag and the
// serialized lobby tuple.
type Store interface {
	// Save mirrors the current lobby state.
	Save(ctx context.Context, l PersistedLobby) error

	// Load returns the persisted state, or nil when none exists.
	Load(ctx context.Context) (*PersistedLobby, error)

	// Clear removes both entries; called whenever state resets to Empty.
	Clear(ctx context.Context) error
}
