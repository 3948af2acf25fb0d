// Package garden applies structure placements against the user's inventory,
// optimistically decrementing the local count and converging on the server's
// count when the authoritative response or a pushed game event arrives.
package garden

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"garden-sync/internal/events"
	"garden-sync/internal/optimistic"
)

// ErrOutOfStock is returned before any request is issued when the visible
// inventory for the structure is empty.
var ErrOutOfStock = errors.New("structure not in inventory")

// Backend issues the authoritative placement.
type Backend interface {
	PlaceStructure(ctx context.Context, slot, structureID string) (int, error)
}

// EventSource is the slice of the event router the placer consumes.
type EventSource interface {
	OnGame(fn func(events.GameEvent)) func()
}

type Placer struct {
	userID  string
	backend Backend
	rec     *optimistic.Reconciler[int]
	logger  *slog.Logger
	unsub   func()
}

func NewPlacer(userID string, backend Backend, source EventSource, mutationTimeout time.Duration, logger *slog.Logger) *Placer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Placer{
		userID:  userID,
		backend: backend,
		rec:     optimistic.New[int](mutationTimeout, logger),
		logger:  logger,
	}
	p.unsub = source.OnGame(p.handleEvent)
	return p
}

// Close detaches the placer from the event router.
func (p *Placer) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}

// SetInventory seeds the confirmed counts, e.g. from an initial profile
// fetch.
func (p *Placer) SetInventory(counts map[string]int) {
	for id, n := range counts {
		p.rec.Seed(id, n)
	}
}

// Count returns the currently visible inventory count for a structure.
func (p *Placer) Count(structureID string) int {
	n, _ := p.rec.Get(structureID)
	return n
}

// Subscribe registers a callback for visible inventory changes, keyed by
// structure id.
func (p *Placer) Subscribe(fn func(structureID string, count int)) func() {
	return p.rec.Subscribe(func(c optimistic.Change[int]) {
		fn(c.Key, c.Value)
	})
}

// handleEvent treats a pushed placement confirmation for this user as
// authoritative, short-circuiting the pending mutation.
func (p *Placer) handleEvent(ev events.GameEvent) {
	if ev.Action != events.GameStructurePlaced || ev.UserID != p.userID {
		return
	}
	var payload events.StructurePlacedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Warn("malformed placement payload", "error", err)
		return
	}
	p.rec.Resolve(payload.StructureID, payload.Remaining)
}

// Place decrements the inventory optimistically and issues the authoritative
// placement. The server's remaining count wins over the local guess.
func (p *Placer) Place(ctx context.Context, slot, structureID string) error {
	current, _ := p.rec.Get(structureID)
	if current <= 0 {
		return ErrOutOfStock
	}

	id := p.rec.Apply(structureID, current-1)

	remaining, err := p.backend.PlaceStructure(ctx, slot, structureID)
	if err != nil {
		p.rec.Reject(structureID, id)
		return err
	}

	p.rec.Confirm(structureID, id, &remaining)
	return nil
}
