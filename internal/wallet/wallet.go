// Package wallet tracks the user's pomo-bank balance. Spends are applied
// optimistically so the UI reflects the debit with zero perceived latency;
// the authoritative response or a pushed pomo_bank_update event confirms or
// rolls back.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"garden-sync/internal/events"
	"garden-sync/internal/optimistic"
)

const balanceKey = "balance"

// ErrInsufficientBalance is returned before any request is issued when the
// visible balance cannot cover the spend.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Backend issues the authoritative wallet mutation.
type Backend interface {
	SpendWallet(ctx context.Context, amount int64, reason string) (int64, error)
}

// EventSource is the slice of the event router the tracker consumes.
type EventSource interface {
	OnWalletFor(userID string, fn func(events.WalletEvent)) func()
}

type Tracker struct {
	userID  string
	backend Backend
	rec     *optimistic.Reconciler[int64]
	logger  *slog.Logger
	unsub   func()
}

func NewTracker(userID string, backend Backend, source EventSource, mutationTimeout time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		userID:  userID,
		backend: backend,
		rec:     optimistic.New[int64](mutationTimeout, logger),
		logger:  logger,
	}
	t.unsub = source.OnWalletFor(userID, t.handleEvent)
	return t
}

// Close detaches the tracker from the event router.
func (t *Tracker) Close() {
	if t.unsub != nil {
		t.unsub()
	}
}

// SetBalance seeds the confirmed balance, e.g. from an initial profile fetch.
func (t *Tracker) SetBalance(v int64) {
	t.rec.Seed(balanceKey, v)
}

// Balance returns the currently visible balance.
func (t *Tracker) Balance() int64 {
	v, _ := t.rec.Get(balanceKey)
	return v
}

// Subscribe registers a callback for visible-balance changes.
func (t *Tracker) Subscribe(fn func(int64)) func() {
	return t.rec.Subscribe(func(c optimistic.Change[int64]) {
		fn(c.Value)
	})
}

// handleEvent applies a pushed balance as authoritative, short-circuiting
// any pending spend on it.
func (t *Tracker) handleEvent(ev events.WalletEvent) {
	if ev.Action != events.WalletBalanceChanged {
		return
	}
	t.rec.Resolve(balanceKey, ev.NewBalance)
	t.logger.Debug("balance updated by event", "newBalance", ev.NewBalance, "reason", ev.Reason)
}

// Spend debits the balance optimistically, then reconciles against the
// server's resulting balance. On failure the previous balance is restored
// and the error surfaced; any compensating UI action is the caller's
// responsibility.
func (t *Tracker) Spend(ctx context.Context, amount int64, reason string) error {
	current, _ := t.rec.Get(balanceKey)
	if amount <= 0 {
		return errors.New("spend amount must be positive")
	}
	if current < amount {
		return ErrInsufficientBalance
	}

	id := t.rec.Apply(balanceKey, current-amount)

	serverBalance, err := t.backend.SpendWallet(ctx, amount, reason)
	if err != nil {
		t.rec.Reject(balanceKey, id)
		return err
	}

	t.rec.Confirm(balanceKey, id, &serverBalance)
	return nil
}
