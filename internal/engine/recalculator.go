// Package engine runs the vote-triggered Rextimate recalculation: one
// isolated unit of work per recorded vote, reading counts and the current
// price as of its own invocation and appending exactly one new price point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/events"
	"github.com/rextimate/crowd-engine/internal/metrics"
	"github.com/rextimate/crowd-engine/internal/model"
	"github.com/rextimate/crowd-engine/internal/rextimate"
	"github.com/rextimate/crowd-engine/internal/store"
)

// ErrMissingSeedPrice is returned when a vote arrives for a listing whose
// price history was never seeded. The engine must fail loudly here — a
// silently synthesized price would poison every later point — and let the
// trigger's retry policy re-attempt once the seed exists.
var ErrMissingSeedPrice = errors.New("engine: listing has no seed price point")

// Broadcaster receives the new Rextimate after each recalculation.
// Implemented by the websocket hub; nil disables broadcasting.
type Broadcaster interface {
	PriceMoved(listingID string, isOpenHouse bool, amount decimal.Decimal)
}

// Recalculator consumes VoteRecorded events and maintains the price history.
// Stateless between invocations: all state lives in the store.
type Recalculator struct {
	store       store.Store
	broadcaster Broadcaster
}

// NewRecalculator creates a recalculator. Pass nil for broadcaster if no
// live price feed is needed.
func NewRecalculator(st store.Store, b Broadcaster) *Recalculator {
	return &Recalculator{store: st, broadcaster: b}
}

// HandleVoteRecorded is the events.VoteHandler for this engine.
//
// The event stream is at-least-once, so the vote id is claimed in the
// processed set atomically with the price point append: a transient failure
// anywhere in the recalculation leaves the id unclaimed and redelivery
// retries the whole unit, while a redelivered event after a successful
// append finds the claim and becomes a no-op instead of double-applying the
// price shift. JustRight votes never produce a price point, so their claim
// is the only effect and can stand alone.
func (r *Recalculator) HandleVoteRecorded(ctx context.Context, e events.VoteRecorded) error {
	start := time.Now()

	if !rextimate.Moves(e.Direction) {
		fresh, err := r.store.MarkVoteProcessed(ctx, e.PositionID)
		if err != nil {
			return fmt.Errorf("claim vote %s: %w", e.PositionID, err)
		}
		if !fresh {
			metrics.DuplicateVoteEvents.Inc()
			slog.Info("duplicate vote event dropped", "position", e.PositionID)
		}
		return nil
	}

	// Counts as of this invocation; the triggering vote is already durable,
	// so it is included in its own damping denominator.
	counts, err := r.store.CountVotesByDirection(ctx, e.ListingID, e.IsOpenHouse)
	if err != nil {
		return fmt.Errorf("count votes for %s: %w", e.ListingID, err)
	}

	current, err := r.store.LatestPricePoint(ctx, e.ListingID, e.IsOpenHouse)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: listing %s", ErrMissingSeedPrice, e.ListingID)
		}
		return fmt.Errorf("read current rextimate for %s: %w", e.ListingID, err)
	}

	amount, err := rextimate.Calculate(current.Amount, e.Direction, counts)
	if err != nil {
		return fmt.Errorf("recalculate %s: %w", e.ListingID, err)
	}

	point := &model.PricePoint{
		ID:          uuid.New().String(),
		ListingID:   e.ListingID,
		IsOpenHouse: e.IsOpenHouse,
		Amount:      amount,
		CreatedAt:   time.Now().UTC(),
	}
	fresh, err := r.store.AppendVotePricePoint(ctx, e.PositionID, point)
	if err != nil {
		return fmt.Errorf("append price point for %s: %w", e.ListingID, err)
	}
	if !fresh {
		metrics.DuplicateVoteEvents.Inc()
		slog.Info("duplicate vote event dropped", "position", e.PositionID)
		return nil
	}

	metrics.RecalcLatency.Observe(time.Since(start).Seconds())

	slog.Info("rextimate updated",
		"listing", e.ListingID,
		"open_house", e.IsOpenHouse,
		"direction", string(e.Direction),
		"amount", amount.String(),
		"seq", point.Seq,
	)

	if r.broadcaster != nil {
		r.broadcaster.PriceMoved(e.ListingID, e.IsOpenHouse, amount)
	}
	return nil
}
