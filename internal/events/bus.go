// Package events is the in-process trigger boundary: appends and status
// transitions are published here and delivered to their consumers (the
// pricing recalculator, the status propagator) at least once.
//
// Delivery is at-least-once, never exactly-once: a handler that fails is
// retried with backoff, and consumers are written to be idempotent. Ordering
// is preserved per event kind (one consumer goroutine per channel).
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// VoteRecorded is published after a Position has been durably appended.
type VoteRecorded struct {
	PositionID  string
	ListingID   string
	Direction   model.Direction
	IsOpenHouse bool
}

// StatusChanged is published after a listing's lifecycle status (or
// open-house flag) has changed. It carries the after-state only; the
// propagator reconciles toward it regardless of what came before.
type StatusChanged struct {
	ListingID   string
	Status      model.ListingStatus
	SalePrice   decimal.Decimal
	IsOpenHouse bool
}

// VoteHandler consumes VoteRecorded events.
type VoteHandler func(ctx context.Context, e VoteRecorded) error

// StatusHandler consumes StatusChanged events.
type StatusHandler func(ctx context.Context, e StatusChanged) error

// Bus dispatches append/transition events to their handlers. Must be started
// with Run in a goroutine.
type Bus struct {
	votes    chan VoteRecorded
	statuses chan StatusChanged

	onVote   VoteHandler
	onStatus StatusHandler

	maxAttempts int
	backoff     time.Duration
}

// NewBus creates a dispatcher with the given handlers.
func NewBus(onVote VoteHandler, onStatus StatusHandler) *Bus {
	return &Bus{
		votes:       make(chan VoteRecorded, 256),
		statuses:    make(chan StatusChanged, 256),
		onVote:      onVote,
		onStatus:    onStatus,
		maxAttempts: 3,
		backoff:     250 * time.Millisecond,
	}
}

// PublishVoteRecorded enqueues a vote event. Blocks if the buffer is full
// rather than dropping: every recorded vote must reach the recalculator.
func (b *Bus) PublishVoteRecorded(e VoteRecorded) {
	b.votes <- e
}

// PublishStatusChanged enqueues a status transition event.
func (b *Bus) PublishStatusChanged(e StatusChanged) {
	b.statuses <- e
}

// Run consumes events until the context is cancelled. Each event kind is
// processed in order by its own loop iteration; failed handlers are retried
// with backoff and logged. A handler that still fails after the final
// attempt is logged and dropped — idempotent consumers plus upstream
// republication make this safe.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.votes:
			b.deliver(ctx, "vote_recorded", func(ctx context.Context) error {
				return b.onVote(ctx, e)
			})
		case e := <-b.statuses:
			b.deliver(ctx, "status_changed", func(ctx context.Context) error {
				return b.onStatus(ctx, e)
			})
		}
	}
}

func (b *Bus) deliver(ctx context.Context, kind string, handle func(context.Context) error) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = handle(ctx); err == nil {
			return
		}
		slog.Warn("event handler failed",
			"kind", kind,
			"attempt", attempt,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff * time.Duration(attempt)):
		}
	}
	slog.Error("event dropped after retries", "kind", kind, "err", err)
}
