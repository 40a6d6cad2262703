// Package propagate keeps the denormalized listing status on ledger entries
// consistent after a lifecycle transition.
//
// The fan-out touches an unbounded number of rows, so it is deliberately not
// one atomic transaction: it is an idempotent reconciliation toward the
// after-state, safe to re-run. A crash partway through leaves a
// valid-but-incomplete state that the next delivery of the same event
// repairs.
package propagate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rextimate/crowd-engine/internal/events"
	"github.com/rextimate/crowd-engine/internal/metrics"
	"github.com/rextimate/crowd-engine/internal/model"
	"github.com/rextimate/crowd-engine/internal/store"
)

// Propagator fans a listing's status out to every position and bid that
// references it.
type Propagator struct {
	store store.Store
}

// NewPropagator creates a propagator over the given store.
func NewPropagator(st store.Store) *Propagator {
	return &Propagator{store: st}
}

// HandleStatusChanged is the events.StatusHandler for this propagator.
// Keyed only by listing id and the after-state: re-running with the same
// event rewrites the same values, which is a no-op in effect.
func (p *Propagator) HandleStatusChanged(ctx context.Context, e events.StatusChanged) error {
	status := model.NormalizeStatus(string(e.Status))

	touched, err := p.store.UpdateDenormalizedStatus(ctx, e.ListingID, status, e.IsOpenHouse)
	if err != nil {
		// Partial fan-out: some rows may already carry the new status.
		// The retry repairs the rest.
		return fmt.Errorf("propagate status for %s: %w", e.ListingID, err)
	}

	metrics.StatusFanOuts.Inc()
	metrics.StatusFanOutRows.Add(float64(touched))

	slog.Info("listing status propagated",
		"listing", e.ListingID,
		"status", string(status),
		"open_house", e.IsOpenHouse,
		"rows", touched,
	)
	return nil
}
