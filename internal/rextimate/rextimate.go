// Package rextimate implements the crowd-pricing rule that turns directional
// votes into an evolving reference price (the "Rextimate").
//
// Each directional vote moves the current price by a multiplicative step:
//
//	new = round(current + current * delta / (100 + tooHigh + tooLow + justRight))
//
// where delta is +1 for TooLow, -1 for TooHigh, and 0 for JustRight. The
// denominator grows with cumulative participation, so percentage moves shrink
// as more votes accumulate and the price converges rather than oscillating.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The package is stateless: counts and the current price are passed as
// arguments, not stored.
package rextimate

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

var (
	// ErrInconsistentCounts is returned when an aggregate vote count reads
	// negative. Counts come from the store; a negative tally means the read
	// path is broken and must never be silently clamped.
	ErrInconsistentCounts = errors.New("rextimate: negative vote count")

	// ErrNonPositivePrice is returned when the current price is zero or
	// negative. Every listing is seeded from its list price, so a
	// non-positive current price indicates corrupted history.
	ErrNonPositivePrice = errors.New("rextimate: current price must be positive")

	// ErrUnknownDirection is returned for a direction outside the three
	// known vote kinds.
	ErrUnknownDirection = errors.New("rextimate: unknown vote direction")
)

// BaseDamping is the constant floor of the damping denominator. With zero
// prior votes a single directional vote moves the price by 1%.
const BaseDamping = 100

// Delta returns the signed unit step for a direction: +1 TooLow, -1 TooHigh,
// 0 JustRight.
func Delta(direction model.Direction) (int64, error) {
	switch direction {
	case model.TooLow:
		return 1, nil
	case model.TooHigh:
		return -1, nil
	case model.JustRight:
		return 0, nil
	}
	return 0, ErrUnknownDirection
}

// Calculate computes the new Rextimate after one directional vote, given the
// current price and the all-time vote counts for the listing/partition as of
// this vote (the counts include the vote being priced).
//
// JustRight votes never move the price: Calculate returns current unchanged
// and the caller must not append a price point for them.
//
// The result is rounded to whole dollars.
func Calculate(current decimal.Decimal, direction model.Direction, counts model.VoteCounts) (decimal.Decimal, error) {
	if counts.TooHigh < 0 || counts.TooLow < 0 || counts.JustRight < 0 {
		return decimal.Zero, ErrInconsistentCounts
	}
	if current.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositivePrice
	}

	delta, err := Delta(direction)
	if err != nil {
		return decimal.Zero, err
	}
	if delta == 0 {
		return current, nil
	}

	denom := decimal.NewFromInt(BaseDamping + counts.Total())
	step := current.Mul(decimal.NewFromInt(delta)).Div(denom)
	return current.Add(step).Round(0), nil
}

// Moves reports whether a vote in the given direction produces a new price
// point. Only directional votes move the price.
func Moves(direction model.Direction) bool {
	return direction == model.TooLow || direction == model.TooHigh
}
