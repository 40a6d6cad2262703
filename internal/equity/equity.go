// Package equity implements the read-time calculators that turn a user's
// recorded votes and bids into a signed monetary outcome.
//
// Equity is never stored. Every value here is derived on demand from the
// immutable ledger plus the reference price (the live Rextimate, or the
// final sale price once a listing has sold) and the live all-user JustRight
// tally. The JustRight reward intentionally uses the tally at read time, not
// at vote time, so a user's past reward shrinks as more users later agree
// with them.
//
// All functions are pure and side-effect free; they may be invoked
// redundantly without coordination and never return an undefined value.
// All monetary values use shopspring/decimal — never float64 for money.
package equity

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// JustRightBand is the maximum absolute distance, in dollars, between the
// reference price and a captured vote Rextimate (or bid amount) for a
// JustRight vote or fixed bid to pay out.
var JustRightBand = decimal.NewFromInt(2000)

const (
	// positionReward scales the diminishing JustRight reward for votes.
	positionReward = 400

	// bidReward scales the diminishing reward for fixed-price bids.
	bidReward = 1000

	// rewardCeiling is the participation level at which the diminishing
	// reward reaches zero. The multiplier is (rewardCeiling - tally),
	// clamped at zero — never negative.
	rewardCeiling = 101
)

// rewardMultiplier returns max(rewardCeiling - justRightCount, 0).
func rewardMultiplier(justRightCount int64) decimal.Decimal {
	m := rewardCeiling - justRightCount
	if m < 0 {
		m = 0
	}
	return decimal.NewFromInt(m)
}

// ForPosition computes the signed equity of one directional vote against the
// reference price.
//
// Directional votes are zero-sum flavored: a vote earns the full distance the
// price moved in the predicted direction, and loses the full distance it
// moved against. JustRight votes earn a diminishing band reward while the
// listing is live and nothing once final (sold listings settle directional
// votes and bids only).
func ForPosition(p model.Position, reference decimal.Decimal, justRightCount int64, final bool) decimal.Decimal {
	diff := reference.Sub(p.VoteRextimate)

	if p.Direction == model.JustRight {
		if final {
			return decimal.Zero
		}
		if diff.Abs().LessThanOrEqual(JustRightBand) {
			return decimal.NewFromInt(positionReward).Mul(rewardMultiplier(justRightCount))
		}
		return decimal.Zero
	}

	correct := (diff.IsPositive() && p.Direction == model.TooLow) ||
		(diff.IsNegative() && p.Direction == model.TooHigh)
	if correct {
		return diff.Abs()
	}
	return diff.Abs().Neg()
}

// ForFixedBid computes the payout of a fixed-price bid. A bid can only win:
// inside the band it earns the diminishing reward, outside it earns zero,
// never a loss.
func ForFixedBid(bid model.FixedPriceBid, reference decimal.Decimal, justRightCount int64) decimal.Decimal {
	if reference.Sub(bid.Amount).Abs().LessThanOrEqual(JustRightBand) {
		return decimal.NewFromInt(bidReward).Mul(rewardMultiplier(justRightCount))
	}
	return decimal.Zero
}

// LatestBid returns the most recent bid by creation time, or false when the
// slice is empty. Multiple live bids should not occur, but when they do the
// newest one is authoritative.
func LatestBid(bids []model.FixedPriceBid) (model.FixedPriceBid, bool) {
	if len(bids) == 0 {
		return model.FixedPriceBid{}, false
	}
	latest := bids[0]
	for _, b := range bids[1:] {
		if b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	return latest, true
}

// ForListing computes a user's aggregate equity on one listing: the sum of
// all their directional/JustRight votes plus their most recent fixed bid.
func ForListing(positions []model.Position, bids []model.FixedPriceBid, reference decimal.Decimal, justRightCount int64, final bool) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(ForPosition(p, reference, justRightCount, final))
	}
	if bid, ok := LatestBid(bids); ok {
		total = total.Add(ForFixedBid(bid, reference, justRightCount))
	}
	return total
}

// BuildPortfolio sums per-listing equity into open and closed subtotals.
// Entries are ordered by listing id for stable output.
func BuildPortfolio(userID string, listings []model.ListingEquity) model.Portfolio {
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].ListingID < listings[j].ListingID
	})

	open := decimal.Zero
	closed := decimal.Zero
	for _, le := range listings {
		if le.Status.IsSold() {
			closed = closed.Add(le.Amount)
		} else {
			open = open.Add(le.Amount)
		}
	}

	return model.Portfolio{
		UserID:       userID,
		Listings:     listings,
		OpenEquity:   open,
		ClosedEquity: closed,
		TotalEquity:  open.Add(closed),
	}
}
