// Package model defines the core domain types shared across the crowd engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus is the lifecycle status of a listing. Upstream feeds deliver
// it with inconsistent casing; NormalizeStatus canonicalizes at the boundary.
type ListingStatus string

const (
	StatusActive  ListingStatus = "Active"
	StatusPending ListingStatus = "Pending"
	StatusSold    ListingStatus = "Sold"
)

// NormalizeStatus maps case variants ("SOLD", "pending", ...) onto the
// canonical constants. Unrecognized values pass through unchanged so a bad
// feed stays visible rather than being silently coerced.
func NormalizeStatus(s string) ListingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive
	case "pending":
		return StatusPending
	case "sold":
		return StatusSold
	}
	return ListingStatus(s)
}

// IsSold reports whether the status is the terminal Sold state.
func (s ListingStatus) IsSold() bool {
	return NormalizeStatus(string(s)) == StatusSold
}

// Direction is a vote against the current Rextimate.
type Direction string

const (
	TooLow    Direction = "TOO_LOW"
	TooHigh   Direction = "TOO_HIGH"
	JustRight Direction = "JUST_RIGHT"
)

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool {
	return d == TooLow || d == TooHigh || d == JustRight
}

// Listing is a property for sale. Owned by the ingestion pipeline; the engine
// treats it as read-mostly reference data.
type Listing struct {
	ID           string          `json:"id" db:"id"`
	Neighborhood string          `json:"neighborhood" db:"neighborhood"` // neighborhood/zip key
	ListPrice    decimal.Decimal `json:"list_price" db:"list_price"`
	Status       ListingStatus   `json:"status" db:"status"`
	SalePrice    decimal.Decimal `json:"sale_price" db:"sale_price"` // set only once sold
	IsOpenHouse  bool            `json:"is_open_house" db:"is_open_house"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is one entry in the append-only Rextimate history for a
// listing/open-house partition. Seq is a strictly increasing logical clock
// assigned by the store; the point with the highest Seq is the current
// Rextimate. Wall-clock CreatedAt is informational only.
type PricePoint struct {
	ID          string          `json:"id" db:"id"`
	ListingID   string          `json:"listing_id" db:"listing_id"`
	IsOpenHouse bool            `json:"is_open_house" db:"is_open_house"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Seq         int64           `json:"seq" db:"seq"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is an immutable directional vote. VoteRextimate captures the
// Rextimate in effect at the moment of voting; it is never recomputed, so
// historical equity stays stable as the price keeps moving. The only fields
// ever rewritten are the denormalized ListingStatus and open-house flag,
// owned by the status propagator.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	ListingID     string          `json:"listing_id" db:"listing_id"`
	Direction     Direction       `json:"direction" db:"direction"`
	VoteRextimate decimal.Decimal `json:"vote_rextimate" db:"vote_rextimate"`
	ListingStatus ListingStatus   `json:"listing_status" db:"listing_status"`
	IsOpenHouse   bool            `json:"is_open_house" db:"is_open_house"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// FixedPriceBid is a single point-estimate guess of final sale price.
// The UI enforces at most one live bid per user per listing; the engine does
// not assume this and treats the most recent bid as authoritative.
type FixedPriceBid struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	ListingID     string          `json:"listing_id" db:"listing_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	ListingStatus ListingStatus   `json:"listing_status" db:"listing_status"`
	IsOpenHouse   bool            `json:"is_open_house" db:"is_open_house"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// VoteCounts is the all-time per-direction vote tally for one
// listing/partition.
type VoteCounts struct {
	TooHigh   int64 `json:"too_high"`
	TooLow    int64 `json:"too_low"`
	JustRight int64 `json:"just_right"`
}

// Total returns cumulative participation across all directions.
func (c VoteCounts) Total() int64 {
	return c.TooHigh + c.TooLow + c.JustRight
}

// ListingEquity is a user's derived outcome on one listing. Never stored —
// always recomputed from the ledger plus the current reference price.
type ListingEquity struct {
	UserID    string          `json:"user_id"`
	ListingID string          `json:"listing_id"`
	Status    ListingStatus   `json:"status"`
	Reference decimal.Decimal `json:"reference_price"`
	Amount    decimal.Decimal `json:"amount"`
	Final     bool            `json:"final"` // settled against sale price
}

// Portfolio aggregates a user's equity across listings, split into open
// (status != Sold) and closed (Sold) subtotals.
type Portfolio struct {
	UserID       string          `json:"user_id"`
	Listings     []ListingEquity `json:"listings"`
	OpenEquity   decimal.Decimal `json:"open_equity"`
	ClosedEquity decimal.Decimal `json:"closed_equity"`
	TotalEquity  decimal.Decimal `json:"total_equity"`
}
