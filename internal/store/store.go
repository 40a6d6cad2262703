// Package store defines the persistence interface for the crowd engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// ErrNotFound is returned when a listing or price point does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Positions and bids are append-only
// facts; price points form an append-only log ordered by a store-assigned
// logical sequence number. The only mutation the engine performs on ledger
// entries is the denormalized status rewrite.
type Store interface {
	// --- Listings (owned by the ingestion boundary) ---

	// CreateListing persists a new listing.
	CreateListing(ctx context.Context, listing *model.Listing) error

	// GetListing retrieves a listing by id.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns all listings, newest first.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// UpdateListingStatus rewrites a listing's lifecycle status, sale price
	// and open-house flag.
	UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus, salePrice decimal.Decimal, isOpenHouse bool) error

	// --- Append-only vote/bid ledger ---

	// AppendPosition appends an immutable directional vote.
	AppendPosition(ctx context.Context, p *model.Position) error

	// PositionsByUser returns all of a user's votes, oldest first.
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// PositionsByUserListing returns a user's votes on one listing.
	PositionsByUserListing(ctx context.Context, userID, listingID string) ([]model.Position, error)

	// AppendFixedPriceBid appends a fixed-price guess.
	AppendFixedPriceBid(ctx context.Context, b *model.FixedPriceBid) error

	// BidsByUser returns all of a user's bids, oldest first.
	BidsByUser(ctx context.Context, userID string) ([]model.FixedPriceBid, error)

	// BidsByUserListing returns a user's bids on one listing.
	BidsByUserListing(ctx context.Context, userID, listingID string) ([]model.FixedPriceBid, error)

	// --- Price history ---

	// AppendPricePoint appends a point to a listing/partition's history and
	// assigns its logical sequence number (strictly increasing per store).
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error

	// LatestPricePoint returns the highest-seq point for a listing/partition,
	// or ErrNotFound when the history was never seeded.
	LatestPricePoint(ctx context.Context, listingID string, isOpenHouse bool) (*model.PricePoint, error)

	// AllPricePoints returns a listing/partition's history in seq order.
	AllPricePoints(ctx context.Context, listingID string, isOpenHouse bool) ([]model.PricePoint, error)

	// --- Aggregates ---

	// CountVotesByDirection tallies all-time votes per direction for a
	// listing/partition.
	CountVotesByDirection(ctx context.Context, listingID string, isOpenHouse bool) (model.VoteCounts, error)

	// --- Status fan-out ---

	// UpdateDenormalizedStatus rewrites the denormalized status and
	// open-house flag on every position and bid referencing the listing.
	// Idempotent: rewriting the same values is a no-op in effect. Returns
	// the number of rows touched.
	UpdateDenormalizedStatus(ctx context.Context, listingID string, status model.ListingStatus, isOpenHouse bool) (int64, error)

	// --- Idempotency ---

	// MarkVoteProcessed records that the pricing engine has handled the
	// given position id. Returns false when the id was already marked, so
	// redelivered vote events are dropped. Used for votes that produce no
	// price point; directional votes go through AppendVotePricePoint so the
	// claim cannot outlive a failed append.
	MarkVoteProcessed(ctx context.Context, positionID string) (bool, error)

	// AppendVotePricePoint claims the originating vote id and appends its
	// price point atomically: either both land or neither does. A transient
	// failure leaves the vote unclaimed for redelivery; a redelivered event
	// after a successful append finds the claim and returns false without
	// appending.
	AppendVotePricePoint(ctx context.Context, positionID string, p *model.PricePoint) (bool, error)
}
