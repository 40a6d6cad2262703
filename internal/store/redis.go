package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: listings, the current Rextimate, and the
// per-listing vote tallies. Writes go to the primary store and invalidate
// the affected keys; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheListing(ctx, l)
	return nil
}

func (s *CachedStore) UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus, salePrice decimal.Decimal, isOpenHouse bool) error {
	if err := s.primary.UpdateListingStatus(ctx, id, status, salePrice, isOpenHouse); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) AppendPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.AppendPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, countsKey(p.ListingID, p.IsOpenHouse))
	return nil
}

func (s *CachedStore) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	if err := s.primary.AppendPricePoint(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, latestPointKey(p.ListingID, p.IsOpenHouse))
	return nil
}

// --- Read-through paths ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, l)
	return l, nil
}

func (s *CachedStore) LatestPricePoint(ctx context.Context, listingID string, isOpenHouse bool) (*model.PricePoint, error) {
	data, err := s.rdb.Get(ctx, latestPointKey(listingID, isOpenHouse)).Bytes()
	if err == nil {
		var p model.PricePoint
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.LatestPricePoint(ctx, listingID, isOpenHouse)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, latestPointKey(listingID, isOpenHouse), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) CountVotesByDirection(ctx context.Context, listingID string, isOpenHouse bool) (model.VoteCounts, error) {
	data, err := s.rdb.Get(ctx, countsKey(listingID, isOpenHouse)).Bytes()
	if err == nil {
		var counts model.VoteCounts
		if json.Unmarshal(data, &counts) == nil {
			return counts, nil
		}
	}

	counts, err := s.primary.CountVotesByDirection(ctx, listingID, isOpenHouse)
	if err != nil {
		return model.VoteCounts{}, err
	}
	if data, err := json.Marshal(counts); err == nil {
		s.rdb.Set(ctx, countsKey(listingID, isOpenHouse), data, s.ttl)
	}
	return counts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListListings(ctx)
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.PositionsByUser(ctx, userID)
}

func (s *CachedStore) PositionsByUserListing(ctx context.Context, userID, listingID string) ([]model.Position, error) {
	return s.primary.PositionsByUserListing(ctx, userID, listingID)
}

func (s *CachedStore) AppendFixedPriceBid(ctx context.Context, b *model.FixedPriceBid) error {
	return s.primary.AppendFixedPriceBid(ctx, b)
}

func (s *CachedStore) BidsByUser(ctx context.Context, userID string) ([]model.FixedPriceBid, error) {
	return s.primary.BidsByUser(ctx, userID)
}

func (s *CachedStore) BidsByUserListing(ctx context.Context, userID, listingID string) ([]model.FixedPriceBid, error) {
	return s.primary.BidsByUserListing(ctx, userID, listingID)
}

func (s *CachedStore) AllPricePoints(ctx context.Context, listingID string, isOpenHouse bool) ([]model.PricePoint, error) {
	return s.primary.AllPricePoints(ctx, listingID, isOpenHouse)
}

// UpdateDenormalizedStatus passes through; the denormalized fields live on
// ledger rows, which are never cached.
func (s *CachedStore) UpdateDenormalizedStatus(ctx context.Context, listingID string, status model.ListingStatus, isOpenHouse bool) (int64, error) {
	return s.primary.UpdateDenormalizedStatus(ctx, listingID, status, isOpenHouse)
}

// MarkVoteProcessed must hit the primary: dedupe is a durability concern,
// not a caching one.
func (s *CachedStore) MarkVoteProcessed(ctx context.Context, positionID string) (bool, error) {
	return s.primary.MarkVoteProcessed(ctx, positionID)
}

func (s *CachedStore) AppendVotePricePoint(ctx context.Context, positionID string, p *model.PricePoint) (bool, error) {
	fresh, err := s.primary.AppendVotePricePoint(ctx, positionID, p)
	if err != nil || !fresh {
		return fresh, err
	}
	s.rdb.Del(ctx, latestPointKey(p.ListingID, p.IsOpenHouse))
	return true, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }

func latestPointKey(listingID string, isOpenHouse bool) string {
	return fmt.Sprintf("rextimate:%s:%t", listingID, isOpenHouse)
}

func countsKey(listingID string, isOpenHouse bool) string {
	return fmt.Sprintf("votecounts:%s:%t", listingID, isOpenHouse)
}
