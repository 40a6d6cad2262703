package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[string]*model.Listing
	positions []model.Position
	bids      []model.FixedPriceBid
	points    []model.PricePoint
	seq       map[string]int64 // per listing/partition logical clock
	processed map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]*model.Listing),
		seq:       make(map[string]int64),
		processed: make(map[string]bool),
	}
}

func partitionKey(listingID string, isOpenHouse bool) string {
	return fmt.Sprintf("%s/%t", listingID, isOpenHouse)
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	copy := *l
	s.listings[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].CreatedAt.After(listings[j].CreatedAt)
	})
	return listings, nil
}

func (s *MemoryStore) UpdateListingStatus(_ context.Context, id string, status model.ListingStatus, salePrice decimal.Decimal, isOpenHouse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	l.Status = status
	l.SalePrice = salePrice
	l.IsOpenHouse = isOpenHouse
	return nil
}

func (s *MemoryStore) AppendPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = append(s.positions, *p)
	return nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) PositionsByUserListing(_ context.Context, userID, listingID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.ListingID == listingID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendFixedPriceBid(_ context.Context, b *model.FixedPriceBid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids = append(s.bids, *b)
	return nil
}

func (s *MemoryStore) BidsByUser(_ context.Context, userID string) ([]model.FixedPriceBid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FixedPriceBid
	for _, b := range s.bids {
		if b.UserID == userID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) BidsByUserListing(_ context.Context, userID, listingID string) ([]model.FixedPriceBid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FixedPriceBid
	for _, b := range s.bids {
		if b.UserID == userID && b.ListingID == listingID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionKey(p.ListingID, p.IsOpenHouse)
	s.seq[key]++
	p.Seq = s.seq[key]
	s.points = append(s.points, *p)
	return nil
}

func (s *MemoryStore) LatestPricePoint(_ context.Context, listingID string, isOpenHouse bool) (*model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.PricePoint
	for i := range s.points {
		p := &s.points[i]
		if p.ListingID != listingID || p.IsOpenHouse != isOpenHouse {
			continue
		}
		if latest == nil || p.Seq > latest.Seq {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("price history %s: %w", listingID, ErrNotFound)
	}
	copy := *latest
	return &copy, nil
}

func (s *MemoryStore) AllPricePoints(_ context.Context, listingID string, isOpenHouse bool) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.points {
		if p.ListingID == listingID && p.IsOpenHouse == isOpenHouse {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (s *MemoryStore) CountVotesByDirection(_ context.Context, listingID string, isOpenHouse bool) (model.VoteCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts model.VoteCounts
	for _, p := range s.positions {
		if p.ListingID != listingID || p.IsOpenHouse != isOpenHouse {
			continue
		}
		switch p.Direction {
		case model.TooHigh:
			counts.TooHigh++
		case model.TooLow:
			counts.TooLow++
		case model.JustRight:
			counts.JustRight++
		}
	}
	return counts, nil
}

func (s *MemoryStore) UpdateDenormalizedStatus(_ context.Context, listingID string, status model.ListingStatus, isOpenHouse bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched int64
	for i := range s.positions {
		if s.positions[i].ListingID == listingID {
			s.positions[i].ListingStatus = status
			s.positions[i].IsOpenHouse = isOpenHouse
			touched++
		}
	}
	for i := range s.bids {
		if s.bids[i].ListingID == listingID {
			s.bids[i].ListingStatus = status
			s.bids[i].IsOpenHouse = isOpenHouse
			touched++
		}
	}
	return touched, nil
}

func (s *MemoryStore) MarkVoteProcessed(_ context.Context, positionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed[positionID] {
		return false, nil
	}
	s.processed[positionID] = true
	return true, nil
}

func (s *MemoryStore) AppendVotePricePoint(_ context.Context, positionID string, p *model.PricePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed[positionID] {
		return false, nil
	}
	s.processed[positionID] = true

	key := partitionKey(p.ListingID, p.IsOpenHouse)
	s.seq[key]++
	p.Seq = s.seq[key]
	s.points = append(s.points, *p)
	return true, nil
}
