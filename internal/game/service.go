// Package game provides the HTTP handlers and business logic for the
// price-guessing game: recording votes and bids, reading the Rextimate and
// its history, deriving equity, and driving per-session feed queues.
//
// All monetary values use shopspring/decimal — never float64 for money.
package game

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/equity"
	"github.com/rextimate/crowd-engine/internal/events"
	"github.com/rextimate/crowd-engine/internal/feed"
	"github.com/rextimate/crowd-engine/internal/metrics"
	"github.com/rextimate/crowd-engine/internal/model"
	"github.com/rextimate/crowd-engine/internal/store"
)

// Publisher is the slice of the event bus the service needs. Satisfied by
// *events.Bus; tests substitute a synchronous fake.
type Publisher interface {
	PublishVoteRecorded(events.VoteRecorded)
	PublishStatusChanged(events.StatusChanged)
}

// Service handles game operations.
type Service struct {
	store    store.Store
	bus      Publisher
	sessions *feed.Sessions
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new game service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, bus Publisher, hub *WSHub) *Service {
	return &Service{
		store:    st,
		bus:      bus,
		sessions: feed.NewSessions(),
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for the ingestion boundary.
type CreateListingRequest struct {
	ID           string          `json:"id"` // optional; generated if empty
	Neighborhood string          `json:"neighborhood"`
	ListPrice    decimal.Decimal `json:"list_price"`
	IsOpenHouse  bool            `json:"is_open_house"`
}

// UpdateStatusRequest is the JSON body for a lifecycle transition.
type UpdateStatusRequest struct {
	Status      string          `json:"status"`
	SalePrice   decimal.Decimal `json:"sale_price"`
	IsOpenHouse *bool           `json:"is_open_house,omitempty"`
}

// VoteRequest is the JSON body for POST /votes. The open-house partition is
// not caller-chosen: it mirrors the listing's own flag, which the status
// propagator keeps denormalized onto every ledger entry.
type VoteRequest struct {
	UserID    string          `json:"user_id"`
	ListingID string          `json:"listing_id"`
	Direction model.Direction `json:"direction"`
	SessionID string          `json:"session_id,omitempty"` // feed session to mark engaged
}

// VoteResponse is returned from POST /votes.
type VoteResponse struct {
	Position      model.Position  `json:"position"`
	VoteRextimate decimal.Decimal `json:"vote_rextimate"`
}

// BidRequest is the JSON body for POST /bids.
type BidRequest struct {
	UserID    string          `json:"user_id"`
	ListingID string          `json:"listing_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// CreateFeedRequest is the JSON body for POST /feed.
type CreateFeedRequest struct {
	ListingIDs []string `json:"listing_ids"` // optional explicit queue
}

// FeedResponse describes the state of a feed session.
type FeedResponse struct {
	SessionID string         `json:"session_id"`
	Index     int            `json:"index"`
	Total     int            `json:"total"`
	Done      bool           `json:"done"`
	Current   *model.Listing `json:"current,omitempty"`
}

// --- Listing handlers ---

// CreateListing handles POST /api/v1/listings. This is the ingestion
// boundary: every listing is seeded with one initial price point per
// open-house partition, taken from the list price. Votes on an unseeded
// listing are a hard error downstream, never a silent default.
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Neighborhood == "" {
		writeError(w, "neighborhood is required", http.StatusBadRequest)
		return
	}
	if req.ListPrice.LessThanOrEqual(decimal.Zero) {
		writeError(w, "list_price must be positive", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	listing := &model.Listing{
		ID:           id,
		Neighborhood: req.Neighborhood,
		ListPrice:    req.ListPrice,
		Status:       model.StatusActive,
		SalePrice:    decimal.Zero,
		IsOpenHouse:  req.IsOpenHouse,
		CreatedAt:    time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.CreateListing(ctx, listing); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	for _, partition := range []bool{false, true} {
		point := &model.PricePoint{
			ID:          uuid.New().String(),
			ListingID:   listing.ID,
			IsOpenHouse: partition,
			Amount:      listing.ListPrice.Round(0),
			CreatedAt:   listing.CreatedAt,
		}
		if err := s.store.AppendPricePoint(ctx, point); err != nil {
			writeError(w, "failed to seed price history", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("listing created",
		"id", listing.ID,
		"neighborhood", listing.Neighborhood,
		"list_price", listing.ListPrice.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	listing, err := s.store.GetListing(r.Context(), listingID)
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// ListListings handles GET /api/v1/listings
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ListListings(r.Context())
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}

	// Optional filter by ?neighborhood=<key>.
	if hood := r.URL.Query().Get("neighborhood"); hood != "" {
		filtered := []model.Listing{}
		for _, l := range listings {
			if l.Neighborhood == hood {
				filtered = append(filtered, l)
			}
		}
		listings = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listings)
}

// UpdateStatus handles PUT /api/v1/listings/{listingID}/status.
// Publishes a StatusChanged event only when the status or open-house flag
// actually differs, which triggers the denormalized fan-out.
func (s *Service) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status := model.NormalizeStatus(req.Status)
	switch status {
	case model.StatusActive, model.StatusPending, model.StatusSold:
	default:
		writeError(w, "status must be Active, Pending, or Sold", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	before, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}

	isOpenHouse := before.IsOpenHouse
	if req.IsOpenHouse != nil {
		isOpenHouse = *req.IsOpenHouse
	}

	salePrice := before.SalePrice
	if status == model.StatusSold {
		if req.SalePrice.LessThanOrEqual(decimal.Zero) {
			writeError(w, "sale_price is required when status is Sold", http.StatusBadRequest)
			return
		}
		salePrice = req.SalePrice
	}

	if before.Status == status && before.IsOpenHouse == isOpenHouse && before.SalePrice.Equal(salePrice) {
		// No transition; nothing to propagate.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(before)
		return
	}

	if err := s.store.UpdateListingStatus(ctx, listingID, status, salePrice, isOpenHouse); err != nil {
		writeError(w, "failed to update listing status", http.StatusInternalServerError)
		return
	}

	s.bus.PublishStatusChanged(events.StatusChanged{
		ListingID:   listingID,
		Status:      status,
		SalePrice:   salePrice,
		IsOpenHouse: isOpenHouse,
	})

	slog.Info("listing status changed",
		"listing", listingID,
		"from", string(before.Status),
		"to", string(status),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "status_changed",
			ListingID: listingID,
			Status:    string(status),
		})
	}

	after := *before
	after.Status = status
	after.SalePrice = salePrice
	after.IsOpenHouse = isOpenHouse

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(after)
}

// --- Vote/bid handlers ---

// CastVote handles POST /api/v1/votes. The Rextimate in effect at this
// moment is captured onto the position so historical equity stays stable;
// the recalculation itself runs asynchronously off the VoteRecorded event.
func (s *Service) CastVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Direction.Valid() {
		writeError(w, "direction must be TOO_LOW, TOO_HIGH, or JUST_RIGHT", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	listing, err := s.store.GetListing(ctx, req.ListingID)
	if err != nil {
		writeError(w, "listing not found: "+req.ListingID, http.StatusNotFound)
		return
	}
	if listing.Status.IsSold() {
		writeError(w, "listing is sold; voting is closed", http.StatusConflict)
		return
	}

	current, err := s.store.LatestPricePoint(ctx, req.ListingID, listing.IsOpenHouse)
	if err != nil {
		// A listing must always be seeded at creation. Surface instead of
		// defaulting so the bad seed path is visible.
		writeError(w, "listing has no price history", http.StatusInternalServerError)
		return
	}

	position := &model.Position{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		ListingID:     req.ListingID,
		Direction:     req.Direction,
		VoteRextimate: current.Amount,
		ListingStatus: listing.Status,
		IsOpenHouse:   listing.IsOpenHouse,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.AppendPosition(ctx, position); err != nil {
		writeError(w, "failed to record vote", http.StatusInternalServerError)
		return
	}

	metrics.VotesTotal.WithLabelValues(string(req.Direction)).Inc()

	s.bus.PublishVoteRecorded(events.VoteRecorded{
		PositionID:  position.ID,
		ListingID:   req.ListingID,
		Direction:   req.Direction,
		IsOpenHouse: listing.IsOpenHouse,
	})

	// Engagement signal for the feed session, if one was named.
	if req.SessionID != "" {
		if sched, err := s.sessions.Get(req.SessionID); err == nil {
			if sched.RecordEngagement() {
				metrics.FeedRestores.Inc()
			}
		}
	}

	slog.Info("vote recorded",
		"position", position.ID,
		"user", req.UserID,
		"listing", req.ListingID,
		"direction", string(req.Direction),
		"vote_rextimate", position.VoteRextimate.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(VoteResponse{
		Position:      *position,
		VoteRextimate: position.VoteRextimate,
	})
}

// PlaceBid handles POST /api/v1/bids. Bids never move the Rextimate.
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	listing, err := s.store.GetListing(ctx, req.ListingID)
	if err != nil {
		writeError(w, "listing not found: "+req.ListingID, http.StatusNotFound)
		return
	}
	if listing.Status.IsSold() {
		writeError(w, "listing is sold; bidding is closed", http.StatusConflict)
		return
	}

	bid := &model.FixedPriceBid{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		ListingID:     req.ListingID,
		Amount:        req.Amount.Round(0),
		ListingStatus: listing.Status,
		IsOpenHouse:   listing.IsOpenHouse,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.AppendFixedPriceBid(ctx, bid); err != nil {
		writeError(w, "failed to record bid", http.StatusInternalServerError)
		return
	}

	metrics.BidsTotal.Inc()

	slog.Info("bid recorded",
		"bid", bid.ID,
		"user", req.UserID,
		"listing", req.ListingID,
		"amount", bid.Amount.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bid)
}

// --- Price handlers ---

// GetRextimate handles GET /api/v1/listings/{listingID}/rextimate
func (s *Service) GetRextimate(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	isOpenHouse := r.URL.Query().Get("open_house") == "true"

	point, err := s.store.LatestPricePoint(r.Context(), listingID, isOpenHouse)
	if err != nil {
		writeError(w, "no price history for listing", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(point)
}

// GetHistory handles GET /api/v1/listings/{listingID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	isOpenHouse := r.URL.Query().Get("open_house") == "true"

	points, err := s.store.AllPricePoints(r.Context(), listingID, isOpenHouse)
	if err != nil {
		writeError(w, "failed to read price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// --- Equity handlers ---

// listingEquity derives one user's equity on one listing from the ledger.
// Sold listings settle against the sale price with the JustRight reward
// switched off; live listings use the current Rextimate, falling back to
// the list price if the history is somehow missing so the result is always
// a defined number.
func (s *Service) listingEquity(r *http.Request, userID string, listing *model.Listing) (model.ListingEquity, error) {
	ctx := r.Context()

	positions, err := s.store.PositionsByUserListing(ctx, userID, listing.ID)
	if err != nil {
		return model.ListingEquity{}, err
	}
	bids, err := s.store.BidsByUserListing(ctx, userID, listing.ID)
	if err != nil {
		return model.ListingEquity{}, err
	}

	counts, err := s.store.CountVotesByDirection(ctx, listing.ID, listing.IsOpenHouse)
	if err != nil {
		return model.ListingEquity{}, err
	}

	final := listing.Status.IsSold() && listing.SalePrice.IsPositive()

	var reference decimal.Decimal
	if final {
		reference = listing.SalePrice
	} else {
		point, err := s.store.LatestPricePoint(ctx, listing.ID, listing.IsOpenHouse)
		switch {
		case err == nil:
			reference = point.Amount
		case errors.Is(err, store.ErrNotFound):
			reference = listing.ListPrice // defined fallback, never undefined
		default:
			return model.ListingEquity{}, err
		}
	}

	amount := equity.ForListing(positions, bids, reference, counts.JustRight, final)

	return model.ListingEquity{
		UserID:    userID,
		ListingID: listing.ID,
		Status:    listing.Status,
		Reference: reference,
		Amount:    amount,
		Final:     final,
	}, nil
}

// GetListingEquity handles GET /api/v1/equity/{userID}/listings/{listingID}
func (s *Service) GetListingEquity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	listingID := chi.URLParam(r, "listingID")

	listing, err := s.store.GetListing(r.Context(), listingID)
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}

	le, err := s.listingEquity(r, userID, listing)
	if err != nil {
		writeError(w, "failed to compute equity", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(le)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns per-listing equity with open and closed subtotals.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	positions, err := s.store.PositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	bids, err := s.store.BidsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load bids", http.StatusInternalServerError)
		return
	}

	listingIDs := make(map[string]bool)
	for _, p := range positions {
		listingIDs[p.ListingID] = true
	}
	for _, b := range bids {
		listingIDs[b.ListingID] = true
	}

	equities := []model.ListingEquity{}
	for id := range listingIDs {
		listing, err := s.store.GetListing(ctx, id)
		if err != nil {
			// Listing archived by ingestion; its ledger entries no longer
			// price.
			continue
		}
		le, err := s.listingEquity(r, userID, listing)
		if err != nil {
			writeError(w, "failed to compute equity", http.StatusInternalServerError)
			return
		}
		equities = append(equities, le)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(equity.BuildPortfolio(userID, equities))
}

// --- Feed handlers ---

// CreateFeed handles POST /api/v1/feed. Builds a session queue from the
// named listings, or from all unsold listings when none are named.
func (s *Service) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req CreateFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var queue []model.Listing

	if len(req.ListingIDs) > 0 {
		for _, id := range req.ListingIDs {
			listing, err := s.store.GetListing(ctx, id)
			if err != nil {
				writeError(w, "listing not found: "+id, http.StatusNotFound)
				return
			}
			queue = append(queue, *listing)
		}
	} else {
		listings, err := s.store.ListListings(ctx)
		if err != nil {
			writeError(w, "failed to build feed", http.StatusInternalServerError)
			return
		}
		for _, l := range listings {
			if !l.Status.IsSold() {
				queue = append(queue, l)
			}
		}
	}

	sessionID := s.sessions.Create(queue)

	slog.Info("feed session created", "session", sessionID, "queue", len(queue))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	s.writeFeedState(w, sessionID)
}

// GetFeed handles GET /api/v1/feed/{sessionID}
func (s *Service) GetFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.Get(sessionID); err != nil {
		writeError(w, "feed session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.writeFeedState(w, sessionID)
}

// SkipFeed handles POST /api/v1/feed/{sessionID}/skip: the user declined the
// current card.
func (s *Service) SkipFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sched, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, "feed session not found", http.StatusNotFound)
		return
	}

	if cur, ok := sched.Current(); ok {
		if sched.RecordSkip(cur) {
			metrics.FeedDeferrals.Inc()
			slog.Info("neighborhood deferred",
				"session", sessionID,
				"neighborhood", cur.Neighborhood,
			)
		}
	}
	sched.Advance()

	w.Header().Set("Content-Type", "application/json")
	s.writeFeedState(w, sessionID)
}

// EngageFeed handles POST /api/v1/feed/{sessionID}/engage: the user cast a
// vote on the current card (the vote itself goes through POST /votes, which
// also accepts a session_id and applies this signal).
func (s *Service) EngageFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sched, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, "feed session not found", http.StatusNotFound)
		return
	}

	if sched.RecordEngagement() {
		metrics.FeedRestores.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	s.writeFeedState(w, sessionID)
}

// writeFeedState encodes the current card and progress for a session.
func (s *Service) writeFeedState(w http.ResponseWriter, sessionID string) {
	sched, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, "feed session not found", http.StatusNotFound)
		return
	}

	resp := FeedResponse{
		SessionID: sessionID,
		Index:     sched.CurrentIndex(),
		Total:     sched.Len(),
	}
	if cur, ok := sched.Current(); ok {
		resp.Current = &cur
	} else {
		resp.Done = true
	}

	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
