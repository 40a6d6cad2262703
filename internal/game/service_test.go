package game_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/engine"
	"github.com/rextimate/crowd-engine/internal/events"
	"github.com/rextimate/crowd-engine/internal/game"
	"github.com/rextimate/crowd-engine/internal/model"
	"github.com/rextimate/crowd-engine/internal/propagate"
	"github.com/rextimate/crowd-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// syncBus delivers events inline so handler tests observe recalculation and
// propagation effects synchronously.
type syncBus struct {
	onVote   events.VoteHandler
	onStatus events.StatusHandler
}

func (b *syncBus) PublishVoteRecorded(e events.VoteRecorded) {
	b.onVote(context.Background(), e)
}

func (b *syncBus) PublishStatusChanged(e events.StatusChanged) {
	b.onStatus(context.Background(), e)
}

// newTestEnv wires a Service over the in-memory store with a synchronous bus.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	recalc := engine.NewRecalculator(ms, nil)
	propagator := propagate.NewPropagator(ms)
	bus := &syncBus{
		onVote:   recalc.HandleVoteRecorded,
		onStatus: propagator.HandleStatusChanged,
	}
	svc := game.NewService(ms, bus, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/listings", svc.CreateListing)
	r.Get("/api/v1/listings/{listingID}", svc.GetListing)
	r.Put("/api/v1/listings/{listingID}/status", svc.UpdateStatus)
	r.Get("/api/v1/listings/{listingID}/rextimate", svc.GetRextimate)
	r.Get("/api/v1/listings/{listingID}/history", svc.GetHistory)
	r.Post("/api/v1/votes", svc.CastVote)
	r.Post("/api/v1/bids", svc.PlaceBid)
	r.Get("/api/v1/equity/{userID}/listings/{listingID}", svc.GetListingEquity)
	r.Get("/api/v1/portfolio/{userID}", svc.GetPortfolio)
	r.Post("/api/v1/feed", svc.CreateFeed)
	r.Get("/api/v1/feed/{sessionID}", svc.GetFeed)
	r.Post("/api/v1/feed/{sessionID}/skip", svc.SkipFeed)
	r.Post("/api/v1/feed/{sessionID}/engage", svc.EngageFeed)

	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createListing(t *testing.T, router chi.Router, id, hood string, listPrice float64) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/listings", game.CreateListingRequest{
		ID:           id,
		Neighborhood: hood,
		ListPrice:    d(listPrice),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func castVote(t *testing.T, router chi.Router, userID, listingID string, dir model.Direction) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/votes", game.VoteRequest{
		UserID:    userID,
		ListingID: listingID,
		Direction: dir,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("cast vote: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func getRextimate(t *testing.T, router chi.Router, listingID string) model.PricePoint {
	t.Helper()
	w := doJSON(t, router, "GET", "/api/v1/listings/"+listingID+"/rextimate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get rextimate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &p)
	return p
}

// --- Listings ---

func TestCreateListing_SeedsPriceHistory(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	p := getRextimate(t, router, "listing1")
	if !p.Amount.Equal(d(500000)) {
		t.Errorf("seed should equal list price, got %s", p.Amount)
	}
	if p.Seq != 1 {
		t.Errorf("seed should be the first point, got seq %d", p.Seq)
	}
}

func TestCreateListing_RequiresNeighborhoodAndPrice(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/listings", game.CreateListingRequest{
		ListPrice: d(500000),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing neighborhood: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/listings", game.CreateListingRequest{
		Neighborhood: "soho",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing list_price: expected 400, got %d", w.Code)
	}
}

// --- Voting and pricing ---

func TestCastVote_MovesRextimate(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	castVote(t, router, "user1", "listing1", model.TooLow)

	// The vote is durable before counts are read, so the denominator is
	// 100 + 1: 500000 + 500000/101 rounds to 504950.
	p := getRextimate(t, router, "listing1")
	if !p.Amount.Equal(d(504950)) {
		t.Errorf("expected 504950, got %s", p.Amount)
	}
	if p.Seq != 2 {
		t.Errorf("expected seq 2, got %d", p.Seq)
	}
}

func TestCastVote_JustRightDoesNotMovePrice(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	castVote(t, router, "user1", "listing1", model.JustRight)

	w := doJSON(t, router, "GET", "/api/v1/listings/listing1/history", nil)
	var points []model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &points)
	if len(points) != 1 {
		t.Errorf("JustRight must not append a point, got %d points", len(points))
	}
}

func TestCastVote_InvalidDirection(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	w := doJSON(t, router, "POST", "/api/v1/votes", map[string]string{
		"user_id":    "user1",
		"listing_id": "listing1",
		"direction":  "SIDEWAYS",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCastVote_UnknownListing(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/votes", game.VoteRequest{
		UserID:    "user1",
		ListingID: "nope",
		Direction: model.TooLow,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCastVote_SoldListingRejected(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	w := doJSON(t, router, "PUT", "/api/v1/listings/listing1/status", game.UpdateStatusRequest{
		Status:    "sold",
		SalePrice: d(510000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status update: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/votes", game.VoteRequest{
		UserID:    "user1",
		ListingID: "listing1",
		Direction: model.TooLow,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for sold listing, got %d", w.Code)
	}
}

// --- Status transitions ---

func TestUpdateStatus_PropagatesToLedger(t *testing.T) {
	ms, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)
	castVote(t, router, "user1", "listing1", model.TooLow)

	w := doJSON(t, router, "PUT", "/api/v1/listings/listing1/status", game.UpdateStatusRequest{
		Status:    "SOLD", // case variant from the ingestion feed
		SalePrice: d(520000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var after model.Listing
	json.Unmarshal(w.Body.Bytes(), &after)
	if after.Status != model.StatusSold {
		t.Errorf("expected canonical Sold, got %s", after.Status)
	}
	if !after.SalePrice.Equal(d(520000)) {
		t.Errorf("expected sale price 520000, got %s", after.SalePrice)
	}

	positions, _ := ms.PositionsByUser(context.Background(), "user1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].ListingStatus != model.StatusSold {
		t.Errorf("denormalized status should be Sold, got %s", positions[0].ListingStatus)
	}
}

func TestUpdateStatus_SoldRequiresSalePrice(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	w := doJSON(t, router, "PUT", "/api/v1/listings/listing1/status", game.UpdateStatusRequest{
		Status: "Sold",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Equity ---

func getEquity(t *testing.T, router chi.Router, userID, listingID string) model.ListingEquity {
	t.Helper()
	path := fmt.Sprintf("/api/v1/equity/%s/listings/%s", userID, listingID)
	w := doJSON(t, router, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get equity: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var le model.ListingEquity
	json.Unmarshal(w.Body.Bytes(), &le)
	return le
}

func TestEquity_DirectionalVoteTracksPriceMove(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	// Vote captures 500000; the same vote moves the price to 504950.
	castVote(t, router, "user1", "listing1", model.TooLow)

	le := getEquity(t, router, "user1", "listing1")
	if !le.Reference.Equal(d(504950)) {
		t.Errorf("expected reference 504950, got %s", le.Reference)
	}
	if !le.Amount.Equal(d(4950)) {
		t.Errorf("expected +4950, got %s", le.Amount)
	}
	if le.Final {
		t.Error("live listing must not be final")
	}
}

func TestEquity_JustRightRewardShrinksWithAgreement(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	// user1 votes JustRight at the seed price; the price never moves.
	castVote(t, router, "user1", "listing1", model.JustRight)
	le := getEquity(t, router, "user1", "listing1")
	if !le.Amount.Equal(d(40000)) { // 400 * (101 - 1)
		t.Errorf("expected 40000, got %s", le.Amount)
	}

	// A second user agreeing shrinks user1's reward retroactively.
	castVote(t, router, "user2", "listing1", model.JustRight)
	le = getEquity(t, router, "user1", "listing1")
	if !le.Amount.Equal(d(39600)) { // 400 * (101 - 2)
		t.Errorf("expected 39600 after second agreement, got %s", le.Amount)
	}
}

func TestEquity_FixedBidWinsInsideBand(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 500000)

	w := doJSON(t, router, "POST", "/api/v1/bids", game.BidRequest{
		UserID:    "user1",
		ListingID: "listing1",
		Amount:    d(499000),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place bid: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	le := getEquity(t, router, "user1", "listing1")
	if !le.Amount.Equal(d(101000)) { // 1000 * (101 - 0)
		t.Errorf("expected 101000, got %s", le.Amount)
	}
}

func TestEquity_SoldListingSettlesAgainstSalePrice(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "listing1", "soho", 300000)

	// TooHigh vote captures 300000.
	castVote(t, router, "user1", "listing1", model.TooHigh)

	w := doJSON(t, router, "PUT", "/api/v1/listings/listing1/status", game.UpdateStatusRequest{
		Status:    "Sold",
		SalePrice: d(310000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status update: %d: %s", w.Code, w.Body.String())
	}

	le := getEquity(t, router, "user1", "listing1")
	if !le.Final {
		t.Error("sold listing must settle as final")
	}
	if !le.Reference.Equal(d(310000)) {
		t.Errorf("expected sale price as reference, got %s", le.Reference)
	}
	// Sold above the captured Rextimate: the TooHigh call was wrong.
	if !le.Amount.Equal(d(-10000)) {
		t.Errorf("expected -10000, got %s", le.Amount)
	}
}

func TestPortfolio_OpenAndClosedSubtotals(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "open1", "soho", 500000)
	createListing(t, router, "closed1", "tribeca", 300000)

	castVote(t, router, "user1", "open1", model.TooLow)   // → +4950 live
	castVote(t, router, "user1", "closed1", model.TooHigh) // settles -10000

	w := doJSON(t, router, "PUT", "/api/v1/listings/closed1/status", game.UpdateStatusRequest{
		Status:    "Sold",
		SalePrice: d(310000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status update: %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/portfolio/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)

	if !p.OpenEquity.Equal(d(4950)) {
		t.Errorf("open equity: expected 4950, got %s", p.OpenEquity)
	}
	if !p.ClosedEquity.Equal(d(-10000)) {
		t.Errorf("closed equity: expected -10000, got %s", p.ClosedEquity)
	}
	if !p.TotalEquity.Equal(d(-5050)) {
		t.Errorf("total equity: expected -5050, got %s", p.TotalEquity)
	}
	if len(p.Listings) != 2 {
		t.Errorf("expected 2 listings, got %d", len(p.Listings))
	}
}

// --- Feed sessions ---

type feedState struct {
	SessionID string         `json:"session_id"`
	Index     int            `json:"index"`
	Total     int            `json:"total"`
	Done      bool           `json:"done"`
	Current   *model.Listing `json:"current"`
}

func decodeFeed(t *testing.T, w *httptest.ResponseRecorder) feedState {
	t.Helper()
	var fs feedState
	json.Unmarshal(w.Body.Bytes(), &fs)
	return fs
}

func seedFeedListings(t *testing.T, router chi.Router) []string {
	t.Helper()
	hoods := map[string]string{
		"L1": "soho", "L2": "soho",
		"T1": "tribeca", "T2": "tribeca",
		"S3": "soho", "S4": "soho",
		"T3": "tribeca",
	}
	order := []string{"L1", "L2", "T1", "T2", "S3", "S4", "T3"}
	for _, id := range order {
		createListing(t, router, id, hoods[id], 500000)
	}
	return order
}

func TestFeed_SkipStreakDefersAndEngagementRestores(t *testing.T) {
	_, router := newTestEnv(t)
	order := seedFeedListings(t, router)

	w := doJSON(t, router, "POST", "/api/v1/feed", game.CreateFeedRequest{ListingIDs: order})
	if w.Code != http.StatusCreated {
		t.Fatalf("create feed: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	fs := decodeFeed(t, w)
	if fs.Current == nil || fs.Current.ID != "L1" {
		t.Fatalf("expected L1 first, got %+v", fs.Current)
	}

	// First soho skip.
	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if fs.Current.ID != "L2" {
		t.Fatalf("expected L2 after first skip, got %s", fs.Current.ID)
	}

	// Second consecutive soho skip: S3/S4 deferred behind the tribeca run.
	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if fs.Current.ID != "T1" {
		t.Fatalf("expected T1 after deferral, got %s", fs.Current.ID)
	}

	// Engagement pulls the deferred soho batch back in after the current card.
	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/engage", nil))
	if fs.Current.ID != "T1" {
		t.Fatalf("engage must not advance, got %s", fs.Current.ID)
	}

	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if fs.Current.ID != "S3" {
		t.Errorf("expected restored S3 next, got %s", fs.Current.ID)
	}
}

func TestFeed_VoteWithSessionSignalsEngagement(t *testing.T) {
	_, router := newTestEnv(t)
	order := seedFeedListings(t, router)

	w := doJSON(t, router, "POST", "/api/v1/feed", game.CreateFeedRequest{ListingIDs: order})
	fs := decodeFeed(t, w)

	doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil)
	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if fs.Current.ID != "T1" {
		t.Fatalf("expected T1 after deferral, got %s", fs.Current.ID)
	}

	// Voting through /votes with the session id applies the engagement
	// signal, undoing the deferral.
	w = doJSON(t, router, "POST", "/api/v1/votes", game.VoteRequest{
		UserID:    "user1",
		ListingID: "T1",
		Direction: model.TooLow,
		SessionID: fs.SessionID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("vote: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if fs.Current.ID != "S3" {
		t.Errorf("expected restored S3 next, got %s", fs.Current.ID)
	}
}

func TestFeed_ExhaustedQueueIsDone(t *testing.T) {
	_, router := newTestEnv(t)
	createListing(t, router, "only", "soho", 500000)

	w := doJSON(t, router, "POST", "/api/v1/feed", game.CreateFeedRequest{ListingIDs: []string{"only"}})
	fs := decodeFeed(t, w)

	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if !fs.Done {
		t.Error("expected done after skipping the only card")
	}

	// Further skips on an exhausted queue are benign no-ops.
	fs = decodeFeed(t, doJSON(t, router, "POST", "/api/v1/feed/"+fs.SessionID+"/skip", nil))
	if !fs.Done {
		t.Error("exhausted queue must stay done")
	}
}

func TestFeed_UnknownSession(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "GET", "/api/v1/feed/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
