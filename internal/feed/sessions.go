package feed

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rextimate/crowd-engine/internal/model"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("feed: session not found")

// Sessions is a registry of live feed schedulers keyed by session id.
// Each scheduler is single-threaded with respect to its own session; the
// registry lock only guards the map itself.
type Sessions struct {
	mu   sync.Mutex
	byID map[string]*Scheduler
}

// NewSessions creates an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]*Scheduler)}
}

// Create starts a new session over the given queue and returns its id.
func (r *Sessions) Create(queue []model.Listing) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.byID[id] = New(queue)
	r.mu.Unlock()
	return id
}

// Get returns the scheduler for a session id.
func (r *Sessions) Get(id string) (*Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Drop removes a session.
func (r *Sessions) Drop(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}
