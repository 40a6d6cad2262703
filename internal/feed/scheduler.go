// Package feed implements the per-session listing queue: which card a user
// sees next, and the reordering that defers a neighborhood the user is
// rapidly skipping.
//
// A scheduler belongs to exactly one user session and is driven only by that
// session's own skip/vote events in sequence, so it needs no internal
// locking. Two skips of the same neighborhood in a row push the remaining
// same-neighborhood cards (beyond a two-card lookahead, so the cards already
// about to render are never reshuffled mid-swipe) to the back of the queue.
// Neighborhoods defer independently: each can have one batch outstanding at
// a time, and skipping through a second neighborhood defers it on top of the
// first. A vote pulls every deferred batch straight back into the lookahead
// window: engagement means the feed is of interest again.
//
// An exhausted queue is a benign terminal state. Every operation on a queue
// shorter than the lookahead window is a no-op, never an error.
package feed

import (
	"github.com/rextimate/crowd-engine/internal/model"
)

// Lookahead is the number of upcoming cards that are never reshuffled by a
// deferral. The user may already be mid-swipe toward them.
const Lookahead = 2

// maxStreak caps the consecutive same-neighborhood skip counter.
const maxStreak = 3

// Scheduler orders the listings shown to one user session.
type Scheduler struct {
	queue []model.Listing
	cur   int

	streak       int    // consecutive same-neighborhood skips, 0..maxStreak
	lastSkipHood string // neighborhood of the most recent skip
	engaged      bool   // user voted on the current card

	deferred map[string][]string // neighborhood → listing ids its deferral moved
}

// New creates a scheduler over an initial queue. The slice is copied; the
// caller's ordering is preserved.
func New(queue []model.Listing) *Scheduler {
	q := make([]model.Listing, len(queue))
	copy(q, queue)
	return &Scheduler{queue: q, deferred: make(map[string][]string)}
}

// CurrentIndex returns the index of the card currently shown.
func (s *Scheduler) CurrentIndex() int {
	return s.cur
}

// Len returns the total queue length.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// Queue returns a copy of the current queue ordering.
func (s *Scheduler) Queue() []model.Listing {
	q := make([]model.Listing, len(s.queue))
	copy(q, s.queue)
	return q
}

// Current returns the listing currently shown, or false when the queue is
// exhausted.
func (s *Scheduler) Current() (model.Listing, bool) {
	if s.cur >= len(s.queue) {
		return model.Listing{}, false
	}
	return s.queue[s.cur], true
}

// Advance moves to the next card. Advancing past the end is a no-op at the
// terminal position.
func (s *Scheduler) Advance() {
	if s.cur < len(s.queue) {
		s.cur++
	}
	s.engaged = false
}

// RecordSkip registers that the user skipped the given listing (normally the
// current card) without voting. The second consecutive skip within one
// neighborhood defers that neighborhood's remaining cards beyond the
// lookahead window to the back of the queue, preserving their relative
// order. A skip in a different neighborhood restarts the streak at 1; a
// neighborhood with a batch already outstanding is not deferred again.
// Returns true when a deferral was applied.
func (s *Scheduler) RecordSkip(listing model.Listing) bool {
	hood := listing.Neighborhood

	if hood != "" && hood == s.lastSkipHood {
		if s.streak < maxStreak {
			s.streak++
		}
	} else {
		s.streak = 1
	}
	s.lastSkipHood = hood

	if s.streak == 2 && !s.engaged && len(s.deferred[hood]) == 0 {
		moved := s.deferNeighborhood(hood)
		if moved == 0 {
			// Nothing beyond the lookahead to defer.
			s.streak = 0
			return false
		}
		return true
	}
	return false
}

// RecordEngagement registers that the user cast a vote on the current card.
// Every outstanding deferred batch is restored into the lookahead window
// immediately after the current position, and the skip streak resets.
// Returns true when at least one deferral was undone.
func (s *Scheduler) RecordEngagement() bool {
	s.engaged = true
	s.streak = 0
	s.lastSkipHood = ""
	if len(s.deferred) > 0 {
		s.restoreDeferred()
		return true
	}
	return false
}

// deferNeighborhood moves all queue entries beyond the lookahead window that
// share the given neighborhood to the end of the queue, keeping their
// relative order, and returns how many moved.
func (s *Scheduler) deferNeighborhood(hood string) int {
	start := s.cur + Lookahead + 1
	if start >= len(s.queue) {
		return 0 // queue too short, nothing to reorder
	}

	var kept, moved []model.Listing
	kept = append(kept, s.queue[:start]...)
	for _, l := range s.queue[start:] {
		if l.Neighborhood == hood {
			moved = append(moved, l)
		} else {
			kept = append(kept, l)
		}
	}
	if len(moved) == 0 {
		return 0
	}

	s.queue = append(kept, moved...)
	ids := make([]string, len(moved))
	for i, l := range moved {
		ids[i] = l.ID
	}
	s.deferred[hood] = ids
	return len(moved)
}

// restoreDeferred undoes every outstanding deferral: the deferred batches
// are extracted from wherever they now sit past the current position and
// reinserted directly after the current card, in queue order.
func (s *Scheduler) restoreDeferred() {
	if s.cur+1 >= len(s.queue) {
		// Nothing left to reorder; clear the deferral state.
		s.clearDeferral()
		return
	}

	deferred := make(map[string]bool)
	for _, ids := range s.deferred {
		for _, id := range ids {
			deferred[id] = true
		}
	}

	var rest, batch []model.Listing
	rest = append(rest, s.queue[:s.cur+1]...)
	for _, l := range s.queue[s.cur+1:] {
		if deferred[l.ID] {
			batch = append(batch, l)
		} else {
			rest = append(rest, l)
		}
	}

	// Reinsert the batch right after the current card, inside the window.
	restored := make([]model.Listing, 0, len(s.queue))
	restored = append(restored, rest[:s.cur+1]...)
	restored = append(restored, batch...)
	restored = append(restored, rest[s.cur+1:]...)
	s.queue = restored

	s.clearDeferral()
}

func (s *Scheduler) clearDeferral() {
	s.deferred = make(map[string][]string)
}
