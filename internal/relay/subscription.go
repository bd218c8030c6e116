// ABOUTME: A client subscription: its filters plus the snapshot-to-live hand-off
// ABOUTME: Live matches are parked while the historical snapshot streams, then flushed without duplicates

package relay

import (
	"encoding/json"
	"sync"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
)

// maxParked bounds live records held while a snapshot is streaming.
const maxParked = 1000

type parkedRecord struct {
	id  string
	raw json.RawMessage
}

type subscription struct {
	id      string
	filters filter.Filters

	mu       sync.Mutex
	snapshot bool
	parked   []parkedRecord
	sent     map[string]struct{}
}

func newSubscription(id string, filters filter.Filters) *subscription {
	return &subscription{
		id:       id,
		filters:  filters,
		snapshot: true,
		sent:     make(map[string]struct{}),
	}
}

// markSent records a snapshot record id so the hand-off can skip it.
func (s *subscription) markSent(id string) {
	s.mu.Lock()
	s.sent[id] = struct{}{}
	s.mu.Unlock()
}

// deliver hands a matching live record to the subscription. During the
// snapshot it is parked; afterwards push is called with the EVENT frame.
// Returns how many frames push reported as dropping an older broadcast.
func (s *subscription) deliver(rec *event.Record, raw json.RawMessage, push func([]byte) bool) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot {
		if len(s.parked) >= maxParked {
			s.parked = s.parked[1:]
			dropped++
		}
		s.parked = append(s.parked, parkedRecord{id: rec.ID, raw: raw})
		return dropped
	}
	if push(eventFrame(s.id, raw)) {
		dropped++
	}
	return dropped
}

// goLive ends the snapshot and flushes parked records that the snapshot did
// not already send. Runs under the lock so later live records queue behind
// the flushed ones.
func (s *subscription) goLive(push func([]byte) bool) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = false
	for _, p := range s.parked {
		if _, dup := s.sent[p.id]; dup {
			continue
		}
		if push(eventFrame(s.id, p.raw)) {
			dropped++
		}
	}
	s.parked = nil
	s.sent = nil
	return dropped
}
