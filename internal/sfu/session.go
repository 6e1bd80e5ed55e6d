package sfu

import (
	"slices"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

// session is the per-user signaling state. Every field is guarded by the
// user's lock in lockRegistry.
type session struct {
	userID    int64
	id        int64
	primary   int64 // publisher handle
	secondary int64 // subscriber handle

	candidates []webrtc.ICECandidateInit // confirmed by a media event
	events     deque.Deque[*Event]       // unmatched events, oldest first
}

// wanted describes the event an operation waits for.
type wanted struct {
	key    string
	sender int64 // handle the event must come from, 0 for any
}

func (w wanted) matches(e *Event) bool {
	if e.cacheKey() != w.key {
		return false
	}
	return w.sender == 0 || e.Sender == 0 || e.Sender == w.sender
}

// take removes and returns the oldest cached event matching w.
func (s *session) take(w wanted) (*Event, bool) {
	i := s.events.Index(w.matches)
	if i < 0 {
		return nil, false
	}
	return s.events.Remove(i), true
}

// cache appends ev, dropping the oldest events beyond limit.
// Returns the net change in cached events.
func (s *session) cache(ev *Event, limit int) int {
	s.events.PushBack(ev)
	delta := 1
	for limit > 0 && s.events.Len() > limit {
		s.events.PopFront()
		delta--
	}
	return delta
}

// pruneSender drops cached events emitted by handle and returns how many.
func (s *session) pruneSender(handle int64) int {
	removed := 0
	for {
		i := s.events.Index(func(e *Event) bool { return e.Sender == handle })
		if i < 0 {
			return removed
		}
		s.events.Remove(i)
		removed++
	}
}

func (s *session) cachedCandidates() []webrtc.ICECandidateInit {
	return slices.Clone(s.candidates)
}
