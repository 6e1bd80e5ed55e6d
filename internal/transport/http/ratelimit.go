package http

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// rateWindow is the period a user's message budget applies to.
const rateWindow = time.Minute

// userLimiter caps inbound realtime messages per user and window. The
// budget is shared by all connections of the user, so opening more sockets
// does not raise it.
type userLimiter struct {
	limit  int
	clock  clock.Clock
	counts *xsync.MapOf[int64, windowCount]
}

type windowCount struct {
	start time.Time
	count int
}

func (w windowCount) expired(now time.Time) bool {
	return now.Sub(w.start) >= rateWindow
}

// newUserLimiter returns a limiter allowing limit messages per window.
// A non-positive limit disables it.
func newUserLimiter(limit int, clk clock.Clock) *userLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &userLimiter{
		limit:  limit,
		clock:  clk,
		counts: xsync.NewMapOf[int64, windowCount](),
	}
}

// allow counts one message of userID and reports whether it is within budget.
func (l *userLimiter) allow(userID int64) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.clock.Now()
	w, _ := l.counts.Compute(userID, func(old windowCount, loaded bool) (windowCount, bool) {
		if !loaded || old.expired(now) {
			return windowCount{start: now, count: 1}, false
		}
		old.count++
		return old, false
	})
	return w.count <= l.limit
}

// release forgets userID once its window has run out. A window still
// running is kept so reconnecting does not reset the budget.
func (l *userLimiter) release(userID int64) {
	if l == nil {
		return
	}
	now := l.clock.Now()
	l.counts.Compute(userID, func(old windowCount, loaded bool) (windowCount, bool) {
		return old, !loaded || old.expired(now)
	})
}

func (l *userLimiter) size() int {
	return l.counts.Size()
}
