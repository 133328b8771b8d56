package progress

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing of progress events for one session.
const DefaultInterval = 250 * time.Millisecond

// Throttle decides whether a progress update is due. The first call is always
// allowed, later ones at most once per interval of the supplied clock.
type Throttle struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewThrottle creates a throttle. A non-positive interval allows every update.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{lim: rate.NewLimiter(limit, 1), now: now}
}

// Allow reports whether an update may be published now.
func (t *Throttle) Allow() bool {
	return t.lim.AllowN(t.now(), 1)
}
