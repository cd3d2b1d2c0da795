package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

// RateLimiter allows at most limit actions per user in any sliding interval.
// Users idle for a whole interval are forgotten on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	stamps    map[domain.UserID][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		stamps:   make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt by uid and reports whether it fits the window.
// Refused attempts are not recorded.
func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.interval)
	if now.Sub(rl.lastSweep) >= rl.interval {
		rl.sweepLocked(cutoff)
		rl.lastSweep = now
	}

	recent := trimBefore(rl.stamps[uid], cutoff)
	if len(recent) >= rl.limit {
		rl.stamps[uid] = recent
		return false
	}
	rl.stamps[uid] = append(recent, now)
	return true
}

// Tracked reports how many users currently hold window state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.stamps)
}

func (rl *RateLimiter) sweepLocked(cutoff time.Time) {
	for uid, ts := range rl.stamps {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.stamps, uid)
		}
	}
}

// trimBefore drops the leading stamps at or before cutoff; ts is in time order.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
