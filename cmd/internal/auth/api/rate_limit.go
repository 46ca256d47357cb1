package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedUsernames bounds the failure map. Stale entries are dropped first.
const maxTrackedUsernames = 10000

// loginThrottle counts failed logins per username in memory.
type loginThrottle struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &loginThrottle{max: max, window: window, failures: make(map[string][]time.Time)}
}

func (t *loginThrottle) check(username string, now time.Time) (bool, time.Duration) {
	if t == nil || username == "" {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := pruneBefore(t.failures[username], now.Add(-t.window))
	if len(recent) == 0 {
		delete(t.failures, username)
		return false, 0
	}
	t.failures[username] = recent
	return evaluateWindowThrottle(now, recent, t.max, t.window)
}

func (t *loginThrottle) fail(username string, now time.Time) {
	if t == nil || username == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cut := now.Add(-t.window)
	recent, tracked := t.failures[username]
	if !tracked && len(t.failures) >= maxTrackedUsernames {
		t.evict(cut)
	}
	t.failures[username] = append(pruneBefore(recent, cut), now)
}

// evict drops entries with no failure after cut. If none are stale it drops an
// arbitrary entry. Callers hold mu.
func (t *loginThrottle) evict(cut time.Time) {
	for name, at := range t.failures {
		if !anyAfter(at, cut) {
			delete(t.failures, name)
		}
	}
	if len(t.failures) < maxTrackedUsernames {
		return
	}
	for name := range t.failures {
		delete(t.failures, name)
		break
	}
}

func (t *loginThrottle) reset(username string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.failures, username)
	t.mu.Unlock()
}

// evaluateWindowThrottle reports whether at least max failures fall inside the window
// ending at now, and how long until the oldest of them leaves it.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, at := range failures {
		if !at.After(cut) {
			continue
		}
		if count == 0 || at.Before(oldest) {
			oldest = at
		}
		count++
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

func pruneBefore(failures []time.Time, cut time.Time) []time.Time {
	out := failures[:0]
	for _, at := range failures {
		if at.After(cut) {
			out = append(out, at)
		}
	}
	return out
}

func anyAfter(failures []time.Time, cut time.Time) bool {
	for _, at := range failures {
		if at.After(cut) {
			return true
		}
	}
	return false
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed attempts")
}
