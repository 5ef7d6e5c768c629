package backoffice

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rcourtman/postforge/internal/logging"
)

const (
	defaultAdminFailureLimit  = 10
	defaultAdminFailureWindow = 15 * time.Minute
)

// AdminLockout locks a client out of the admin endpoints after repeated
// failed key checks. Only 401 responses count against a client; a successful
// request clears its record. Webhooks are never routed through it.
type AdminLockout struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	limit    int
	window   time.Duration
	ips      *reqmeta.IPResolver
	now      func() time.Time
}

// NewAdminLockout allows limit failures per window before locking a client.
func NewAdminLockout(limit int, window time.Duration, ips *reqmeta.IPResolver) *AdminLockout {
	if limit <= 0 {
		limit = defaultAdminFailureLimit
	}
	if window <= 0 {
		window = defaultAdminFailureWindow
	}
	return &AdminLockout{
		failures: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		ips:      ips,
		now:      time.Now,
	}
}

// LockedFor reports how long ip stays locked out. Zero means not locked.
func (l *AdminLockout) LockedFor(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.recentLocked(ip, now)
	if len(recent) < l.limit {
		return 0
	}
	// Unlocks once the oldest failure that still counts towards the limit
	// leaves the window.
	return recent[len(recent)-l.limit].Add(l.window).Sub(now)
}

// RecordFailure counts a failed attempt and reports whether ip is now locked.
func (l *AdminLockout) RecordFailure(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := append(l.recentLocked(ip, now), now)
	l.failures[ip] = recent
	return len(recent) >= l.limit
}

// Reset forgets the failures of ip.
func (l *AdminLockout) Reset(ip string) {
	l.mu.Lock()
	delete(l.failures, ip)
	l.mu.Unlock()
}

// Sweep drops clients whose failures have all left the window.
func (l *AdminLockout) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip := range l.failures {
		if len(l.recentLocked(ip, now)) == 0 {
			delete(l.failures, ip)
			removed++
		}
	}
	return removed
}

// recentLocked prunes and returns the failures of ip inside the window.
func (l *AdminLockout) recentLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	times := l.failures[ip]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(l.failures, ip)
		return nil
	}
	times = times[i:]
	l.failures[ip] = times
	return times
}

// Middleware wraps an admin-key protected handler.
func (l *AdminLockout) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.ips.ClientIP(r)
		if wait := l.LockedFor(ip); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
			reqmeta.WriteError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return
		}

		rec := &authStatusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		switch {
		case rec.status == http.StatusUnauthorized:
			if l.RecordFailure(ip) {
				logger := logging.FromContext(r.Context())
				logger.Warn().
					Str("client_ip", ip).
					Dur("window", l.window).
					Msg("Admin authentication locked out after repeated failures")
			}
		case rec.status < http.StatusBadRequest:
			l.Reset(ip)
		}
	})
}

type authStatusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *authStatusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *authStatusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
