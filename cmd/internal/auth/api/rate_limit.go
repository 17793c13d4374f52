package authapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// loginThrottle counts failed logins per client IP over a fixed window that
// starts at the first failure. A success clears the counter.
type loginThrottle struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	failures *ttlcache.Cache[string, int]
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		max:    max,
		window: window,
		failures: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](window),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
}

func (t *loginThrottle) start() { go t.failures.Start() }

func (t *loginThrottle) stop() { t.failures.Stop() }

// blocked reports whether ip is locked out and for how long.
func (t *loginThrottle) blocked(ip net.IP) (bool, time.Duration) {
	if ip == nil || t.max <= 0 {
		return false, 0
	}
	item := t.failures.Get(ip.String())
	if item == nil || item.Value() < t.max {
		return false, 0
	}
	retry := time.Until(item.ExpiresAt())
	if retry <= 0 {
		return false, 0
	}
	return true, retry
}

func (t *loginThrottle) fail(ip net.IP) {
	if ip == nil || t.max <= 0 {
		return
	}
	key := ip.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.failures.Get(key)
	if item == nil {
		t.failures.Set(key, 1, t.window)
		return
	}
	left := time.Until(item.ExpiresAt())
	if left <= 0 {
		t.failures.Set(key, 1, t.window)
		return
	}
	t.failures.Set(key, item.Value()+1, left)
}

func (t *loginThrottle) reset(ip net.IP) {
	if ip != nil {
		t.failures.Delete(ip.String())
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
