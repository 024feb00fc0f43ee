package outbound

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perHostRate and perHostBurst bound how fast this server delivers to any
// single remote host, independent of how many local actors are addressing
// it concurrently.
const (
	perHostRate  = rate.Limit(1) // one request per second, sustained
	perHostBurst = 5
)

// pruneAfter is how long a host's limiter sits idle before it is
// reclaimed, so a long-running delivery worker doesn't accumulate one
// entry per remote host it has ever spoken to.
const pruneAfter = 30 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// HostLimiter throttles outbound deliveries per destination host. Each
// host gets its own token bucket, created lazily on first use.
type HostLimiter struct {
	mu      sync.Mutex
	byHost  map[string]*limiterEntry
	stop    chan struct{}
	stopped bool
}

// NewHostLimiter returns a HostLimiter with no hosts registered yet.
func NewHostLimiter() *HostLimiter {
	return &HostLimiter{byHost: make(map[string]*limiterEntry)}
}

// Wait blocks until inboxURL's host may send another request, or ctx is
// done.
func (h *HostLimiter) Wait(ctx context.Context, inboxURL string) error {
	return h.get(hostOf(inboxURL)).Wait(ctx)
}

func (h *HostLimiter) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.byHost[host]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(perHostRate, perHostBurst)}
		h.byHost[host] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// StartPruning launches a background goroutine that evicts hosts idle for
// longer than pruneAfter, checking once per interval. Callers that never
// call StartPruning still get correct throttling; they just retain one
// entry per host forever.
func (h *HostLimiter) StartPruning(interval time.Duration) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	h.stop = make(chan struct{})
	h.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.prune()
			case <-h.stop:
				return
			}
		}
	}()
}

// StopPruning halts the background goroutine started by StartPruning. It
// is a no-op if pruning was never started or has already been stopped.
func (h *HostLimiter) StopPruning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil || h.stopped {
		return
	}
	close(h.stop)
	h.stopped = true
}

func (h *HostLimiter) prune() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-pruneAfter)
	for host, entry := range h.byHost {
		if entry.lastUsed.Before(cutoff) {
			delete(h.byHost, host)
		}
	}
}
