package execengine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiters rate-limits container starts per host (a host's Docker
// daemon degrades if flooded with concurrent ContainerCreate calls). One
// limiter per HostID, created lazily.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newHostLimiters(ratePerSec float64, burst int) *hostLimiters {
	return &hostLimiters{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSec),
		burst:    burst,
	}
}

func (h *hostLimiters) get(hostID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[hostID]
	if !ok {
		l = rate.NewLimiter(h.r, h.burst)
		h.limiters[hostID] = l
	}
	return l
}

// Wait blocks until hostID's limiter admits one more start, or ctx expires.
func (h *hostLimiters) Wait(ctx context.Context, hostID string) error {
	return h.get(hostID).Wait(ctx)
}
