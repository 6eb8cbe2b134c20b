// Package portalloc selects a host port for a starting execution using live
// probes rather than any persisted allocation table: allocation state lives
// on the host, not in our process.
package portalloc

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
)

// ErrExhausted is returned when no port in the configured range passes both
// probes.
var ErrExhausted = fmt.Errorf("portalloc: range exhausted")

// LocalListenProbe reports whether a local socket is already listening on
// port. In local-driver mode this dials/binds the real host; in remote mode
// there is no local vantage point and callers should pass a function that
// always reports false (the container-publish probe is then authoritative).
type LocalListenProbe func(port int) bool

// RealLocalListenProbe attempts to bind the port; if the bind fails the port
// is considered occupied.
func RealLocalListenProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

// Allocator hands out ports in [Lo, Hi] for a single host.
type Allocator struct {
	lo, hi     int
	driver     hostdriver.Driver
	localProbe LocalListenProbe
}

// New creates an Allocator over the inclusive range [lo, hi]. localProbe may
// be nil, in which case the local-socket check is skipped (remote mode,
// where the container-publish probe via driver is the only signal).
func New(lo, hi int, driver hostdriver.Driver, localProbe LocalListenProbe) *Allocator {
	return &Allocator{lo: lo, hi: hi, driver: driver, localProbe: localProbe}
}

// Allocate probes the range in randomised order and returns the first port
// passing both the container-publish check and the local-listen check. The
// randomised order reduces collision probability when multiple execution
// engines allocate against the same host concurrently.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	if a.hi < a.lo {
		return 0, ErrExhausted
	}
	n := a.hi - a.lo + 1
	order := rand.Perm(n)

	for _, offset := range order {
		port := a.lo + offset
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		published, err := a.driver.ProbePortListening(ctx, port)
		if err != nil {
			// Treat probe failure as occupied/unknown, try the next port
			// rather than surfacing a transient driver error as exhaustion.
			continue
		}
		if published {
			continue
		}

		if a.localProbe != nil && a.localProbe(port) {
			continue
		}

		return port, nil
	}
	return 0, ErrExhausted
}

// Release is a no-op against allocator state: the allocator holds none. It
// exists so a cache-based claim scheme can be reintroduced later without
// changing the engine's call sites.
func (a *Allocator) Release(ctx context.Context, port int) {
	_ = ctx
	_ = port
}

// AllocateWithRetry retries Allocate up to attempts times with small
// randomised backoff, for the execution engine's start-time race against a
// port becoming occupied between probe and container start.
func AllocateWithRetry(ctx context.Context, a *Allocator, attempts int) (int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		port, err := a.Allocate(ctx)
		if err == nil {
			return port, nil
		}
		lastErr = err
		backoff := time.Duration(50+rand.Intn(200)) * time.Millisecond
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, fmt.Errorf("portalloc: %w after %d attempts", lastErr, attempts)
}
