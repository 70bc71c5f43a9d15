// Package rategate implements the global admission gate described in
// spec.md §4.1: a hard ceiling of N requests per rolling wall-clock hour,
// plus support for externally imposed lock-outs. It is the one piece of
// shared mutable state every worker touches, so its mutex is the critical
// serialization point for the whole pipeline.
package rategate

import (
	"context"
	"sync"
	"time"
)

// Gate admits at most SafeLimit requests per wall-clock hour window and
// blocks every caller while an externally imposed lock-out is active.
//
// Construction is cheap and the zero value is not usable; use New.
type Gate struct {
	mu sync.Mutex

	safeLimit   int
	now         func() time.Time
	windowStart time.Time
	inWindow    int
	blockedUntil time.Time

	// waiters is closed and replaced whenever NoteLockout records a
	// lock-out, so sleeping callers recompute their wake instant. Window
	// roll-over and lock-out expiry depend on the clock alone and close
	// nothing; Admit picks them up by re-reading the clock at least every
	// maxSleep. Admit re-checks after each wake instead of trusting a
	// single wait; see the retry loop below.
	waiters chan struct{}
}

// maxSleep bounds one wait inside Admit, so a waiter re-reads the clock
// instead of trusting one long timer computed from an earlier reading.
const maxSleep = 500 * time.Millisecond

// New creates a Gate with the given safe limit (requests per rolling hour).
// now defaults to time.Now when nil; tests inject a deterministic clock.
func New(safeLimit int, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	if safeLimit < 1 {
		safeLimit = 1
	}
	return &Gate{
		safeLimit:   safeLimit,
		now:         now,
		windowStart: alignToHour(now()),
		waiters:     make(chan struct{}),
	}
}

func alignToHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// WindowStart exposes the current window start for logging.
func (g *Gate) WindowStart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowStart
}

// InWindow exposes the current in-window admitted count, for status
// reporting / the ops surface.
func (g *Gate) InWindow() (count, limit int, windowStart time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inWindow, g.safeLimit, g.windowStart
}

// BlockedUntil exposes the current lock-out release instant (zero if none).
func (g *Gate) BlockedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedUntil
}

// Admit blocks the caller until admission is possible, then atomically
// counts the request against the current hour window. Check-and-increment
// happens under the same lock: no interleaving of two callers' admission
// decisions is possible, which is the property the source's check-then-act
// race violated.
//
// ctx cancellation releases the wait without leaking a counter increment.
func (g *Gate) Admit(ctx context.Context) error {
	for {
		g.mu.Lock()
		g.rollWindowLocked()

		if g.blockedUntil.IsZero() && g.inWindow < g.safeLimit {
			g.inWindow++
			g.mu.Unlock()
			return nil
		}

		wake := g.windowEndLocked()
		if g.blockedUntil.After(wake) {
			wake = g.blockedUntil
		}
		waitCh := g.waiters
		g.mu.Unlock()

		delay := wake.Sub(g.now())
		if delay < 0 {
			delay = 0
		}
		if delay > maxSleep {
			delay = maxSleep
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check from the top; state may have shifted (another
			// lock-out, a new NoteLockout) during the sleep.
		case <-waitCh:
			timer.Stop()
			// NoteLockout recorded a lock-out; loop and recompute the
			// wake instant immediately.
		}
	}
}

// NoteLockout records an externally imposed release time; subsequent Admit
// calls block until that instant. Idempotent and monotonic: the later of
// the existing and new until wins, so a second, longer lock-out observed by
// a racing worker is never shortened by a stale one arriving after it.
func (g *Gate) NoteLockout(until time.Time) {
	g.mu.Lock()
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
	g.wakeWaitersLocked()
	g.mu.Unlock()
}

// rollWindowLocked resets the in-window counter and slides the window
// forward if the current instant has crossed the boundary. Must be called
// with mu held. Also clears an expired lock-out.
func (g *Gate) rollWindowLocked() {
	now := g.now()
	if !now.Before(g.windowEndLocked()) {
		g.windowStart = alignToHour(now)
		g.inWindow = 0
	}
	if !g.blockedUntil.IsZero() && !now.Before(g.blockedUntil) {
		g.blockedUntil = time.Time{}
	}
}

func (g *Gate) windowEndLocked() time.Time {
	return g.windowStart.Add(time.Hour)
}

func (g *Gate) wakeWaitersLocked() {
	close(g.waiters)
	g.waiters = make(chan struct{})
}
