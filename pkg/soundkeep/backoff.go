package soundkeep

import (
	"time"

	"github.com/thoas/go-funk"
)

type backoffEntry struct {
	failures int
	until    time.Time
	pending  bool // waiting for its window to elapse before the next attempt
}

// retryBackoff spaces out attempts on endpoints that keep failing, doubling the wait on each
// consecutive failure. It is only touched from the supervisor's main loop
type retryBackoff struct {
	initial time.Duration
	max     time.Duration
	now     func() time.Time

	entries map[string]*backoffEntry
}

func newRetryBackoff(initial, max time.Duration) *retryBackoff {
	return &retryBackoff{
		initial: initial,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*backoffEntry),
	}
}

func (b *retryBackoff) configure(initial, max time.Duration) {
	b.initial = initial
	b.max = max
}

// failure records a failed attempt and returns how long the endpoint will be skipped
func (b *retryBackoff) failure(endpointID string) time.Duration {
	entry, ok := b.entries[endpointID]
	if !ok {
		entry = &backoffEntry{}
		b.entries[endpointID] = entry
	}

	entry.failures++

	wait := b.initial
	for i := 1; i < entry.failures && wait < b.max; i++ {
		wait *= 2
	}
	if wait > b.max {
		wait = b.max
	}

	entry.until = b.now().Add(wait)
	entry.pending = true

	return wait
}

func (b *retryBackoff) success(endpointID string) {
	delete(b.entries, endpointID)
}

// blocked reports whether the endpoint is still inside its back-off window, and for how much longer
func (b *retryBackoff) blocked(endpointID string) (time.Duration, bool) {
	entry, ok := b.entries[endpointID]
	if !ok {
		return 0, false
	}

	remaining := entry.until.Sub(b.now())
	if remaining <= 0 {
		return 0, false
	}

	return remaining, true
}

// due reports whether any skipped endpoint has become eligible again, arming each one only once
func (b *retryBackoff) due() bool {
	now := b.now()
	due := false

	for _, entry := range b.entries {
		if entry.pending && !now.Before(entry.until) {
			entry.pending = false
			due = true
		}
	}

	return due
}

// retain forgets endpoints that are no longer present
func (b *retryBackoff) retain(endpointIDs []string) {
	for id := range b.entries {
		if !funk.ContainsString(endpointIDs, id) {
			delete(b.entries, id)
		}
	}
}
