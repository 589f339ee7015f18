package soundkeep

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBackoff(initial, max time.Duration) (*retryBackoff, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newRetryBackoff(initial, max)
	b.now = clock.Now

	return b, clock
}

func TestRetryBackoffDoublesUpToMax(t *testing.T) {
	b, _ := newTestBackoff(time.Second, 5*time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := b.failure("a"); got != expected {
			t.Errorf("Failure %d: expected %s, got %s", i+1, expected, got)
		}
	}

	b.success("a")

	if got := b.failure("a"); got != time.Second {
		t.Errorf("Expected a success to reset the back-off, got %s", got)
	}
}

func TestRetryBackoffBlocked(t *testing.T) {
	b, clock := newTestBackoff(time.Second, time.Minute)

	if _, blocked := b.blocked("a"); blocked {
		t.Fatal("Unknown endpoint should not be blocked")
	}

	b.failure("a")

	remaining, blocked := b.blocked("a")
	if !blocked || remaining != time.Second {
		t.Fatalf("Expected a to be blocked for 1s, got %s (%v)", remaining, blocked)
	}

	clock.advance(time.Second)

	if _, blocked := b.blocked("a"); blocked {
		t.Error("Expected a to be eligible once its window elapsed")
	}
}

func TestRetryBackoffDueFiresOncePerWindow(t *testing.T) {
	b, clock := newTestBackoff(time.Second, time.Minute)

	if b.due() {
		t.Fatal("Nothing failed, nothing should be due")
	}

	b.failure("a")

	if b.due() {
		t.Fatal("Window has not elapsed yet")
	}

	clock.advance(time.Second)

	if !b.due() {
		t.Fatal("Expected a to be due")
	}

	if b.due() {
		t.Error("A window should only trigger one retry")
	}
}

func TestRetryBackoffRetainAndConfigure(t *testing.T) {
	b, _ := newTestBackoff(time.Second, time.Minute)

	b.failure("a")
	b.failure("b")
	b.retain([]string{"b"})

	if _, blocked := b.blocked("a"); blocked {
		t.Error("Expected vanished endpoint to be forgotten")
	}

	if _, blocked := b.blocked("b"); !blocked {
		t.Error("Expected present endpoint to stay blocked")
	}

	b.configure(10*time.Millisecond, 15*time.Millisecond)

	if got := b.failure("b"); got != 15*time.Millisecond {
		t.Errorf("Expected new cap to apply, got %s", got)
	}
}
