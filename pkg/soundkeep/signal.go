package soundkeep

import (
	"sync"
	"time"
)

// Signal is a level-triggered, re-armable flag that can be waited on from any goroutine.
// Setting an already set signal is a no-op, so bursts of requests coalesce into one.
type Signal struct {
	lock sync.Mutex
	set  bool
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the signal and wakes every waiter
func (s *Signal) Set() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.set {
		return
	}

	s.set = true
	close(s.ch)
}

// Clear re-arms the signal
func (s *Signal) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.set {
		return
	}

	s.set = false
	s.ch = make(chan struct{})
}

func (s *Signal) IsSet() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.set
}

// C returns a channel that is closed while the signal is set.
// A Clear after the call is not observed through the returned channel.
func (s *Signal) C() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.ch
}

// Wait blocks until the signal is set or the timeout elapses, reporting which happened
func (s *Signal) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.C():
		return true
	case <-timer.C:
		return false
	}
}
