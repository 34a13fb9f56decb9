package lifecycle

import "sync"

// Suspendable is a stateful subsystem that can be paused and later
// resumed (e.g. the local DHT bridge while an anonymity overlay routes
// all traffic through relays).
type Suspendable interface {
	Suspend() error
	Resume() error
}

// Suspender wraps a Suspendable with re-entrant semantics: Suspend on a
// suspended target and Resume on a running one are no-ops, as are both
// calls before the target is installed.
type Suspender struct {
	mu        sync.Mutex
	target    Suspendable
	suspended bool
}

// NewSuspender returns an empty suspender. Install the target with Bind.
func NewSuspender() *Suspender {
	return &Suspender{}
}

// Bind installs (or replaces) the target subsystem.
func (s *Suspender) Bind(target Suspendable) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// Suspend pauses the target. No-op when not bound or already suspended.
func (s *Suspender) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil || s.suspended {
		return nil
	}
	if err := s.target.Suspend(); err != nil {
		return err
	}
	s.suspended = true
	return nil
}

// Resume unpauses the target. No-op when not bound or not suspended.
func (s *Suspender) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil || !s.suspended {
		return nil
	}
	if err := s.target.Resume(); err != nil {
		return err
	}
	s.suspended = false
	return nil
}

// Suspended reports the current state.
func (s *Suspender) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}
