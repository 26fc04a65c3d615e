// Package sink implements the Test State Sink: a first-wins verdict latch
// shared by the whole harness (spec.md §4.5).
package sink

import (
	"context"
	"sync"

	"github.com/core-tools/galvan/pkg/errors"
	"github.com/core-tools/galvan/pkg/logging"
)

// Verdict is a snapshot of the sink's decision.
type Verdict struct {
	Decided bool
	Passed  bool
	Reason  string
}

// Sink latches the first of testDidPass/testDidFail to be called; every
// call after that is recorded as a diagnostic only.
type Sink struct {
	logger logging.Logger

	mu      sync.Mutex
	once    sync.Once
	decided bool
	passed  bool
	reason  string
	done    chan struct{}
	onFail  []func()
}

// New creates an empty, undecided Sink.
func New(logger logging.Logger) *Sink {
	return &Sink{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnFail registers a callback invoked exactly once, synchronously, if and
// when this sink's first-wins verdict turns out to be a failure. Used by
// the interlock to wake every blocked predicate the moment a failure is
// recorded, regardless of who reported it (spec.md §4.3 termination
// short-circuit).
func (s *Sink) OnFail(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = append(s.onFail, fn)
}

// TestDidPass records a passing verdict if none has been recorded yet.
func (s *Sink) TestDidPass() {
	s.latch(true, "")
}

// TestDidFail records a failing verdict with reason if none has been
// recorded yet.
func (s *Sink) TestDidFail(reason string) {
	s.latch(false, reason)
}

func (s *Sink) latch(passed bool, reason string) {
	won := false
	s.once.Do(func() {
		won = true
		s.mu.Lock()
		s.decided = true
		s.passed = passed
		s.reason = reason
		callbacks := append([]func(){}, s.onFail...)
		s.mu.Unlock()
		close(s.done)

		if !passed {
			for _, fn := range callbacks {
				fn()
			}
		}
	})

	if !won {
		if passed {
			s.logger.Infof("Verdict already decided, ignoring late pass")
		} else {
			s.logger.Warnf("Verdict already decided, ignoring late failure: %s", reason)
		}
	}
}

// Verdict returns a non-blocking snapshot of the current decision.
func (s *Sink) Verdict() Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Verdict{Decided: s.decided, Passed: s.passed, Reason: s.reason}
}

// AwaitVerdict blocks until either testDidPass or testDidFail has been
// called, or ctx is cancelled.
func (s *Sink) AwaitVerdict(ctx context.Context) (Verdict, error) {
	select {
	case <-s.done:
		return s.Verdict(), nil
	case <-ctx.Done():
		return Verdict{}, errors.NewHarnessFailedError("cancelled waiting for verdict", ctx.Err())
	}
}
