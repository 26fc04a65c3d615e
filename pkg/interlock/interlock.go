// Package interlock implements the State Interlock: a single
// condition-variable-driven monitor owning the lifecycle classification of
// every registered server, per spec.md §4.3.
package interlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/galvan/pkg/errors"
	"github.com/core-tools/galvan/pkg/logging"
)

// FailureSink is the narrow capability the interlock needs from the Test
// State Sink: report a failure, and be told about failures reported by
// anyone else so every blocked predicate can wake immediately.
type FailureSink interface {
	TestDidFail(reason string)
	OnFail(fn func())
}

// Interlock is the shared registry of managed server processes. All
// mutating operations and all blocking predicates hold mu; predicates
// wait on cond in spurious-wakeup-safe loops (spec.md §5).
type Interlock struct {
	logger logging.Logger
	sink   FailureSink

	mu     sync.Mutex
	cond   *sync.Cond
	sealed bool
	failed bool
	byID   map[string]*entry
}

// New creates an empty Interlock reporting unexpected crashes to sink.
func New(logger logging.Logger, sink FailureSink) *Interlock {
	i := &Interlock{
		logger: logger,
		sink:   sink,
		byID:   make(map[string]*entry),
	}
	i.cond = sync.NewCond(&i.mu)

	sink.OnFail(func() {
		i.mu.Lock()
		i.failed = true
		i.mu.Unlock()
		i.cond.Broadcast()
	})

	return i
}

// Register adds handle in Terminated. Legal only before the interlock has
// been sealed by the first blocking query or Get*/IsServerRunning snapshot
// read (spec.md §3).
func (i *Interlock) Register(handle Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sealed {
		panic(fmt.Sprintf("interlock: register(%s) called after interlock was sealed by a control call", handle.ID()))
	}
	if _, exists := i.byID[handle.ID()]; exists {
		panic(fmt.Sprintf("interlock: server %s already registered", handle.ID()))
	}

	i.byID[handle.ID()] = &entry{handle: handle, state: Terminated}
}

func (i *Interlock) seal() {
	i.mu.Lock()
	i.sealed = true
	i.mu.Unlock()
}

// ===== event-driven transitions (spec.md §4.2 table) =====

// NoteStarted transitions handle Terminated -> UnknownRunning, the
// side effect of a successful, non-blocking supervisor.start() call.
func (i *Interlock) NoteStarted(handle Handle) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.mustEntry(handle)
	if e.state != Terminated {
		return errors.NewInternalError(
			fmt.Sprintf("cannot start server %s from state %s", handle.ID(), e.state), nil)
	}
	e.state = UnknownRunning
	e.pid = 0
	e.expectedCrash = false
	e.wasZapped = false
	i.cond.Broadcast()
	return nil
}

// NotePID records a freshly observed PID. Only meaningful while a server
// is UnknownRunning or ZappedRestarting; events at any other time are
// diagnostic-only and ignored, matching spec.md §4.2's "protects against
// stale log lines during ZAP restart".
func (i *Interlock) NotePID(handle Handle, pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.mustEntry(handle)
	if !e.state.IsTransitioning() {
		i.logger.Debugf("Ignoring PID observation for %s in state %s", handle.ID(), e.state)
		return
	}
	e.pid = pid
	i.cond.Broadcast()
}

// NoteActive transitions UnknownRunning-with-pid -> Active. A second
// concurrent Active is a fatal harness error, reported to the sink so
// orderly shutdown can proceed (spec.md §4.3, invariant §8.1).
func (i *Interlock) NoteActive(handle Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.noteRole(handle, Active)
}

// NotePassive transitions UnknownRunning-with-pid -> Passive.
func (i *Interlock) NotePassive(handle Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.noteRole(handle, Passive)
}

// noteRole must be called with mu held.
func (i *Interlock) noteRole(handle Handle, role ServerState) {
	e := i.mustEntry(handle)
	if e.pid == 0 {
		i.logger.Debugf("Ignoring role event for %s: no PID observed yet", handle.ID())
		return
	}
	if !e.state.IsTransitioning() {
		i.logger.Debugf("Ignoring role event for %s: state is %s, not transitioning", handle.ID(), e.state)
		return
	}
	if role == Active {
		if activeID, ok := i.activeIDLocked(); ok && activeID != handle.ID() {
			i.fatalLocked(fmt.Sprintf("harness invariant violated: %s reported ACTIVE while %s is already active", handle.ID(), activeID))
			return
		}
	}
	e.state = role
	i.cond.Broadcast()
}

// NoteZap transitions Active/Passive/UnknownRunning -> ZappedRestarting,
// clearing the PID (spec.md §9's deliberate tightening) and setting the
// wasZapped diagnostic flag.
func (i *Interlock) NoteZap(handle Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.mustEntry(handle)
	switch e.state {
	case Active, Passive, UnknownRunning:
		e.state = ZappedRestarting
		e.pid = 0
		e.wasZapped = true
		i.cond.Broadcast()
	default:
		i.logger.Debugf("Ignoring ZAP event for %s in state %s", handle.ID(), e.state)
	}
}

// NoteTermination transitions handle to Terminated. If expectedCrash is
// false, exactly one UnexpectedCrash failure is reported to the sink
// (spec.md invariant §8.3); if true, the transition is clean.
func (i *Interlock) NoteTermination(handle Handle, expectedCrash bool, failureReason string) {
	i.mu.Lock()
	e := i.mustEntry(handle)
	wasRunning := e.state.IsRunning()
	e.state = Terminated
	e.pid = 0
	e.expectedCrash = false
	i.cond.Broadcast()
	i.mu.Unlock()

	if wasRunning && !expectedCrash {
		i.sink.TestDidFail(failureReason)
	}
}

// fatalLocked reports a harness-internal invariant violation to the sink
// as a HarnessFailed condition. Must be called with mu held.
func (i *Interlock) fatalLocked(message string) {
	i.logger.Errorf("Fatal harness error: %s", message)
	i.mu.Unlock()
	i.sink.TestDidFail(message)
	i.mu.Lock()
}

func (i *Interlock) mustEntry(handle Handle) *entry {
	e, ok := i.byID[handle.ID()]
	if !ok {
		panic(fmt.Sprintf("interlock: server %s was never registered", handle.ID()))
	}
	return e
}

func (i *Interlock) activeIDLocked() (string, bool) {
	for id, e := range i.byID {
		if e.state == Active {
			return id, true
		}
	}
	return "", false
}

// ===== blocking predicates (spec.md §4.3) =====

// waitLoop blocks on cond until predicate() is true or the sink has
// recorded a failure, in which case it returns HarnessFailed. ctx
// cancellation is a harness bug per spec.md §7 and is converted into a
// fatal failure record rather than silent resumption.
func (i *Interlock) waitLoop(ctx context.Context, predicate func() bool) error {
	i.seal()

	done := make(chan struct{})
	stopWatch := i.watchContext(ctx, done)
	defer stopWatch()

	i.mu.Lock()
	defer i.mu.Unlock()

	for !predicate() && !i.failed {
		i.cond.Wait()
	}
	if i.failed {
		return errors.NewHarnessFailedError("interlock wait aborted: test already failed", nil)
	}
	return nil
}

// watchContext wakes every waiter if ctx is cancelled, converting the
// cancellation into a fatal failure (spec.md §5 Cancellation/timeout).
func (i *Interlock) watchContext(ctx context.Context, done chan struct{}) func() {
	go func() {
		select {
		case <-ctx.Done():
			i.sink.TestDidFail(fmt.Sprintf("interlock wait interrupted: %v", ctx.Err()))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// WaitForActive blocks until some supervisor is Active.
func (i *Interlock) WaitForActive(ctx context.Context) error {
	return i.waitLoop(ctx, func() bool {
		_, ok := i.activeIDLocked()
		return ok
	})
}

// WaitForAllReady blocks until no supervisor is UnknownRunning or
// ZappedRestarting and at least one is Active.
func (i *Interlock) WaitForAllReady(ctx context.Context) error {
	return i.waitLoop(ctx, func() bool {
		hasActive := false
		for _, e := range i.byID {
			if e.state.IsTransitioning() {
				return false
			}
			if e.state == Active {
				hasActive = true
			}
		}
		return hasActive
	})
}

// WaitForServerRunning blocks until handle has left Terminated.
func (i *Interlock) WaitForServerRunning(ctx context.Context, handle Handle) error {
	return i.waitLoop(ctx, func() bool {
		return i.mustEntry(handle).state.IsRunning()
	})
}

// WaitForServerTermination blocks until handle is Terminated.
func (i *Interlock) WaitForServerTermination(ctx context.Context, handle Handle) error {
	return i.waitLoop(ctx, func() bool {
		return i.mustEntry(handle).state == Terminated
	})
}

// ===== snapshot reads (spec.md §4.3) =====

// GetActiveServer returns the one Active server, if any.
func (i *Interlock) GetActiveServer() (Handle, bool) {
	i.seal()
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, e := range i.byID {
		if e.state == Active {
			return e.handle, true
		}
	}
	return nil, false
}

// GetOnePassiveServer returns an arbitrary Passive server, if any.
func (i *Interlock) GetOnePassiveServer() (Handle, bool) {
	i.seal()
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, e := range i.byID {
		if e.state == Passive {
			return e.handle, true
		}
	}
	return nil, false
}

// GetOneTerminatedServer returns an arbitrary Terminated server, if any.
func (i *Interlock) GetOneTerminatedServer() (Handle, bool) {
	i.seal()
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, e := range i.byID {
		if e.state == Terminated {
			return e.handle, true
		}
	}
	return nil, false
}

// IsServerRunning is a snapshot read of whether handle has left
// Terminated.
func (i *Interlock) IsServerRunning(handle Handle) bool {
	i.seal()
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mustEntry(handle).state.IsRunning()
}

// StateOf is a snapshot read of handle's current classification, exposed
// for diagnostics and tests.
func (i *Interlock) StateOf(handle Handle) ServerState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mustEntry(handle).state
}
