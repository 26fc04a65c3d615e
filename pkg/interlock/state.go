package interlock

// ServerState is the per-supervisor lifecycle classification the
// interlock owns (spec.md §3).
type ServerState string

const (
	// Terminated: not running; may be (re)started. Initial state.
	Terminated ServerState = "terminated"
	// UnknownRunning: child spawned, PID not yet observed, no role yet.
	UnknownRunning ServerState = "unknown_running"
	// Active: observed the ACTIVE line while PID known.
	Active ServerState = "active"
	// Passive: observed the PASSIVE-STANDBY line while PID known.
	Passive ServerState = "passive"
	// ZappedRestarting: observed a self-restart line; semantically
	// equivalent to UnknownRunning but flagged for diagnostics.
	ZappedRestarting ServerState = "zapped_restarting"
)

// IsRunning reports whether state is anything other than Terminated.
func (s ServerState) IsRunning() bool {
	return s != Terminated
}

// IsTransitioning reports whether state is one the interlock considers
// "not yet settled into a role" (spec.md §4.3 waitForAllReady).
func (s ServerState) IsTransitioning() bool {
	return s == UnknownRunning || s == ZappedRestarting
}

// Handle identifies a registered server to the interlock. supervisor.Supervisor
// implements this; the interlock never needs anything more concrete than an
// identity, per spec.md §9's "no back-pointer" re-architecture note.
type Handle interface {
	ID() string
}

// entry is the interlock's private per-server record: state + pid +
// expected-crash flag, all mutated only while holding the interlock's
// monitor.
type entry struct {
	handle        Handle
	state         ServerState
	pid           int
	expectedCrash bool
	wasZapped     bool
}
