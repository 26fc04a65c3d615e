package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/galvan/pkg/identity"
	"github.com/core-tools/galvan/pkg/interlock"
	"github.com/core-tools/galvan/pkg/logging"
	"github.com/core-tools/galvan/pkg/sink"
	"github.com/core-tools/galvan/pkg/supervisor"
)

func nopLogger() logging.Logger {
	noop := func(string, ...interface{}) {}
	return logging.NewLogger("", logging.LogFuncs{Debugf: noop, Infof: noop, Warnf: noop, Errorf: noop})
}

// newFakeServer builds a ServerIdentity whose "server" is a shell script:
// it announces a PID, then a role, then blocks until TERM, at which point
// it appends its name to orderFile before exiting cleanly. That gives
// tests a way to observe termination order without instrumenting the
// supervisor itself.
func newFakeServer(t *testing.T, name string, roleLine string, orderFile string) identity.ServerIdentity {
	dir := t.TempDir()
	script := fmt.Sprintf(`echo "PID is $$"
echo %q
trap 'echo %s >> %q; exit 0' TERM
sleep 30 &
wait $!
`, roleLine, name, orderFile)

	return identity.ServerIdentity{
		Name:             name,
		WorkingDirectory: dir,
		HeapMegabytes:    256,
		StartupCommand: func(ctx context.Context) ([]string, error) {
			return []string{"/bin/sh", "-c", script}, nil
		},
	}
}

func newTestCluster(t *testing.T, ids ...identity.ServerIdentity) (*Control, *interlock.Interlock, *sink.Sink) {
	testSink := sink.New(nopLogger())
	il := interlock.New(nopLogger(), testSink)

	supervisors := make([]*supervisor.Supervisor, 0, len(ids))
	for _, id := range ids {
		supervisors = append(supervisors, supervisor.New(id, nopLogger(), il))
	}

	ctl := New(nopLogger(), il, supervisors)
	return ctl, il, testSink
}

func readOrder(t *testing.T, orderFile string) []string {
	t.Helper()
	data, err := os.ReadFile(orderFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func TestStartAllServersThenWaitForActive(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")

	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)
	secondary := newFakeServer(t, "secondary", "Moved to State[ PASSIVE-STANDBY ]", orderFile)

	ctl, il, _ := newTestCluster(t, primary, secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ctl.StartAllServers(ctx))
	require.NoError(t, ctl.WaitForActive(ctx))
	require.NoError(t, ctl.WaitForRunningPassivesInStandby(ctx))

	activeHandle, ok := il.GetActiveServer()
	require.True(t, ok)
	assert.Equal(t, "primary", activeHandle.ID())

	passiveHandle, ok := il.GetOnePassiveServer()
	require.True(t, ok)
	assert.Equal(t, "secondary", passiveHandle.ID())
}

func TestStartOneServerFailsWhenNoneTerminated(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")
	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)

	ctl, _, _ := newTestCluster(t, primary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ctl.StartOneServer(ctx))
	err := ctl.StartOneServer(ctx)
	assert.Error(t, err)
}

func TestTerminateActiveFailsWhenNoneActive(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")
	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)

	ctl, _, _ := newTestCluster(t, primary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ctl.TerminateActive(ctx)
	assert.Error(t, err)
}

func TestTerminateOnePassiveIsNoOpWhenNonePassive(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")
	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)

	ctl, _, _ := newTestCluster(t, primary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ctl.StartOneServer(ctx))
	require.NoError(t, ctl.WaitForActive(ctx))

	assert.NoError(t, ctl.TerminateOnePassive(ctx))
}

func TestTerminateAllServersStopsPassivesBeforeActive(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")

	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)
	secondary := newFakeServer(t, "secondary", "Moved to State[ PASSIVE-STANDBY ]", orderFile)
	tertiary := newFakeServer(t, "tertiary", "Moved to State[ PASSIVE-STANDBY ]", orderFile)

	ctl, il, testSink := newTestCluster(t, primary, secondary, tertiary)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, ctl.StartAllServers(ctx))
	require.NoError(t, ctl.WaitForActive(ctx))
	require.NoError(t, ctl.WaitForRunningPassivesInStandby(ctx))

	require.NoError(t, ctl.TerminateAllServers(ctx))

	order := readOrder(t, orderFile)
	require.Len(t, order, 3)
	assert.Equal(t, "primary", order[2], "the active server must be the last one stopped")
	assert.ElementsMatch(t, []string{"secondary", "tertiary"}, order[:2])

	for _, h := range []string{"primary", "secondary", "tertiary"} {
		assert.Equal(t, interlock.Terminated, il.StateOf(fakeIDHandle(h)))
	}
	assert.False(t, testSink.Verdict().Decided, "a clean shutdown must not report a failing verdict")
}

// TestConcurrentTerminateActiveSerializesWithoutDoubleStop exercises two
// goroutines racing on TerminateActive: the Controller lock (spec.md §5)
// must serialize them so exactly one observes the active server and stops
// it, and the other finds nothing left to terminate.
func TestConcurrentTerminateActiveSerializesWithoutDoubleStop(t *testing.T) {
	dir := t.TempDir()
	orderFile := filepath.Join(dir, "order.log")
	primary := newFakeServer(t, "primary", "has started up as ACTIVE node", orderFile)

	ctl, _, _ := newTestCluster(t, primary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ctl.StartOneServer(ctx))
	require.NoError(t, ctl.WaitForActive(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ctl.TerminateActive(ctx)
		}(i)
	}
	wg.Wait()

	successCount, failureCount := 0, 0
	for _, err := range errs {
		if err == nil {
			successCount++
		} else {
			failureCount++
		}
	}
	assert.Equal(t, 1, successCount, "exactly one concurrent terminateActive must succeed")
	assert.Equal(t, 1, failureCount, "the other concurrent terminateActive must observe no active server left")
}

// fakeIDHandle lets the test query StateOf by name without holding onto
// the *supervisor.Supervisor values Control keeps privately.
type fakeIDHandle string

func (h fakeIDHandle) ID() string { return string(h) }
