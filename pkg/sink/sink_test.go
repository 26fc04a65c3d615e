package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/galvan/pkg/logging"
)

func nopLogger() logging.Logger {
	noop := func(string, ...interface{}) {}
	return logging.NewLogger("", logging.LogFuncs{Debugf: noop, Infof: noop, Warnf: noop, Errorf: noop})
}

func TestSinkFirstPassWins(t *testing.T) {
	s := New(nopLogger())

	s.TestDidPass()
	s.TestDidFail("late failure, must be ignored")

	verdict := s.Verdict()
	assert.True(t, verdict.Decided)
	assert.True(t, verdict.Passed)
	assert.Empty(t, verdict.Reason)
}

func TestSinkFirstFailWins(t *testing.T) {
	s := New(nopLogger())

	s.TestDidFail("first failure")
	s.TestDidPass()
	s.TestDidFail("second failure, must be ignored")

	verdict := s.Verdict()
	assert.True(t, verdict.Decided)
	assert.False(t, verdict.Passed)
	assert.Equal(t, "first failure", verdict.Reason)
}

func TestSinkOnFailFiresOnlyOnFailingVerdict(t *testing.T) {
	s := New(nopLogger())

	var fired bool
	s.OnFail(func() { fired = true })

	s.TestDidPass()
	assert.False(t, fired)

	s2 := New(nopLogger())
	var fired2 bool
	s2.OnFail(func() { fired2 = true })
	s2.TestDidFail("boom")
	assert.True(t, fired2)
}

func TestSinkAwaitVerdictBlocksUntilDecided(t *testing.T) {
	s := New(nopLogger())

	done := make(chan Verdict, 1)
	go func() {
		verdict, err := s.AwaitVerdict(context.Background())
		require.NoError(t, err)
		done <- verdict
	}()

	time.Sleep(10 * time.Millisecond)
	s.TestDidFail("harness invariant violated")

	select {
	case verdict := <-done:
		assert.False(t, verdict.Passed)
		assert.Equal(t, "harness invariant violated", verdict.Reason)
	case <-time.After(time.Second):
		t.Fatal("AwaitVerdict did not return after verdict was decided")
	}
}

func TestSinkAwaitVerdictRespectsCancellation(t *testing.T) {
	s := New(nopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.AwaitVerdict(ctx)
	assert.Error(t, err)
}

func TestSinkConcurrentCallsLatchExactlyOnce(t *testing.T) {
	s := New(nopLogger())

	var failCount int
	var mu sync.Mutex
	s.OnFail(func() {
		mu.Lock()
		failCount++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TestDidFail("concurrent failure")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, failCount, "OnFail callback must fire exactly once")
}
