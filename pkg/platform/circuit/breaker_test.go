package circuit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	// First two failures don't open
	useFallback, change := b.RecordFailure()
	assert.False(t, useFallback)
	assert.False(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.False(t, useFallback)
	assert.False(t, change.Opened)

	// Third failure opens the circuit
	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("test", WithFailureThreshold(1), WithSuccessThreshold(2), WithCooldown(time.Second), WithClock(clock.Now))

	// Open the circuit and wait out the cool-down
	b.RecordFailure()
	assert.True(t, b.IsOpen())
	clock.Advance(time.Second)

	// First trial doesn't close
	require.True(t, b.Allow())
	usePrimary, change := b.RecordSuccess()
	assert.False(t, usePrimary)
	assert.False(t, change.Closed)
	assert.Equal(t, StateHalfOpen, b.State())

	// Second trial closes
	require.True(t, b.Allow())
	usePrimary, change = b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.False(t, b.IsOpen())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	// Two failures
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	// Success resets count
	b.RecordSuccess()

	// Two more failures don't open (count was reset)
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	// Third failure opens
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_FailureResetsSuccessCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("test", WithFailureThreshold(1), WithSuccessThreshold(3), WithCooldown(time.Second), WithClock(clock.Now))

	trial := func() {
		t.Helper()
		require.True(t, b.Allow())
		b.RecordSuccess()
	}

	// Open the circuit
	b.RecordFailure()
	clock.Advance(time.Second)

	// Two successful trials
	trial()
	trial()

	// A failed trial reopens and resets the success count
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	// Need 3 successes again to close
	trial()
	trial()
	assert.True(t, b.IsOpen())
	trial()
	assert.False(t, b.IsOpen())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	// Open the circuit
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	// Reset closes it
	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenCircuitReturnsFallback(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	// Open the circuit
	b.RecordFailure()

	// Additional failures return fallback without state change
	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened) // Already open, no state change
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_OpenRejectsUntilCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(2), WithCooldown(10*time.Second), WithClock(clock.Now))

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	assert.False(t, b.Allow())
	assert.Equal(t, 10*time.Second, b.RetryAfter())

	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, time.Second, b.RetryAfter())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, b.Allow(), "first caller after cool-down is the trial")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller must wait for the trial result")

	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_ReleaseFreesTrialSlot(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	b.Release()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow(), "released slot is available to the next caller")
}

func TestBreaker_LateSuccessWhileOpenIsIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock.Now))

	// Two workers start while closed; one fails and opens the circuit.
	require.True(t, b.Allow())
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// The other finishes successfully afterwards.
	usePrimary, change := b.RecordSuccess()
	assert.False(t, usePrimary)
	assert.False(t, change.Changed())
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, time.Minute, b.RetryAfter())
}

func TestBreaker_HalfOpenSuccessWithoutTrialIsIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.Allow())
	assert.True(t, b.TrialInFlight())
	b.Release()
	assert.False(t, b.TrialInFlight())

	usePrimary, _ := b.RecordSuccess()
	assert.False(t, usePrimary)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_RecordSuccessIfClosedNeverCountsAsTrial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(2), WithCooldown(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	b.RecordSuccessIfClosed()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "failure count was cleared")

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	b.RecordSuccessIfClosed()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.TrialInFlight())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)
	assert.Equal(t, StateHalfOpen, change.From)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "fresh cool-down starts after a failed trial")
}

func TestBreaker_ConcurrentTrialIsExclusive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("storage", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))
	b.RecordFailure()
	clock.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var opened atomic.Int32
	b := New("storage", WithFailureThreshold(10), WithOnStateChange(func(_ string, c StateChange) {
		if c.Opened {
			opened.Add(1)
		}
	}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.True(t, b.IsOpen())
	assert.Equal(t, int32(1), opened.Load())
}
