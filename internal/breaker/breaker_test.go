package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		trial, err := b.Allow()
		require.NoError(t, err)
		b.Record(trial, false)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New("voice", Policy{Threshold: 5, Cooldown: 30 * time.Second}, newFakeClock())
	fail(t, b, 4)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New("chat", Policy{Threshold: 3, Cooldown: time.Second}, newFakeClock())
	fail(t, b, 2)
	trial, err := b.Allow()
	require.NoError(t, err)
	b.Record(trial, true)
	assert.Equal(t, 0, b.Snapshot().Failures)
	fail(t, b, 2)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RejectsBeforeCooldown(t *testing.T) {
	clk := newFakeClock()
	b := New("voice", Policy{Threshold: 1, Cooldown: 30 * time.Second}, clk)
	fail(t, b, 1)

	clk.Advance(29*time.Second + 999*time.Millisecond)
	_, err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "voice", oe.Downstream)
	assert.Equal(t, time.Millisecond, oe.RetryAfter)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SingleTrialAfterCooldown(t *testing.T) {
	clk := newFakeClock()
	b := New("voice", Policy{Threshold: 1, Cooldown: 30 * time.Second}, clk)
	fail(t, b, 1)
	clk.Advance(31 * time.Second)

	const callers = 16
	var allowed, trials atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			trial, err := b.Allow()
			if err == nil {
				allowed.Add(1)
				if trial {
					trials.Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, int32(1), trials.Load())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := New("voice", Policy{Threshold: 2, Cooldown: 10 * time.Second}, clk)
	fail(t, b, 2)
	clk.Advance(10 * time.Second)

	trial, err := b.Allow()
	require.NoError(t, err)
	require.True(t, trial)
	b.Record(trial, false)
	assert.Equal(t, StateOpen, b.State())

	// cool-down restarts from the failed trial
	clk.Advance(5 * time.Second)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
	clk.Advance(5 * time.Second)
	trial, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, trial)
}

func TestBreaker_RecoveryMatchesFresh(t *testing.T) {
	clk := newFakeClock()
	p := Policy{Threshold: 5, Cooldown: 30 * time.Second}
	b := New("voice", p, clk)
	fail(t, b, 5)
	clk.Advance(30 * time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	b.Record(trial, true)

	assert.Equal(t, New("voice", p, clk).Snapshot(), b.Snapshot())

	// a new full streak is required to reopen
	fail(t, b, 4)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StragglerDoesNotAffectOpen(t *testing.T) {
	clk := newFakeClock()
	b := New("chat", Policy{Threshold: 1, Cooldown: time.Minute}, clk)
	trial, err := b.Allow()
	require.NoError(t, err)
	fail(t, b, 1)
	require.Equal(t, StateOpen, b.State())
	b.Record(trial, true)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	clk := newFakeClock()
	b := New("chat", Policy{Threshold: 1, Cooldown: time.Second}, clk)
	fail(t, b, 1)
	clk.Advance(time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	b.Release(trial)
	assert.Equal(t, StateHalfOpen, b.State())
	trial, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, trial)
}

func TestPolicyDefaults(t *testing.T) {
	b := New("x", Policy{}, nil)
	assert.Equal(t, DefaultPolicy(), b.Policy())
}

func TestSet_LazyAndOverrides(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	s := NewSet(DefaultPolicy(),
		WithClock(newFakeClock()),
		WithOverride("voice", Policy{Threshold: 1, Cooldown: time.Second}),
		OnStateChange(func(d string, from, to State) {
			mu.Lock()
			seen = append(seen, d+":"+from.String()+"->"+to.String())
			mu.Unlock()
		}),
	)
	assert.Empty(t, s.Snapshot())
	assert.Same(t, s.Get("voice"), s.Get("voice"))
	assert.Equal(t, 5, s.Get("chat").Policy().Threshold)

	fail(t, s.Get("voice"), 1)
	assert.Equal(t, StateClosed, s.Get("chat").State())

	snaps := s.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "chat", snaps[0].Downstream)
	assert.Equal(t, "open", snaps[1].State)
	assert.Equal(t, []string{"voice:closed->open"}, seen)
}
