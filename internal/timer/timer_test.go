package timer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncRecorder struct {
	calls chan int
	err   error
}

func newSyncRecorder(err error) *syncRecorder {
	return &syncRecorder{calls: make(chan int, 16), err: err}
}

func (r *syncRecorder) Sync(_ context.Context, secs int) error {
	r.calls <- secs
	return r.err
}

func (r *syncRecorder) next(t *testing.T) int {
	t.Helper()
	select {
	case v := <-r.calls:
		return v
	case <-time.After(time.Second):
		t.Fatal("expected a time sync")
		return 0
	}
}

func (r *syncRecorder) none(t *testing.T) {
	t.Helper()
	select {
	case v := <-r.calls:
		t.Fatalf("unexpected time sync with %d seconds", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiresExactlyOnce(t *testing.T) {
	clock := newManualClock()
	var fired int32
	tm := timer.New(90*time.Second, timer.Options{
		Clock:    clock,
		OnExpire: func() { atomic.AddInt32(&fired, 1) },
		Log:      zerolog.Nop(),
	})
	ctx := context.Background()

	assert.Equal(t, 90, tm.Tick(ctx))
	clock.Advance(89 * time.Second)
	assert.Equal(t, 1, tm.Tick(ctx))
	assert.Zero(t, atomic.LoadInt32(&fired))

	clock.Advance(time.Second)
	assert.Equal(t, 0, tm.Tick(ctx))
	// Late ticks after a suspension must not fire again.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, tm.Tick(ctx))
	assert.Equal(t, 0, tm.Tick(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.True(t, tm.Expired())
}

func TestConcurrentTicksFireOnce(t *testing.T) {
	clock := newManualClock()
	var fired int32
	tm := timer.New(time.Second, timer.Options{
		Clock:    clock,
		OnExpire: func() { atomic.AddInt32(&fired, 1) },
	})
	clock.Advance(5 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Tick(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestRemainingTracksDeadlineAcrossSuspension(t *testing.T) {
	clock := newManualClock()
	tm := timer.New(10*time.Minute, timer.Options{Clock: clock})

	// No ticks at all for four minutes: the deadline still governs.
	clock.Advance(4 * time.Minute)
	assert.Equal(t, 360, tm.Tick(context.Background()))
	assert.Equal(t, 6*time.Minute, tm.Remaining())
}

func TestSyncEverySixtySeconds(t *testing.T) {
	clock := newManualClock()
	rec := newSyncRecorder(nil)
	tm := timer.New(5*time.Minute, timer.Options{Clock: clock, Sync: rec.Sync})
	ctx := context.Background()

	clock.Advance(59 * time.Second)
	tm.Tick(ctx)
	rec.none(t)

	clock.Advance(time.Second)
	tm.Tick(ctx)
	assert.Equal(t, 240, rec.next(t))

	clock.Advance(time.Second)
	tm.Tick(ctx)
	rec.none(t)

	// Jumping over two boundaries produces a single sync with the latest value.
	clock.Advance(150 * time.Second)
	tm.Tick(ctx)
	assert.Equal(t, 89, rec.next(t))
	rec.none(t)
}

func TestSyncFailureDoesNotStallCountdown(t *testing.T) {
	clock := newManualClock()
	rec := newSyncRecorder(errors.New("network down"))
	var fired int32
	tm := timer.New(2*time.Minute, timer.Options{
		Clock:    clock,
		Sync:     rec.Sync,
		OnExpire: func() { atomic.AddInt32(&fired, 1) },
		Log:      zerolog.Nop(),
	})
	ctx := context.Background()

	clock.Advance(time.Minute)
	assert.Equal(t, 60, tm.Tick(ctx))
	assert.Equal(t, 60, rec.next(t))

	clock.Advance(time.Minute)
	assert.Equal(t, 0, tm.Tick(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestResetReseeds(t *testing.T) {
	clock := newManualClock()
	var fired int32
	tm := timer.New(time.Second, timer.Options{
		Clock:    clock,
		OnExpire: func() { atomic.AddInt32(&fired, 1) },
	})
	ctx := context.Background()

	clock.Advance(time.Second)
	tm.Tick(ctx)
	require.True(t, tm.Expired())

	tm.Reset(30 * time.Second)
	assert.False(t, tm.Expired())
	assert.Equal(t, 30, tm.Tick(ctx))

	clock.Advance(30 * time.Second)
	tm.Tick(ctx)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, timer.LevelNormal, timer.LevelFor(601*time.Second))
	assert.Equal(t, timer.LevelWarning, timer.LevelFor(600*time.Second))
	assert.Equal(t, timer.LevelWarning, timer.LevelFor(61*time.Second))
	assert.Equal(t, timer.LevelCritical, timer.LevelFor(60*time.Second))
	assert.Equal(t, timer.LevelCritical, timer.LevelFor(0))
}

func TestStartStop(t *testing.T) {
	tm := timer.New(time.Hour, timer.Options{})
	tm.Start(context.Background())
	done := tm.Done()
	require.NotNil(t, done)
	tm.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick loop did not exit after Stop")
	}
	tm.Stop()
}

func TestRestartAfterExpiry(t *testing.T) {
	clock := newManualClock()
	expired := make(chan struct{}, 2)
	tm := timer.New(0, timer.Options{
		Clock:    clock,
		OnExpire: func() { expired <- struct{}{} },
	})

	tm.Start(context.Background())
	select {
	case <-expired:
	case <-time.After(3 * time.Second):
		t.Fatal("first countdown did not expire")
	}
	select {
	case <-tm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tick loop did not exit after expiry")
	}

	tm.Reset(2 * time.Second)
	tm.Start(context.Background())
	t.Cleanup(tm.Stop)
	clock.Advance(3 * time.Second)

	select {
	case <-expired:
	case <-time.After(3 * time.Second):
		t.Fatal("reseeded countdown never ticked")
	}
	assert.True(t, tm.Expired())
}
