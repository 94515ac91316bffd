// Package timer implements the exam countdown.
//
// Remaining time is always derived from an absolute deadline, never from a
// decremented counter, so delayed or skipped ticks (suspended processes, GC
// pauses, a sleeping laptop) cannot make the clock run slow.
package timer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultSyncInterval = 60 * time.Second
	TickInterval        = time.Second

	WarningThreshold  = 600 * time.Second
	CriticalThreshold = 60 * time.Second
)

// Level is the informational urgency of the remaining time.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// LevelFor classifies remaining time against the warning/critical thresholds.
func LevelFor(remaining time.Duration) Level {
	switch {
	case remaining <= CriticalThreshold:
		return LevelCritical
	case remaining <= WarningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SyncFunc persists the remaining seconds. It runs on its own goroutine and
// its error is only logged.
type SyncFunc func(ctx context.Context, secondsRemaining int) error

// Options configures a Timer. Zero values pick defaults.
type Options struct {
	Clock        Clock
	SyncInterval time.Duration
	Sync         SyncFunc
	// OnExpire runs exactly once per seeding when the deadline passes.
	OnExpire func()
	// OnTick observes every evaluated tick.
	OnTick func(secondsRemaining int, level Level)
	Log    zerolog.Logger
}

// Timer is a single countdown owned by one session.
type Timer struct {
	opts Options

	mu       sync.Mutex
	duration time.Duration
	deadline time.Time
	nextSync time.Duration
	fired    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New seeds a countdown of duration starting now. It does not tick until Start.
func New(duration time.Duration, opts Options) *Timer {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	t := &Timer{opts: opts}
	t.seed(duration)
	return t
}

func (t *Timer) seed(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	t.duration = duration
	t.deadline = t.opts.Clock.Now().Add(duration)
	t.nextSync = t.opts.SyncInterval
	t.fired = false
}

// Reset re-seeds the countdown with a new duration, e.g. when another module is loaded.
func (t *Timer) Reset(duration time.Duration) {
	t.mu.Lock()
	t.seed(duration)
	t.mu.Unlock()
}

// Start runs the one-second tick loop until ctx is done or Stop is called.
// Calling Start on a running timer is a no-op.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer t.release(done)
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if t.Tick(ctx) == 0 {
					return
				}
			}
		}
	}()
}

// Stop cancels the tick loop. Safe to call repeatedly and from inside OnExpire.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// release forgets the loop that owns done so a later Start can run again,
// e.g. after the countdown expired and Reset loaded another module.
func (t *Timer) release(done chan struct{}) {
	t.mu.Lock()
	cancel := t.cancel
	if t.done != done {
		cancel = nil
	}
	if cancel != nil {
		t.cancel = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed once the tick loop started by Start has exited.
func (t *Timer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Remaining returns the time left, never negative.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// RemainingSeconds rounds the remaining time up to whole seconds.
func (t *Timer) RemainingSeconds() int {
	return ceilSeconds(t.Remaining())
}

// Expired reports whether the completion callback has fired for the current seeding.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Tick evaluates the countdown once and returns the remaining whole seconds.
// The tick loop calls it every second; tests drive it directly with a fake clock.
func (t *Timer) Tick(ctx context.Context) int {
	t.mu.Lock()
	remaining := t.remainingLocked()
	secs := ceilSeconds(remaining)

	syncAt := -1
	if secs > 0 {
		elapsed := t.duration - remaining
		if elapsed >= t.nextSync {
			syncAt = secs
			// Skip every boundary already passed; one sync reports the latest value.
			for t.nextSync <= elapsed {
				t.nextSync += t.opts.SyncInterval
			}
		}
	}

	expire := secs == 0 && !t.fired
	if expire {
		t.fired = true
	}
	t.mu.Unlock()

	if syncAt >= 0 && t.opts.Sync != nil {
		go t.sync(ctx, syncAt)
	}
	if t.opts.OnTick != nil {
		t.opts.OnTick(secs, LevelFor(remaining))
	}
	if expire && t.opts.OnExpire != nil {
		t.opts.OnExpire()
	}
	return secs
}

func (t *Timer) sync(ctx context.Context, secs int) {
	if err := t.opts.Sync(ctx, secs); err != nil {
		t.opts.Log.Warn().Err(err).Int("seconds_remaining", secs).Msg("Time sync failed")
		return
	}
	t.opts.Log.Debug().Int("seconds_remaining", secs).Msg("Time synced")
}

func (t *Timer) remainingLocked() time.Duration {
	rem := t.deadline.Sub(t.opts.Clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
