package fullscreen_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/fullscreen"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu        sync.Mutex
	active    bool
	calls     int32
	reasons   []model.SubmitReason
	submitErr error
	release   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{active: true}
}

func (s *fakeSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSession) ForceSubmit(_ context.Context, reason model.SubmitReason) (*model.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.active = false
	s.reasons = append(s.reasons, reason)
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	if s.submitErr != nil {
		s.mu.Lock()
		s.active = true
		s.mu.Unlock()
		return nil, s.submitErr
	}
	return &model.Result{ScorePercent: 60}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []model.ProctorEvent
}

func (r *recorder) Record(_ context.Context, ev model.ProctorEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []model.ProctorEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ProctorEventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// attachAutoAccept wires a browser whose tab accepts every command immediately,
// reporting it with the given vendor event name.
func attachAutoAccept(b *fullscreen.Browser, event string) *[]fullscreen.Command {
	var sent []fullscreen.Command
	var mu sync.Mutex
	b.Attach(func(cmd fullscreen.Command) error {
		mu.Lock()
		sent = append(sent, cmd)
		mu.Unlock()
		go b.HandleEvent(event, cmd == fullscreen.CommandRequest)
		return nil
	})
	return &sent
}

func TestBrowserRequestAccepted(t *testing.T) {
	b := fullscreen.NewBrowser()
	sent := attachAutoAccept(b, "webkitfullscreenchange")

	require.NoError(t, b.Request(context.Background()))
	assert.True(t, b.IsActive())
	assert.Equal(t, []fullscreen.Command{fullscreen.CommandRequest}, *sent)

	// Already active: no second command.
	require.NoError(t, b.Request(context.Background()))
	assert.Len(t, *sent, 1)
}

func TestBrowserRequestRejected(t *testing.T) {
	b := fullscreen.NewBrowser()
	b.Attach(func(cmd fullscreen.Command) error {
		go b.HandleEvent("mozfullscreenerror", false)
		return nil
	})

	err := b.Request(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fullscreen.ErrRejected)
	assert.False(t, b.IsActive())
}

func TestBrowserRequestTimesOut(t *testing.T) {
	b := fullscreen.NewBrowser()
	b.Attach(func(fullscreen.Command) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Request(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrowserRequestWithoutClient(t *testing.T) {
	b := fullscreen.NewBrowser()
	assert.ErrorIs(t, b.Request(context.Background()), fullscreen.ErrNotAttached)
}

func TestBrowserNormalizesVendorEvents(t *testing.T) {
	b := fullscreen.NewBrowser()
	var changes []bool
	unsubscribe := b.Subscribe(func(active bool) { changes = append(changes, active) })
	defer unsubscribe()

	assert.True(t, b.HandleEvent("fullscreenchange", true))
	assert.True(t, b.HandleEvent("webkitfullscreenchange", true))
	assert.True(t, b.HandleEvent("MSFullscreenChange", false))
	assert.True(t, b.HandleEvent("mozfullscreenchange", false))
	assert.False(t, b.HandleEvent("visibilitychange", false))

	assert.Equal(t, []bool{true, false}, changes)
}

func TestGuardSubmitsOnceOnVendorDuplicates(t *testing.T) {
	b := fullscreen.NewBrowser()
	attachAutoAccept(b, "fullscreenchange")
	sess := newFakeSession()
	rec := &recorder{}
	g := fullscreen.NewGuard(b, sess, fullscreen.GuardOptions{Recorder: rec, Log: zerolog.Nop()})

	require.NoError(t, g.Start(context.Background()))
	require.True(t, b.IsActive())

	// One physical exit reported by every vendor listener.
	b.HandleEvent("fullscreenchange", false)
	b.HandleEvent("webkitfullscreenchange", false)
	b.HandleEvent("MSFullscreenChange", false)
	g.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sess.calls))
	assert.Equal(t, []model.SubmitReason{model.SubmitReasonFullscreenExit}, sess.reasons)
	assert.Equal(t, []model.ProctorEventKind{model.ProctorFullscreenExit}, rec.kinds())
}

func TestGuardLatchesRawDuplicates(t *testing.T) {
	fake := &rawCapability{}
	sess := newFakeSession()
	sess.release = make(chan struct{})
	g := fullscreen.NewGuard(fake, sess, fullscreen.GuardOptions{Log: zerolog.Nop()})
	require.NoError(t, g.Start(context.Background()))

	// The second notification lands while the first submission is still running.
	fake.emit(false)
	fake.emit(false)
	close(sess.release)
	g.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sess.calls))
}

func TestGuardIgnoresSelfRequestedExit(t *testing.T) {
	b := fullscreen.NewBrowser()
	attachAutoAccept(b, "fullscreenchange")
	sess := newFakeSession()
	g := fullscreen.NewGuard(b, sess, fullscreen.GuardOptions{Log: zerolog.Nop()})
	require.NoError(t, g.Start(context.Background()))

	require.NoError(t, g.ExitFullscreen(context.Background()))
	require.Eventually(t, func() bool { return !b.IsActive() }, time.Second, 5*time.Millisecond)
	g.Wait()

	assert.Zero(t, atomic.LoadInt32(&sess.calls))
}

func TestGuardIgnoresExitWhenSessionInactive(t *testing.T) {
	fake := &rawCapability{}
	sess := newFakeSession()
	sess.active = false
	g := fullscreen.NewGuard(fake, sess, fullscreen.GuardOptions{Log: zerolog.Nop()})
	require.NoError(t, g.Start(context.Background()))

	fake.emit(false)
	g.Wait()
	assert.Zero(t, atomic.LoadInt32(&sess.calls))
}

func TestGuardRearmsAfterFailedForcedSubmit(t *testing.T) {
	fake := &rawCapability{}
	sess := newFakeSession()
	sess.submitErr = errors.New("backend down")
	g := fullscreen.NewGuard(fake, sess, fullscreen.GuardOptions{Log: zerolog.Nop()})
	require.NoError(t, g.Start(context.Background()))

	fake.emit(false)
	g.Wait()
	fake.emit(false)
	g.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&sess.calls), "latched until fullscreen is re-entered")

	fake.emit(true)
	fake.emit(false)
	g.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&sess.calls))
}

func TestGuardRejectedRequestWarnsAndContinues(t *testing.T) {
	fake := &rawCapability{requestErr: fullscreen.ErrRejected}
	sess := newFakeSession()
	rec := &recorder{}
	var warned error
	g := fullscreen.NewGuard(fake, sess, fullscreen.GuardOptions{
		Recorder:  rec,
		OnWarning: func(err error) { warned = err },
		Log:       zerolog.Nop(),
	})

	err := g.Start(context.Background())
	assert.ErrorIs(t, err, fullscreen.ErrRejected)
	assert.ErrorIs(t, warned, fullscreen.ErrRejected)
	assert.True(t, sess.Active())
	assert.Equal(t, []model.ProctorEventKind{model.ProctorFullscreenRejected}, rec.kinds())
}

func TestGuardCloseExitsAndSwallowsErrors(t *testing.T) {
	fake := &rawCapability{exitErr: errors.New("not allowed")}
	sess := newFakeSession()
	g := fullscreen.NewGuard(fake, sess, fullscreen.GuardOptions{Log: zerolog.Nop()})
	require.NoError(t, g.Start(context.Background()))
	require.True(t, fake.IsActive())

	g.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.exits))

	// Unsubscribed: later exits do nothing.
	fake.emit(false)
	g.Wait()
	assert.Zero(t, atomic.LoadInt32(&sess.calls))
}

// rawCapability emits whatever it is told to, duplicates included.
type rawCapability struct {
	mu         sync.Mutex
	active     bool
	fns        []func(bool)
	requestErr error
	exitErr    error
	exits      int32
}

func (c *rawCapability) Request(context.Context) error {
	if c.requestErr != nil {
		return c.requestErr
	}
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return nil
}

func (c *rawCapability) Exit(context.Context) error {
	atomic.AddInt32(&c.exits, 1)
	return c.exitErr
}

func (c *rawCapability) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *rawCapability) Subscribe(fn func(bool)) func() {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	idx := len(c.fns) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.fns[idx] = nil
		c.mu.Unlock()
	}
}

func (c *rawCapability) emit(active bool) {
	c.mu.Lock()
	c.active = active
	fns := append([]func(bool){}, c.fns...)
	c.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(active)
		}
	}
}
