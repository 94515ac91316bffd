package fullscreen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/model"
)

const (
	defaultRequestTimeout = 10 * time.Second
	forcedSubmitTimeout   = 30 * time.Second
	teardownExitTimeout   = 2 * time.Second
)

// Session is the part of the session controller the guard drives.
type Session interface {
	// Active reports a live session that is neither submitted nor submitting.
	Active() bool
	ForceSubmit(ctx context.Context, reason model.SubmitReason) (*model.Result, error)
}

// Recorder receives proctoring events.
type Recorder interface {
	Record(ctx context.Context, ev model.ProctorEvent)
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	RequestTimeout time.Duration
	// OnWarning surfaces non-blocking problems such as a rejected fullscreen request.
	OnWarning func(err error)
	Recorder  Recorder
	// Event is the template copied into every recorded proctoring event.
	Event model.ProctorEvent
	Log   zerolog.Logger
}

// Guard submits the session when the student leaves fullscreen.
type Guard struct {
	capability Capability
	sess       Session
	opts       GuardOptions

	// exiting is the single-shot latch against duplicate exit notifications.
	exiting atomic.Bool
	// selfExit marks an exit we asked for (before submitting), which is not a give-up.
	selfExit atomic.Bool

	mu          sync.Mutex
	unsubscribe func()
	forced      sync.WaitGroup
}

func NewGuard(capability Capability, sess Session, opts GuardOptions) *Guard {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Guard{capability: capability, sess: sess, opts: opts}
}

// Start subscribes to fullscreen changes and requests fullscreen. A rejected
// request is reported through OnWarning and returned, but the session carries on.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.unsubscribe == nil {
		g.unsubscribe = g.capability.Subscribe(g.onChange)
	}
	g.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()

	if err := g.capability.Request(reqCtx); err != nil {
		g.opts.Log.Warn().Err(err).Msg("Fullscreen request failed, continuing without fullscreen")
		g.record(ctx, model.ProctorFullscreenRejected, err.Error())
		if g.opts.OnWarning != nil {
			g.opts.OnWarning(err)
		}
		return err
	}
	return nil
}

// ExitFullscreen leaves fullscreen on the session's behalf without triggering
// a forced submission.
func (g *Guard) ExitFullscreen(ctx context.Context) error {
	if !g.capability.IsActive() {
		return nil
	}
	g.selfExit.Store(true)
	if err := g.capability.Exit(ctx); err != nil {
		g.selfExit.Store(false)
		return err
	}
	return nil
}

// Close unsubscribes and best-effort leaves fullscreen. Errors are swallowed.
func (g *Guard) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if g.capability.IsActive() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownExitTimeout)
		defer cancel()
		_ = g.capability.Exit(ctx)
	}
}

// Wait blocks until any forced submission started by the guard has returned.
func (g *Guard) Wait() {
	g.forced.Wait()
}

func (g *Guard) onChange(active bool) {
	if active {
		g.selfExit.Store(false)
		if g.sess.Active() {
			// Back in fullscreen on a live session: re-arm the latch.
			g.exiting.Store(false)
		}
		return
	}
	if g.selfExit.CompareAndSwap(true, false) {
		return
	}
	if !g.sess.Active() {
		return
	}
	if !g.exiting.CompareAndSwap(false, true) {
		return
	}

	g.opts.Log.Warn().Msg("Fullscreen exited during exam, submitting")
	g.record(context.Background(), model.ProctorFullscreenExit, "")

	g.forced.Add(1)
	go func() {
		defer g.forced.Done()
		ctx, cancel := context.WithTimeout(context.Background(), forcedSubmitTimeout)
		defer cancel()
		// Failure handling (fallback navigation) belongs to ForceSubmit.
		_, _ = g.sess.ForceSubmit(ctx, model.SubmitReasonFullscreenExit)
	}()
}

func (g *Guard) record(ctx context.Context, kind model.ProctorEventKind, detail string) {
	if g.opts.Recorder == nil {
		return
	}
	ev := g.opts.Event
	ev.Kind = kind
	ev.Detail = detail
	ev.RecordedAt = time.Now()
	g.opts.Recorder.Record(ctx, ev)
}
