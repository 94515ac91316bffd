package fullscreen

import (
	"context"
	"fmt"
	"sync"
)

// Command is sent to the browser to drive its fullscreen API.
type Command string

const (
	CommandRequest Command = "fullscreen_request"
	CommandExit    Command = "fullscreen_exit"
)

type eventKind int

const (
	eventChange eventKind = iota + 1
	eventError
)

// vendorEvents folds the prefixed DOM event names into two kinds.
var vendorEvents = map[string]eventKind{
	"fullscreenchange":       eventChange,
	"webkitfullscreenchange": eventChange,
	"mozfullscreenchange":    eventChange,
	"MSFullscreenChange":     eventChange,
	"fullscreenerror":        eventError,
	"webkitfullscreenerror":  eventError,
	"mozfullscreenerror":     eventError,
	"MSFullscreenError":      eventError,
}

// Sender delivers a command to the connected browser.
type Sender func(cmd Command) error

// Browser is the Capability of a browser tab reached through the session socket.
// The tab reports raw DOM events; Browser emits one notification per real transition.
type Browser struct {
	listeners

	mu      sync.Mutex
	send    Sender
	active  bool
	pending chan error
}

func NewBrowser() *Browser {
	return &Browser{}
}

// Attach binds the browser connection that receives commands.
func (b *Browser) Attach(send Sender) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

// Detach drops the connection. The page is gone, which is not a fullscreen exit,
// so no notification is emitted.
func (b *Browser) Detach() {
	b.mu.Lock()
	b.send = nil
	b.active = false
	if b.pending != nil {
		b.pending <- ErrNotAttached
		b.pending = nil
	}
	b.mu.Unlock()
}

// HandleEvent ingests a DOM event forwarded by the tab. Unknown names are ignored
// and reported as false.
func (b *Browser) HandleEvent(name string, active bool) bool {
	kind, ok := vendorEvents[name]
	if !ok {
		return false
	}

	b.mu.Lock()
	if kind == eventError {
		if b.pending != nil {
			b.pending <- fmt.Errorf("%w: %s", ErrRejected, name)
			b.pending = nil
		}
		b.mu.Unlock()
		return true
	}

	changed := b.active != active
	b.active = active
	if active && b.pending != nil {
		b.pending <- nil
		b.pending = nil
	}
	b.mu.Unlock()

	if changed {
		b.notify(active)
	}
	return true
}

// Request asks the tab to enter fullscreen and waits for the outcome.
func (b *Browser) Request(ctx context.Context) error {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return nil
	}
	if b.send == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	if b.pending != nil {
		b.pending <- fmt.Errorf("%w: superseded", ErrRejected)
	}
	pending := make(chan error, 1)
	b.pending = pending
	send := b.send
	b.mu.Unlock()

	if err := send(CommandRequest); err != nil {
		b.clearPending(pending)
		return fmt.Errorf("send fullscreen request: %w", err)
	}

	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		b.clearPending(pending)
		return fmt.Errorf("fullscreen request: %w", ctx.Err())
	}
}

// Exit asks the tab to leave fullscreen. The state flips when the tab confirms.
func (b *Browser) Exit(ctx context.Context) error {
	b.mu.Lock()
	active, send := b.active, b.send
	b.mu.Unlock()

	if !active {
		return nil
	}
	if send == nil {
		return ErrNotAttached
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return send(CommandExit)
}

func (b *Browser) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Browser) Subscribe(fn func(active bool)) func() {
	return b.add(fn)
}

func (b *Browser) clearPending(ch chan error) {
	b.mu.Lock()
	if b.pending == ch {
		b.pending = nil
	}
	b.mu.Unlock()
}
