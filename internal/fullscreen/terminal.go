package fullscreen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/term"
)

const (
	enterAltScreen = "\x1b[?1049h\x1b[H\x1b[2J"
	leaveAltScreen = "\x1b[?1049l"
)

// ErrNotTerminal is returned when the input is not an interactive terminal.
var ErrNotTerminal = errors.New("input is not a terminal")

// Terminal is the Capability of an interactive terminal: "fullscreen" is the
// alternate screen buffer in raw mode.
type Terminal struct {
	listeners

	fd  int
	out io.Writer

	mu     sync.Mutex
	state  *term.State
	active bool
}

// NewTerminal drives the terminal whose input descriptor is fd and writes escape
// sequences to out.
func NewTerminal(fd int, out io.Writer) *Terminal {
	return &Terminal{fd: fd, out: out}
}

func (t *Terminal) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	if !term.IsTerminal(t.fd) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRejected, ErrNotTerminal)
	}
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if _, err := io.WriteString(t.out, enterAltScreen); err != nil {
		_ = term.Restore(t.fd, state)
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	t.state = state
	t.active = true
	t.mu.Unlock()

	t.notify(true)
	return nil
}

// Exit restores the terminal. It is also how the client reports that the user
// left the exam screen (quit command, EOF, interrupt).
func (t *Terminal) Exit(_ context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	state := t.state
	t.state = nil
	t.mu.Unlock()

	_, werr := io.WriteString(t.out, leaveAltScreen)
	var rerr error
	if state != nil {
		rerr = term.Restore(t.fd, state)
	}

	t.notify(false)
	return errors.Join(werr, rerr)
}

func (t *Terminal) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Terminal) Subscribe(fn func(active bool)) func() {
	return t.add(fn)
}
