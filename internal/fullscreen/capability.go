// Package fullscreen enforces that a practice exam is taken in fullscreen and
// treats leaving fullscreen mid-exam as giving up.
package fullscreen

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRejected means the platform refused to enter fullscreen.
	ErrRejected = errors.New("fullscreen request rejected")
	// ErrNotAttached means no client is connected to carry the request.
	ErrNotAttached = errors.New("fullscreen client not attached")
)

// Capability is one platform's fullscreen API behind a single interface.
type Capability interface {
	Request(ctx context.Context) error
	Exit(ctx context.Context) error
	IsActive() bool
	// Subscribe registers fn for every fullscreen state transition.
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// listeners is the subscription list shared by the adapters.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(bool))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(active bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(active)
	}
}
