// Package loop provides the single logical thread every cache mutation runs on.
// Tasks are queued without blocking the poster and executed one at a time, to
// completion, in posting order.
package loop

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("loop closed")

type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

// New starts a loop that runs until ctx is done or Close is called.
func New(ctx context.Context, name string) *Loop {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l := &Loop{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	go l.run(runCtx)
	return l
}

// Post queues fn. It returns false when the loop no longer accepts tasks.
func (l *Loop) Post(fn func()) bool {
	if l == nil || fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do queues fn and waits for its result. It must not be called from a task
// running on the same loop.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	if !l.Post(func() { done <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// The task may have run right before shutdown.
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting tasks, lets the running task finish and drops the rest.
func (l *Loop) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	<-l.stopped
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			if dropped > 0 {
				log.Debug().Str("component", "loop").Str("loop", l.name).Int("dropped", dropped).Msg("loop stopped with pending tasks")
			}
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 || ctx.Err() != nil {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "loop").Str("loop", l.name).Interface("panic", r).Msg("loop task panicked")
		}
	}()
	fn()
}
