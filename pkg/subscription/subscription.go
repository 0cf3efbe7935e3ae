// Package subscription opens push-event streams. Every transport delivers the
// same Event sequence: FIFO payloads, optionally one terminal error, then the
// channel closes.
package subscription

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/graph"
)

var (
	// ErrTransport marks a stream that ended because its transport failed.
	ErrTransport = errors.New("subscription transport error")
	// ErrRejected marks a subscription the server refused.
	ErrRejected = errors.New("subscription rejected")
)

// Request is the subscription query descriptor plus its variables.
type Request = fetch.Request

// Event is one delivery. Err is only set on the last event of a stream.
type Event struct {
	Payload *graph.Payload
	Err     error
}

type Stream interface {
	Events() <-chan Event
	// Close stops delivery. It is idempotent and never fails once closed.
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (Stream, error)
}

func transportError(err error, msg string) error {
	return errors.Wrapf(ErrTransport, "%s: %v", msg, err)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, req Request) (Stream, error)

func (f SubscriberFunc) Subscribe(ctx context.Context, req Request) (Stream, error) {
	return f(ctx, req)
}

// stream buffers events without bound between a producer goroutine and the
// consumer so producers never block on slow consumers.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Event

	mu       sync.Mutex
	queue    []Event
	finished bool
	wake     chan struct{}

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

func newStream(ctx context.Context, onClose func() error) *stream {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:     runCtx,
		cancel:  cancel,
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		onClose: onClose,
	}
	go s.forward()
	return s
}

func (s *stream) Events() <-chan Event { return s.out }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.onClose != nil {
			s.closeErr = s.onClose()
		}
	})
	return s.closeErr
}

func (s *stream) closed() bool { return s.ctx.Err() != nil }

// emit queues ev. It returns false once the stream is closed or finished.
func (s *stream) emit(ev Event) bool {
	if s.closed() {
		return false
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// fail queues a terminal error event and finishes the stream.
func (s *stream) fail(err error) {
	if s.closed() {
		return
	}
	s.emit(Event{Err: err})
	s.finish()
}

// finish ends the stream once queued events are delivered.
func (s *stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) forward() {
	defer func() {
		close(s.out)
		s.cancel()
	}()
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- ev:
			case <-s.ctx.Done():
				return
			}
			continue
		}
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}
