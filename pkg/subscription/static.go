package subscription

import (
	"context"
	"sync"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// NewStaticStream returns a stream that delivers events and then ends.
func NewStaticStream(events ...Event) Stream {
	s := newStream(context.Background(), nil)
	for _, ev := range events {
		if ev.Err != nil {
			s.fail(ev.Err)
			return s
		}
		s.emit(ev)
	}
	s.finish()
	return s
}

// ChanSubscriber hands out streams the caller drives with Push, Fail and
// Complete. Useful for tests and in-process producers.
type ChanSubscriber struct {
	mu      sync.Mutex
	streams []*ChanStream
	err     error
}

func NewChanSubscriber() *ChanSubscriber {
	return &ChanSubscriber{}
}

// FailNext makes the next Subscribe call return err.
func (c *ChanSubscriber) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *ChanSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		err := c.err
		c.err = nil
		return nil, err
	}
	cs := &ChanStream{stream: newStream(ctx, nil), req: req}
	c.streams = append(c.streams, cs)
	return cs, nil
}

func (c *ChanSubscriber) Streams() []*ChanStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChanStream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Last returns the most recently opened stream, nil when none.
func (c *ChanSubscriber) Last() *ChanStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type ChanStream struct {
	*stream
	req Request
}

func (c *ChanStream) Request() Request { return c.req }

// Push queues a payload. It returns false once the stream is closed.
func (c *ChanStream) Push(p *graph.Payload) bool { return c.emit(Event{Payload: p}) }

func (c *ChanStream) Fail(err error) { c.fail(err) }

func (c *ChanStream) Complete() { c.finish() }

func (c *ChanStream) Closed() bool { return c.closed() }
