package feed

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/connection"
	"github.com/go-go-golems/feedcache/pkg/projector"
	"github.com/go-go-golems/feedcache/pkg/subscription"
)

// Consumer reads one connection. Its context ends on Unmount, which aborts
// its in-flight requests and closes its subscriptions.
type Consumer struct {
	id      string
	key     connection.Key
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
	stale   chan struct{}

	mu         sync.Mutex
	subs       []*Subscription
	unmounted  bool
	once       sync.Once
	unmountErr error
}

func (c *Consumer) ID() string          { return c.id }
func (c *Consumer) Key() connection.Key { return c.key }

// Stale receives a value when the consumer's view went stale. Notifications
// coalesce: one pending value stands for any number of changes.
func (c *Consumer) Stale() <-chan struct{} { return c.stale }

// Done is closed once the consumer is unmounted.
func (c *Consumer) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Consumer) alive() bool { return c.ctx.Err() == nil }

// UseConnection returns the current view. The same *View is returned until
// something it read changes.
func (c *Consumer) UseConnection() (*projector.View, error) {
	if !c.alive() {
		return nil, ErrUnmounted
	}
	var view *projector.View
	err := c.session.loop.Do(c.ctx, func() error {
		var err error
		view, err = c.session.projector.Project(c.id)
		return err
	})
	if err != nil {
		if !c.alive() {
			return nil, ErrUnmounted
		}
		return nil, err
	}
	return view, nil
}

// LoadPrevious loads up to count older edges. It returns nil without
// touching the connection when the consumer unmounts before the page
// arrives, and nil when there is no older page.
func (c *Consumer) LoadPrevious(ctx context.Context, count int) error {
	if !c.alive() {
		return nil
	}
	ctx, cancel := joinContext(ctx, c.ctx)
	defer cancel()
	return c.session.engine.LoadPrevious(ctx, c.key, count, c.alive)
}

// Subscribe opens a live stream and applies its events to targets, or to
// the consumer's own connection when targets is empty. The subscription ends
// on Unsubscribe, when ctx is done, on Unmount or when the stream ends.
func (c *Consumer) Subscribe(ctx context.Context, req subscription.Request, targets []connection.Key) (*Subscription, error) {
	if c.session.subscriber == nil {
		return nil, ErrNoSubscriber
	}
	if !c.alive() {
		return nil, ErrUnmounted
	}
	if len(targets) == 0 {
		targets = []connection.Key{c.key}
	}

	sctx, cancel := joinContext(ctx, c.ctx)
	stream, err := c.session.subscriber.Subscribe(sctx, req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "feed: subscribe %s", req.Name)
	}
	sub := &Subscription{
		name:   req.Name,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.unmounted {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, ErrUnmounted
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	ended := c.session.engine.Attach(sctx, stream, targets)
	go sub.wait(ended, func() { c.removeSub(sub) })
	return sub, nil
}

func (c *Consumer) removeSub(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Consumer) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Unmount cancels in-flight requests, closes subscriptions and unregisters
// the consumer. Later calls are no-ops.
func (c *Consumer) Unmount() error {
	return c.unmount()
}

func (c *Consumer) unmount() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.unmounted = true
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()

		c.cancel()
		var result *multierror.Error
		for _, sub := range subs {
			result = multierror.Append(result, sub.close())
		}
		c.session.projector.Unregister(c.id)
		c.session.forget(c.id)
		c.unmountErr = result.ErrorOrNil()
		log.Debug().Str("component", "feed").Str("consumer", c.id).Str("connection", c.key.String()).Msg("consumer unmounted")
	})
	return c.unmountErr
}

// Subscription is a live stream attached to the cache.
type Subscription struct {
	name   string
	stream subscription.Stream
	cancel context.CancelFunc
	done   chan struct{}

	once     sync.Once
	closeErr error
	mu       sync.Mutex
	err      error
}

// Unsubscribe closes the stream. Events already queued on the loop are
// dropped. It is idempotent.
func (s *Subscription) Unsubscribe() {
	_ = s.close()
}

func (s *Subscription) close() error {
	s.once.Do(func() {
		s.cancel()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// Done is closed when the subscription stopped delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal stream error, if the stream ended with one.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// wait records the terminal error, releases the stream and runs onEnd before
// Done is closed.
func (s *Subscription) wait(ended <-chan error, onEnd func()) {
	err := <-ended
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("component", "feed").Str("subscription", s.name).Msg("subscription ended")
	}
	_ = s.close()
	onEnd()
	close(s.done)
}

// joinContext returns a context that ends when either parent ends.
func joinContext(a, b context.Context) (context.Context, context.CancelFunc) {
	if a == nil {
		a = context.Background()
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
