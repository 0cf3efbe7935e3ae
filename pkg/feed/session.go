// Package feed is the consumer-facing side of the cache. A Session owns the
// record store, the connections, the merge engine and the projector for one
// client session; consumers mount connections, read views and subscribe to
// live updates through it.
package feed

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/connection"
	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/loop"
	"github.com/go-go-golems/feedcache/pkg/merge"
	"github.com/go-go-golems/feedcache/pkg/metrics"
	"github.com/go-go-golems/feedcache/pkg/projector"
	"github.com/go-go-golems/feedcache/pkg/schema"
	"github.com/go-go-golems/feedcache/pkg/store"
	"github.com/go-go-golems/feedcache/pkg/subscription"
)

var (
	ErrSessionClosed = errors.New("feed: session closed")
	ErrUnmounted     = errors.New("feed: consumer unmounted")
	ErrNoSubscriber  = errors.New("feed: session has no subscriber")
	ErrKeyNotLoaded  = errors.New("feed: query did not load the requested connection")
)

type Options struct {
	Name       string
	Fetcher    fetch.Fetcher
	Subscriber subscription.Subscriber
	Schema     *schema.Schema
	Metrics    *metrics.Collector
	// PageQueries overrides the pagination query per connection field.
	// Fields without an entry use PaginationQuery.
	PageQueries map[string]merge.PageQueryFunc
}

// MountRequest names the connection a consumer reads and the query that
// loads its first page. Key may be left empty when the query loads exactly
// one connection.
type MountRequest struct {
	Query     fetch.Request
	Key       connection.Key
	Selection projector.Selection
}

type Session struct {
	name       string
	ctx        context.Context
	cancel     context.CancelFunc
	loop       *loop.Loop
	store      *store.RecordStore
	conns      *connection.Registry
	projector  *projector.Projector
	engine     *merge.Engine
	subscriber subscription.Subscriber
	metrics    *metrics.Collector

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

// NewSession builds a session. It lives until Close is called or ctx is done.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("feed: fetcher is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Name == "" {
		opts.Name = "feed"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector("feedcache")
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		name:       opts.Name,
		ctx:        sctx,
		cancel:     cancel,
		loop:       loop.New(sctx, opts.Name),
		store:      store.New(),
		conns:      connection.NewRegistry(),
		subscriber: opts.Subscriber,
		metrics:    opts.Metrics,
		consumers:  map[string]*Consumer{},
	}
	s.projector = projector.New(s.store, s.conns, s.metrics)
	s.projector.OnStale(s.notifyStale)

	engine, err := merge.New(merge.Options{
		Context:          sctx,
		Store:            s.store,
		Connections:      s.conns,
		Loop:             s.loop,
		Fetcher:          opts.Fetcher,
		Schema:           opts.Schema,
		Invalidator:      s.projector,
		Metrics:          s.metrics,
		PageQueries:      opts.PageQueries,
		DefaultPageQuery: PaginationQuery,
	})
	if err != nil {
		cancel()
		s.loop.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *Session) Name() string                { return s.name }
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// Store exposes the record store for inspection. Writes go through the engine.
func (s *Session) Store() *store.RecordStore { return s.store }

// Snapshot returns the entity ids of a connection in feed order.
func (s *Session) Snapshot(key connection.Key) []string {
	c, ok := s.conns.Get(key)
	if !ok {
		return nil
	}
	return c.Snapshot()
}

// Mount loads the connection if this session has not loaded it yet and
// registers a consumer for it.
func (s *Session) Mount(ctx context.Context, req MountRequest) (*Consumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	key := req.Key
	if key.IsZero() || !s.engine.Loaded(key) {
		keys, err := s.engine.Resolve(ctx, req.Query)
		if err != nil {
			return nil, errors.Wrapf(err, "feed: mount %s", req.Query.Name)
		}
		if key.IsZero() {
			if len(keys) != 1 {
				return nil, errors.Errorf("feed: query %s loaded %d connections, name one", req.Query.Name, len(keys))
			}
			key = keys[0]
		} else if !containsKey(keys, key) {
			return nil, errors.Wrapf(ErrKeyNotLoaded, "%s by %s", key, req.Query.Name)
		}
	}

	cctx, cancel := context.WithCancel(s.ctx)
	c := &Consumer{
		id:      uuid.NewString(),
		key:     key,
		session: s,
		ctx:     cctx,
		cancel:  cancel,
		stale:   make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionClosed
	}
	s.consumers[c.id] = c
	s.mu.Unlock()

	if err := s.projector.Register(c.id, key, req.Selection); err != nil {
		s.forget(c.id)
		cancel()
		return nil, err
	}
	log.Debug().Str("component", "feed").Str("session", s.name).Str("consumer", c.id).Str("connection", key.String()).Msg("consumer mounted")
	return c, nil
}

// Reset drops a connection's edges. Mounted consumers see an empty view
// until the connection is mounted again.
func (s *Session) Reset(ctx context.Context, key connection.Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.Reset(ctx, key)
}

// Consumers returns the number of mounted consumers.
func (s *Session) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Close unmounts every consumer, stops the loop and closes the subscriber
// when it holds resources. The fetcher belongs to the caller. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		consumers := make([]*Consumer, 0, len(s.consumers))
		for _, c := range s.consumers {
			consumers = append(consumers, c)
		}
		s.mu.Unlock()

		var result *multierror.Error
		for _, c := range consumers {
			result = multierror.Append(result, c.unmount())
		}
		s.cancel()
		s.loop.Close()
		if closer, ok := s.subscriber.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close subscriber"))
			}
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

func (s *Session) notifyStale(id string) {
	s.mu.Lock()
	c := s.consumers[id]
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.stale <- struct{}{}:
	default:
	}
}

func containsKey(keys []connection.Key, key connection.Key) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
