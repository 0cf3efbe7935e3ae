// Package merge applies query results, pagination pages and push events to
// the record store and connections. The engine is their only writer, and
// every write runs on the session loop.
package merge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/feedcache/pkg/connection"
	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/graph"
	"github.com/go-go-golems/feedcache/pkg/loop"
	"github.com/go-go-golems/feedcache/pkg/metrics"
	"github.com/go-go-golems/feedcache/pkg/projector"
	"github.com/go-go-golems/feedcache/pkg/schema"
	"github.com/go-go-golems/feedcache/pkg/store"
	"github.com/go-go-golems/feedcache/pkg/subscription"
)

var (
	ErrNoPageQuery    = errors.New("merge: no page query registered for connection")
	ErrPageMissing    = errors.New("merge: page response does not contain the connection")
	ErrInvalidCount   = errors.New("merge: count must be positive")
	ErrNotLoaded      = errors.New("merge: connection is not loaded")
	ErrMissingFetcher = errors.New("merge: fetcher is nil")
	ErrMissingDeps    = errors.New("merge: store, connections and loop are required")
)

// Invalidator receives the changes of every mutation.
type Invalidator interface {
	Invalidate(changes projector.Changes) []string
}

// PageQueryFunc builds the request that loads count edges older than before
// for the connection key.
type PageQueryFunc func(key connection.Key, before string, count int) fetch.Request

type Options struct {
	// Context bounds shared page fetches. It defaults to context.Background.
	Context     context.Context
	Store       *store.RecordStore
	Connections *connection.Registry
	Loop        *loop.Loop
	Fetcher     fetch.Fetcher
	Schema      *schema.Schema
	Invalidator Invalidator
	Metrics     *metrics.Collector
	// PageQueries maps a connection field name to its pagination query.
	// DefaultPageQuery serves fields without an entry.
	PageQueries      map[string]PageQueryFunc
	DefaultPageQuery PageQueryFunc
}

type Engine struct {
	ctx         context.Context
	store       *store.RecordStore
	connections *connection.Registry
	loop        *loop.Loop
	fetcher     fetch.Fetcher
	schema      *schema.Schema
	invalidator Invalidator
	metrics     *metrics.Collector

	pageQueries      map[string]PageQueryFunc
	defaultPageQuery PageQueryFunc

	mu      sync.Mutex
	pages   map[connection.Key]PageQueryFunc
	waiters map[string]*flight

	flights singleflight.Group
}

// flight is one shared page fetch. Its context is cancelled once every
// caller waiting on it has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Connections == nil || opts.Loop == nil {
		return nil, ErrMissingDeps
	}
	if opts.Fetcher == nil {
		return nil, ErrMissingFetcher
	}
	if opts.Schema == nil {
		opts.Schema = schema.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector("feedcache")
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	pq := map[string]PageQueryFunc{}
	for k, v := range opts.PageQueries {
		pq[k] = v
	}
	return &Engine{
		ctx:              opts.Context,
		store:            opts.Store,
		connections:      opts.Connections,
		loop:             opts.Loop,
		fetcher:          opts.Fetcher,
		schema:           opts.Schema,
		invalidator:      opts.Invalidator,
		metrics:          opts.Metrics,
		pageQueries:      pq,
		defaultPageQuery: opts.DefaultPageQuery,
		pages:            map[connection.Key]PageQueryFunc{},
		waiters:          map[string]*flight{},
	}, nil
}

func (e *Engine) logger(component string) zerolog.Logger {
	return log.With().Str("component", "merge").Str("step", component).Logger()
}

// Resolve runs a query and applies its result: entities go to the store and
// every connection in the payload is initialized. Connections that already
// hold a page keep it. The returned keys are the payload's connections.
func (e *Engine) Resolve(ctx context.Context, req fetch.Request) ([]connection.Key, error) {
	payload, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	var keys []connection.Key
	err = e.loop.Do(ctx, func() error {
		var err error
		keys, err = e.applyQuery(payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (e *Engine) applyQuery(payload *graph.Payload) ([]connection.Key, error) {
	logger := e.logger("resolve")
	if err := e.schema.ValidatePayload(payload, e.store.KindOf); err != nil {
		logger.Error().Err(err).Msg("rejecting query result")
		return nil, err
	}
	records := recordsOf(payload)
	if err := e.store.Check(records); err != nil {
		logger.Error().Err(err).Msg("rejecting query result")
		return nil, err
	}

	type pending struct {
		conn     *connection.Connection
		edges    []connection.Edge
		pageInfo connection.PageInfo
	}
	var todo []pending
	keys := make([]connection.Key, 0, len(payload.Connections))
	for _, pc := range payload.Connections {
		key := connection.Key{Owner: pc.Owner, Field: pc.Field}
		keys = append(keys, key)
		conn := e.connections.GetOrCreate(key)
		if conn.Initialized() {
			logger.Debug().Str("connection", key.String()).Msg("connection already loaded, keeping it")
			continue
		}
		edges := newestFirst(connection.EdgesFromGraph(pc.Edges))
		// Validate against a scratch connection so no state is written
		// unless every connection in the payload is acceptable.
		if err := connection.New(key).Initialize(edges, pc.PageInfo); err != nil {
			e.metrics.OrderingViolations.WithLabelValues(key.String()).Inc()
			logger.Error().Err(err).Str("connection", key.String()).Msg("rejecting malformed first page")
			return nil, err
		}
		todo = append(todo, pending{conn: conn, edges: edges, pageInfo: pc.PageInfo})
	}

	changes, err := e.putRecords(records)
	if err != nil {
		return nil, err
	}
	for _, p := range todo {
		if err := p.conn.Initialize(p.edges, p.pageInfo); err != nil {
			// Only reachable if someone initialized it in between, which the loop prevents.
			return nil, err
		}
		changes.Connections = append(changes.Connections, p.conn.Key())
	}

	e.mu.Lock()
	for _, key := range keys {
		if q := e.pageQueryFor(key.Field); q != nil {
			e.pages[key] = q
		}
	}
	e.mu.Unlock()

	e.invalidate(changes)
	logger.Debug().Int("entities", len(payload.Entities)).Int("connections", len(keys)).Msg("applied query result")
	return keys, nil
}

func (e *Engine) pageQueryFor(field string) PageQueryFunc {
	if q, ok := e.pageQueries[field]; ok {
		return q
	}
	return e.defaultPageQuery
}

// SetPageQuery registers the page query for one connection key.
func (e *Engine) SetPageQuery(key connection.Key, q PageQueryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q == nil {
		delete(e.pages, key)
		return
	}
	e.pages[key] = q
}

type pageState struct {
	generation  uint64
	startCursor string
	hasPrevious bool
}

// LoadPrevious fetches up to count edges older than the connection's start
// cursor and appends them. If alive reports false when the result arrives,
// or the connection was reset meanwhile, the result is dropped and nil is
// returned. Concurrent loads of the same page share one request.
func (e *Engine) LoadPrevious(ctx context.Context, key connection.Key, count int, alive func() bool) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if alive == nil {
		alive = func() bool { return true }
	}
	logger := e.logger("load_previous").With().Str("connection", key.String()).Logger()

	var state pageState
	err := e.loop.Do(ctx, func() error {
		conn, ok := e.connections.Get(key)
		if !ok || !conn.Initialized() {
			return errors.Wrap(ErrNotLoaded, key.String())
		}
		pi := conn.PageInfo()
		state = pageState{generation: conn.Generation(), startCursor: pi.StartCursor, hasPrevious: pi.HasPreviousPage}
		return nil
	})
	if err != nil {
		if !alive() {
			return nil
		}
		return err
	}
	if !state.hasPrevious {
		logger.Debug().Msg("no older page")
		return nil
	}

	e.mu.Lock()
	q := e.pages[key]
	e.mu.Unlock()
	if q == nil {
		return errors.Wrap(ErrNoPageQuery, key.String())
	}
	req := q(key, state.startCursor, count)

	name := key.String() + "|" + state.startCursor
	f := e.join(name)
	res, err := e.wait(ctx, name, f, req)
	if err != nil {
		if !alive() {
			e.metrics.StaleResults.Inc()
			return nil
		}
		return err
	}
	payload := res.Val.(*graph.Payload)
	shared := res.Shared

	return e.loop.Do(context.Background(), func() error {
		if !alive() {
			e.metrics.StaleResults.Inc()
			logger.Debug().Msg("consumer gone, dropping page")
			return nil
		}
		conn, ok := e.connections.Get(key)
		if !ok || conn.Generation() != state.generation || conn.PageInfo().StartCursor != state.startCursor {
			e.metrics.StaleResults.Inc()
			logger.Debug().Bool("shared", shared).Msg("connection moved on, dropping page")
			return nil
		}
		return e.applyPage(conn, payload)
	})
}

func (e *Engine) applyPage(conn *connection.Connection, payload *graph.Payload) error {
	key := conn.Key()
	logger := e.logger("load_previous").With().Str("connection", key.String()).Logger()
	if err := e.schema.ValidatePayload(payload, e.store.KindOf); err != nil {
		logger.Error().Err(err).Msg("rejecting page")
		return err
	}
	pc, ok := payload.Connection(key.Owner, key.Field)
	if !ok {
		logger.Error().Msg("page response does not contain the connection")
		return errors.Wrap(ErrPageMissing, key.String())
	}
	records := recordsOf(payload)
	if err := e.store.Check(records); err != nil {
		logger.Error().Err(err).Msg("rejecting page")
		return err
	}

	edges := newestFirst(connection.EdgesFromGraph(pc.Edges))
	appended, err := conn.AppendOlder(edges, pc.PageInfo)
	if err != nil {
		e.metrics.OrderingViolations.WithLabelValues(key.String()).Inc()
		logger.Error().Err(err).Msg("dropping page that violates connection ordering")
		return err
	}
	changes, err := e.putRecords(records)
	if err != nil {
		return err
	}
	e.metrics.EdgesAppended.Add(float64(appended))
	changes.Connections = append(changes.Connections, key)
	e.invalidate(changes)
	logger.Debug().Int("appended", appended).Bool("has_previous", pc.PageInfo.HasPreviousPage).Msg("appended older page")
	return nil
}

// ApplyEvent applies one push event on the loop and waits for it.
func (e *Engine) ApplyEvent(ctx context.Context, payload *graph.Payload, targets []connection.Key) error {
	return e.loop.Do(ctx, func() error {
		return e.applyEvent(payload, targets)
	})
}

func (e *Engine) applyEvent(payload *graph.Payload, targets []connection.Key) error {
	logger := e.logger("push")
	if payload == nil {
		return nil
	}
	if err := e.schema.ValidatePayload(payload, e.store.KindOf); err != nil {
		logger.Warn().Err(err).Msg("dropping invalid push event")
		return err
	}
	changes, err := e.putRecords(recordsOf(payload))
	if err != nil {
		logger.Warn().Err(err).Msg("dropping push event")
		return err
	}

	edges := oldestFirst(connection.EdgesFromGraph(payload.Edges))
	for _, key := range targets {
		conn, ok := e.connections.Get(key)
		if !ok || !conn.Initialized() {
			e.metrics.DroppedPushes.Add(float64(len(edges)))
			logger.Debug().Str("connection", key.String()).Int("edges", len(edges)).Msg("target not loaded, dropping pushed edges")
			continue
		}
		changed := false
		for _, edge := range edges {
			inserted, err := conn.PrependNewest(edge)
			if err != nil {
				logger.Warn().Err(err).Str("connection", key.String()).Msg("could not prepend pushed edge")
				continue
			}
			if inserted {
				changed = true
				e.metrics.EdgesPrepended.Inc()
			} else {
				e.metrics.EdgesDeduplicated.Inc()
			}
		}
		if changed {
			changes.Connections = append(changes.Connections, key)
		}
	}
	e.invalidate(changes)
	return nil
}

// Attach pumps stream events onto the loop, one task per event, in stream
// order. It stops when ctx ends, the stream ends or delivers a terminal error.
// The returned channel receives that terminal error (nil for a clean end or
// cancellation) and is then closed.
func (e *Engine) Attach(ctx context.Context, stream subscription.Stream, targets []connection.Key) <-chan error {
	done := make(chan error, 1)
	if ctx == nil {
		ctx = context.Background()
	}
	targets = append([]connection.Key(nil), targets...)
	e.metrics.SubscriptionsLive.Inc()
	go func() {
		defer close(done)
		defer e.metrics.SubscriptionsLive.Dec()
		logger := e.logger("attach")
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			case ev, ok := <-stream.Events():
				if !ok {
					done <- nil
					return
				}
				if ev.Err != nil {
					logger.Warn().Err(ev.Err).Msg("subscription ended with error")
					done <- ev.Err
					return
				}
				payload := ev.Payload
				e.loop.Post(func() {
					if ctx.Err() != nil {
						return
					}
					if err := e.applyEvent(payload, targets); err != nil {
						logger.Debug().Err(err).Msg("push event not applied")
					}
				})
			}
		}
	}()
	return done
}

// Reset drops the connection's edges so the next resolve starts fresh.
func (e *Engine) Reset(ctx context.Context, key connection.Key) error {
	return e.loop.Do(ctx, func() error {
		if !e.connections.Reset(key) {
			return nil
		}
		e.mu.Lock()
		delete(e.pages, key)
		e.mu.Unlock()
		e.invalidate(projector.Changes{Connections: []connection.Key{key}})
		return nil
	})
}

// Loaded reports whether the connection holds a page.
func (e *Engine) Loaded(key connection.Key) bool {
	conn, ok := e.connections.Get(key)
	return ok && conn.Initialized()
}

func recordsOf(payload *graph.Payload) []store.Record {
	recs := make([]store.Record, 0, len(payload.Entities))
	for _, ent := range payload.Entities {
		recs = append(recs, store.FromEntity(ent))
	}
	return recs
}

// putRecords writes all records or none.
func (e *Engine) putRecords(recs []store.Record) (projector.Changes, error) {
	changed, err := e.store.PutAll(recs)
	if err != nil {
		return projector.Changes{}, err
	}
	e.metrics.RecordsPut.Add(float64(len(recs)))
	return projector.Changes{Fields: changed}, nil
}

// join registers a caller on the shared fetch of a page.
func (e *Engine) join(name string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.waiters[name]
	if f == nil {
		ctx, cancel := context.WithCancel(e.ctx)
		f = &flight{ctx: ctx, cancel: cancel}
		e.waiters[name] = f
	}
	f.waiters++
	return f
}

// leave unregisters a caller. The last one out cancels the fetch and lets
// the next caller start a fresh one.
func (e *Engine) leave(name string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.waiters[name] == f {
		delete(e.waiters, name)
		e.flights.Forget(name)
	}
}

// wait runs or joins the shared fetch and returns when it finishes or ctx
// ends, whichever comes first. Leaving early does not cancel the fetch for
// the other callers.
func (e *Engine) wait(ctx context.Context, name string, f *flight, req fetch.Request) (singleflight.Result, error) {
	defer e.leave(name, f)
	ch := e.flights.DoChan(name, func() (interface{}, error) {
		return e.fetch(f.ctx, req)
	})
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return singleflight.Result{}, errors.Wrapf(ctx.Err(), "load previous %s", name)
	}
}

func (e *Engine) invalidate(changes projector.Changes) {
	if e.invalidator == nil || changes.Empty() {
		return
	}
	e.invalidator.Invalidate(changes)
}

func (e *Engine) fetch(ctx context.Context, req fetch.Request) (*graph.Payload, error) {
	start := time.Now()
	payload, err := e.fetcher.Fetch(ctx, req)
	e.metrics.FetchDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
	status := "ok"
	switch {
	case err == nil:
	case fetch.IsNetwork(err):
		status = "network_error"
	case fetch.IsProtocol(err):
		status = "protocol_error"
	default:
		status = "error"
	}
	e.metrics.Fetches.WithLabelValues(req.Name, status).Inc()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = &graph.Payload{}
	}
	return payload, nil
}

// newestFirst orders edges by descending cursor. Servers return backward
// pages oldest first.
func newestFirst(edges []connection.Edge) []connection.Edge {
	sort.SliceStable(edges, func(i, j int) bool {
		return graph.CompareCursors(edges[i].Cursor, edges[j].Cursor) > 0
	})
	return edges
}

// oldestFirst orders pushed edges so that prepending them one by one leaves
// the newest at the head. Equal cursors keep arrival order.
func oldestFirst(edges []connection.Edge) []connection.Edge {
	sort.SliceStable(edges, func(i, j int) bool {
		return graph.CompareCursors(edges[i].Cursor, edges[j].Cursor) < 0
	})
	return edges
}
