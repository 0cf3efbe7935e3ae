// Package projector turns a connection plus the record store into consumer
// views and tracks which records and fields each view read, so that changes
// mark only the affected consumers stale. Views are recomputed on the next
// read, never eagerly.
package projector

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/connection"
	"github.com/go-go-golems/feedcache/pkg/metrics"
	"github.com/go-go-golems/feedcache/pkg/store"
)

var (
	ErrUnknownConsumer   = errors.New("projector: unknown consumer")
	ErrDuplicateConsumer = errors.New("projector: consumer already registered")
)

// Changes is what one mutation touched.
type Changes struct {
	Fields      []store.FieldRef
	Connections []connection.Key
}

func (c Changes) Empty() bool {
	return len(c.Fields) == 0 && len(c.Connections) == 0
}

// Merge appends o to c.
func (c Changes) Merge(o Changes) Changes {
	c.Fields = append(c.Fields, o.Fields...)
	c.Connections = append(c.Connections, o.Connections...)
	return c
}

// Selection lists the scalar fields read from a record and, per reference
// field, the selection applied to the referenced record.
type Selection struct {
	Fields []string
	Refs   map[string]Selection
}

// Item is one projected record.
type Item struct {
	ID     string
	Kind   string
	Cursor string
	Fields map[string]any
	Refs   map[string]*Item
}

// View is the projection of one connection. A View is immutable; consumers
// can compare pointers to detect changes.
type View struct {
	Key      connection.Key
	Items    []Item
	PageInfo connection.PageInfo
	Version  uint64
}

type dependencies struct {
	connection connection.Key
	fields     map[store.FieldRef]struct{}
}

type consumer struct {
	id        string
	key       connection.Key
	selection Selection
	view      *View
	stale     bool
	deps      dependencies
}

type Projector struct {
	store       *store.RecordStore
	connections *connection.Registry
	metrics     *metrics.Collector

	mu        sync.Mutex
	consumers map[string]*consumer
	version   uint64
	onStale   func(consumerID string)
}

func New(s *store.RecordStore, conns *connection.Registry, m *metrics.Collector) *Projector {
	if m == nil {
		m = metrics.NewCollector("feedcache")
	}
	return &Projector{
		store:       s,
		connections: conns,
		metrics:     m,
		consumers:   map[string]*consumer{},
	}
}

// OnStale sets the callback fired when a consumer goes from fresh to stale.
// It is called without the projector lock held.
func (p *Projector) OnStale(fn func(consumerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStale = fn
}

func (p *Projector) Register(consumerID string, key connection.Key, sel Selection) error {
	if consumerID == "" {
		return errors.New("projector: consumer id is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.consumers[consumerID]; ok {
		return errors.Wrap(ErrDuplicateConsumer, consumerID)
	}
	p.consumers[consumerID] = &consumer{
		id:        consumerID,
		key:       key,
		selection: sel,
		stale:     true,
		deps:      dependencies{connection: key},
	}
	return nil
}

func (p *Projector) Unregister(consumerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.consumers[consumerID]; !ok {
		return false
	}
	delete(p.consumers, consumerID)
	return true
}

// Project returns the consumer's view, recomputing it only if stale.
func (p *Projector) Project(consumerID string) (*View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[consumerID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownConsumer, consumerID)
	}
	if !c.stale && c.view != nil {
		p.metrics.ProjectionHits.Inc()
		return c.view, nil
	}

	p.version++
	view, deps := p.compute(c.key, c.selection, p.version)
	c.view = view
	c.deps = deps
	c.stale = false
	p.metrics.Projections.Inc()
	return view, nil
}

// Stale reports whether the consumer's next Project recomputes.
func (p *Projector) Stale(consumerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[consumerID]
	return ok && c.stale
}

// Dependencies returns the record fields the consumer's current view read,
// sorted. Mostly useful for debugging.
func (p *Projector) Dependencies(consumerID string) []store.FieldRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[consumerID]
	if !ok {
		return nil
	}
	out := make([]store.FieldRef, 0, len(c.deps.fields))
	for f := range c.deps.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Invalidate marks stale every fresh consumer whose dependencies intersect
// changes and returns their ids.
func (p *Projector) Invalidate(changes Changes) []string {
	if changes.Empty() {
		return nil
	}
	p.mu.Lock()
	var marked []string
	for id, c := range p.consumers {
		if c.stale {
			continue
		}
		if intersects(c.deps, changes) {
			c.stale = true
			marked = append(marked, id)
		}
	}
	fn := p.onStale
	p.mu.Unlock()

	sort.Strings(marked)
	for _, id := range marked {
		p.metrics.Invalidations.Inc()
		if fn != nil {
			fn(id)
		}
	}
	return marked
}

func intersects(d dependencies, changes Changes) bool {
	for _, k := range changes.Connections {
		if k == d.connection {
			return true
		}
	}
	for _, f := range changes.Fields {
		if _, ok := d.fields[f]; ok {
			return true
		}
	}
	return false
}

func (p *Projector) compute(key connection.Key, sel Selection, version uint64) (*View, dependencies) {
	deps := dependencies{connection: key, fields: map[store.FieldRef]struct{}{}}
	view := &View{Key: key, Version: version}

	conn, ok := p.connections.Get(key)
	if !ok || !conn.Initialized() {
		return view, deps
	}
	view.PageInfo = conn.PageInfo()
	edges := conn.Edges()
	view.Items = make([]Item, 0, len(edges))
	for _, edge := range edges {
		item, ok := p.project(edge.NodeID, sel, deps.fields)
		if !ok {
			p.metrics.DanglingEdges.Inc()
			log.Warn().
				Str("component", "projector").
				Str("connection", key.String()).
				Str("node_id", edge.NodeID).
				Msg("edge points at a record missing from the store, skipping")
			continue
		}
		item.Cursor = edge.Cursor
		view.Items = append(view.Items, *item)
	}
	return view, deps
}

func (p *Projector) project(id string, sel Selection, deps map[store.FieldRef]struct{}) (*Item, bool) {
	// Depend on the record's existence even when it is missing.
	deps[store.FieldRef{ID: id, Field: store.KindField}] = struct{}{}
	rec, ok := p.store.Get(id)
	if !ok {
		return nil, false
	}
	item := &Item{ID: rec.ID, Kind: rec.Kind, Fields: make(map[string]any, len(sel.Fields))}
	for _, f := range sel.Fields {
		deps[store.FieldRef{ID: id, Field: f}] = struct{}{}
		if v, ok := rec.Field(f); ok {
			item.Fields[f] = v
		}
	}
	if len(sel.Refs) == 0 {
		return item, true
	}
	item.Refs = make(map[string]*Item, len(sel.Refs))
	for _, name := range sortedRefNames(sel.Refs) {
		deps[store.FieldRef{ID: id, Field: name}] = struct{}{}
		refID, ok := rec.Ref(name)
		if !ok {
			continue
		}
		if nested, ok := p.project(refID, sel.Refs[name], deps); ok {
			item.Refs[name] = nested
		}
	}
	return item, true
}

func sortedRefNames(refs map[string]Selection) []string {
	out := make([]string, 0, len(refs))
	for k := range refs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
