// Package connection holds cursor-paginated edge lists over records of the
// record store. A Connection keeps its edges newest first and only grows: older
// pages are appended at the tail, pushed items are inserted at the head.
package connection

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

var (
	ErrAlreadyInitialized = errors.New("connection already initialized")
	ErrNotInitialized     = errors.New("connection not initialized")
	ErrOrderingViolation  = errors.New("connection ordering violation")
	ErrMalformedPageInfo  = errors.New("malformed page info")
)

// Key identifies a connection by its owning entity and a discriminator.
type Key struct {
	Owner string
	Field string
}

func (k Key) String() string { return k.Owner + ":" + k.Field }

func (k Key) IsZero() bool { return k.Owner == "" && k.Field == "" }

// ParseKey parses the "<owner>:<field>" form. The field is taken after the
// last colon so owners may contain colons (e.g. "client:root").
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Key{}, errors.Errorf("invalid connection key %q", s)
	}
	return Key{Owner: s[:i], Field: s[i+1:]}, nil
}

// Edge is one item's position in a connection.
type Edge struct {
	Cursor string
	NodeID string
}

func EdgesFromGraph(in []graph.Edge) []Edge {
	out := make([]Edge, 0, len(in))
	for _, e := range in {
		out = append(out, Edge{Cursor: e.Cursor, NodeID: e.NodeID})
	}
	return out
}

type PageInfo = graph.PageInfo

// Connection is an ordered edge list plus backward pagination metadata.
type Connection struct {
	key Key

	mu          sync.RWMutex
	initialized bool
	edges       []Edge
	ids         map[string]struct{}
	pageInfo    PageInfo
	version     uint64
	generation  uint64
}

func New(key Key) *Connection {
	return &Connection{key: key, ids: map[string]struct{}{}}
}

func (c *Connection) Key() Key { return c.key }

// Initialize sets the first page. It fails if the connection already holds a
// page for this session; Reset first.
func (c *Connection) Initialize(edges []Edge, pageInfo PageInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return errors.Wrap(ErrAlreadyInitialized, c.key.String())
	}
	if err := checkDescending(edges); err != nil {
		return errors.Wrap(err, c.key.String())
	}
	ids := make(map[string]struct{}, len(edges))
	kept := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if _, dup := ids[e.NodeID]; dup {
			return errors.Wrapf(ErrOrderingViolation, "%s: duplicate entity %s", c.key, e.NodeID)
		}
		ids[e.NodeID] = struct{}{}
		kept = append(kept, e)
	}
	if pageInfo.StartCursor == "" && len(kept) > 0 {
		pageInfo.StartCursor = kept[len(kept)-1].Cursor
	}
	if err := checkPageInfo(kept, pageInfo); err != nil {
		return errors.Wrap(err, c.key.String())
	}

	c.edges = kept
	c.ids = ids
	c.pageInfo = pageInfo
	c.initialized = true
	c.version++
	return nil
}

// AppendOlder extends the tail with an older page. Every edge must be strictly
// older than the current start cursor; otherwise the page is rejected as a
// whole and the connection is left untouched. Entities already present are
// skipped. It returns the number of edges appended.
func (c *Connection) AppendOlder(edges []Edge, pageInfo PageInfo) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, errors.Wrap(ErrNotInitialized, c.key.String())
	}
	if err := checkDescending(edges); err != nil {
		return 0, errors.Wrap(err, c.key.String())
	}
	if start := c.tailCursorLocked(); start != "" {
		for _, e := range edges {
			if !graph.Newer(start, e.Cursor) {
				return 0, errors.Wrapf(ErrOrderingViolation, "%s: cursor %s is not older than start cursor %s", c.key, e.Cursor, start)
			}
		}
	}
	if pageInfo.StartCursor == "" && len(edges) > 0 {
		pageInfo.StartCursor = edges[len(edges)-1].Cursor
	}
	if err := checkPageInfo(edges, pageInfo); err != nil {
		return 0, errors.Wrap(err, c.key.String())
	}

	appended := 0
	for _, e := range edges {
		if _, dup := c.ids[e.NodeID]; dup {
			continue
		}
		c.ids[e.NodeID] = struct{}{}
		c.edges = append(c.edges, e)
		appended++
	}
	if len(edges) > 0 {
		c.pageInfo.StartCursor = pageInfo.StartCursor
	}
	c.pageInfo.HasPreviousPage = pageInfo.HasPreviousPage
	c.version++
	return appended, nil
}

// PrependNewest inserts a pushed edge. An entity already present anywhere in
// the connection makes it a no-op. Page info is never changed. It reports
// whether the connection changed.
func (c *Connection) PrependNewest(edge Edge) (bool, error) {
	if edge.Cursor == "" || edge.NodeID == "" {
		return false, errors.Errorf("%s: edge without cursor or node", c.key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return false, errors.Wrap(ErrNotInitialized, c.key.String())
	}
	if _, dup := c.ids[edge.NodeID]; dup {
		return false, nil
	}

	// Equal cursors go in front: later arrivals sit nearer the head.
	pos := 0
	for pos < len(c.edges) && graph.Newer(c.edges[pos].Cursor, edge.Cursor) {
		pos++
	}
	if pos == len(c.edges) && c.pageInfo.HasPreviousPage && pos > 0 {
		// Older than everything loaded while more history exists on the server;
		// the next page will carry it.
		return false, nil
	}

	c.edges = append(c.edges, Edge{})
	copy(c.edges[pos+1:], c.edges[pos:])
	c.edges[pos] = edge
	c.ids[edge.NodeID] = struct{}{}
	c.version++
	return true, nil
}

// Snapshot returns the entity ids in feed order.
func (c *Connection) Snapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.edges))
	for i, e := range c.edges {
		out[i] = e.NodeID
	}
	return out
}

func (c *Connection) Edges() []Edge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Edge(nil), c.edges...)
}

func (c *Connection) PageInfo() PageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pageInfo
}

func (c *Connection) Contains(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[nodeID]
	return ok
}

func (c *Connection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.edges)
}

func (c *Connection) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Version increases on every change to edges or page info.
func (c *Connection) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Generation increases on every Reset. Results computed against an older
// generation must not be applied.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Reset drops all edges so the connection can be initialized again.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.edges = nil
	c.ids = map[string]struct{}{}
	c.pageInfo = PageInfo{}
	c.generation++
	c.version++
}

func (c *Connection) tailCursorLocked() string {
	if c.pageInfo.StartCursor != "" {
		return c.pageInfo.StartCursor
	}
	if len(c.edges) > 0 {
		return c.edges[len(c.edges)-1].Cursor
	}
	return ""
}

func checkDescending(edges []Edge) error {
	for i, e := range edges {
		if e.Cursor == "" || e.NodeID == "" {
			return errors.Wrapf(ErrOrderingViolation, "edge %d without cursor or node", i)
		}
		if i > 0 && !graph.Newer(edges[i-1].Cursor, e.Cursor) {
			return errors.Wrapf(ErrOrderingViolation, "cursor %s does not follow %s", e.Cursor, edges[i-1].Cursor)
		}
	}
	return nil
}

func checkPageInfo(edges []Edge, pi PageInfo) error {
	if pi.HasPreviousPage && pi.StartCursor == "" {
		return errors.Wrap(ErrMalformedPageInfo, "hasPreviousPage without startCursor")
	}
	if len(edges) > 0 && pi.StartCursor != "" && graph.Newer(pi.StartCursor, edges[len(edges)-1].Cursor) {
		return errors.Wrapf(ErrMalformedPageInfo, "startCursor %s is newer than oldest edge %s", pi.StartCursor, edges[len(edges)-1].Cursor)
	}
	return nil
}
