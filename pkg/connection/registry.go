package connection

import (
	"sort"
	"sync"
)

// Registry owns the connections of one session.
type Registry struct {
	mu    sync.Mutex
	conns map[Key]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: map[Key]*Connection{}}
}

func (r *Registry) Get(key Key) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	return c, ok
}

func (r *Registry) GetOrCreate(key Key) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	if !ok {
		c = New(key)
		r.conns[key] = c
	}
	return c
}

// Reset resets the connection for key if it exists.
func (r *Registry) Reset(key Key) bool {
	c, ok := r.Get(key)
	if !ok {
		return false
	}
	c.Reset()
	return true
}

func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
