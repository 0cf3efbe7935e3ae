package graph

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// PageInfo is the pagination block of a backward-paginated connection.
type PageInfo struct {
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
}

// Entity is one normalized record as delivered by the server.
// Scalars hold JSON leaf values, Refs hold the ids of referenced entities.
type Entity struct {
	ID      string            `json:"id" validate:"required"`
	Kind    string            `json:"kind" validate:"required"`
	Scalars map[string]any    `json:"scalars,omitempty"`
	Refs    map[string]string `json:"refs,omitempty"`
}

// Edge positions an entity inside a connection.
type Edge struct {
	Cursor string `json:"cursor" validate:"required"`
	NodeID string `json:"nodeId" validate:"required"`
}

// Connection is a paginated field found in a payload, keyed by the id of the
// entity that owns it and the response field name.
type Connection struct {
	Owner    string   `json:"owner" validate:"required"`
	Field    string   `json:"field" validate:"required"`
	Edges    []Edge   `json:"edges" validate:"dive"`
	PageInfo PageInfo `json:"pageInfo"`
}

// Payload is a normalized graph response. Edges carries loose edges that are
// not attached to a connection (subscription events deliver these).
type Payload struct {
	Entities    []Entity     `json:"entities,omitempty" validate:"dive"`
	Connections []Connection `json:"connections,omitempty" validate:"dive"`
	Edges       []Edge       `json:"edges,omitempty" validate:"dive"`
}

// Validate checks structural completeness and that every edge points to an
// entity carried by the payload.
func (p *Payload) Validate() error {
	if p == nil {
		return errors.New("graph: nil payload")
	}
	if err := validate.Struct(p); err != nil {
		return errors.Wrap(err, "graph: invalid payload")
	}
	known := make(map[string]struct{}, len(p.Entities))
	for _, e := range p.Entities {
		known[e.ID] = struct{}{}
	}
	check := func(edges []Edge) error {
		for _, e := range edges {
			if _, ok := known[e.NodeID]; !ok {
				return errors.Errorf("graph: edge %q references entity %q missing from payload", e.Cursor, e.NodeID)
			}
		}
		return nil
	}
	for _, c := range p.Connections {
		if err := check(c.Edges); err != nil {
			return err
		}
	}
	return check(p.Edges)
}

// Entity returns the payload entity with the given id.
func (p *Payload) Entity(id string) (Entity, bool) {
	if p == nil {
		return Entity{}, false
	}
	for _, e := range p.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// Connection returns the connection owned by owner under field.
func (p *Payload) Connection(owner, field string) (Connection, bool) {
	if p == nil {
		return Connection{}, false
	}
	for _, c := range p.Connections {
		if c.Owner == owner && c.Field == field {
			return c, true
		}
	}
	return Connection{}, false
}

// FieldName strips GraphQL arguments from a storage key such as
// `posts(last:10)`.
func FieldName(key string) string {
	if i := strings.IndexByte(key, '('); i >= 0 {
		key = key[:i]
	}
	return strings.TrimSpace(key)
}
