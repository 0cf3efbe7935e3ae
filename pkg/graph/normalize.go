package graph

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// RootID owns connections that hang directly off the query root.
const RootID = "client:root"

const (
	typenameKey = "__typename"
	idKey       = "id"
)

// Normalize flattens a GraphQL `data` object into a Payload.
//
// Objects carrying both `id` and `__typename` become entities. Objects with an
// `edges` list become connections owned by the closest enclosing entity. Lists
// of edges that are not wrapped in a connection object (subscription results)
// are returned as loose edges.
func Normalize(data json.RawMessage) (*Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return &Payload{}, nil
	}
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "graph: decode data")
	}
	n := &normalizer{entities: map[string]*Entity{}}
	if err := n.walk(root, RootID, ""); err != nil {
		return nil, err
	}
	return n.payload(), nil
}

type normalizer struct {
	entities    map[string]*Entity
	order       []string
	connections []Connection
	edges       []Edge
}

func (n *normalizer) payload() *Payload {
	p := &Payload{
		Entities:    make([]Entity, 0, len(n.order)),
		Connections: n.connections,
		Edges:       n.edges,
	}
	for _, id := range n.order {
		p.Entities = append(p.Entities, *n.entities[id])
	}
	return p
}

func (n *normalizer) walk(v any, owner, field string) error {
	switch t := v.(type) {
	case map[string]any:
		if isConnection(t) {
			return n.connection(t, owner, field)
		}
		if isEntity(t) {
			_, err := n.entity(t)
			return err
		}
		if isEdge(t) {
			edge, err := n.edge(t)
			if err != nil {
				return err
			}
			n.edges = append(n.edges, edge)
			return nil
		}
		for _, k := range sortedKeys(t) {
			if err := n.walk(t[k], owner, FieldName(k)); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range t {
			if err := n.walk(item, owner, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *normalizer) entity(obj map[string]any) (string, error) {
	id, _ := obj[idKey].(string)
	kind, _ := obj[typenameKey].(string)
	if id == "" || kind == "" {
		return "", errors.Errorf("graph: entity without id or __typename")
	}
	e := n.entities[id]
	if e == nil {
		e = &Entity{ID: id, Kind: kind, Scalars: map[string]any{}, Refs: map[string]string{}}
		n.entities[id] = e
		n.order = append(n.order, id)
	} else if e.Kind != kind {
		return "", errors.Errorf("graph: entity %q seen as %s and %s", id, e.Kind, kind)
	}

	for _, k := range sortedKeys(obj) {
		if k == idKey || k == typenameKey {
			continue
		}
		name := FieldName(k)
		switch child := obj[k].(type) {
		case map[string]any:
			if isConnection(child) {
				if err := n.connection(child, id, name); err != nil {
					return "", err
				}
				continue
			}
			if isEntity(child) {
				refID, err := n.entity(child)
				if err != nil {
					return "", err
				}
				e.Refs[name] = refID
				continue
			}
			// Embedded value objects are kept as opaque scalars.
			e.Scalars[name] = child
		case []any:
			// Plural fields are normalized but not linked on the parent.
			if err := n.walk(child, id, name); err != nil {
				return "", err
			}
		default:
			e.Scalars[name] = child
		}
	}
	return id, nil
}

func (n *normalizer) connection(obj map[string]any, owner, field string) error {
	if field == "" {
		return errors.New("graph: connection without a field name")
	}
	c := Connection{Owner: owner, Field: field}
	rawEdges, _ := obj["edges"].([]any)
	for _, raw := range rawEdges {
		m, ok := raw.(map[string]any)
		if !ok || !isEdge(m) {
			return errors.Errorf("graph: malformed edge in %s:%s", owner, field)
		}
		edge, err := n.edge(m)
		if err != nil {
			return err
		}
		c.Edges = append(c.Edges, edge)
	}
	if pi, ok := obj["pageInfo"].(map[string]any); ok {
		c.PageInfo.HasPreviousPage, _ = pi["hasPreviousPage"].(bool)
		c.PageInfo.StartCursor, _ = pi["startCursor"].(string)
	}
	n.connections = append(n.connections, c)
	return nil
}

func (n *normalizer) edge(obj map[string]any) (Edge, error) {
	cursor, _ := obj["cursor"].(string)
	node, _ := obj["node"].(map[string]any)
	if cursor == "" || node == nil {
		return Edge{}, errors.New("graph: edge without cursor or node")
	}
	id, err := n.entity(node)
	if err != nil {
		return Edge{}, err
	}
	return Edge{Cursor: cursor, NodeID: id}, nil
}

func isEntity(obj map[string]any) bool {
	id, ok := obj[idKey].(string)
	if !ok || id == "" {
		return false
	}
	kind, ok := obj[typenameKey].(string)
	return ok && kind != ""
}

func isConnection(obj map[string]any) bool {
	_, ok := obj["edges"].([]any)
	return ok
}

func isEdge(obj map[string]any) bool {
	_, hasCursor := obj["cursor"]
	_, hasNode := obj["node"]
	return hasCursor && hasNode
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
