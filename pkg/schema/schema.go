// Package schema declares the entity kinds the feed cache understands and
// validates normalized payloads against them before they reach the store.
package schema

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

var (
	ErrUnknownKind  = errors.New("unknown entity kind")
	ErrUnknownField = errors.New("undeclared field")
	ErrRefKind      = errors.New("reference points at wrong kind")
)

// Kind declares the scalar fields and reference fields of one entity type.
// Refs maps a field name to the kind it must point at.
type Kind struct {
	Name    string
	Scalars []string
	Refs    map[string]string
}

func (k Kind) hasScalar(name string) bool {
	for _, s := range k.Scalars {
		if s == name {
			return true
		}
	}
	return false
}

// Schema is a set of declared kinds.
type Schema struct {
	kinds map[string]Kind
}

func New(kinds ...Kind) *Schema {
	s := &Schema{kinds: map[string]Kind{}}
	for _, k := range kinds {
		s.kinds[k.Name] = k
	}
	return s
}

// Default returns the feed schema: users, their posts and comments on posts.
func Default() *Schema {
	return New(
		Kind{Name: "AppUser", Scalars: []string{"firstName", "lastName"}},
		Kind{Name: "Post", Scalars: []string{"createdOn", "content"}, Refs: map[string]string{"author": "AppUser"}},
		Kind{
			Name:    "Comment",
			Scalars: []string{"createdOn", "content"},
			Refs:    map[string]string{"author": "AppUser", "post": "Post"},
		},
	)
}

func (s *Schema) Kind(name string) (Kind, bool) {
	if s == nil {
		return Kind{}, false
	}
	k, ok := s.kinds[name]
	return k, ok
}

func (s *Schema) Kinds() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.kinds))
	for name := range s.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateEntity checks an entity's kind and field set. kindOf resolves the
// kind of referenced ids that are not part of the same payload; it may be nil.
func (s *Schema) ValidateEntity(e graph.Entity, kindOf func(id string) (string, bool)) error {
	k, ok := s.Kind(e.Kind)
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "%s (entity %s)", e.Kind, e.ID)
	}
	for name := range e.Scalars {
		if !k.hasScalar(name) {
			return errors.Wrapf(ErrUnknownField, "%s.%s (entity %s)", e.Kind, name, e.ID)
		}
	}
	for name, refID := range e.Refs {
		want, ok := k.Refs[name]
		if !ok {
			return errors.Wrapf(ErrUnknownField, "%s.%s (entity %s)", e.Kind, name, e.ID)
		}
		if kindOf == nil {
			continue
		}
		if got, ok := kindOf(refID); ok && got != want {
			return errors.Wrapf(ErrRefKind, "%s.%s -> %s is %s, want %s", e.Kind, name, refID, got, want)
		}
	}
	return nil
}

// ValidatePayload validates every entity in p. References are resolved first
// against the payload itself, then through kindOf.
func (s *Schema) ValidatePayload(p *graph.Payload, kindOf func(id string) (string, bool)) error {
	if err := p.Validate(); err != nil {
		return err
	}
	local := make(map[string]string, len(p.Entities))
	for _, e := range p.Entities {
		local[e.ID] = e.Kind
	}
	resolve := func(id string) (string, bool) {
		if k, ok := local[id]; ok {
			return k, true
		}
		if kindOf != nil {
			return kindOf(id)
		}
		return "", false
	}
	for _, e := range p.Entities {
		if err := s.ValidateEntity(e, resolve); err != nil {
			return err
		}
	}
	return nil
}
