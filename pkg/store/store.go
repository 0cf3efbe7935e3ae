package store

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// KindField is the pseudo-field reported when a record is first created.
const KindField = "__kind"

var ErrKindMismatch = errors.New("record store: kind mismatch")

// Record is one normalized entity. Records returned by the store are copies;
// mutate the store only through Put.
type Record struct {
	ID      string
	Kind    string
	Scalars map[string]any
	Refs    map[string]string
}

// Field returns a scalar field value.
func (r Record) Field(name string) (any, bool) {
	v, ok := r.Scalars[name]
	return v, ok
}

// Ref returns the id a reference field points at.
func (r Record) Ref(name string) (string, bool) {
	v, ok := r.Refs[name]
	return v, ok
}

// FieldRef names one field of one record.
type FieldRef struct {
	ID    string
	Field string
}

func (f FieldRef) String() string { return f.ID + "." + f.Field }

// RecordStore is the in-memory table of normalized entities. It is safe for
// concurrent readers; writes are expected to be serialized by the caller.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func New() *RecordStore {
	return &RecordStore{records: map[string]*Record{}}
}

// FromEntity converts a normalized payload entity into a record.
func FromEntity(e graph.Entity) Record {
	return Record{ID: e.ID, Kind: e.Kind, Scalars: e.Scalars, Refs: e.Refs}
}

// Put merges the record's fields into the stored record with the same id,
// creating it if absent. Field-level last write wins. It returns the fields
// whose value changed.
func (s *RecordStore) Put(rec Record) ([]FieldRef, error) {
	return s.PutAll([]Record{rec})
}

// PutAll merges every record or none: all records are checked before the
// first one is written.
func (s *RecordStore) PutAll(recs []Record) ([]FieldRef, error) {
	if s == nil {
		return nil, errors.New("record store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(recs); err != nil {
		return nil, err
	}
	var changed []FieldRef
	for _, rec := range recs {
		changed = append(changed, s.mergeLocked(rec)...)
	}
	return changed, nil
}

// Check reports the error PutAll would return for recs without writing.
func (s *RecordStore) Check(recs []Record) error {
	if s == nil {
		return errors.New("record store: nil store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(recs)
}

func (s *RecordStore) checkLocked(recs []Record) error {
	kinds := make(map[string]string, len(recs))
	for _, rec := range recs {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return errors.New("record store: id is empty")
		}
		if rec.Kind == "" {
			return errors.Errorf("record store: kind of %s is empty", id)
		}
		known, ok := kinds[id]
		if !ok {
			if existing := s.records[id]; existing != nil {
				known, ok = existing.Kind, true
			}
		}
		if ok && known != rec.Kind {
			return errors.Wrapf(ErrKindMismatch, "%s is %s, got %s", id, known, rec.Kind)
		}
		kinds[id] = rec.Kind
	}
	return nil
}

func (s *RecordStore) mergeLocked(rec Record) []FieldRef {
	rec.ID = strings.TrimSpace(rec.ID)
	var changed []FieldRef
	existing := s.records[rec.ID]
	if existing == nil {
		existing = &Record{ID: rec.ID, Kind: rec.Kind, Scalars: map[string]any{}, Refs: map[string]string{}}
		s.records[rec.ID] = existing
		changed = append(changed, FieldRef{ID: rec.ID, Field: KindField})
	}

	for name, v := range rec.Scalars {
		old, ok := existing.Scalars[name]
		if ok && reflect.DeepEqual(old, v) {
			continue
		}
		existing.Scalars[name] = v
		changed = append(changed, FieldRef{ID: rec.ID, Field: name})
	}
	for name, v := range rec.Refs {
		old, ok := existing.Refs[name]
		if ok && old == v {
			continue
		}
		existing.Refs[name] = v
		changed = append(changed, FieldRef{ID: rec.ID, Field: name})
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].Field < changed[j].Field })
	return changed
}

// Get returns a copy of the record with the given id. A miss is not an error.
func (s *RecordStore) Get(id string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

func (s *RecordStore) Has(id string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// KindOf returns the kind of a stored record.
func (s *RecordStore) KindOf(id string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return "", false
	}
	return r.Kind, true
}

func (s *RecordStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *RecordStore) IDs() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRecord(r *Record) Record {
	out := Record{
		ID:      r.ID,
		Kind:    r.Kind,
		Scalars: make(map[string]any, len(r.Scalars)),
		Refs:    make(map[string]string, len(r.Refs)),
	}
	for k, v := range r.Scalars {
		out.Scalars[k] = v
	}
	for k, v := range r.Refs {
		out.Refs[k] = v
	}
	return out
}
