package store

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRecordStore_PutMergesFields(t *testing.T) {
	s := New()

	changed, err := s.Put(Record{ID: "P1", Kind: "Post", Scalars: map[string]any{"content": "hi"}, Refs: map[string]string{"author": "U1"}})
	require.NoError(t, err)
	require.Equal(t, []FieldRef{{ID: "P1", Field: KindField}, {ID: "P1", Field: "author"}, {ID: "P1", Field: "content"}}, changed)

	changed, err = s.Put(Record{ID: "P1", Kind: "Post", Scalars: map[string]any{"createdOn": "2024-01-01T00:00:00Z"}})
	require.NoError(t, err)
	require.Equal(t, []FieldRef{{ID: "P1", Field: "createdOn"}}, changed)

	rec, ok := s.Get("P1")
	require.True(t, ok)
	require.Equal(t, "hi", rec.Scalars["content"])
	require.Equal(t, "2024-01-01T00:00:00Z", rec.Scalars["createdOn"])
	author, ok := rec.Ref("author")
	require.True(t, ok)
	require.Equal(t, "U1", author)
}

func TestRecordStore_UnchangedValuesReportNothing(t *testing.T) {
	s := New()
	_, err := s.Put(Record{ID: "U1", Kind: "AppUser", Scalars: map[string]any{"firstName": "Ada"}})
	require.NoError(t, err)

	changed, err := s.Put(Record{ID: "U1", Kind: "AppUser", Scalars: map[string]any{"firstName": "Ada"}})
	require.NoError(t, err)
	require.Empty(t, changed)

	changed, err = s.Put(Record{ID: "U1", Kind: "AppUser", Scalars: map[string]any{"firstName": "Grace"}})
	require.NoError(t, err)
	require.Equal(t, []FieldRef{{ID: "U1", Field: "firstName"}}, changed)
}

func TestRecordStore_Errors(t *testing.T) {
	s := New()
	_, err := s.Put(Record{Kind: "Post"})
	require.Error(t, err)
	_, err = s.Put(Record{ID: "P1"})
	require.Error(t, err)

	_, err = s.Put(Record{ID: "P1", Kind: "Post"})
	require.NoError(t, err)
	_, err = s.Put(Record{ID: "P1", Kind: "AppUser"})
	require.True(t, errors.Is(err, ErrKindMismatch))
}

func TestRecordStore_PutAllWritesNothingOnKindMismatch(t *testing.T) {
	s := New()
	_, err := s.Put(Record{ID: "P9", Kind: "Post", Scalars: map[string]any{"content": "nine"}})
	require.NoError(t, err)

	batch := []Record{
		{ID: "P8", Kind: "Post", Scalars: map[string]any{"content": "eight"}},
		{ID: "P9", Kind: "AppUser", Scalars: map[string]any{"firstName": "Ada"}},
	}
	require.True(t, errors.Is(s.Check(batch), ErrKindMismatch))
	_, err = s.PutAll(batch)
	require.True(t, errors.Is(err, ErrKindMismatch))
	require.False(t, s.Has("P8"))
	p9, ok := s.Get("P9")
	require.True(t, ok)
	require.Equal(t, "Post", p9.Kind)
	require.Equal(t, map[string]any{"content": "nine"}, p9.Scalars)

	_, err = s.PutAll([]Record{{ID: "X1", Kind: "Post"}, {ID: "X1", Kind: "Comment"}})
	require.True(t, errors.Is(err, ErrKindMismatch))
	require.False(t, s.Has("X1"))

	changed, err := s.PutAll([]Record{batch[0], {ID: "P9", Kind: "Post", Scalars: map[string]any{"content": "nine!"}}})
	require.NoError(t, err)
	require.Contains(t, changed, FieldRef{ID: "P8", Field: KindField})
	require.Contains(t, changed, FieldRef{ID: "P9", Field: "content"})
}

func TestRecordStore_GetMissAndCopies(t *testing.T) {
	s := New()
	_, ok := s.Get("nope")
	require.False(t, ok)

	_, err := s.Put(Record{ID: "U1", Kind: "AppUser", Scalars: map[string]any{"firstName": "Ada"}})
	require.NoError(t, err)
	rec, _ := s.Get("U1")
	rec.Scalars["firstName"] = "mutated"

	again, _ := s.Get("U1")
	require.Equal(t, "Ada", again.Scalars["firstName"])
	require.Equal(t, 1, s.Len())
	require.Equal(t, []string{"U1"}, s.IDs())
	kind, ok := s.KindOf("U1")
	require.True(t, ok)
	require.Equal(t, "AppUser", kind)
}
