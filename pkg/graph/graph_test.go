package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_FeedQuery(t *testing.T) {
	data := []byte(`{
		"user": {
			"id": "U1", "__typename": "AppUser", "firstName": "Ada", "lastName": "L",
			"posts": {
				"edges": [
					{"cursor": "100", "node": {"id": "P9", "__typename": "Post", "content": "hi", "createdOn": "2024-01-01T00:00:00Z",
						"author": {"id": "U1", "__typename": "AppUser", "firstName": "Ada"}}}
				],
				"pageInfo": {"hasPreviousPage": true, "startCursor": "100"}
			}
		}
	}`)

	p, err := Normalize(data)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	require.Len(t, p.Entities, 2)
	user, ok := p.Entity("U1")
	require.True(t, ok)
	require.Equal(t, "AppUser", user.Kind)
	require.Equal(t, "L", user.Scalars["lastName"])

	post, ok := p.Entity("P9")
	require.True(t, ok)
	require.Equal(t, "U1", post.Refs["author"])
	require.Equal(t, "hi", post.Scalars["content"])

	conn, ok := p.Connection("U1", "posts")
	require.True(t, ok)
	require.Equal(t, []Edge{{Cursor: "100", NodeID: "P9"}}, conn.Edges)
	require.Equal(t, PageInfo{HasPreviousPage: true, StartCursor: "100"}, conn.PageInfo)
}

func TestNormalize_SubscriptionEdges(t *testing.T) {
	data := []byte(`{"userFeed": [
		{"cursor": "110", "node": {"id": "P10", "__typename": "Post", "content": "new"}},
		{"cursor": "111", "node": {"id": "P11", "__typename": "Post", "content": "newer"}}
	]}`)

	p, err := Normalize(data)
	require.NoError(t, err)
	require.Empty(t, p.Connections)
	require.Equal(t, []Edge{{Cursor: "110", NodeID: "P10"}, {Cursor: "111", NodeID: "P11"}}, p.Edges)
	require.NoError(t, p.Validate())
}

func TestNormalize_ConflictingKinds(t *testing.T) {
	_, err := Normalize([]byte(`{"a": {"id": "X", "__typename": "Post"}, "b": {"id": "X", "__typename": "AppUser"}}`))
	require.Error(t, err)
}

func TestNormalize_Null(t *testing.T) {
	p, err := Normalize([]byte(`null`))
	require.NoError(t, err)
	require.Empty(t, p.Entities)
}

func TestPayloadValidate_DanglingEdge(t *testing.T) {
	p := &Payload{Edges: []Edge{{Cursor: "1", NodeID: "missing"}}}
	require.Error(t, p.Validate())
}

func TestGlobalIDRoundTrip(t *testing.T) {
	id := EncodeID(42, "Post")
	dbID, typ, err := DecodeID(id)
	require.NoError(t, err)
	require.Equal(t, int64(42), dbID)
	require.Equal(t, "Post", typ)

	_, _, err = DecodeID(EncodeID(1, ""))
	require.Error(t, err)
}

func TestDBCursorRoundTrip(t *testing.T) {
	for _, x := range []int32{-2147483648, -1, 0, 1, 2147483647} {
		got, err := DecodeDBCursor(EncodeDBCursor(x))
		require.NoError(t, err)
		require.Equal(t, x, got)
	}
	_, err := DecodeDBCursor("AAAA")
	require.Error(t, err)
}

func TestCompareCursors(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"100", "90", 1},
		{"90", "100", -1},
		{"95", "95", 0},
		{"2024-01-02T00:00:00Z", "2024-01-01T23:59:59.999Z", 1},
		{EncodeDBCursor(3), EncodeDBCursor(300), -1},
		{"b", "a", 1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CompareCursors(c.a, c.b), "%s vs %s", c.a, c.b)
	}
	require.True(t, Newer("110", "100"))
	require.False(t, Newer("100", "100"))
}
