package fetch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

func newFixture(t *testing.T) (*SQLiteFetcher, SeedResult) {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "fixture.db"))
	require.NoError(t, err)
	f, err := NewSQLiteFetcher(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	res, err := SeedFixture(context.Background(), f, SeedOptions{
		Users:           2,
		PostsPerUser:    5,
		CommentsPerPost: 2,
		Start:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:            time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, res.UserIDs, 2)
	require.Len(t, res.PostIDs, 10)
	require.Equal(t, 20, res.Comments)
	return f, res
}

func cursorIDs(t *testing.T, edges []graph.Edge) []int32 {
	t.Helper()
	out := make([]int32, 0, len(edges))
	for _, e := range edges {
		id, err := graph.DecodeDBCursor(e.Cursor)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func TestSQLiteFetcher_FeedAndBackwardPagination(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	user := seed.UserIDs[0]

	p, err := f.Fetch(ctx, Request{Name: OpFeedQuery, Variables: map[string]any{"id": user, "last": 2}})
	require.NoError(t, err)
	conn, ok := p.Connection(user, "posts")
	require.True(t, ok)
	// User 1 owns the odd post ids because posts are interleaved.
	require.Equal(t, []int32{7, 9}, cursorIDs(t, conn.Edges))
	require.True(t, conn.PageInfo.HasPreviousPage)
	require.Equal(t, conn.Edges[0].Cursor, conn.PageInfo.StartCursor)

	owner, ok := p.Entity(user)
	require.True(t, ok)
	require.Equal(t, "AppUser", owner.Kind)
	require.Equal(t, "Ada", owner.Scalars["firstName"])

	post, ok := p.Entity(conn.Edges[1].NodeID)
	require.True(t, ok)
	require.Equal(t, "Post", post.Kind)
	require.Equal(t, user, post.Refs["author"])
	require.Equal(t, "2024-01-01T00:08:00Z", post.Scalars["createdOn"])

	p, err = f.Fetch(ctx, Request{Name: OpFeedPaginationQuery, Variables: map[string]any{
		"id": user, "field": "posts", "before": conn.PageInfo.StartCursor, "last": float64(2),
	}})
	require.NoError(t, err)
	conn, ok = p.Connection(user, "posts")
	require.True(t, ok)
	require.Equal(t, []int32{3, 5}, cursorIDs(t, conn.Edges))
	require.True(t, conn.PageInfo.HasPreviousPage)

	p, err = f.Fetch(ctx, Request{Name: OpFeedPaginationQuery, Variables: map[string]any{
		"id": user, "before": conn.PageInfo.StartCursor, "last": 2,
	}})
	require.NoError(t, err)
	conn, ok = p.Connection(user, "posts")
	require.True(t, ok)
	require.Equal(t, []int32{1}, cursorIDs(t, conn.Edges))
	require.False(t, conn.PageInfo.HasPreviousPage)

	p, err = f.Fetch(ctx, Request{Name: OpFeedPaginationQuery, Variables: map[string]any{
		"id": user, "before": conn.PageInfo.StartCursor, "last": 2,
	}})
	require.NoError(t, err)
	conn, ok = p.Connection(user, "posts")
	require.True(t, ok)
	require.Empty(t, conn.Edges)
	require.False(t, conn.PageInfo.HasPreviousPage)
}

func TestSQLiteFetcher_Comments(t *testing.T) {
	f, seed := newFixture(t)
	postID := seed.PostIDs[0]

	p, err := f.Fetch(context.Background(), Request{Name: OpPostCommentsQuery, Variables: map[string]any{"id": postID, "last": 10}})
	require.NoError(t, err)
	conn, ok := p.Connection(postID, "comments")
	require.True(t, ok)
	require.Len(t, conn.Edges, 2)
	require.False(t, conn.PageInfo.HasPreviousPage)

	c, ok := p.Entity(conn.Edges[0].NodeID)
	require.True(t, ok)
	require.Equal(t, "Comment", c.Kind)
	require.Equal(t, postID, c.Refs["post"])
	require.Equal(t, seed.UserIDs[1], c.Refs["author"])
}

func TestSQLiteFetcher_PostsSince(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	user := seed.UserIDs[0]

	latest, err := f.LatestPostID(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int32(9), latest)

	p, last, err := f.PostsSince(ctx, user, latest)
	require.NoError(t, err)
	require.Empty(t, p.Edges)
	require.Equal(t, latest, last)

	newID, err := f.CreatePost(ctx, user, "fresh", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	p, last, err = f.PostsSince(ctx, user, latest)
	require.NoError(t, err)
	require.Len(t, p.Edges, 1)
	require.Equal(t, newID, p.Edges[0].NodeID)
	require.Equal(t, int32(11), last)
	e, ok := p.Entity(newID)
	require.True(t, ok)
	require.Equal(t, "fresh", e.Scalars["content"])
}

func TestSQLiteFetcher_RejectsBadRequests(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()

	_, err := f.Fetch(ctx, Request{Name: "Nope", Variables: map[string]any{"id": seed.UserIDs[0]}})
	require.True(t, IsProtocol(err))

	_, err = f.Fetch(ctx, Request{Name: OpFeedQuery})
	require.True(t, IsProtocol(err))

	_, err = f.Fetch(ctx, Request{Name: OpFeedPaginationQuery, Variables: map[string]any{
		"id": seed.UserIDs[0], "field": "comments",
	}})
	require.True(t, IsProtocol(err))

	_, err = f.Fetch(ctx, Request{Name: OpFeedQuery, Variables: map[string]any{"id": graph.EncodeID(99, "AppUser")}})
	require.True(t, IsProtocol(err))

	_, err = f.Fetch(ctx, Request{Name: OpFeedQuery, Variables: map[string]any{"id": seed.UserIDs[0], "last": -1}})
	require.True(t, IsProtocol(err))
}

func TestDetermineRange(t *testing.T) {
	ptr := func(v int) *int { return &v }
	cases := []struct {
		name                       string
		after, before, first, last *int
		n                          int
		start, end                 int
		ok                         bool
	}{
		{name: "forward", after: ptr(2), first: ptr(4), n: 10, start: 3, end: 6, ok: true},
		{name: "forward single", after: ptr(2), first: ptr(1), n: 10, start: 3, end: 3, ok: true},
		{name: "backward", before: ptr(2), last: ptr(4), n: 10, start: 0, end: 1, ok: true},
		{name: "backward single", before: ptr(2), last: ptr(1), n: 10, start: 1, end: 1, ok: true},
		{name: "too few results", after: ptr(7), first: ptr(4), n: 10, start: 8, end: 9, ok: true},
		{name: "after with before", after: ptr(2), before: ptr(5), first: ptr(4), n: 10, start: 3, end: 4, ok: true},
		{name: "all", n: 10, start: 0, end: 9, ok: true},
		{name: "after with last", after: ptr(5), last: ptr(2), n: 10, start: 8, end: 9, ok: true},
		{name: "after with last at edge", after: ptr(9), last: ptr(1), n: 10},
		{name: "before with first", before: ptr(4), first: ptr(3), n: 10, start: 0, end: 2, ok: true},
		{name: "before first element", before: ptr(0), first: ptr(1), n: 10},
		{name: "short", after: ptr(0), first: ptr(3), n: 2, start: 1, end: 1, ok: true},
		{name: "single input", after: ptr(0), first: ptr(3), n: 1},
		{name: "empty input", after: ptr(0), first: ptr(3), n: 0},
		{name: "empty without args", n: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, ok := determineRange(tc.after, tc.before, tc.first, tc.last, tc.n)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.start, start)
				require.Equal(t, tc.end, end)
			}
		})
	}
}
