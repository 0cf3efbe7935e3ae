package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const feedResponse = `{"data":{"user":{"id":"U1","__typename":"AppUser","firstName":"Ada","lastName":"Lovelace",
"posts":{"edges":[
 {"cursor":"100","node":{"id":"P100","__typename":"Post","content":"newest","createdOn":"2024-01-02T00:00:00Z","author":{"id":"U1","__typename":"AppUser"}}},
 {"cursor":"90","node":{"id":"P90","__typename":"Post","content":"older","createdOn":"2024-01-01T00:00:00Z","author":{"id":"U1","__typename":"AppUser"}}}
],"pageInfo":{"hasPreviousPage":true,"startCursor":"90"}}}}}`

func TestHTTPFetcher_PostsRequestAndNormalizes(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(feedResponse))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, WithHeader("Authorization", "Bearer t"))
	require.NoError(t, err)

	p, err := f.Fetch(context.Background(), Request{
		Name:      "FeedQuery",
		Query:     "query FeedQuery($id: ID!) { user(id: $id) { id } }",
		Variables: map[string]any{"id": "U1"},
	})
	require.NoError(t, err)
	require.Equal(t, "FeedQuery", got.Name)
	require.Equal(t, "U1", got.Variables["id"])

	conn, ok := p.Connection("U1", "posts")
	require.True(t, ok)
	require.Len(t, conn.Edges, 2)
	require.Equal(t, "P100", conn.Edges[0].NodeID)
	require.True(t, conn.PageInfo.HasPreviousPage)
	require.Equal(t, "90", conn.PageInfo.StartCursor)

	post, ok := p.Entity("P90")
	require.True(t, ok)
	require.Equal(t, "U1", post.Refs["author"])
	require.Equal(t, "older", post.Scalars["content"])
}

func TestHTTPFetcher_GraphQLErrorsAreProtocolErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"user not found"}]}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), Request{Name: "FeedQuery"})
	require.Error(t, err)
	require.True(t, IsProtocol(err))
	require.False(t, IsNetwork(err))
	require.Contains(t, err.Error(), "user not found")
}

func TestHTTPFetcher_StatusAndDecodeFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			_, _ = w.Write([]byte(`{not json`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), Request{Name: "FeedQuery"})
	require.True(t, IsProtocol(err))

	f, err = NewHTTPFetcher(srv.URL + "/broken")
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), Request{Name: "FeedQuery"})
	require.True(t, IsProtocol(err))
}

func TestHTTPFetcher_TransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, err := NewHTTPFetcher(url)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), Request{Name: "FeedQuery"})
	require.Error(t, err)
	require.True(t, IsNetwork(err))
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, Request{Name: "FeedQuery"})
	require.True(t, IsNetwork(err))
}

func TestNewHTTPFetcher_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPFetcher("  ")
	require.Error(t, err)
}

func TestRequest_WithVariablesDoesNotMutate(t *testing.T) {
	base := Request{Name: "q", Variables: map[string]any{"id": "U1", "last": 10}}
	next := base.WithVariables(map[string]any{"last": 5, "before": "c"})
	require.Equal(t, 10, base.Variables["last"])
	require.Equal(t, 5, next.Variables["last"])
	require.Equal(t, "U1", next.Variables["id"])
	require.Equal(t, "c", next.Variables["before"])
}
