package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

func TestBreakerFetcher_OpensOnNetworkFailures(t *testing.T) {
	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, req Request) (*graph.Payload, error) {
		calls.Add(1)
		return nil, networkError(errors.New("connection refused"), req.Name)
	})
	b, err := NewBreakerFetcher(next, BreakerSettings{Name: "test", MaxFailures: 2, OpenTimeout: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := b.Fetch(context.Background(), Request{Name: "q"})
		require.True(t, IsNetwork(err))
	}
	require.Equal(t, "open", b.State())

	_, err = b.Fetch(context.Background(), Request{Name: "q"})
	require.True(t, IsNetwork(err))
	require.Equal(t, int32(2), calls.Load())
}

func TestBreakerFetcher_ProtocolErrorsDoNotTrip(t *testing.T) {
	next := FetcherFunc(func(ctx context.Context, req Request) (*graph.Payload, error) {
		return nil, protocolError(nil, "bad query")
	})
	b, err := NewBreakerFetcher(next, BreakerSettings{MaxFailures: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Fetch(context.Background(), Request{Name: "q"})
		require.True(t, IsProtocol(err))
	}
	require.Equal(t, "closed", b.State())
}

func TestBreakerFetcher_CallerCancellationDoesNotTrip(t *testing.T) {
	next := NewStaticFetcher().Add("q", StaticResponse{Wait: make(chan struct{})})
	b, err := NewBreakerFetcher(next, BreakerSettings{MaxFailures: 2, OpenTimeout: time.Hour})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := b.Fetch(cancelled, Request{Name: "q"})
		require.True(t, IsNetwork(err))
		require.ErrorIs(t, err, context.Canceled)
	}

	expired, cancelExpired := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancelExpired()
	for i := 0; i < 2; i++ {
		_, err := b.Fetch(expired, Request{Name: "q"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	require.Equal(t, "closed", b.State())
	require.Len(t, next.Calls(), 5)
}

func TestBreakerFetcher_PassesPayloadThrough(t *testing.T) {
	want := &graph.Payload{Entities: []graph.Entity{{ID: "U1", Kind: "AppUser"}}}
	b, err := NewBreakerFetcher(NewStaticFetcher().Add("q", StaticResponse{Payload: want}), BreakerSettings{})
	require.NoError(t, err)
	got, err := b.Fetch(context.Background(), Request{Name: "q"})
	require.NoError(t, err)
	require.Same(t, want, got)
}

func TestStaticFetcher_ReplaysInOrder(t *testing.T) {
	first := &graph.Payload{}
	second := &graph.Payload{Edges: []graph.Edge{{Cursor: "1", NodeID: "P1"}}}
	s := NewStaticFetcher().
		Add("q", StaticResponse{Payload: first}).
		Add("q", StaticResponse{Payload: second})

	got, err := s.Fetch(context.Background(), Request{Name: "q"})
	require.NoError(t, err)
	require.Same(t, first, got)
	for i := 0; i < 2; i++ {
		got, err = s.Fetch(context.Background(), Request{Name: "q"})
		require.NoError(t, err)
		require.Same(t, second, got)
	}
	require.Len(t, s.Calls(), 3)

	_, err = s.Fetch(context.Background(), Request{Name: "missing"})
	require.True(t, IsProtocol(err))
}
