package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const userFeedEvent = `{"data":{"userFeed":[{"cursor":"110","node":{"id":"P110","__typename":"Post","content":"hi","author":{"id":"U1","__typename":"AppUser"}}}]}}`

// fakeServer speaks just enough graphql-transport-ws for the client tests.
type fakeServer struct {
	t        *testing.T
	events   []string
	terminal string
	got      chan Message
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{GraphQLTransportWS},
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var init Message
	if err := conn.ReadJSON(&init); err != nil || init.Type != MsgConnectionInit {
		return
	}
	_ = conn.WriteJSON(Message{Type: MsgPing})
	var pong Message
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != MsgPong {
		return
	}
	_ = conn.WriteJSON(Message{Type: MsgConnectionAck})

	var sub Message
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}
	f.got <- sub
	for _, ev := range f.events {
		_ = conn.WriteJSON(Message{ID: sub.ID, Type: MsgNext, Payload: json.RawMessage(ev)})
	}
	switch f.terminal {
	case MsgComplete:
		_ = conn.WriteJSON(Message{ID: sub.ID, Type: MsgComplete})
	case MsgError:
		_ = conn.WriteJSON(Message{ID: sub.ID, Type: MsgError, Payload: json.RawMessage(`[{"message":"forbidden"}]`)})
	case "drop":
		return
	}
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		f.got <- m
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, s Stream) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestWSSubscriber_DeliversEventsInOrderUntilComplete(t *testing.T) {
	fs := &fakeServer{t: t, events: []string{userFeedEvent, `{"data":{"userFeed":[]}}`}, terminal: MsgComplete, got: make(chan Message, 8)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	w, err := NewWSSubscriber(wsURL(srv))
	require.NoError(t, err)
	s, err := w.Subscribe(context.Background(), Request{Name: "UserFeedSubscription", Query: "subscription { userFeed }", Variables: map[string]any{"userId": "U1"}})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	sub := <-fs.got
	require.Equal(t, MsgSubscribe, sub.Type)
	require.NotEmpty(t, sub.ID)
	require.Contains(t, string(sub.Payload), `"userId":"U1"`)

	events := collect(t, s)
	require.Len(t, events, 2)
	require.NoError(t, events[0].Err)
	require.Len(t, events[0].Payload.Edges, 1)
	require.Equal(t, "P110", events[0].Payload.Edges[0].NodeID)
	require.Empty(t, events[1].Payload.Edges)
}

func TestWSSubscriber_ServerErrorIsTerminal(t *testing.T) {
	fs := &fakeServer{t: t, events: []string{userFeedEvent}, terminal: MsgError, got: make(chan Message, 8)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	w, err := NewWSSubscriber(wsURL(srv))
	require.NoError(t, err)
	s, err := w.Subscribe(context.Background(), Request{Name: "UserFeedSubscription"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events := collect(t, s)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Payload)
	require.True(t, errors.Is(events[1].Err, ErrRejected))
}

func TestWSSubscriber_DroppedConnectionIsTransportError(t *testing.T) {
	fs := &fakeServer{t: t, terminal: "drop", got: make(chan Message, 8)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	w, err := NewWSSubscriber(wsURL(srv))
	require.NoError(t, err)
	s, err := w.Subscribe(context.Background(), Request{Name: "UserFeedSubscription"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events := collect(t, s)
	require.Len(t, events, 1)
	require.True(t, errors.Is(events[0].Err, ErrTransport))
}

func TestWSSubscriber_CloseSendsCompleteAndIsIdempotent(t *testing.T) {
	fs := &fakeServer{t: t, got: make(chan Message, 8)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	w, err := NewWSSubscriber(wsURL(srv))
	require.NoError(t, err)
	s, err := w.Subscribe(context.Background(), Request{Name: "UserFeedSubscription"})
	require.NoError(t, err)
	sub := <-fs.got

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case m := <-fs.got:
		require.Equal(t, MsgComplete, m.Type)
		require.Equal(t, sub.ID, m.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw complete")
	}
	require.Empty(t, collect(t, s))
}

func TestWSSubscriber_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	w, err := NewWSSubscriber(url)
	require.NoError(t, err)
	_, err = w.Subscribe(context.Background(), Request{Name: "UserFeedSubscription"})
	require.True(t, errors.Is(err, ErrTransport))
}
