package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GraphQLTransportWS is the websocket subprotocol spoken by WSSubscriber.
const GraphQLTransportWS = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	MsgConnectionInit = "connection_init"
	MsgConnectionAck  = "connection_ack"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgSubscribe      = "subscribe"
	MsgNext           = "next"
	MsgError          = "error"
	MsgComplete       = "complete"
)

// Message is one graphql-transport-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscriber opens one websocket per subscription. It does not reconnect.
type WSSubscriber struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	initPayload map[string]any
	ackTimeout  time.Duration
}

type WSOption func(*WSSubscriber)

func WithDialer(d *websocket.Dialer) WSOption {
	return func(w *WSSubscriber) {
		if d != nil {
			w.dialer = d
		}
	}
}

func WithWSHeader(key, value string) WSOption {
	return func(w *WSSubscriber) { w.header.Add(key, value) }
}

// WithInitPayload sets the connection_init payload (auth tokens and the like).
func WithInitPayload(p map[string]any) WSOption {
	return func(w *WSSubscriber) { w.initPayload = p }
}

func WithAckTimeout(d time.Duration) WSOption {
	return func(w *WSSubscriber) {
		if d > 0 {
			w.ackTimeout = d
		}
	}
}

func NewWSSubscriber(url string, opts ...WSOption) (*WSSubscriber, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("ws subscriber: url is empty")
	}
	w := &WSSubscriber{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		header:     http.Header{},
		ackTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *WSSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := *w.dialer
	dialer.Subprotocols = []string{GraphQLTransportWS}
	conn, _, err := dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, transportError(err, "ws subscriber: dial")
	}

	c := &wsConn{conn: conn, id: uuid.NewString(), name: req.Name}
	if err := c.handshake(w.initPayload, w.ackTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "ws subscriber: encode subscribe payload")
	}
	if err := c.write(Message{ID: c.id, Type: MsgSubscribe, Payload: payload}); err != nil {
		_ = conn.Close()
		return nil, transportError(err, "ws subscriber: subscribe")
	}

	s := newStream(ctx, c.close)
	go c.read(s)
	// The socket lives until the stream ends, whichever side ends it.
	go func() {
		<-s.ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type wsConn struct {
	conn *websocket.Conn
	id   string
	name string

	writeMu sync.Mutex
	done    bool
}

func (c *wsConn) write(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.done {
		return errors.New("connection closed")
	}
	return c.conn.WriteJSON(m)
}

func (c *wsConn) handshake(initPayload map[string]any, timeout time.Duration) error {
	var raw json.RawMessage
	if initPayload != nil {
		b, err := json.Marshal(initPayload)
		if err != nil {
			return errors.Wrap(err, "ws subscriber: encode init payload")
		}
		raw = b
	}
	if err := c.write(Message{Type: MsgConnectionInit, Payload: raw}); err != nil {
		return transportError(err, "ws subscriber: connection_init")
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			return transportError(err, "ws subscriber: waiting for connection_ack")
		}
		switch m.Type {
		case MsgConnectionAck:
			return nil
		case MsgPing:
			if err := c.write(Message{Type: MsgPong}); err != nil {
				return transportError(err, "ws subscriber: pong")
			}
		default:
			return errors.Wrapf(ErrRejected, "ws subscriber: unexpected %q before connection_ack", m.Type)
		}
	}
}

// close sends complete and closes the socket. Safe to call more than once.
func (c *wsConn) close() error {
	c.writeMu.Lock()
	if c.done {
		c.writeMu.Unlock()
		return nil
	}
	_ = c.conn.WriteJSON(Message{ID: c.id, Type: MsgComplete})
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.done = true
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) read(s *stream) {
	logger := log.With().Str("component", "subscription").Str("operation", c.name).Str("subscription_id", c.id).Logger()
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			if s.closed() {
				return
			}
			logger.Warn().Err(err).Msg("ws subscription: read failed")
			s.fail(transportError(err, "ws subscription"))
			return
		}
		switch m.Type {
		case MsgNext:
			if m.ID != c.id {
				continue
			}
			payload, err := DecodeResult(m.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("ws subscription: dropping undecodable event")
				continue
			}
			s.emit(Event{Payload: payload})
		case MsgError:
			if m.ID != c.id {
				continue
			}
			s.fail(errors.Wrap(ErrRejected, strings.TrimSpace(string(m.Payload))))
			return
		case MsgComplete:
			if m.ID != c.id {
				continue
			}
			logger.Debug().Msg("ws subscription: completed by server")
			s.finish()
			return
		case MsgPing:
			if err := c.write(Message{Type: MsgPong}); err != nil && !s.closed() {
				logger.Warn().Err(err).Msg("ws subscription: pong failed")
			}
		case MsgPong:
		default:
			logger.Debug().Str("type", m.Type).Msg("ws subscription: ignoring message")
		}
	}
}
