package subscription

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicFunc maps a subscription request to a watermill topic.
type TopicFunc func(req Request) (string, error)

// UserFeedTopic routes userFeed subscriptions to "feed.<userId>".
func UserFeedTopic(req Request) (string, error) {
	userID, _ := req.Variables["userId"].(string)
	if userID == "" {
		return "", errors.New("watermill subscriber: variable userId is required")
	}
	return TopicForUser(userID), nil
}

func TopicForUser(userID string) string {
	return fmt.Sprintf("feed.%s", userID)
}

// WatermillSubscriber reads push events from a watermill topic. Each message
// payload is a GraphQL `{data, errors}` document.
type WatermillSubscriber struct {
	sub   message.Subscriber
	topic TopicFunc
}

func NewWatermillSubscriber(sub message.Subscriber, topic TopicFunc) (*WatermillSubscriber, error) {
	if sub == nil {
		return nil, errors.New("watermill subscriber: subscriber is nil")
	}
	if topic == nil {
		topic = UserFeedTopic
	}
	return &WatermillSubscriber{sub: sub, topic: topic}, nil
}

func (w *WatermillSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	topic, err := w.topic(req)
	if err != nil {
		return nil, err
	}
	s := newStream(ctx, nil)
	ch, err := w.sub.Subscribe(s.ctx, topic)
	if err != nil {
		_ = s.Close()
		return nil, transportError(err, "watermill subscriber: subscribe "+topic)
	}
	go consume(s, ch, topic)
	return s, nil
}

// Close closes the underlying watermill subscriber and ends every stream.
func (w *WatermillSubscriber) Close() error {
	return w.sub.Close()
}

func consume(s *stream, ch <-chan *message.Message, topic string) {
	logger := log.With().Str("component", "subscription").Str("topic", topic).Logger()
	logger.Debug().Msg("watermill subscription: started")
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if !s.closed() {
					logger.Warn().Msg("watermill subscription: channel closed by transport")
					s.fail(errors.Wrapf(ErrTransport, "watermill subscription %s closed", topic))
				}
				return
			}
			payload, err := DecodeResult(msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("watermill subscription: failed to decode event")
				msg.Ack()
				continue
			}
			s.emit(Event{Payload: payload})
			msg.Ack()
		}
	}
}

// PublishResult publishes data as a `{data}` push event on topic.
func PublishResult(pub message.Publisher, topic string, data any) error {
	if pub == nil {
		return errors.New("watermill publisher is nil")
	}
	raw, err := EncodeResult(data)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	if err := pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}
