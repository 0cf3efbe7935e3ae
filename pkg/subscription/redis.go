package subscription

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/feedcache/pkg/redisstream"
)

// RedisSubscriber reads userFeed events from Redis Streams, one stream per
// user topic. Consumer groups are created at the stream tail so a new
// subscriber does not replay old posts.
type RedisSubscriber struct {
	*WatermillSubscriber
	client redis.UniversalClient
	group  string
}

func NewRedisSubscriber(client redis.UniversalClient, s redisstream.Settings) (*RedisSubscriber, error) {
	if client == nil {
		return nil, errors.New("redis subscriber: client is nil")
	}
	sub, err := redisstream.NewSubscriber(client, s)
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	w, err := NewWatermillSubscriber(sub, UserFeedTopic)
	if err != nil {
		return nil, err
	}
	return &RedisSubscriber{WatermillSubscriber: w, client: client, group: s.Group}, nil
}

func (r *RedisSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	topic, err := r.topic(req)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := redisstream.EnsureGroupAtTail(ctx, r.client, topic, r.group); err != nil {
		return nil, transportError(err, "redis subscriber")
	}
	return r.WatermillSubscriber.Subscribe(ctx, req)
}
