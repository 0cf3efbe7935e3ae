package subscription

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

// PostSource is the query side the poller reads new posts from.
type PostSource interface {
	LatestPostID(ctx context.Context, userID string) (int32, error)
	PostsSince(ctx context.Context, userID string, afterDBID int32) (*graph.Payload, int32, error)
}

// PollSubscriber serves userFeed by polling a PostSource at a fixed interval.
// Only posts created after Subscribe are delivered, one event per non-empty poll.
type PollSubscriber struct {
	source   PostSource
	interval time.Duration
}

func NewPollSubscriber(source PostSource, interval time.Duration) (*PollSubscriber, error) {
	if source == nil {
		return nil, errors.New("poll subscriber: source is nil")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PollSubscriber{source: source, interval: interval}, nil
}

func (p *PollSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	userID, _ := req.Variables["userId"].(string)
	if userID == "" {
		return nil, errors.New("poll subscriber: variable userId is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	last, err := p.source.LatestPostID(ctx, userID)
	if err != nil {
		return nil, transportError(err, "poll subscriber: latest post")
	}
	s := newStream(ctx, nil)
	go p.poll(s, userID, last)
	return s, nil
}

func (p *PollSubscriber) poll(s *stream, userID string, last int32) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		payload, next, err := p.source.PostsSince(s.ctx, userID, last)
		if err != nil {
			if s.closed() {
				return
			}
			// A failed poll is retried on the next tick.
			log.Warn().Err(err).Str("component", "subscription").Str("user_id", userID).Msg("poll subscription: poll failed")
			continue
		}
		last = next
		if payload != nil && len(payload.Edges) > 0 {
			s.emit(Event{Payload: payload})
		}
	}
}
