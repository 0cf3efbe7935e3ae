package fetch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/go-go-golems/feedcache/pkg/graph"
)

type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive network failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial request through.
	OpenTimeout time.Duration
}

// BreakerFetcher fails fast while the upstream keeps failing at the transport
// level. Protocol errors and requests whose caller gave up do not count as
// failures. It never retries.
type BreakerFetcher struct {
	next Fetcher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerFetcher(next Fetcher, s BreakerSettings) (*BreakerFetcher, error) {
	if next == nil {
		return nil, errors.New("breaker fetcher: next fetcher is nil")
	}
	if s.Name == "" {
		s.Name = "fetch"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	maxFailures := s.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var gone *callerGone
			if errors.As(err, &gone) {
				return true
			}
			return err == nil || !IsNetwork(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("component", "fetch").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return &BreakerFetcher{next: next, cb: cb}, nil
}

func (b *BreakerFetcher) Fetch(ctx context.Context, req Request) (*graph.Payload, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		payload, err := b.next.Fetch(ctx, req)
		if err != nil && ctx.Err() != nil {
			return nil, &callerGone{err: err}
		}
		return payload, err
	})
	if err != nil {
		var gone *callerGone
		if errors.As(err, &gone) {
			return nil, gone.err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, networkError(err, "circuit open")
		}
		return nil, err
	}
	payload, _ := out.(*graph.Payload)
	return payload, nil
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *BreakerFetcher) State() string {
	return b.cb.State().String()
}

// callerGone marks a failure caused by the caller's own context ending.
type callerGone struct {
	err error
}

func (c *callerGone) Error() string { return c.err.Error() }

func (c *callerGone) Unwrap() error { return c.err }
