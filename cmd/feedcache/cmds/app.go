package cmds

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/config"
	"github.com/go-go-golems/feedcache/pkg/feed"
	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/redisstream"
	"github.com/go-go-golems/feedcache/pkg/subscription"
)

// app is a session plus the resources it was built from.
type app struct {
	settings config.Settings
	session  *feed.Session
	fixture  *fetch.SQLiteFetcher
	closers  []io.Closer
}

func openFixture(path string) (*fetch.SQLiteFetcher, error) {
	dsn, err := fetch.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return fetch.NewSQLiteFetcher(dsn)
}

func newApp(ctx context.Context, s config.Settings) (*app, error) {
	a := &app{settings: s}

	var fetcher fetch.Fetcher
	switch s.Source {
	case config.SourceSQLite:
		f, err := openFixture(s.Fixture)
		if err != nil {
			return nil, err
		}
		a.fixture = f
		a.closers = append(a.closers, f)
		fetcher = f
	case config.SourceHTTP:
		f, err := fetch.NewHTTPFetcher(s.Endpoint)
		if err != nil {
			return nil, err
		}
		fetcher = f
	default:
		return nil, errors.Errorf("unknown source %q", s.Source)
	}

	if s.BreakerFailures > 0 {
		b, err := fetch.NewBreakerFetcher(fetcher, fetch.BreakerSettings{
			Name:        s.Source,
			MaxFailures: uint32(s.BreakerFailures),
			OpenTimeout: time.Duration(s.BreakerTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		fetcher = b
	}

	sub, err := a.subscriber()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	session, err := feed.NewSession(ctx, feed.Options{
		Name:       "feedcache",
		Fetcher:    fetcher,
		Subscriber: sub,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.session = session
	log.Debug().Str("source", s.Source).Str("push", s.Push).Msg("feed session ready")
	return a, nil
}

func (a *app) subscriber() (subscription.Subscriber, error) {
	s := a.settings
	switch s.Push {
	case config.PushNone, "":
		return nil, nil
	case config.PushWS:
		return subscription.NewWSSubscriber(s.WSURL)
	case config.PushPoll:
		if a.fixture == nil {
			return nil, errors.New("push poll needs source sqlite")
		}
		return subscription.NewPollSubscriber(a.fixture, time.Duration(s.PollIntervalMS)*time.Millisecond)
	case config.PushRedis:
		client := redisstream.NewClient(s.Redis)
		a.closers = append(a.closers, client)
		return subscription.NewRedisSubscriber(client, s.Redis)
	default:
		return nil, errors.Errorf("unknown push transport %q", s.Push)
	}
}

// Close closes the session first, then the fetcher and clients.
func (a *app) Close() error {
	var result *multierror.Error
	if a.session != nil {
		result = multierror.Append(result, a.session.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		result = multierror.Append(result, a.closers[i].Close())
	}
	return result.ErrorOrNil()
}
