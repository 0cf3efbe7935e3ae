package cmds

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/feedcache/pkg/config"
	"github.com/go-go-golems/feedcache/pkg/feed"
	"github.com/go-go-golems/feedcache/pkg/metrics"
	"github.com/go-go-golems/feedcache/pkg/projector"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

type WatchSettings struct {
	User        string `glazed:"user"`
	Pages       int    `glazed:"pages"`
	Follow      bool   `glazed:"follow"`
	Duration    int    `glazed:"duration"`
	MetricsAddr string `glazed:"metrics-addr"`
}

func NewWatchCommand() (*WatchCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	configSections, err := config.Sections()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Print a user's feed and follow live updates"),
		cmds.WithLong("Mount the posts connection of a user, load the requested number of pages and print one row per post. With --follow, new posts pushed by the configured transport are printed as they arrive."),
		cmds.WithFlags(
			fields.New("user", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Global id of the user whose feed to watch")),
			fields.New("pages", fields.TypeInteger, fields.WithDefault(1),
				fields.WithHelp("Number of pages to load before printing")),
			fields.New("follow", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Subscribe and keep printing new posts")),
			fields.New("duration", fields.TypeInteger, fields.WithDefault(0),
				fields.WithHelp("Stop following after this many seconds (0 = until interrupted)")),
			fields.New("metrics-addr", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Serve Prometheus metrics on this address while following")),
		),
		cmds.WithSections(append(configSections, glazedSection, commandSettingsSection)...),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

func (c *WatchCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	ws := &WatchSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ws); err != nil {
		return err
	}
	s, err := config.FromValues(parsedLayers)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("closing feed session")
		}
	}()

	consumer, err := a.session.Mount(ctx, feed.MountRequest{
		Query:     feed.FeedQuery(ws.User, s.PageSize),
		Key:       feed.PostsKey(ws.User),
		Selection: feed.PostSelection,
	})
	if err != nil {
		return err
	}
	for i := 1; i < ws.Pages; i++ {
		if err := consumer.LoadPrevious(ctx, s.PageSize); err != nil {
			return errors.Wrapf(err, "load page %d", i+1)
		}
	}

	seen := map[string]struct{}{}
	view, err := consumer.UseConnection()
	if err != nil {
		return err
	}
	if err := emitNew(ctx, gp, view, seen); err != nil {
		return err
	}
	if !ws.Follow {
		return nil
	}

	if ws.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ws.Duration)*time.Second)
		defer cancel()
	}
	sub, err := consumer.Subscribe(ctx, feed.UserFeedSubscription(ws.User), nil)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	eg, ctx := errgroup.WithContext(ctx)
	if ws.MetricsAddr != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, ws.MetricsAddr, a.session.Metrics())
		})
	}
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sub.Done():
				return sub.Err()
			case <-consumer.Stale():
				view, err := consumer.UseConnection()
				if err != nil {
					return err
				}
				if err := emitNew(ctx, gp, view, seen); err != nil {
					return err
				}
			}
		}
	})
	return eg.Wait()
}

// emitNew adds a row for every item not printed before.
func emitNew(ctx context.Context, gp middlewares.Processor, view *projector.View, seen map[string]struct{}) error {
	for i, item := range view.Items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		if err := gp.AddRow(ctx, itemRow(i, item)); err != nil {
			return err
		}
	}
	return nil
}

func itemRow(position int, item projector.Item) types.Row {
	return types.NewRow(
		types.MRP("position", position),
		types.MRP("id", item.ID),
		types.MRP("cursor", item.Cursor),
		types.MRP("created_on", item.Fields["createdOn"]),
		types.MRP("author", authorName(item)),
		types.MRP("content", item.Fields["content"]),
	)
}

func authorName(item projector.Item) string {
	author := item.Refs["author"]
	if author == nil {
		return ""
	}
	var parts []string
	for _, f := range []string{"firstName", "lastName"} {
		if v, ok := author.Fields[f].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var _ cmds.GlazeCommand = &WatchCommand{}
