package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedcache/pkg/config"
	"github.com/go-go-golems/feedcache/pkg/feed"
	"github.com/go-go-golems/feedcache/pkg/projector"
)

type PagesCommand struct {
	*cmds.CommandDescription
}

type PagesSettings struct {
	User     string `glazed:"user"`
	MaxPages int    `glazed:"max-pages"`
	Comments bool   `glazed:"comments"`
}

func NewPagesCommand() (*PagesCommand, error) {
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	configSections, err := config.Sections()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"pages",
		cmds.WithShort("Walk a user's feed backwards page by page"),
		cmds.WithLong("Mount the posts connection of a user and keep loading older pages until the server reports no previous page, printing a summary of every page."),
		cmds.WithFlags(
			fields.New("user", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Global id of the user")),
			fields.New("max-pages", fields.TypeInteger, fields.WithDefault(0),
				fields.WithHelp("Stop after this many pages (0 = until exhausted)")),
			fields.New("comments", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Also load the newest page of comments of every post")),
		),
		cmds.WithSections(append(configSections, commandSettingsSection)...),
	)
	return &PagesCommand{CommandDescription: desc}, nil
}

func (c *PagesCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	ps := &PagesSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ps); err != nil {
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
		Query:     feed.FeedQuery(ps.User, s.PageSize),
		Key:       feed.PostsKey(ps.User),
		Selection: feed.PostSelection,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Unmount() }()

	view, err := consumer.UseConnection()
	if err != nil {
		return err
	}
	printed := 0
	for page := 1; ; page++ {
		fresh := view.Items[printed:]
		if err := printPage(w, page, fresh, view.PageInfo.HasPreviousPage); err != nil {
			return err
		}
		if ps.Comments {
			if err := printComments(ctx, w, a.session, fresh, s.PageSize); err != nil {
				return err
			}
		}
		printed = len(view.Items)
		if !view.PageInfo.HasPreviousPage || (ps.MaxPages > 0 && page >= ps.MaxPages) {
			break
		}
		if err := consumer.LoadPrevious(ctx, s.PageSize); err != nil {
			return errors.Wrapf(err, "load page %d", page+1)
		}
		if view, err = consumer.UseConnection(); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "total: %d posts\n", printed)
	return err
}

// printPage prints the items of one page, newest first.
func printPage(w io.Writer, page int, items []projector.Item, more bool) error {
	if _, err := fmt.Fprintf(w, "page %d: %d posts (more: %t)\n", page, len(items), more); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := fmt.Fprintf(w, "  %s  %v  %s: %v\n", it.ID, it.Fields["createdOn"], authorName(it), it.Fields["content"]); err != nil {
			return err
		}
	}
	return nil
}

func printComments(ctx context.Context, w io.Writer, session *feed.Session, posts []projector.Item, count int) error {
	for _, post := range posts {
		consumer, err := session.Mount(ctx, feed.MountRequest{
			Query:     feed.PostCommentsQuery(post.ID, count),
			Key:       feed.CommentsKey(post.ID),
			Selection: feed.CommentSelection,
		})
		if err != nil {
			return err
		}
		view, err := consumer.UseConnection()
		if uerr := consumer.Unmount(); uerr != nil {
			log.Warn().Err(uerr).Str("post", post.ID).Msg("unmounting comments")
		}
		if err != nil {
			return err
		}
		for _, it := range view.Items {
			if _, err := fmt.Fprintf(w, "    > %s: %v\n", authorName(it), it.Fields["content"]); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ cmds.WriterCommand = &PagesCommand{}
