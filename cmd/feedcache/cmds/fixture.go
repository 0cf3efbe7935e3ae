package cmds

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/feedcache/pkg/config"
	"github.com/go-go-golems/feedcache/pkg/fetch"
	"github.com/go-go-golems/feedcache/pkg/redisstream"
	"github.com/go-go-golems/feedcache/pkg/subscription"
)

type SeedCommand struct {
	*cmds.CommandDescription
}

type SeedSettings struct {
	Users           int `glazed:"users"`
	PostsPerUser    int `glazed:"posts"`
	CommentsPerPost int `glazed:"comments"`
}

func NewSeedCommand() (*SeedCommand, error) {
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	configSections, err := config.Sections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"seed",
		cmds.WithShort("Fill the SQLite fixture with users, posts and comments"),
		cmds.WithFlags(
			fields.New("users", fields.TypeInteger, fields.WithDefault(2),
				fields.WithHelp("Number of users")),
			fields.New("posts", fields.TypeInteger, fields.WithDefault(25),
				fields.WithHelp("Posts per user")),
			fields.New("comments", fields.TypeInteger, fields.WithDefault(2),
				fields.WithHelp("Comments per post")),
		),
		cmds.WithSections(append(configSections, commandSettingsSection)...),
	)
	return &SeedCommand{CommandDescription: desc}, nil
}

func (c *SeedCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	ss := &SeedSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ss); err != nil {
		return err
	}
	s, err := config.FromValues(parsedLayers)
	if err != nil {
		return err
	}
	f, err := openFixture(s.Fixture)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	res, err := fetch.SeedFixture(ctx, f, fetch.SeedOptions{
		Users:           ss.Users,
		PostsPerUser:    ss.PostsPerUser,
		CommentsPerPost: ss.CommentsPerPost,
	})
	if err != nil {
		return err
	}
	log.Info().Str("fixture", s.Fixture).Int("posts", len(res.PostIDs)).Int("comments", res.Comments).Msg("fixture seeded")
	for _, id := range res.UserIDs {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}
	return nil
}

type PostCommand struct {
	*cmds.CommandDescription
}

type PostSettings struct {
	User    string `glazed:"user"`
	Content string `glazed:"content"`
}

func NewPostCommand() (*PostCommand, error) {
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	configSections, err := config.Sections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"post",
		cmds.WithShort("Create a post in the fixture and publish it"),
		cmds.WithLong("Insert a post for a user into the SQLite fixture. When redis is enabled the new post is also published as a userFeed event on the user's stream."),
		cmds.WithFlags(
			fields.New("user", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Global id of the author")),
			fields.New("content", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Post text")),
		),
		cmds.WithSections(append(configSections, commandSettingsSection)...),
	)
	return &PostCommand{CommandDescription: desc}, nil
}

func (c *PostCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	ps := &PostSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ps); err != nil {
		return err
	}
	s, err := config.FromValues(parsedLayers)
	if err != nil {
		return err
	}
	f, err := openFixture(s.Fixture)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	before, err := f.LatestPostID(ctx, ps.User)
	if err != nil {
		return err
	}
	id, err := f.CreatePost(ctx, ps.User, ps.Content, time.Now())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, id); err != nil {
		return err
	}
	if !s.Redis.Enabled {
		return nil
	}

	data, _, err := f.UserFeedSince(ctx, ps.User, before)
	if err != nil {
		return err
	}
	client := redisstream.NewClient(s.Redis)
	defer func() { _ = client.Close() }()
	pub, err := redisstream.NewPublisher(client)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	topic := subscription.TopicForUser(ps.User)
	if err := subscription.PublishResult(pub, topic, data); err != nil {
		return errors.Wrap(err, "publish post")
	}
	log.Info().Str("topic", topic).Str("post", id).Msg("published post")
	return nil
}

// NewFixtureCommand groups the commands that edit the SQLite fixture.
func NewFixtureCommand() (*cobra.Command, error) {
	fixtureCmd := &cobra.Command{
		Use:   "fixture",
		Short: "Manage the SQLite fixture backing --source sqlite",
	}

	seed, err := NewSeedCommand()
	if err != nil {
		return nil, err
	}
	seedCmd, err := cli.BuildCobraCommand(seed)
	if err != nil {
		return nil, err
	}
	post, err := NewPostCommand()
	if err != nil {
		return nil, err
	}
	postCmd, err := cli.BuildCobraCommand(post)
	if err != nil {
		return nil, err
	}
	fixtureCmd.AddCommand(seedCmd, postCmd)
	return fixtureCmd, nil
}

var (
	_ cmds.WriterCommand = &SeedCommand{}
	_ cmds.WriterCommand = &PostCommand{}
)
