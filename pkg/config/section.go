package config

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedcache/pkg/redisstream"
)

// fileSettings is decoded first; when a config file is named it replaces
// every flag value.
type fileSettings struct {
	ConfigFile string `glazed:"config-file"`
}

// NewSection returns the glazed section for Settings.
func NewSection() (schema.Section, error) {
	d := Default()
	return schema.NewSection(
		SectionSlug,
		"Feed cache sources and transports",
		schema.WithFields(
			fields.New("config-file", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("YAML settings file; overrides the flags of this section")),
			fields.New("source", fields.TypeChoice, fields.WithChoices(SourceHTTP, SourceSQLite), fields.WithDefault(d.Source),
				fields.WithHelp("Where queries are served from")),
			fields.New("endpoint", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("GraphQL HTTP endpoint (source http)")),
			fields.New("fixture", fields.TypeString, fields.WithDefault(d.Fixture),
				fields.WithHelp("SQLite fixture file (source sqlite)")),
			fields.New("push", fields.TypeChoice, fields.WithChoices(PushNone, PushWS, PushPoll, PushRedis), fields.WithDefault(d.Push),
				fields.WithHelp("Push event transport")),
			fields.New("ws-url", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("graphql-transport-ws URL (push ws)")),
			fields.New("poll-interval-ms", fields.TypeInteger, fields.WithDefault(d.PollIntervalMS),
				fields.WithHelp("Fixture poll interval in milliseconds (push poll)")),
			fields.New("page-size", fields.TypeInteger, fields.WithDefault(d.PageSize),
				fields.WithHelp("Edges per page")),
			fields.New("breaker-failures", fields.TypeInteger, fields.WithDefault(d.BreakerFailures),
				fields.WithHelp("Consecutive network failures that open the circuit breaker (0 disables it)")),
			fields.New("breaker-timeout-ms", fields.TypeInteger, fields.WithDefault(d.BreakerTimeoutMS),
				fields.WithHelp("How long the breaker stays open, in milliseconds")),
		),
	)
}

// Sections returns the feedcache and redis sections.
func Sections() ([]schema.Section, error) {
	s, err := NewSection()
	if err != nil {
		return nil, err
	}
	r, err := redisstream.NewSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{s, r}, nil
}

// FromValues decodes Settings from parsed values, or loads the named config
// file, and validates them.
func FromValues(parsed *values.Values) (Settings, error) {
	var f fileSettings
	if err := parsed.DecodeSectionInto(SectionSlug, &f); err != nil {
		return Settings{}, errors.Wrap(err, "config: decode section")
	}
	if f.ConfigFile != "" {
		return LoadFromFile(f.ConfigFile)
	}

	s := Default()
	if err := parsed.DecodeSectionInto(SectionSlug, &s); err != nil {
		return Settings{}, errors.Wrap(err, "config: decode section")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return Settings{}, errors.Wrap(err, "config: decode redis section")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
