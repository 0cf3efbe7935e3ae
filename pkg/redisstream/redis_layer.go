package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for push events.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" yaml:"enabled"`
	Addr     string `glazed:"redis-addr" yaml:"addr" validate:"required_if=Enabled true"`
	Group    string `glazed:"redis-group" yaml:"group" validate:"required_if=Enabled true"`
	Consumer string `glazed:"redis-consumer" yaml:"consumer" validate:"required_if=Enabled true"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "feedcache",
		Consumer: "feedcache-1",
	}
}

// NewSection returns a section definition for Redis Streams settings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for feed push events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Read push events from Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name")),
		),
	)
}
