// Package config holds the settings of the feedcache CLI: where queries go,
// where push events come from and how pages are sized. Settings come from
// command flags or from a YAML file.
package config

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/feedcache/pkg/redisstream"
)

const SectionSlug = "feedcache"

// Query sources.
const (
	SourceHTTP   = "http"
	SourceSQLite = "sqlite"
)

// Push transports.
const (
	PushNone  = "none"
	PushWS    = "ws"
	PushPoll  = "poll"
	PushRedis = "redis"
)

type Settings struct {
	Source   string `glazed:"source" yaml:"source" validate:"oneof=http sqlite"`
	Endpoint string `glazed:"endpoint" yaml:"endpoint" validate:"required_if=Source http,omitempty,url"`
	Fixture  string `glazed:"fixture" yaml:"fixture" validate:"required_if=Source sqlite"`

	Push           string `glazed:"push" yaml:"push" validate:"oneof=none ws poll redis"`
	WSURL          string `glazed:"ws-url" yaml:"ws_url" validate:"required_if=Push ws,omitempty,url"`
	PollIntervalMS int    `glazed:"poll-interval-ms" yaml:"poll_interval_ms" validate:"min=0"`

	PageSize int `glazed:"page-size" yaml:"page_size" validate:"min=1,max=500"`

	BreakerFailures  int `glazed:"breaker-failures" yaml:"breaker_failures" validate:"min=0"`
	BreakerTimeoutMS int `glazed:"breaker-timeout-ms" yaml:"breaker_timeout_ms" validate:"min=0"`

	Redis redisstream.Settings `yaml:"redis"`
}

var validate = validator.New()

func Default() Settings {
	return Settings{
		Source:           SourceSQLite,
		Fixture:          "feedcache.db",
		Push:             PushNone,
		PollIntervalMS:   10000,
		PageSize:         10,
		BreakerFailures:  5,
		BreakerTimeoutMS: 30000,
		Redis:            redisstream.DefaultSettings(),
	}
}

// Validate checks field constraints, including the redis settings.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	if s.Push == PushRedis && !s.Redis.Enabled {
		return errors.New("config: push redis needs redis.enabled")
	}
	return nil
}

// Parse reads YAML over the defaults and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrap(err, "config: parse yaml")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func LoadFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "config: read %s", path)
	}
	s, err := Parse(data)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "config: %s", path)
	}
	return s, nil
}

// ToYAML serializes the settings.
func (s Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "config: invalid settings")
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Namespace())
		switch e.Tag() {
		case "required_if":
			msgs = append(msgs, field+" is required when "+e.Param())
		case "oneof":
			msgs = append(msgs, field+" must be one of: "+e.Param())
		case "url":
			msgs = append(msgs, field+" must be a URL")
		case "min", "max":
			msgs = append(msgs, field+" must be "+e.Tag()+" "+e.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.Errorf("config: %s", strings.Join(msgs, "; "))
}
