package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDefaultSettingsAndSection(t *testing.T) {
	d := DefaultSettings()
	require.False(t, d.Enabled)
	require.Equal(t, "localhost:6379", d.Addr)
	require.NotEmpty(t, d.Group)
	require.NotEmpty(t, d.Consumer)

	section, err := NewSection()
	require.NoError(t, err)
	require.NotNil(t, section)

	c := NewClient(Settings{Addr: "example:6379"})
	defer func() { _ = c.Close() }()
	require.Equal(t, "example:6379", c.Options().Addr)
}

func TestNilClient(t *testing.T) {
	_, err := NewSubscriber(nil, DefaultSettings())
	require.Error(t, err)
	_, err = NewPublisher(nil)
	require.Error(t, err)
	require.Error(t, EnsureGroupAtTail(context.Background(), nil, "feed.U1", "g"))
}

func TestEnsureGroupAtTail_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := EnsureGroupAtTail(ctx, unreachableClient(t), "feed.U1", "feedcache")
	require.Error(t, err)
	require.Contains(t, err.Error(), "create group feedcache on feed.U1")
}
