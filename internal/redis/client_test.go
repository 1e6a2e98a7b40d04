package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/models"
)

func newPresence(t *testing.T) (*Presence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewPresence(client, time.Hour), mr
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

func TestPresence_PublishAndRemove(t *testing.T) {
	p, mr := newPresence(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	members := []models.Member{{ID: "a", DisplayName: "A"}, {ID: "b", DisplayName: "B"}}
	p.Publish(models.Presence{RoomID: "r1", Members: members[:1]})
	p.Publish(models.Presence{RoomID: "r1", IsPrivate: true, Members: members})

	require.Eventually(t, func() bool {
		got, err := p.Load(ctx, "r1")
		return err == nil && len(got.Members) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := p.Load(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.IsPrivate)
	assert.Equal(t, members, got.Members)
	assert.Equal(t, time.Hour, mr.TTL(presenceKey("r1")))

	p.Remove("r1")
	require.Eventually(t, func() bool {
		return !mr.Exists(presenceKey("r1"))
	}, 2*time.Second, 10*time.Millisecond)

	_, err = p.Load(ctx, "r1")
	assert.ErrorIs(t, err, goredis.Nil)
}
