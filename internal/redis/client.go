package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/models"
)

const (
	presenceQueueSize = 1024
	writeTimeout      = 2 * time.Second
)

// Connect initializes a Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func presenceKey(roomID string) string {
	return "room:" + roomID + ":presence"
}

type presenceUpdate struct {
	roomID   string
	snapshot *models.Presence // nil means remove
}

// Presence mirrors room membership into Redis. Updates are queued and
// written in order by a single goroutine started with Run, so the relay
// never waits on Redis.
type Presence struct {
	client  *redis.Client
	ttl     time.Duration
	updates chan presenceUpdate
	logger  zerolog.Logger
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{
		client:  client,
		ttl:     ttl,
		updates: make(chan presenceUpdate, presenceQueueSize),
		logger:  log.With().Str("component", "presence").Logger(),
	}
}

func (p *Presence) Publish(snapshot models.Presence) {
	p.enqueue(presenceUpdate{roomID: snapshot.RoomID, snapshot: &snapshot})
}

func (p *Presence) Remove(roomID string) {
	p.enqueue(presenceUpdate{roomID: roomID})
}

func (p *Presence) enqueue(u presenceUpdate) {
	select {
	case p.updates <- u:
	default:
		p.logger.Warn().Str("room_id", u.roomID).Msg("presence queue full, update dropped")
	}
}

// Run writes queued updates until ctx is cancelled
func (p *Presence) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.updates:
			if err := p.apply(ctx, u); err != nil {
				p.logger.Error().Err(err).Str("room_id", u.roomID).Msg("presence write failed")
			}
		}
	}
}

func (p *Presence) apply(ctx context.Context, u presenceUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if u.snapshot == nil {
		return p.client.Del(ctx, presenceKey(u.roomID)).Err()
	}

	data, err := msgpack.Marshal(u.snapshot)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return p.client.Set(ctx, presenceKey(u.roomID), data, p.ttl).Err()
}

// Load reads the mirrored presence of a room
func (p *Presence) Load(ctx context.Context, roomID string) (models.Presence, error) {
	data, err := p.client.Get(ctx, presenceKey(roomID)).Bytes()
	if err != nil {
		return models.Presence{}, err
	}
	var snapshot models.Presence
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		return models.Presence{}, fmt.Errorf("decode presence: %w", err)
	}
	return snapshot, nil
}
