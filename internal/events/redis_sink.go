package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cideldill/cideldill/internal/storage"
)

// Publisher is the minimal pub/sub surface the sink needs. Kept as an
// interface so tests can stub it without a Redis server.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisSink republishes debugger events on Redis Pub/Sub so notification
// consumers in other processes (MCP bridges, alerting) can subscribe.
// Publish failures are logged and dropped; the debugger never blocks on a
// sink.
type RedisSink struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

// NewRedisSink creates a sink publishing to "<prefix><event-type>" channels.
func NewRedisSink(pub Publisher, channelPrefix string) *RedisSink {
	if channelPrefix == "" {
		channelPrefix = "cideldill:events:"
	}
	return &RedisSink{pub: pub, prefix: channelPrefix, timeout: 2 * time.Second}
}

// Observer adapts the sink to the manager's observer signature.
func (s *RedisSink) Observer() func(event string, payload any) {
	return func(event string, payload any) {
		env := &Event{
			ID:        uuid.New().String(),
			Type:      event,
			Timestamp: storage.EpochSeconds(time.Now()),
			Payload:   payload,
		}
		msg, err := json.Marshal(env)
		if err != nil {
			slog.Warn("redis sink marshal failed", "type", event, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.pub.Publish(ctx, s.prefix+event, msg); err != nil {
			slog.Warn("redis sink publish failed", "type", event, "error", err)
		}
	}
}

// GoRedisPublisher wraps go-redis v9 to implement Publisher.
type GoRedisPublisher struct {
	rdb *redis.Client
}

// NewGoRedisPublisher connects a go-redis client to addr (e.g.
// "localhost:6379").
func NewGoRedisPublisher(addr, password string, db int) *GoRedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &GoRedisPublisher{rdb: rdb}
}

// Publish sends one message to a channel.
func (p *GoRedisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.rdb.Publish(ctx, channel, message).Err()
}

// Ping verifies connectivity, used at startup to decide whether to attach
// the sink.
func (p *GoRedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (p *GoRedisPublisher) Close() error {
	return p.rdb.Close()
}
