package push

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChannel implements Subscriber and Publisher over Redis pub/sub,
// one Redis channel per analysis id.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannel creates a RedisChannel from a Redis URL.
func NewRedisChannel(redisURL string) (*RedisChannel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisChannel{client: redis.NewClient(opts)}, nil
}

func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}

// Subscribe opens a pub/sub channel for the analysis and decodes each
// payload into a StageEvent. Payloads that fail to decode are logged
// and skipped; the channel stays open. The returned function closes the
// subscription; the event channel closes once teardown finishes.
func (c *RedisChannel) Subscribe(ctx context.Context, analysisID uuid.UUID) (<-chan models.StageEvent, func(), error) {
	pubsub := c.client.Subscribe(ctx, EventChannelKey(analysisID))

	// Force the SUBSCRIBE round-trip so a dead broker fails here, not
	// silently in the forwarding goroutine.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan models.StageEvent)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var e models.StageEvent
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Error("undecodable stage event payload",
					"analysis_id", analysisID, "error", err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- e:
			}
		}
	}()

	closer := func() { _ = pubsub.Close() }
	return out, closer, nil
}

// Publish sends a stage event to the analysis's channel.
func (c *RedisChannel) Publish(ctx context.Context, event models.StageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, EventChannelKey(event.AnalysisID), payload).Err()
}

var _ Subscriber = (*RedisChannel)(nil)
var _ Publisher = (*RedisChannel)(nil)
