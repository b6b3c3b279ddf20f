// Package realtime fans plan changes out to subscribers over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bakeplan/api/internal/plansync"
)

// RedisBroker publishes plan records on a per-plan channel.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string, logger *log.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, logger), nil
}

// NewRedisBrokerWithClient creates a broker from an existing Redis client.
func NewRedisBrokerWithClient(client *redis.Client, logger *log.Logger) *RedisBroker {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisBroker{
		client: client,
		prefix: "plan:",
		logger: logger,
	}
}

func (b *RedisBroker) channel(planID string) string {
	return b.prefix + planID
}

// Publish sends rec to every subscriber of its plan.
func (b *RedisBroker) Publish(ctx context.Context, rec plansync.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal plan record: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(rec.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish plan %s: %w", rec.ID, err)
	}
	return nil
}

// Subscribe streams records published for planID. The channel closes after
// unsubscribe is called or ctx ends. Undecodable payloads are delivered as
// Event.Err.
func (b *RedisBroker) Subscribe(ctx context.Context, planID string) (<-chan plansync.Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(planID))
	// Receive blocks until Redis confirms the subscription so no publish made
	// after Subscribe returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe plan %s: %w", planID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan plansync.Event, 16)
	// The reader owns sub: it closes it on every exit path, so a caller that
	// only cancels ctx does not leak the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				b.logger.Printf("realtime: close subscription %s: %v", planID, err)
			}
		}()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev plansync.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev.Record); err != nil {
					ev = plansync.Event{Err: fmt.Errorf("decode plan %s payload: %w", planID, err)}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		<-done
	}
	return out, unsubscribe, nil
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
