package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events over Redis pub/sub, giving the UI feed
// (streaming.WSHub) a transport that works across replicas instead of only
// the process that produced the event. Grounded on store.RedisCoordinator's
// use of the same *redis.Client; this is the Publisher-side counterpart.
type RedisPublisher struct {
	client *redis.Client
	source string
}

func NewRedisPublisher(client *redis.Client, source string) *RedisPublisher {
	return &RedisPublisher{client: client, source: source}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streaming: marshal payload for topic %s: %w", topic, err)
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    p.source,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("streaming: marshal event for topic %s: %w", topic, err)
	}

	return p.client.Publish(ctx, redisChannel(topic), eventBytes).Err()
}

func (p *RedisPublisher) Close() error {
	return nil // the underlying *redis.Client is owned and closed elsewhere
}

// RedisSubscriber implements Subscriber by fanning out Redis pub/sub messages
// on a topic to in-process handlers — the collaborator streaming.WSHub uses
// to relay rollout/drift events to connected UI clients.
type RedisSubscriber struct {
	client *redis.Client
}

func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{client: client}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return s.pubsub.Close()
}

func (s *RedisSubscriber) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, redisChannel(topic))

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			handler(event)
		}
	}()

	return &redisSubscription{pubsub: pubsub, cancel: cancel}, nil
}

func redisChannel(topic string) string {
	return "sentinelcp:events:" + topic
}
