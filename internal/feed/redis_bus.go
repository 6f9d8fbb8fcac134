package feed

import (
	"Murmur/internal/pkg/consts"
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type redisBus struct {
	rdb *redis.Client
}

// NewRedisBus 基于 Redis Pub/Sub 的事件总线
func NewRedisBus(rdb *redis.Client) Bus {
	return &redisBus{rdb: rdb}
}

func channelOf(convID uint64) string {
	return consts.IMConversationKey + strconv.FormatUint(convID, 10)
}

func (s *redisBus) Publish(ctx context.Context, convID uint64, payload []byte) error {
	return s.rdb.Publish(ctx, channelOf(convID), payload).Err()
}

func (s *redisBus) Subscribe(ctx context.Context, convID uint64) (Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channelOf(convID))

	// 等待订阅确认，确认前不进入 Active
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan []byte, 64),
	}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan []byte
}

func (s *redisSubscription) forward() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		s.events <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Events() <-chan []byte {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
