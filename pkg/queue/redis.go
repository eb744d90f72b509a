package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jab3/conveyor/pkg/pipeline"
)

const triggerList = "conveyor:triggers"

// Queue buffers trigger events in Redis so webhook handlers return fast
// and runs execute one at a time on the worker side.
type Queue struct {
	redis *redis.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{redis: client}, nil
}

func (q *Queue) Enqueue(ctx context.Context, event pipeline.TriggerEvent) error {
	if event.RequestedAt == 0 {
		event.RequestedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return q.redis.RPush(ctx, triggerList, payload).Err()
}

// Dequeue blocks up to five seconds for the next trigger event. It
// returns (nil, nil) when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context) (*pipeline.TriggerEvent, error) {
	result, err := q.redis.BLPop(ctx, 5*time.Second, triggerList).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var event pipeline.TriggerEvent
	if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
		return nil, fmt.Errorf("decode trigger event: %w", err)
	}
	return &event, nil
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, triggerList).Result()
}

func (q *Queue) Close() error {
	return q.redis.Close()
}
