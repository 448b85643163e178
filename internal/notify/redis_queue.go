package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultQueueKey = "notifications:pending"
	DefaultDeadKey  = "notifications:dead"
)

// RedisQueue stores pending notifications in a Redis list.
type RedisQueue struct {
	client   *redis.Client
	queueKey string
	deadKey  string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
	DeadKey  string
}

func NewRedisQueue(opts RedisOptions) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisQueueWithClient(client, opts.QueueKey, opts.DeadKey)
}

func NewRedisQueueWithClient(client *redis.Client, queueKey, deadKey string) *RedisQueue {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	if deadKey == "" {
		deadKey = DefaultDeadKey
	}
	return &RedisQueue{client: client, queueKey: queueKey, deadKey: deadKey}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, evt Event) error {
	raw, err := evt.marshal()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.queueKey, raw)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Dequeue moves the oldest pending event onto the processing list, waiting
// up to wait. It returns (nil, nil) when the queue stayed empty. The event
// stays on the processing list until Ack, Requeue or DeadLetter takes it off,
// so a relay that dies mid-delivery loses nothing; Recover puts it back.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Event, error) {
	raw, err := q.client.BLMove(ctx, q.queueKey, q.processingKey(), "LEFT", "RIGHT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	evt, err := decodeEvent(raw)
	if err != nil {
		if parkErr := q.park(ctx, raw); parkErr != nil {
			return nil, fmt.Errorf("decode notification: %w (dead letter: %v)", err, parkErr)
		}
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &evt, nil
}

// Ack drops a delivered event from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, evt Event) error {
	return q.client.LRem(ctx, q.processingKey(), 1, evt.raw).Err()
}

// Requeue puts a failed event back at the tail of the pending list.
func (q *RedisQueue) Requeue(ctx context.Context, evt Event) error {
	raw, err := evt.marshal()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, evt.raw)
	pipe.RPush(ctx, q.queueKey, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	return nil
}

// DeadLetter parks an event that exhausted its attempts.
func (q *RedisQueue) DeadLetter(ctx context.Context, evt Event) error {
	raw, err := evt.marshal()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, evt.raw)
	pipe.RPush(ctx, q.deadKey, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// park moves an undecodable entry straight to the dead list.
func (q *RedisQueue) park(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.RPush(ctx, q.deadKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Recover moves events left on the processing list by a stopped relay back
// to the head of the pending list. It assumes a single relay per queue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.queueKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) processingKey() string {
	return q.queueKey + ":processing"
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) DeadDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadKey).Result()
}
