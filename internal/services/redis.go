package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis implements the document store on a Redis server. A collection is a hash of documents keyed
// by ID, a sorted set ranking IDs by insertion and a counter feeding the ranks.
type Redis struct {
	client *redis.Client
}

// putScript writes the document and ranks its ID in one atomic step. Both writes are idempotent, so
// a Put retried after an error converges to the same state.
var putScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if not redis.call("ZSCORE", KEYS[2], ARGV[1]) then
	redis.call("ZADD", KEYS[2], redis.call("INCR", KEYS[3]), ARGV[1])
end
return 1
`)

// NewRedis connects to the server at addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return Redis{}, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return Redis{client: client}, nil
}

// Close closes the connection pool.
func (r Redis) Close() error {
	return r.client.Close()
}

func redisOrderKey(collection string) string {
	return fmt.Sprintf("%s:order", collection)
}

func redisSeqKey(collection string) string {
	return fmt.Sprintf("%s:seq", collection)
}

// Put stores payload under id in collection and returns id. A replaced document keeps its position.
func (r Redis) Put(ctx context.Context, collection, id string, payload []byte) (string, error) {
	keys := []string{collection, redisOrderKey(collection), redisSeqKey(collection)}
	if err := putScript.Run(ctx, r.client, keys, id, payload).Err(); err != nil {
		return "", fmt.Errorf("failed to put %s/%s: %w", collection, id, err)
	}
	return id, nil
}

// Get returns the document stored under id, or ErrNotFound.
func (r Redis) Get(ctx context.Context, collection, id string) ([]byte, error) {
	payload, err := r.client.HGet(ctx, collection, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return payload, nil
}

// List returns every document of collection in insertion order.
func (r Redis) List(ctx context.Context, collection string) ([][]byte, error) {
	ids, err := r.client.ZRange(ctx, redisOrderKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, collection, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	payloads := make([][]byte, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		payloads = append(payloads, []byte(s))
	}
	return payloads, nil
}
