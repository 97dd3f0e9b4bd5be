package hoststore

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const stableCheckpointKey = "pbft:stable_checkpoint_seq"

// Redis is a CheckpointCache backed by a single string key, adapted from
// the application's own go-redis/redis/v8 client construction.
type Redis struct {
	client *redis.Client
}

// NewRedis dials addr/db and verifies connectivity with a PING.
func NewRedis(addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// SetStableSeq records the latest stable checkpoint sequence number.
func (r *Redis) SetStableSeq(seq uint64) error {
	return r.client.Set(context.Background(), stableCheckpointKey, seq, 0).Err()
}

// StableSeq returns the last recorded stable checkpoint sequence number, or
// 0 if none has been set.
func (r *Redis) StableSeq() (uint64, error) {
	val, err := r.client.Get(context.Background(), stableCheckpointKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

// Close releases the underlying connection.
func (r *Redis) Close() error { return r.client.Close() }
