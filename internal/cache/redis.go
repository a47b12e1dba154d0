// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultMapQueueName is the Redis list holding pre-fetched random track ids
// waiting to be handed to rooms.
var DefaultMapQueueName = "cgf_random_maps"

// ConnectRedis initializes the global Redis client.
func ConnectRedis(addr, password string, dbIdx int) error {
	Rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

func mapQueueName() string {
	return getEnv("MAP_QUEUE_NAME", DefaultMapQueueName)
}

// MapQueueLen returns the number of track ids waiting in the queue.
func MapQueueLen(ctx context.Context) (int64, error) {
	n, err := Rdb.LLen(ctx, mapQueueName()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to LLEN map queue: %w", err)
	}
	return n, nil
}

// PushMapID appends a track id to the queue.
func PushMapID(ctx context.Context, trackID int64) error {
	if err := Rdb.RPush(ctx, mapQueueName(), trackID).Err(); err != nil {
		return fmt.Errorf("failed to RPUSH to map queue: %w", err)
	}
	return nil
}

// PopMapID pops the most recently added track id. Returns ok=false on an
// empty queue.
func PopMapID(ctx context.Context) (int64, bool, error) {
	s, err := Rdb.RPop(ctx, mapQueueName()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to RPOP from map queue: %w", err)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad track id %q in map queue: %w", s, err)
	}
	return id, true, nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
