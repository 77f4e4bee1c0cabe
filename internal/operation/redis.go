package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// RedisStore shares operations between processes. Finished operations are
// written with a TTL equal to the retention window, so Purge has nothing to do.
type RedisStore struct {
	Client    redis.UniversalClient
	Prefix    string
	Retention time.Duration
	// RunningTTL bounds how long an unfinished operation survives a crashed
	// worker. Zero keeps it until it finishes.
	RunningTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, retention, runningTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "rbu:operation:"
	}
	return &RedisStore{Client: client, Prefix: prefix, Retention: retention, RunningTTL: runningTTL}
}

func (r *RedisStore) Save(ctx context.Context, op Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	ttl := r.RunningTTL
	if op.Status.Terminal() {
		ttl = r.Retention
	}
	if err := r.Client.Set(ctx, r.Prefix+op.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Operation, error) {
	payload, err := r.Client.Get(ctx, r.Prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Operation{}, apperr.NotFound("operation.load", "operation %q not found", id)
		}
		return Operation{}, fmt.Errorf("load operation %s: %w", id, err)
	}
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return op, nil
}

func (r *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
