package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const defaultStreamMaxLen = 100000

// StreamAdder is the subset of the redis client used by RedisStream.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends events to a redis stream for the external logging collaborator.
type RedisStream struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewRedisStream(client StreamAdder, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Emit(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(e.Kind),
			"payload": payload,
		},
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", r.stream)
	}
	return nil
}

// DialRedis connects and pings a redis server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return rdb, nil
}
