package stream

import (
	"IntentFlow/internal/event"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer keeps one Redis stream per subject under events:<subject>,
// trimmed approximately to maxLen and expired after retention.
type RedisBuffer struct {
	rdb       redis.Cmdable
	maxLen    int64
	retention time.Duration
}

func NewRedisBuffer(rdb redis.Cmdable, maxLen int64, retention time.Duration) *RedisBuffer {
	return &RedisBuffer{rdb: rdb, maxLen: maxLen, retention: retentionOrDefault(retention)}
}

func bufferKey(subject string) string {
	return "events:" + subject
}

func (b *RedisBuffer) Append(ctx context.Context, subject string, env *event.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("buffer encode %s: %w", env.EventID, err)
	}

	key := bufferKey(subject)
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer append %s: %w", key, err)
	}
	return nil
}

func (b *RedisBuffer) Range(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error) {
	floor := time.Now().Add(-b.retention)
	if from.Before(floor) {
		from = floor
	}
	stop := "+"
	if !to.IsZero() {
		stop = strconv.FormatInt(to.UnixMilli(), 10)
	}

	msgs, err := b.rdb.XRange(ctx, bufferKey(subject), strconv.FormatInt(from.UnixMilli(), 10), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer range %s: %w", subject, err)
	}

	out := make([]*event.Envelope, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		env, err := event.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("buffer decode %s: %w", m.ID, err)
		}
		out = append(out, env)
	}
	return out, nil
}
