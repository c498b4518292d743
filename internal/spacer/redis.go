package spacer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// listClient is the part of *redis.Client the backend uses.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
}

// RedisConfig names the lists shared with the executor.
type RedisConfig struct {
	JobsKey    string
	ResultsKey string
	// SubmitRate caps submissions per second. Zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
}

// RedisBackend exchanges JSON messages with the executor through two Redis
// lists: jobs are pushed on JobsKey, results popped from ResultsKey.
type RedisBackend struct {
	client  listClient
	cfg     RedisConfig
	limiter *rate.Limiter
}

func NewRedisBackend(client *redis.Client, cfg RedisConfig) *RedisBackend {
	return newRedisBackend(client, cfg)
}

func newRedisBackend(client listClient, cfg RedisConfig) *RedisBackend {
	if cfg.JobsKey == "" {
		cfg.JobsKey = "spacer:jobs"
	}
	if cfg.ResultsKey == "" {
		cfg.ResultsKey = "spacer:results"
	}
	b := &RedisBackend{client: client, cfg: cfg}
	if cfg.SubmitRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), max(cfg.SubmitBurst, 1))
	}
	return b
}

func (b *RedisBackend) Submit(ctx context.Context, job JobMsg) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("submit rate limit: %w", err)
		}
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode spacer job: %w", err)
	}
	if err := b.client.LPush(ctx, b.cfg.JobsKey, data).Err(); err != nil {
		return fmt.Errorf("push spacer job: %w", err)
	}
	log.Debugf("Submitted spacer %s job (%d task(s))", job.TaskName, len(job.Tasks))
	return nil
}

// Collect pops up to max results. Undecodable entries are logged and
// dropped.
func (b *RedisBackend) Collect(ctx context.Context, max int) ([]JobReturnMsg, error) {
	var out []JobReturnMsg
	for len(out) < max {
		raw, err := b.client.RPop(ctx, b.cfg.ResultsKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("pop spacer result: %w", err)
		}
		var msg JobReturnMsg
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Errorf("Dropping undecodable spacer result: %v", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
