package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "vcompress:job:"
	scanBatch    = 100
)

// Sink はジョブの状態変化を受け取ります。
type Sink interface {
	Record(ctx context.Context, job Job) error
	Forget(ctx context.Context, jobID string) error
}

// SnapshotStore は再起動後の復元に使う保存先です。
type SnapshotStore interface {
	Sink
	List(ctx context.Context) ([]Job, error)
}

// RedisStore はジョブのスナップショットを Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl が 0 なら期限なしで保存します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Record はスナップショットを保存します。進捗更新のたびに上書きされます。
func (s *RedisStore) Record(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(job.ID), payload, s.ttl).Err()
}

// Forget はスナップショットを削除します。
func (s *RedisStore) Forget(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// List は保存されている全ジョブを返します。
func (s *RedisStore) List(ctx context.Context) ([]Job, error) {
	var (
		cursor uint64
		jobs   []Job
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var job Job
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					continue
				}
				jobs = append(jobs, job)
			}
		}
		cursor = next
		if cursor == 0 {
			return jobs, nil
		}
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
