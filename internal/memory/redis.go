package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// searchWindow caps how many recent records a Search scans. The store
// favours recency; it is a working memory, not an archive index.
const searchWindow = 500

// RedisStore keeps records as JSON members of a per-project sorted set
// scored by creation time, newest last.
type RedisStore struct {
	rdb     *redis.Client
	project string
}

// NewRedisStore creates a store namespaced to a project.
func NewRedisStore(rdb *redis.Client, project string) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if project == "" {
		return nil, fmt.Errorf("project name cannot be empty")
	}
	return &RedisStore{rdb: rdb, project: project}, nil
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("warren:%s:memory", s.project)
}

// Write stores the record unless it fails the quality floor, in which
// case the result is Rejected and nothing is stored.
func (s *RedisStore) Write(ctx context.Context, rec Record) (WriteResult, error) {
	if reason := rejectReason(rec); reason != "" {
		return WriteResult{ID: rec.ID, Rejected: true, Reason: reason}, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to marshal memory record: %w", err)
	}
	err = s.rdb.ZAdd(ctx, s.key(), redis.Z{
		Score:  float64(rec.CreatedAt.UnixNano()),
		Member: string(data),
	}).Err()
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to store memory record: %w", err)
	}
	return WriteResult{ID: rec.ID}, nil
}

// Search scans the most recent records for matches, newest first.
func (s *RedisStore) Search(ctx context.Context, q Query) ([]Record, error) {
	members, err := s.rdb.ZRevRange(ctx, s.key(), 0, searchWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}
	var out []Record
	for _, member := range members {
		var rec Record
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			continue
		}
		if !matches(rec, q) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
