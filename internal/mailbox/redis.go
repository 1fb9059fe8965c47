package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisService stores mailboxes in Redis: one sorted set per recipient
// scored by a per-project sequence counter, so cursor polls are a
// single ZRANGEBYSCORE.
type RedisService struct {
	rdb     *redis.Client
	project string
}

// NewRedisService creates a mailbox service namespaced to a project.
func NewRedisService(rdb *redis.Client, project string) (*RedisService, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if project == "" {
		return nil, fmt.Errorf("project name cannot be empty")
	}
	return &RedisService{rdb: rdb, project: project}, nil
}

func (s *RedisService) agentsKey() string {
	return fmt.Sprintf("warren:%s:agents", s.project)
}

func (s *RedisService) seqKey() string {
	return fmt.Sprintf("warren:%s:mail:seq", s.project)
}

func (s *RedisService) inboxKey(agent string) string {
	return fmt.Sprintf("warren:%s:mail:%s", s.project, agent)
}

// Register adds the agent to the project's registry set.
func (s *RedisService) Register(ctx context.Context, agent string) error {
	if agent == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if err := s.rdb.SAdd(ctx, s.agentsKey(), agent).Err(); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", agent, err)
	}
	return nil
}

// Agents lists every registered agent.
func (s *RedisService) Agents(ctx context.Context) ([]string, error) {
	agents, err := s.rdb.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// Send assigns the next sequence number and appends the message to the
// recipient's inbox.
func (s *RedisService) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate message sequence: %w", err)
	}
	msg.Seq = seq

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	err = s.rdb.ZAdd(ctx, s.inboxKey(msg.To), redis.Z{
		Score:  float64(seq),
		Member: string(data),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to store message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// ListNew returns messages with Seq greater than sinceSeq, oldest
// first. Entries that fail to parse are skipped rather than failing the
// poll.
func (s *RedisService) ListNew(ctx context.Context, agent string, sinceSeq int64) ([]Message, int64, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.inboxKey(agent), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(sinceSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, sinceSeq, fmt.Errorf("failed to poll mailbox for %s: %w", agent, err)
	}

	highest := sinceSeq
	var out []Message
	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if msg.Seq > highest {
			highest = msg.Seq
		}
		out = append(out, msg)
	}
	return out, highest, nil
}
