package mailbox

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestService creates a Redis mailbox backed by miniredis.
func setupTestService(t *testing.T) (*RedisService, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	svc, err := NewRedisService(rdb, "test-colony")
	require.NoError(t, err)
	return svc, mr
}

func TestNewRedisService(t *testing.T) {
	t.Run("rejects nil client", func(t *testing.T) {
		_, err := NewRedisService(nil, "colony")
		assert.Error(t, err)
	})

	t.Run("rejects empty project", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		defer rdb.Close()
		_, err := NewRedisService(rdb, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "project name cannot be empty")
	})
}

func TestRegisterAndListAgents(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "Exec-1"))
	require.NoError(t, svc.Register(ctx, "Exec-1"), "re-registration is idempotent")
	require.NoError(t, svc.Register(ctx, "Coord-Web"))
	assert.Error(t, svc.Register(ctx, ""))

	agents, err := svc.Agents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Exec-1", "Coord-Web"}, agents)
}

func TestSendAndPollCursor(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	first := NewMessage("Coord-Web", "Exec-1", "TASK_SLICE:abc", "do part one")
	_, err := svc.Send(ctx, first)
	require.NoError(t, err)
	second := NewMessage("Coord-Web", "Exec-1", "TASK_SLICE:def", "do part two")
	_, err = svc.Send(ctx, second)
	require.NoError(t, err)

	msgs, cursor, err := svc.ListNew(ctx, "Exec-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "TASK_SLICE:abc", msgs[0].Subject, "oldest first")
	assert.Equal(t, msgs[1].Seq, cursor)

	// Polling from the cursor yields nothing new.
	msgs, cursor2, err := svc.ListNew(ctx, "Exec-1", cursor)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, cursor, cursor2)

	// Replaying an older cursor redelivers; consumers dedup by id.
	msgs, _, err = svc.ListNew(ctx, "Exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMailboxesAreIsolated(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, NewMessage("Coord-Web", "Exec-1", "TASK_SLICE:abc", "part one"))
	require.NoError(t, err)
	_, err = svc.Send(ctx, NewMessage("Coord-Web", "Exec-2", "TASK_SLICE:abc", "part two"))
	require.NoError(t, err)

	msgs, _, err := svc.ListNew(ctx, "Exec-2", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Exec-2", msgs[0].To)
}

func TestSendValidation(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, Message{From: "", To: "Exec-1", Subject: "x"})
	assert.Error(t, err)
	_, err = svc.Send(ctx, Message{From: "Coord-Web", To: "", Subject: "x"})
	assert.Error(t, err)
	_, err = svc.Send(ctx, Message{From: "Coord-Web", To: "Exec-1", Subject: ""})
	assert.Error(t, err)
}

func TestInMemServiceMatchesRedisSemantics(t *testing.T) {
	svc := NewInMemService()
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "Exec-1"))
	_, err := svc.Send(ctx, NewMessage("Coord-Web", "Exec-1", "TASK_SLICE:abc", "part one"))
	require.NoError(t, err)
	_, err = svc.Send(ctx, NewMessage("Coord-Web", "Exec-1", "TASK_SLICE:def", "part two"))
	require.NoError(t, err)

	msgs, cursor, err := svc.ListNew(ctx, "Exec-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), cursor)

	msgs, _, err = svc.ListNew(ctx, "Exec-1", cursor)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
