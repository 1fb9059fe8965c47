package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/memory"
	"github.com/dyluth/warren/internal/policy"
)

type fixture struct {
	bus    *bus.Bus
	mail   *mailbox.InMemService
	store  *memory.InMemStore
	engine *policy.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := policy.NewEngine(t.TempDir(), identity.NewResolver(), policy.DefaultRevocationThreshold)
	require.NoError(t, err)
	return &fixture{
		bus:    bus.New(),
		mail:   mailbox.NewInMemService(),
		store:  memory.NewInMemStore(),
		engine: engine,
	}
}

// runtime builds an unstarted runtime. Role tests call handlers
// directly, so the loops never run.
func (f *fixture) runtime(t *testing.T, name string) *agent.Runtime {
	t.Helper()
	rt, err := agent.New(name, f.mail, f.bus, f.engine, agent.Options{
		PollInterval:   10 * time.Millisecond,
		SurveyInterval: time.Hour,
	})
	require.NoError(t, err)
	return rt
}

// inbox reads everything ever sent to an agent.
func (f *fixture) inbox(t *testing.T, name string) []mailbox.Message {
	t.Helper()
	msgs, _, err := f.mail.ListNew(context.Background(), name, 0)
	require.NoError(t, err)
	return msgs
}

// deliver builds a mailbox message carrying a JSON payload, the shape
// handlers receive from the poll loop.
func deliver(t *testing.T, from, to, subject string, payload any) mailbox.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return mailbox.NewMessage(from, to, subject, string(body))
}

func decode[T any](t *testing.T, msg mailbox.Message) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &out))
	return out
}
