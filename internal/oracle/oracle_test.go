package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteJSONStripsFences(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"bare json", `{"domain": "web"}`},
		{"fenced json", "```json\n{\"domain\": \"web\"}\n```"},
		{"fenced without language", "```\n{\"domain\": \"web\"}\n```"},
		{"surrounding whitespace", "  \n{\"domain\": \"web\"}\n  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewScripted().Queue(tt.answer)
			var out struct {
				Domain string `json:"domain"`
			}
			err := CompleteJSON(context.Background(), o, Prompt{User: "classify"}, &out)
			require.NoError(t, err)
			assert.Equal(t, "web", out.Domain)
		})
	}
}

func TestCompleteJSONAppendsSchema(t *testing.T) {
	o := NewScripted().Queue(`{}`)
	var out map[string]any
	err := CompleteJSON(context.Background(), o, Prompt{
		System: "You classify tasks.",
		Schema: `{"domain": "web|ai|quant"}`,
	}, &out)
	require.NoError(t, err)
	require.Len(t, o.Prompts, 1)
	assert.Contains(t, o.Prompts[0].System, "You classify tasks.")
	assert.Contains(t, o.Prompts[0].System, `{"domain": "web|ai|quant"}`)
}

func TestCompleteJSONRejectsGarbage(t *testing.T) {
	o := NewScripted().Queue("definitely not json")
	var out map[string]any
	err := CompleteJSON(context.Background(), o, Prompt{User: "x"}, &out)
	assert.Error(t, err)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	transient := errors.New("connection reset")
	o := NewScripted().QueueError(transient).QueueError(transient).Queue("ok")

	r := WithRetry(o, 3)
	r.initial = time.Millisecond

	answer, err := r.Complete(context.Background(), Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Len(t, o.Prompts, 3)
}

func TestRetryGivesUpAfterBoundedAttempts(t *testing.T) {
	transient := errors.New("connection reset")
	o := NewScripted()
	for i := 0; i < 10; i++ {
		o.QueueError(transient)
	}

	r := WithRetry(o, 3)
	r.initial = time.Millisecond

	_, err := r.Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Len(t, o.Prompts, 3, "attempts must be bounded")
}

func TestRetryDoesNotRetryUnavailable(t *testing.T) {
	r := WithRetry(Disabled{}, 5)
	r.initial = time.Millisecond

	_, err := r.Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
