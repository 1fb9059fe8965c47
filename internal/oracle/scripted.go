package oracle

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned when no oracle is configured. The retry
// wrapper treats it as permanent so fallbacks engage immediately.
var ErrUnavailable = errors.New("oracle unavailable")

// Disabled is an Oracle that always fails with ErrUnavailable. It runs
// the colony on deterministic fallbacks alone, which is what the demo
// and most tests want.
type Disabled struct{}

// Complete always returns ErrUnavailable.
func (Disabled) Complete(ctx context.Context, p Prompt) (string, error) {
	return "", ErrUnavailable
}

// Scripted replays queued answers in order. Once the queue is drained
// it fails with ErrUnavailable. For tests.
type Scripted struct {
	mu      sync.Mutex
	answers []scriptedAnswer
	// Prompts records every prompt seen, for assertions.
	Prompts []Prompt
}

type scriptedAnswer struct {
	text string
	err  error
}

// NewScripted creates an empty scripted oracle.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Queue appends a successful answer.
func (s *Scripted) Queue(text string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, scriptedAnswer{text: text})
	return s
}

// QueueError appends a failing answer.
func (s *Scripted) QueueError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, scriptedAnswer{err: err})
	return s
}

// Complete pops the next queued answer.
func (s *Scripted) Complete(ctx context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, p)
	if len(s.answers) == 0 {
		return "", ErrUnavailable
	}
	next := s.answers[0]
	s.answers = s.answers[1:]
	return next.text, next.err
}
