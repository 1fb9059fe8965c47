package mailbox

import (
	"context"
	"fmt"
	"sync"
)

// InMemService is a Service for unit tests and the demo runner. It
// mirrors the Redis semantics including at-least-once quirks: ListNew
// may legitimately return a message twice if the caller replays an old
// cursor.
type InMemService struct {
	mu      sync.Mutex
	seq     int64
	agents  map[string]bool
	inboxes map[string][]Message
}

// NewInMemService creates an empty in-memory mailbox service.
func NewInMemService() *InMemService {
	return &InMemService{
		agents:  make(map[string]bool),
		inboxes: make(map[string][]Message),
	}
}

// Register adds the agent to the registry.
func (s *InMemService) Register(ctx context.Context, agent string) error {
	if agent == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent] = true
	return nil
}

// Agents lists every registered agent.
func (s *InMemService) Agents(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

// Send appends the message to the recipient's inbox.
func (s *InMemService) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg.Seq = s.seq
	s.inboxes[msg.To] = append(s.inboxes[msg.To], msg)
	return msg.ID, nil
}

// ListNew returns messages with Seq greater than sinceSeq, oldest first.
func (s *InMemService) ListNew(ctx context.Context, agent string, sinceSeq int64) ([]Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := sinceSeq
	var out []Message
	for _, msg := range s.inboxes[agent] {
		if msg.Seq <= sinceSeq {
			continue
		}
		if msg.Seq > highest {
			highest = msg.Seq
		}
		out = append(out, msg)
	}
	return out, highest, nil
}
