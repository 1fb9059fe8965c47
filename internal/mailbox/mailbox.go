// Package mailbox defines the durable mailbox service the agents poll,
// plus a Redis-backed implementation and an in-memory one for tests.
// Delivery is at-least-once; consumers deduplicate by message id.
package mailbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Importance levels for mailbox messages.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
)

// Message is one durable mailbox delivery. Seq is assigned by the
// service and strictly increases per project; consumers poll with their
// last seen Seq as the cursor.
type Message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Importance  string    `json:"importance,omitempty"`
	AckRequired bool      `json:"ack_required,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Validate checks the fields a send requires.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message sender cannot be empty")
	}
	if m.To == "" {
		return fmt.Errorf("message recipient cannot be empty")
	}
	if m.Subject == "" {
		return fmt.Errorf("message subject cannot be empty")
	}
	return nil
}

// NewMessage builds a message ready to send. The service assigns Seq.
func NewMessage(from, to, subject, body string) Message {
	return Message{
		ID:         strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
		From:       from,
		To:         to,
		Subject:    subject,
		Body:       body,
		Importance: ImportanceNormal,
		SentAt:     time.Now(),
	}
}

// Service is the durable mailbox contract.
type Service interface {
	// Register announces an agent so operators can enumerate the colony.
	Register(ctx context.Context, agent string) error

	// Send stores the message in the recipient's mailbox and returns
	// the message id.
	Send(ctx context.Context, msg Message) (string, error)

	// ListNew returns messages for the agent with Seq greater than
	// sinceSeq, oldest first, plus the highest Seq seen.
	ListNew(ctx context.Context, agent string, sinceSeq int64) ([]Message, int64, error)
}
