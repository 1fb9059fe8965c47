package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType categorises bus traffic.
type MessageType string

const (
	TypeChat     MessageType = "chat"
	TypeStatus   MessageType = "status"
	TypeSignal   MessageType = "signal"
	TypeQuery    MessageType = "query"
	TypeResponse MessageType = "response"
)

// Validate checks if the message type is one of the known values.
func (t MessageType) Validate() error {
	switch t {
	case TypeChat, TypeStatus, TypeSignal, TypeQuery, TypeResponse:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", t)
	}
}

// Signal names carried in the Content field of TypeSignal messages.
const (
	SignalSurveyRequest  = "status_survey_request"
	SignalSurveyResponse = "status_survey_response"
	SignalCommViolation  = "comm_violation"
	SignalAgentRevoked   = "agent_revoked"
	SignalLowQuality     = "low_quality_alert"
)

// Message is a single bus posting. Metadata carries signal payloads.
type Message struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Type      MessageType       `json:"type"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMessage builds a message with a fresh short id and timestamp.
func NewMessage(channel, sender, content string, msgType MessageType) Message {
	return Message{
		ID:        shortID(),
		Channel:   channel,
		Sender:    sender,
		Content:   content,
		Type:      msgType,
		Timestamp: time.Now(),
	}
}

// shortID returns the first 8 hex characters of a v4 UUID. Short ids
// are plenty for in-process correlation and keep logs readable.
func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
