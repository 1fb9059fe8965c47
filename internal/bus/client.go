package bus

import (
	"sync"
	"time"
)

// GateFunc decides whether one agent may message another on a channel.
// The policy engine's Check method is the production gate; a nil gate
// allows everything.
type GateFunc func(sender, recipient, channel string) (allowed bool, reason string)

// Client is an agent's cursor-tracking view of the bus. Construction
// joins the general and status channels.
type Client struct {
	bus  *Bus
	name string
	gate GateFunc

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewClient creates a client for the named agent.
func NewClient(b *Bus, name string, gate GateFunc) *Client {
	c := &Client{
		bus:     b,
		name:    name,
		gate:    gate,
		cursors: make(map[string]time.Time),
	}
	b.Join("general", name)
	b.Join("status", name)
	return c
}

// Name returns the owning agent's name.
func (c *Client) Name() string { return c.name }

// Join adds the agent to another channel.
func (c *Client) Join(channelName string) {
	c.bus.Join(channelName, c.name)
}

// Subscribe registers a callback for the agent on a channel.
func (c *Client) Subscribe(channelName string, fn Handler) {
	c.bus.Subscribe(channelName, c.name, fn)
}

// CheckMessages returns messages on the channel newer than the client's
// cursor, excluding the agent's own posts, and advances the cursor.
func (c *Client) CheckMessages(channelName string) []Message {
	c.mu.Lock()
	since := c.cursors[channelName]
	c.mu.Unlock()

	all := c.bus.Recent(channelName, 0, since)
	if len(all) == 0 {
		return nil
	}

	latest := since
	var out []Message
	for _, m := range all {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
		if m.Sender == c.name {
			continue
		}
		out = append(out, m)
	}

	c.mu.Lock()
	if latest.After(c.cursors[channelName]) {
		c.cursors[channelName] = latest
	}
	c.mu.Unlock()
	return out
}

// Post sends a message from this agent.
func (c *Client) Post(channelName, content string, msgType MessageType) Message {
	msg := NewMessage(channelName, c.name, content, msgType)
	c.bus.Post(msg)
	return msg
}

// Signal posts a signal with a metadata payload.
func (c *Client) Signal(channelName, signal string, metadata map[string]string) Message {
	return c.bus.Signal(channelName, c.name, signal, metadata)
}

// Query posts a query and waits for the first response.
func (c *Client) Query(channelName, content string, timeout time.Duration) (Message, bool) {
	return c.bus.Query(channelName, c.name, content, timeout)
}

// Reply answers a bus message. When the reply targets a specific sender
// the gate is consulted first; a denial returns ok=false with the
// gate's reason and nothing is posted.
func (c *Client) Reply(msg Message, content string) (Message, bool, string) {
	if c.gate != nil {
		if allowed, reason := c.gate(c.name, msg.Sender, msg.Channel); !allowed {
			return Message{}, false, reason
		}
	}
	if msg.Type == TypeQuery {
		return c.bus.Respond(msg, c.name, content), true, ""
	}
	reply := NewMessage(msg.Channel, c.name, content, TypeChat)
	reply.ReplyTo = msg.ID
	c.bus.Post(reply)
	return reply, true, ""
}
