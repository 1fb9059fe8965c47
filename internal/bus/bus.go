// Package bus implements the in-process channel bus the colony's agents
// share: bounded-history channels, synchronous fan-out to subscriber
// callbacks, a query/respond rendezvous, and cursor-based polling.
package bus

import (
	"log"
	"sync"
	"time"
)

// HistoryLimit is the number of messages a channel retains. Older
// messages are evicted FIFO.
const HistoryLimit = 100

// DefaultChannels are created when the bus is constructed.
var DefaultChannels = []string{"general", "status", "system", "web", "ai", "quant", "alerts", "debug"}

// BroadcastChannels are the targets of Broadcast when none are named.
var BroadcastChannels = []string{"general", "status"}

// Handler receives a copy of every message posted to a subscribed
// channel by any other agent.
type Handler func(msg Message)

type channel struct {
	name     string
	members  map[string]bool
	handlers map[string][]Handler // agent name -> ordered callbacks
	history  []Message
}

// Bus is the in-process hub. All methods are safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channel
	pending  map[string]chan Message // query id -> rendezvous
}

// New creates a bus with the default channels already present.
func New() *Bus {
	b := &Bus{
		channels: make(map[string]*channel),
		pending:  make(map[string]chan Message),
	}
	for _, name := range DefaultChannels {
		b.channels[name] = newChannel(name)
	}
	return b
}

func newChannel(name string) *channel {
	return &channel{
		name:     name,
		members:  make(map[string]bool),
		handlers: make(map[string][]Handler),
	}
}

// Channel returns the named channel, creating it on first use.
func (b *Bus) Channel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getOrCreate(name)
}

func (b *Bus) getOrCreate(name string) *channel {
	ch, ok := b.channels[name]
	if !ok {
		ch = newChannel(name)
		b.channels[name] = ch
	}
	return ch
}

// Join adds an agent to a channel's membership.
func (b *Bus) Join(channelName, agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getOrCreate(channelName).members[agent] = true
}

// Leave removes an agent and its callbacks from a channel.
func (b *Bus) Leave(channelName, agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channelName]; ok {
		delete(ch.members, agent)
		delete(ch.handlers, agent)
	}
}

// Subscribe appends a callback for an agent on a channel. One agent may
// hold several callbacks on the same channel; they run in registration
// order.
func (b *Bus) Subscribe(channelName, agent string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.getOrCreate(channelName)
	ch.members[agent] = true
	ch.handlers[agent] = append(ch.handlers[agent], fn)
}

// Post appends the message to the channel history and synchronously
// invokes every other subscriber's callbacks. A panicking callback is
// recovered and logged; delivery to the remaining subscribers continues.
func (b *Bus) Post(msg Message) {
	b.mu.Lock()
	ch := b.getOrCreate(msg.Channel)
	ch.history = append(ch.history, msg)
	if len(ch.history) > HistoryLimit {
		ch.history = ch.history[len(ch.history)-HistoryLimit:]
	}
	// Snapshot the callbacks so delivery runs outside the lock.
	type delivery struct {
		agent string
		fn    Handler
	}
	var deliveries []delivery
	for agent, fns := range ch.handlers {
		if agent == msg.Sender {
			continue
		}
		for _, fn := range fns {
			deliveries = append(deliveries, delivery{agent, fn})
		}
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		b.deliver(d.agent, d.fn, msg)
	}
}

func (b *Bus) deliver(agent string, fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] handler panic for %s on #%s: %v", agent, msg.Channel, r)
		}
	}()
	fn(msg)
}

// Query posts a query message and waits for the first response. A
// timeout is a normal outcome: the second return value is false and no
// error is raised. Later responses to the same query are discarded.
func (b *Bus) Query(channelName, sender, content string, timeout time.Duration) (Message, bool) {
	msg := NewMessage(channelName, sender, content, TypeQuery)

	rendezvous := make(chan Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = rendezvous
	b.mu.Unlock()

	b.Post(msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-rendezvous:
		return resp, true
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return Message{}, false
	}
}

// Respond answers a query. The response is posted to the query's
// channel; if the query is still pending, the first response resolves
// it. Responding to an already-resolved or expired query is a no-op
// beyond the post itself.
func (b *Bus) Respond(query Message, sender, content string) Message {
	resp := NewMessage(query.Channel, sender, content, TypeResponse)
	resp.ReplyTo = query.ID
	b.Post(resp)

	b.mu.Lock()
	rendezvous, ok := b.pending[query.ID]
	if ok {
		delete(b.pending, query.ID)
	}
	b.mu.Unlock()
	if ok {
		rendezvous <- resp
	}
	return resp
}

// Recent returns up to limit messages on the channel newer than since.
// A zero since returns the newest messages up to limit.
func (b *Bus) Recent(channelName string, limit int, since time.Time) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelName]
	if !ok {
		return nil
	}
	var out []Message
	for _, m := range ch.history {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Broadcast posts the same content to each named channel, defaulting to
// general and status.
func (b *Bus) Broadcast(sender, content string, channels ...string) []Message {
	if len(channels) == 0 {
		channels = BroadcastChannels
	}
	var posted []Message
	for _, name := range channels {
		msg := NewMessage(name, sender, content, TypeChat)
		b.Post(msg)
		posted = append(posted, msg)
	}
	return posted
}

// Signal posts a TypeSignal message with the given metadata payload.
func (b *Bus) Signal(channelName, sender, signal string, metadata map[string]string) Message {
	msg := NewMessage(channelName, sender, signal, TypeSignal)
	msg.Metadata = metadata
	b.Post(msg)
	return msg
}
