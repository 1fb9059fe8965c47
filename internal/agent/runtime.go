// Package agent implements the runtime every colony role is built on: a
// durable mailbox poll loop, subject-prefix handler dispatch, a
// concurrent survey listener, and policy-checked sends.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/oracle"
	"github.com/dyluth/warren/internal/policy"
)

// State is the runtime lifecycle position.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// HandlerFunc processes one mailbox message.
type HandlerFunc func(ctx context.Context, msg mailbox.Message)

type prefixHandler struct {
	prefix string
	fn     HandlerFunc
}

// seenCapacity bounds the dedup set. Mailbox delivery is at-least-once;
// ids older than the window cannot recur because the cursor has moved
// past them.
const seenCapacity = 2048

// Options tune a runtime. Zero values take defaults.
type Options struct {
	PollInterval   time.Duration // mailbox poll cadence, default 2s
	SurveyInterval time.Duration // survey listener cadence, default 2s
	SendAttempts   int           // bounded retries per mailbox send, default 3

	// Reporter, when set, answers status surveys. Falls back to the
	// oracle, then to a deterministic default.
	Reporter func() SurveyReport
	Oracle   oracle.Oracle
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SurveyInterval <= 0 {
		o.SurveyInterval = 2 * time.Second
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = 3
	}
	return o
}

// Runtime is one agent's engine. Construct with New, add handlers, then
// Start. Stop is idempotent and drains both loops before returning.
type Runtime struct {
	name   string
	id     identity.Identity
	mail   mailbox.Service
	bus    *bus.Client
	policy *policy.Engine
	opts   Options

	mu       sync.Mutex
	state    State
	handlers []prefixHandler
	cursor   int64
	seen     map[string]bool
	seenFIFO []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a runtime for the named agent. The bus client is gated by
// the policy engine so replies on non-exempt channels obey the
// hierarchy.
func New(name string, mail mailbox.Service, b *bus.Bus, engine *policy.Engine, opts Options) (*Runtime, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name cannot be empty")
	}
	if mail == nil || b == nil || engine == nil {
		return nil, fmt.Errorf("agent %s requires a mailbox, a bus, and a policy engine", name)
	}
	r := &Runtime{
		name:   name,
		id:     engine.Resolver().Resolve(name),
		mail:   mail,
		bus:    bus.NewClient(b, name, engine.Allow),
		policy: engine,
		opts:   opts.withDefaults(),
		state:  StateCreated,
		seen:   make(map[string]bool),
	}
	r.bus.Join("system")
	if r.id.Domain != "" {
		r.bus.Join(string(r.id.Domain))
	}
	return r, nil
}

// Name returns the agent's name.
func (r *Runtime) Name() string { return r.name }

// Identity returns the agent's resolved identity.
func (r *Runtime) Identity() identity.Identity { return r.id }

// Bus returns the agent's bus client.
func (r *Runtime) Bus() *bus.Client { return r.bus }

// Policy returns the engine gating this agent's sends.
func (r *Runtime) Policy() *policy.Engine { return r.policy }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Handle appends a handler for subjects starting with prefix. A message
// runs every matching handler in registration order.
func (r *Runtime) Handle(prefix string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, prefixHandler{prefix: prefix, fn: fn})
}

// Start registers with the mailbox and launches the poll loop and the
// survey listener as independent goroutines coordinated only by the
// derived context.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated && r.state != StateStopped {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("agent %s cannot start from state %s", r.name, state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	register := func() error { return r.mail.Register(ctx, r.name) }
	if err := backoff.Retry(register, r.sendBackoff(ctx)); err != nil {
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		return fmt.Errorf("agent %s failed to register with mailbox: %w", r.name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.state = StateRunning
	r.mu.Unlock()

	r.wg.Add(2)
	go r.pollLoop(loopCtx)
	go r.surveyLoop(loopCtx)

	log.Printf("[Agent] %s running (role=%s domain=%s)", r.name, r.id.Role, r.id.Domain)
	return nil
}

// Stop cancels both loops and waits for in-flight handlers to finish.
// Stopping an agent that is not running is a no-op.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	log.Printf("[Agent] %s stopped", r.name)
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context) {
	r.mu.Lock()
	since := r.cursor
	r.mu.Unlock()

	msgs, cursor, err := r.mail.ListNew(ctx, r.name, since)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[Agent] %s mailbox poll failed: %v", r.name, err)
		}
		return
	}

	r.mu.Lock()
	if cursor > r.cursor {
		r.cursor = cursor
	}
	fresh := make([]mailbox.Message, 0, len(msgs))
	for _, msg := range msgs {
		if r.seen[msg.ID] {
			continue
		}
		r.seen[msg.ID] = true
		r.seenFIFO = append(r.seenFIFO, msg.ID)
		if len(r.seenFIFO) > seenCapacity {
			delete(r.seen, r.seenFIFO[0])
			r.seenFIFO = r.seenFIFO[1:]
		}
		fresh = append(fresh, msg)
	}
	r.mu.Unlock()

	for _, msg := range fresh {
		r.dispatch(ctx, msg)
	}
}

// dispatch runs every handler whose prefix matches the subject. A
// panicking handler is recovered and logged and never blocks the rest.
func (r *Runtime) dispatch(ctx context.Context, msg mailbox.Message) {
	r.mu.Lock()
	matched := make([]prefixHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if strings.HasPrefix(msg.Subject, h.prefix) {
			matched = append(matched, h)
		}
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		log.Printf("[Agent] %s dropped unhandled message %s (%s)", r.name, msg.ID, msg.Subject)
		return
	}
	for _, h := range matched {
		r.runHandler(ctx, h, msg)
	}
}

func (r *Runtime) runHandler(ctx context.Context, h prefixHandler, msg mailbox.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Agent] %s handler %q panicked on message %s: %v", r.name, h.prefix, msg.ID, rec)
		}
	}()
	h.fn(ctx, msg)
}

func (r *Runtime) sendBackoff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.SendAttempts-1)), ctx)
}
