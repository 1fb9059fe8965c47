package policy

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/dyluth/warren/internal/identity"
)

// DefaultRevocationThreshold is the cumulative violation count at which
// a sender's rights are revoked.
const DefaultRevocationThreshold = 3

// Decision is the outcome of a policy check. Denials are outcomes, not
// errors; callers branch on Allowed.
type Decision struct {
	Allowed        bool
	Reason         string
	Revoked        bool // sender is revoked (either already or by this check)
	ViolationCount int  // sender's cumulative tally after this check
}

// Engine is the policy authority: it resolves identities, applies the
// hierarchy, records violations, and revokes repeat offenders.
type Engine struct {
	resolver  *identity.Resolver
	ledger    *Ledger
	registry  *Registry
	threshold int

	// OnRevoke, when set, is called once per revocation so the hosting
	// process can announce it. Called outside the engine's locks.
	OnRevoke func(RevocationRecord)
}

// NewEngine creates an engine whose ledger and registry live under
// dataDir (violations.jsonl and revoked.json).
func NewEngine(dataDir string, resolver *identity.Resolver, threshold int) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if threshold <= 0 {
		threshold = DefaultRevocationThreshold
	}
	registry, err := NewRegistry(filepath.Join(dataDir, "revoked.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	return &Engine{
		resolver:  resolver,
		ledger:    NewLedger(filepath.Join(dataDir, "violations.jsonl")),
		registry:  registry,
		threshold: threshold,
	}, nil
}

// Resolver exposes the engine's identity resolver so the hosting
// process can register explicit identities.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// Ledger exposes the violation ledger for the reporting surface.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Registry exposes the revocation registry for the reporting surface.
func (e *Engine) Registry() *Registry { return e.registry }

// Check decides whether sender may message recipient on the channel.
// Order: a revoked sender is denied unconditionally; exempt channels
// allow anything else; an unknown sender role is denied; otherwise the
// hierarchy table decides. Every denial of a non-revoked sender is
// recorded as a violation before the decision returns, and the tally
// reaching the threshold revokes the sender on the spot.
func (e *Engine) Check(senderName, recipientName, channel string) Decision {
	return e.CheckContent(senderName, recipientName, channel, "")
}

// CheckContent is Check with the message content supplied so a denial
// records a truncated preview in the violation.
func (e *Engine) CheckContent(senderName, recipientName, channel, content string) Decision {
	sender := e.resolver.Resolve(senderName)
	recipient := e.resolver.Resolve(recipientName)

	if e.registry.IsRevoked(senderName) {
		return Decision{
			Allowed:        false,
			Reason:         fmt.Sprintf("%s has been revoked and may not send", senderName),
			Revoked:        true,
			ViolationCount: e.ledger.Count(senderName),
		}
	}

	if ExemptChannels[channel] {
		return Decision{Allowed: true, ViolationCount: e.ledger.Count(senderName)}
	}

	var reason string
	switch {
	case sender.Role == identity.RoleUnknown:
		reason = fmt.Sprintf("unknown sender role for %s", senderName)
	case permits(sender, recipient):
		return Decision{Allowed: true, ViolationCount: e.ledger.Count(senderName)}
	default:
		reason = denialReason(sender, recipient)
	}

	return e.deny(sender, recipient, channel, reason, content)
}

// Allow adapts Check to the two-value gate shape the bus client takes.
func (e *Engine) Allow(sender, recipient, channel string) (bool, string) {
	d := e.Check(sender, recipient, channel)
	return d.Allowed, d.Reason
}

// previewLimit caps how much message content a violation record keeps.
const previewLimit = 80

func truncatePreview(content string) string {
	if len(content) > previewLimit {
		return content[:previewLimit]
	}
	return content
}

func (e *Engine) deny(sender, recipient identity.Identity, channel, reason, content string) Decision {
	count, err := e.ledger.Record(Violation{
		Timestamp:       time.Now(),
		Sender:          sender.Name,
		SenderRole:      string(sender.Role),
		SenderDomain:    string(sender.Domain),
		Recipient:       recipient.Name,
		RecipientRole:   string(recipient.Role),
		RecipientDomain: string(recipient.Domain),
		Channel:         channel,
		Reason:          reason,
		Preview:         truncatePreview(content),
	})
	if err != nil {
		log.Printf("[Policy] failed to persist violation for %s: %v", sender.Name, err)
	}

	decision := Decision{Allowed: false, Reason: reason, ViolationCount: count}
	if count >= e.threshold {
		decision.Revoked = true
		rec := RevocationRecord{
			Name:           sender.Name,
			Role:           string(sender.Role),
			Domain:         string(sender.Domain),
			RevokedBy:      "policy-engine",
			Reason:         reason,
			ViolationCount: count,
		}
		if err := e.registry.Revoke(rec); err != nil {
			log.Printf("[Policy] failed to persist revocation of %s: %v", sender.Name, err)
		}
		log.Printf("[Policy] revoked %s after %d violations", sender.Name, count)
		if e.OnRevoke != nil {
			rec, _ = e.registry.Get(sender.Name)
			e.OnRevoke(rec)
		}
	}
	return decision
}

// Reinstate restores a revoked agent's send rights. The violation tally
// survives reinstatement.
func (e *Engine) Reinstate(name string) (bool, error) {
	return e.registry.Reinstate(name)
}

// ClearViolations zeroes an agent's tally. Deliberately separate from
// Reinstate so forgiving an agent and forgetting its history are two
// distinct acts.
func (e *Engine) ClearViolations(name string) {
	e.ledger.Clear(name)
}
