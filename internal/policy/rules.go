// Package policy enforces the colony's communication hierarchy: who may
// message whom, on which channels, with a durable violation ledger and
// automatic revocation of repeat offenders.
package policy

import (
	"fmt"

	"github.com/dyluth/warren/internal/identity"
)

// Recipient is one entry in a sender role's allow list. SameDomain
// restricts the rule to recipients in the sender's domain; two empty
// domains also count as the same domain.
type Recipient struct {
	Role       identity.Role
	SameDomain bool
}

// Hierarchy is the communication law table. A send is legal when the
// recipient's role matches an entry for the sender's role, subject to
// the same-domain restriction.
var Hierarchy = map[identity.Role][]Recipient{
	identity.RoleCommander: {
		{Role: identity.RoleCoordinator},
	},
	identity.RoleCoordinator: {
		{Role: identity.RoleCommander},
		{Role: identity.RoleExecutor, SameDomain: true},
		{Role: identity.RoleAuditor, SameDomain: true},
	},
	identity.RoleExecutor: {
		{Role: identity.RoleCoordinator, SameDomain: true},
		{Role: identity.RoleExecutor, SameDomain: true},
		{Role: identity.RoleAuditor, SameDomain: true},
		{Role: identity.RoleScribe},
	},
	identity.RoleAuditor: {
		{Role: identity.RoleCoordinator, SameDomain: true},
		{Role: identity.RoleAssessor},
		{Role: identity.RoleScribe},
	},
	identity.RoleAssessor: {
		{Role: identity.RoleCommander},
		{Role: identity.RoleScribe},
	},
	identity.RoleScribe: {
		{Role: identity.RoleCommander},
		{Role: identity.RoleCoordinator},
	},
}

// ExemptChannels carry operational chatter and are never gated by the
// hierarchy. Exemption does not override revocation.
var ExemptChannels = map[string]bool{
	"system": true,
	"status": true,
	"alerts": true,
	"debug":  true,
}

// permits scans the sender's allow list for a match on the recipient.
func permits(sender, recipient identity.Identity) bool {
	for _, r := range Hierarchy[sender.Role] {
		if r.Role != recipient.Role {
			continue
		}
		if r.SameDomain && sender.Domain != recipient.Domain {
			continue
		}
		return true
	}
	return false
}

// denialReason builds a deterministic, human-readable reason naming
// both roles and the domain relationship.
func denialReason(sender, recipient identity.Identity) string {
	senderDomain := string(sender.Domain)
	if senderDomain == "" {
		senderDomain = "none"
	}
	recipientDomain := string(recipient.Domain)
	if recipientDomain == "" {
		recipientDomain = "none"
	}
	return fmt.Sprintf("%s (domain %s) may not message %s (domain %s)",
		sender.Role, senderDomain, recipient.Role, recipientDomain)
}
