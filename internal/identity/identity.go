// Package identity defines agent roles, domains, and the naming
// conventions that map an agent name to its place in the colony
// hierarchy. Explicit registration always wins over name parsing.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Role is the hierarchy position of an agent.
type Role string

const (
	RoleCommander   Role = "commander"
	RoleCoordinator Role = "coordinator"
	RoleExecutor    Role = "executor"
	RoleAuditor     Role = "auditor"
	RoleAssessor    Role = "assessor"
	RoleScribe      Role = "scribe"

	// RoleUnknown is returned for names no convention matches.
	// Unknown senders are denied by the policy engine.
	RoleUnknown Role = "unknown"
)

// Validate checks if the role is one of the known hierarchy roles.
func (r Role) Validate() error {
	switch r {
	case RoleCommander, RoleCoordinator, RoleExecutor, RoleAuditor, RoleAssessor, RoleScribe:
		return nil
	default:
		return fmt.Errorf("invalid role: %s", r)
	}
}

// Domain is the work area an agent belongs to. Empty means the agent
// operates colony-wide (commander, assessor, scribe).
type Domain string

const (
	DomainWeb   Domain = "web"
	DomainAI    Domain = "ai"
	DomainQuant Domain = "quant"
)

// Identity is a resolved agent name.
type Identity struct {
	Name   string // exact agent name, e.g. "Exec-3"
	Role   Role   // hierarchy role
	Domain Domain // empty for colony-wide roles
}

// Parse resolves an agent name by naming convention alone:
//
//	Commander        -> commander
//	Coord-<Domain>   -> coordinator of that domain
//	Exec-<N>         -> executor (1-7 web, 8-14 ai, otherwise quant)
//	Audit-<Domain>   -> auditor of that domain
//	Assessor, Scribe -> domain-less roles
//
// Anything else resolves to RoleUnknown.
func Parse(name string) Identity {
	switch {
	case name == "Commander":
		return Identity{Name: name, Role: RoleCommander}
	case name == "Assessor":
		return Identity{Name: name, Role: RoleAssessor}
	case name == "Scribe":
		return Identity{Name: name, Role: RoleScribe}
	case strings.HasPrefix(name, "Coord-"):
		return Identity{Name: name, Role: RoleCoordinator, Domain: domainSuffix(name, "Coord-")}
	case strings.HasPrefix(name, "Audit-"):
		return Identity{Name: name, Role: RoleAuditor, Domain: domainSuffix(name, "Audit-")}
	case strings.HasPrefix(name, "Exec-"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "Exec-"))
		if err != nil {
			return Identity{Name: name, Role: RoleUnknown}
		}
		return Identity{Name: name, Role: RoleExecutor, Domain: executorDomain(n)}
	default:
		return Identity{Name: name, Role: RoleUnknown}
	}
}

func domainSuffix(name, prefix string) Domain {
	return Domain(strings.ToLower(strings.TrimPrefix(name, prefix)))
}

// executorDomain maps an executor number to its domain pool.
func executorDomain(n int) Domain {
	switch {
	case n >= 1 && n <= 7:
		return DomainWeb
	case n >= 8 && n <= 14:
		return DomainAI
	default:
		return DomainQuant
	}
}

// ExecutorName builds the conventional name for executor number n.
func ExecutorName(n int) string {
	return fmt.Sprintf("Exec-%d", n)
}

// CoordinatorName builds the conventional coordinator name for a domain.
func CoordinatorName(d Domain) string {
	return "Coord-" + titleCase(string(d))
}

// AuditorName builds the conventional auditor name for a domain.
func AuditorName(d Domain) string {
	return "Audit-" + titleCase(string(d))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Resolver caches name resolutions and lets explicit registrations
// override the naming conventions.
type Resolver struct {
	mu         sync.RWMutex
	cache      map[string]Identity
	registered map[string]bool
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		cache:      make(map[string]Identity),
		registered: make(map[string]bool),
	}
}

// Register pins an explicit identity for a name. Registration takes
// precedence over parsing and replaces any cached parse result.
func (r *Resolver) Register(name string, role Role, domain Domain) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return fmt.Errorf("cannot register %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = Identity{Name: name, Role: role, Domain: domain}
	r.registered[name] = true
	return nil
}

// Resolve returns the identity for a name, consulting registrations
// first, then the cache, then the naming conventions.
func (r *Resolver) Resolve(name string) Identity {
	r.mu.RLock()
	id, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	id = Parse(name)
	r.mu.Lock()
	// A registration may have landed since the read lock was dropped.
	if cached, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return cached
	}
	r.cache[name] = id
	r.mu.Unlock()
	return id
}
