package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// RevocationRecord marks an agent whose send rights have been removed.
// Role and Domain are captured at revocation time so reports built
// from the registry alone do not depend on name parsing.
type RevocationRecord struct {
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Domain         string    `json:"domain,omitempty"`
	RevokedAt      time.Time `json:"revoked_at"`
	RevokedBy      string    `json:"revoked_by"`
	Reason         string    `json:"reason"`
	ViolationCount int       `json:"violation_count"`
}

// Registry is the durable set of revoked agents, persisted as a JSON
// file keyed by agent name. It is loaded on construction and saved on
// every change.
type Registry struct {
	mu      sync.Mutex
	path    string
	records map[string]RevocationRecord
}

// NewRegistry loads the registry from path. A missing file starts an
// empty registry; a corrupt file is an error.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		records: make(map[string]RevocationRecord),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read revocation registry: %w", err)
	}
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r.records); err != nil {
		return nil, fmt.Errorf("failed to parse revocation registry: %w", err)
	}
	return r, nil
}

// IsRevoked reports whether the agent is currently revoked.
func (r *Registry) IsRevoked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	return ok
}

// Get returns the agent's revocation record, if any.
func (r *Registry) Get(name string) (RevocationRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Revoke records the agent as revoked and persists the registry.
// Revoking an already-revoked agent keeps the original record.
func (r *Registry) Revoke(rec RevocationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Name]; ok {
		return nil
	}
	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = time.Now()
	}
	r.records[rec.Name] = rec
	return r.saveLocked()
}

// Reinstate removes the agent's revocation record and persists the
// registry. The agent's violation tally in the ledger is untouched;
// clearing it is a separate, explicit operation.
func (r *Registry) Reinstate(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		return false, nil
	}
	delete(r.records, name)
	return true, r.saveLocked()
}

// List returns all revocation records sorted by agent name.
func (r *Registry) List() []RevocationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RevocationRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal revocation registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write revocation registry: %w", err)
	}
	return nil
}
