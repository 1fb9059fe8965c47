package policy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ringCapacity bounds the in-memory violation cache. The JSONL file is
// the authoritative record.
const ringCapacity = 1000

// Violation is one denied send.
type Violation struct {
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	SenderRole      string    `json:"sender_role"`
	SenderDomain    string    `json:"sender_domain,omitempty"`
	Recipient       string    `json:"recipient"`
	RecipientRole   string    `json:"recipient_role"`
	RecipientDomain string    `json:"recipient_domain,omitempty"`
	Channel         string    `json:"channel,omitempty"`
	Reason          string    `json:"reason"`
	Preview         string    `json:"preview,omitempty"`
	LoggedAt        time.Time `json:"logged_at"`
}

// Ledger keeps a bounded in-memory cache of recent violations plus
// per-sender tallies, and appends every record to a JSONL file, one
// violation per line.
type Ledger struct {
	mu     sync.Mutex
	ring   []Violation
	counts map[string]int
	path   string
}

// NewLedger creates a ledger backed by the given JSONL file. The file
// is created on first append.
func NewLedger(path string) *Ledger {
	return &Ledger{
		counts: make(map[string]int),
		path:   path,
	}
}

// Record caches the violation, bumps the sender's tally, and appends
// the record to the log file. The returned count is the sender's new
// cumulative total. A file write failure does not lose the in-memory
// record.
func (l *Ledger) Record(v Violation) (int, error) {
	l.mu.Lock()
	v.LoggedAt = time.Now()
	l.ring = append(l.ring, v)
	if len(l.ring) > ringCapacity {
		l.ring = l.ring[len(l.ring)-ringCapacity:]
	}
	l.counts[v.Sender]++
	count := l.counts[v.Sender]
	l.mu.Unlock()

	if err := l.appendToLog(v); err != nil {
		return count, fmt.Errorf("failed to append violation to log: %w", err)
	}
	return count, nil
}

func (l *Ledger) appendToLog(v Violation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open violation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write violation log: %w", err)
	}
	return nil
}

// Count returns the sender's cumulative violation tally.
func (l *Ledger) Count(sender string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[sender]
}

// Counts returns a copy of all per-sender tallies.
func (l *Ledger) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Clear resets one sender's tally and drops its cached violations.
// Clearing does not touch the log file.
func (l *Ledger) Clear(sender string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, sender)
	kept := l.ring[:0]
	for _, v := range l.ring {
		if v.Sender != sender {
			kept = append(kept, v)
		}
	}
	l.ring = kept
}

// RecentCached returns up to limit of the most recent cached violations,
// newest last.
func (l *Ledger) RecentCached(limit int) []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && len(l.ring) > limit {
		start = len(l.ring) - limit
	}
	out := make([]Violation, len(l.ring)-start)
	copy(out, l.ring[start:])
	return out
}

// TopOffenders returns up to n senders by descending tally.
func (l *Ledger) TopOffenders(n int) []Offender {
	counts := l.Counts()
	offenders := make([]Offender, 0, len(counts))
	for sender, count := range counts {
		offenders = append(offenders, Offender{Sender: sender, Count: count})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Count != offenders[j].Count {
			return offenders[i].Count > offenders[j].Count
		}
		return offenders[i].Sender < offenders[j].Sender
	})
	if n > 0 && len(offenders) > n {
		offenders = offenders[:n]
	}
	return offenders
}

// Offender pairs a sender with its violation tally.
type Offender struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// LogQuery filters ReadLog results. Zero values match everything.
type LogQuery struct {
	Limit  int
	Since  time.Time
	Sender string
}

// ReadLog reads violations back from the authoritative log file,
// newest last. Malformed lines are skipped. A missing file yields an
// empty result, not an error.
func (l *Ledger) ReadLog(q LogQuery) ([]Violation, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open violation log: %w", err)
	}
	defer f.Close()

	var out []Violation
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var v Violation
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			continue
		}
		if !q.Since.IsZero() && !v.Timestamp.After(q.Since) {
			continue
		}
		if q.Sender != "" && v.Sender != q.Sender {
			continue
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan violation log: %w", err)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Stats aggregates the full log file.
type Stats struct {
	Total         int            `json:"total"`
	BySender      map[string]int `json:"by_sender"`
	BySenderRole  map[string]int `json:"by_sender_role"`
	ByBlockedRole map[string]int `json:"by_blocked_recipient_role"`
	ByReason      map[string]int `json:"by_reason"`
	FirstAt       time.Time      `json:"first_at"`
	LastAt        time.Time      `json:"last_at"`
}

// LogStats aggregates every valid line of the log file.
func (l *Ledger) LogStats() (Stats, error) {
	violations, err := l.ReadLog(LogQuery{})
	stats := Stats{
		BySender:      make(map[string]int),
		BySenderRole:  make(map[string]int),
		ByBlockedRole: make(map[string]int),
		ByReason:      make(map[string]int),
	}
	if err != nil {
		return stats, err
	}
	for _, v := range violations {
		stats.Total++
		stats.BySender[v.Sender]++
		stats.BySenderRole[v.SenderRole]++
		stats.ByBlockedRole[v.RecipientRole]++
		stats.ByReason[v.Reason]++
		if stats.FirstAt.IsZero() || v.Timestamp.Before(stats.FirstAt) {
			stats.FirstAt = v.Timestamp
		}
		if v.Timestamp.After(stats.LastAt) {
			stats.LastAt = v.Timestamp
		}
	}
	return stats, nil
}
