// Package memory defines the durable memory store the scribe writes to
// and the coordinators read from, plus Redis-backed and in-memory
// implementations. A write may be rejected without error when the
// content is below the quality floor.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category classifies a memory record.
type Category string

const (
	CategoryDecision      Category = "decision"
	CategoryPattern       Category = "pattern"
	CategoryBugFix        Category = "bug_fix"
	CategoryOutcome       Category = "outcome"
	CategoryCodeSnippet   Category = "code_snippet"
	CategoryInsight       Category = "insight"
	CategoryDocumentation Category = "documentation"
)

// Validate checks if the category is one of the known values.
func (c Category) Validate() error {
	switch c {
	case CategoryDecision, CategoryPattern, CategoryBugFix, CategoryOutcome,
		CategoryCodeSnippet, CategoryInsight, CategoryDocumentation:
		return nil
	default:
		return fmt.Errorf("invalid memory category: %s", c)
	}
}

// minContentLength is the quality floor. Shorter content is rejected,
// not errored, so callers can enrich and retry.
const minContentLength = 40

// Record is one durable memory.
type Record struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Quality   float64   `json:"quality,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a record with a fresh id and timestamp.
func NewRecord(category Category, content string) Record {
	return Record{
		ID:        uuid.New().String(),
		Category:  category,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// WriteResult reports what the store did with a record. Rejected means
// the store declined the write; the caller decides whether to enrich
// and retry.
type WriteResult struct {
	ID       string
	Rejected bool
	Reason   string
}

// Query filters Search results. Zero values match everything.
type Query struct {
	Text     string   // substring match on content
	Category Category // exact category
	Domain   string   // exact domain
	Tags     []string // record must carry all of them
	Limit    int
}

// Store is the durable memory contract.
type Store interface {
	Write(ctx context.Context, rec Record) (WriteResult, error)
	Search(ctx context.Context, q Query) ([]Record, error)
}

// rejectReason returns a non-empty reason when the record fails the
// quality floor.
func rejectReason(rec Record) string {
	if err := rec.Category.Validate(); err != nil {
		return err.Error()
	}
	if len(strings.TrimSpace(rec.Content)) < minContentLength {
		return fmt.Sprintf("content below quality floor (%d chars minimum)", minContentLength)
	}
	return ""
}

// matches applies a query to a record.
func matches(rec Record, q Query) bool {
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	if q.Domain != "" && rec.Domain != q.Domain {
		return false
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(rec.Content), strings.ToLower(q.Text)) {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, tag := range rec.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
