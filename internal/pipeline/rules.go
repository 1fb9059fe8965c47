package pipeline

import (
	"fmt"
	"sync"
)

// RuleSet is a domain's live constraint envelope. Slices snapshot it at
// slicing time; adjustments change only future snapshots.
type RuleSet struct {
	mu     sync.Mutex
	can    []string
	cannot []string
}

// NewRuleSet copies the initial rule lists.
func NewRuleSet(can, cannot []string) *RuleSet {
	return &RuleSet{
		can:    append([]string(nil), can...),
		cannot: append([]string(nil), cannot...),
	}
}

// Snapshot returns a copy of the current envelope.
func (r *RuleSet) Snapshot() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Envelope{
		Can:    append([]string(nil), r.can...),
		Cannot: append([]string(nil), r.cannot...),
	}
}

// Apply mutates the rule set per the adjustment kind:
//
//	relaxation:    the named rule moves out of cannot; NewText, when
//	               given, lands in can
//	clarification: the named rule's text is replaced by NewText in place
//	addition:      NewText is appended to can
//	removal:       the named rule is deleted from either list
//
// Unknown rule ids are an error so a stale proposal cannot silently
// mutate nothing.
func (r *RuleSet) Apply(adj RuleAdjustment) error {
	if err := adj.Kind.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch adj.Kind {
	case AdjustRelaxation:
		if !remove(&r.cannot, adj.RuleID) {
			return fmt.Errorf("relaxation target not found: %q", adj.RuleID)
		}
		if adj.NewText != "" {
			r.can = append(r.can, adj.NewText)
		}
	case AdjustClarification:
		if adj.NewText == "" {
			return fmt.Errorf("clarification requires new text")
		}
		if !replace(r.can, adj.RuleID, adj.NewText) && !replace(r.cannot, adj.RuleID, adj.NewText) {
			return fmt.Errorf("clarification target not found: %q", adj.RuleID)
		}
	case AdjustAddition:
		if adj.NewText == "" {
			return fmt.Errorf("addition requires new text")
		}
		r.can = append(r.can, adj.NewText)
	case AdjustRemoval:
		if !remove(&r.can, adj.RuleID) && !remove(&r.cannot, adj.RuleID) {
			return fmt.Errorf("removal target not found: %q", adj.RuleID)
		}
	}
	return nil
}

func remove(list *[]string, rule string) bool {
	for i, r := range *list {
		if r == rule {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func replace(list []string, rule, newText string) bool {
	for i, r := range list {
		if r == rule {
			list[i] = newText
			return true
		}
	}
	return false
}
