package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/memory"
)

// DefaultFrictionThreshold is how many friction reports a domain
// accumulates before the scribe triggers a rule review.
const DefaultFrictionThreshold = 25

// topListLimit caps the blocked-rule and suggestion lists in a
// feedback summary.
const topListLimit = 5

// Scribe is the colony's memory: every assessed task is recorded, and
// executor friction is accumulated per domain until it triggers a rule
// review with that domain's coordinator.
type Scribe struct {
	rt           *agent.Runtime
	store        memory.Store
	coordinators map[string]string // domain -> coordinator name
	threshold    int

	mu      sync.Mutex
	buffers map[string]*frictionBuffer
}

type frictionBuffer struct {
	count       int
	frictions   map[FrictionType]int
	rules       map[string]int
	suggestions map[string]int
	confidence  float64
}

// NewScribe wires the scribe's handlers onto its runtime.
func NewScribe(rt *agent.Runtime, store memory.Store, coordinators map[string]string, threshold int) *Scribe {
	if threshold <= 0 {
		threshold = DefaultFrictionThreshold
	}
	s := &Scribe{
		rt:           rt,
		store:        store,
		coordinators: coordinators,
		threshold:    threshold,
		buffers:      make(map[string]*frictionBuffer),
	}
	rt.Handle(SubjectQAReport, s.handleQAReport)
	rt.Handle(SubjectExecutorFeedback, s.handleFeedback)
	rt.Handle(SubjectViolations, s.handleViolations)
	return s
}

// Runtime returns the scribe's agent runtime.
func (s *Scribe) Runtime() *agent.Runtime { return s.rt }

// FrictionCount reports a domain's current friction tally.
func (s *Scribe) FrictionCount(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.buffers[domain]; ok {
		return buf.count
	}
	return 0
}

// handleQAReport records the task. The outcome memory is mandatory and
// unconditional; patterns and failure memories are added on top when
// they apply.
func (s *Scribe) handleQAReport(ctx context.Context, msg mailbox.Message) {
	var payload QAPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[%s] bad QA payload from %s: %v", s.rt.Name(), msg.From, err)
		return
	}
	task, report := payload.Task, payload.Report

	outcome := memory.NewRecord(memory.CategoryOutcome, fmt.Sprintf(
		"Task %s (%s priority, domain %s) finished %s with score %.2f: %s. Original request: %s",
		task.ID, task.Priority, task.Domain, report.Status, report.Score, report.Summary, task.Text))
	outcome.TaskID = task.ID
	outcome.Domain = string(task.Domain)
	outcome.Quality = report.Score
	outcome.Tags = []string{"outcome", string(report.Status)}
	s.mustWrite(ctx, outcome)

	if report.Status == StatusPassed && report.Score >= 0.8 {
		pattern := memory.NewRecord(memory.CategoryPattern, fmt.Sprintf(
			"Approach that passed with score %.2f in domain %s: %s (task: %s)",
			report.Score, task.Domain, report.Summary, task.Text))
		pattern.TaskID = task.ID
		pattern.Domain = string(task.Domain)
		pattern.Quality = report.Score
		pattern.Tags = []string{"pattern"}
		s.write(ctx, pattern)
	}

	if report.Status == StatusFailed || report.Status == StatusBlocked {
		failure := memory.NewRecord(memory.CategoryBugFix, fmt.Sprintf(
			"Task %s %s in domain %s: %s. Avoid repeating: %s",
			task.ID, report.Status, task.Domain, report.Summary, task.Text))
		failure.TaskID = task.ID
		failure.Domain = string(task.Domain)
		failure.Tags = []string{"failure"}
		s.write(ctx, failure)
	}
	log.Printf("[%s] recorded task %s (%s)", s.rt.Name(), task.ID, report.Status)
}

// mustWrite retries a rejected write once with enriched content so the
// mandatory outcome memory always lands.
func (s *Scribe) mustWrite(ctx context.Context, rec memory.Record) {
	res, err := s.store.Write(ctx, rec)
	if err != nil {
		log.Printf("[%s] memory write failed: %v", s.rt.Name(), err)
		return
	}
	if !res.Rejected {
		return
	}
	rec.Content = fmt.Sprintf("Colony outcome record (auto-enriched after rejection: %s). %s", res.Reason, rec.Content)
	if res, err = s.store.Write(ctx, rec); err != nil {
		log.Printf("[%s] enriched memory write failed: %v", s.rt.Name(), err)
	} else if res.Rejected {
		log.Printf("[%s] enriched memory write still rejected: %s", s.rt.Name(), res.Reason)
	}
}

func (s *Scribe) write(ctx context.Context, rec memory.Record) {
	res, err := s.store.Write(ctx, rec)
	if err != nil {
		log.Printf("[%s] memory write failed: %v", s.rt.Name(), err)
		return
	}
	if res.Rejected {
		log.Printf("[%s] memory write rejected: %s", s.rt.Name(), res.Reason)
	}
}

// handleFeedback accumulates friction per domain. The instant a
// domain's counter reaches the threshold, the summary goes to that
// domain's coordinator and the buffer resets, exactly once.
func (s *Scribe) handleFeedback(ctx context.Context, msg mailbox.Message) {
	var payload FeedbackPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[%s] bad feedback payload from %s: %v", s.rt.Name(), msg.From, err)
		return
	}
	if !payload.Feedback.HasFriction() {
		// Frictionless reports carry nothing for the review loop.
		return
	}
	if payload.Feedback.Friction.Validate() != nil {
		log.Printf("[%s] dropping feedback with unknown friction %q from %s", s.rt.Name(), payload.Feedback.Friction, payload.ExecutorID)
		return
	}

	s.mu.Lock()
	buf, ok := s.buffers[payload.Domain]
	if !ok {
		buf = &frictionBuffer{
			frictions:   make(map[FrictionType]int),
			rules:       make(map[string]int),
			suggestions: make(map[string]int),
		}
		s.buffers[payload.Domain] = buf
	}
	buf.count++
	buf.frictions[payload.Feedback.Friction]++
	if payload.Feedback.RuleID != "" {
		buf.rules[payload.Feedback.RuleID]++
	}
	if payload.Feedback.Suggestion != "" {
		buf.suggestions[payload.Feedback.Suggestion]++
	}
	buf.confidence += payload.Feedback.Confidence

	var summary FeedbackSummary
	fire := buf.count >= s.threshold
	if fire {
		summary = buf.summarise(payload.Domain)
		// Reset at the moment of firing so the next review needs a
		// full threshold of fresh reports.
		delete(s.buffers, payload.Domain)
	}
	s.mu.Unlock()

	if !fire {
		return
	}
	coordinator := s.coordinators[payload.Domain]
	if coordinator == "" {
		log.Printf("[%s] no coordinator for domain %s, dropping review", s.rt.Name(), payload.Domain)
		return
	}
	log.Printf("[%s] friction threshold reached for %s, triggering review", s.rt.Name(), payload.Domain)
	if _, err := s.rt.SendJSON(ctx, []string{coordinator}, subjectFor(SubjectReviewTrigger, payload.Domain), summary, agent.SendOptions{
		Importance: mailbox.ImportanceHigh,
	}); err != nil {
		log.Printf("[%s] failed to trigger review for %s: %v", s.rt.Name(), payload.Domain, err)
	}
}

func (b *frictionBuffer) summarise(domain string) FeedbackSummary {
	summary := FeedbackSummary{
		Domain:           domain,
		Total:            b.count,
		FrictionCounts:   b.frictions,
		MostBlockedRules: topRules(b.rules, topListLimit),
		TopSuggestions:   topKeys(b.suggestions, topListLimit),
	}
	if b.count > 0 {
		summary.MeanConfidence = b.confidence / float64(b.count)
	}
	return summary
}

func topRules(counts map[string]int, n int) []RuleCount {
	out := make([]RuleCount, 0, len(counts))
	for rule, count := range counts {
		out = append(out, RuleCount{RuleID: rule, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topKeys(counts map[string]int, n int) []string {
	rules := topRules(counts, n)
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.RuleID
	}
	return out
}

// handleViolations records the auditor's validation summary when
// anything actually went wrong.
func (s *Scribe) handleViolations(ctx context.Context, msg mailbox.Message) {
	var payload ViolationsPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[%s] bad violations payload from %s: %v", s.rt.Name(), msg.From, err)
		return
	}
	if payload.Total == 0 {
		return
	}

	offenders := make([]string, 0, len(payload.Results))
	for _, r := range payload.Results {
		if !r.Passed {
			offenders = append(offenders, r.ExecutorID)
		}
	}
	rec := memory.NewRecord(memory.CategoryInsight, fmt.Sprintf(
		"Task %s in domain %s had %d envelope violations across executors %v",
		payload.TaskID, payload.Domain, payload.Total, offenders))
	rec.TaskID = payload.TaskID
	rec.Domain = payload.Domain
	rec.Tags = []string{"violations"}
	s.write(ctx, rec)
}
