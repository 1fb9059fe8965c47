package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/oracle"
)

// Commander takes in tasks, classifies them, assigns them to the right
// domain coordinator, rules on escalated rule removals, and closes
// tasks when the assessor reports back.
type Commander struct {
	rt           *agent.Runtime
	oracle       oracle.Oracle
	coordinators map[identity.Domain]string

	mu      sync.Mutex
	tasks   map[string]Task
	reports map[string]QualityReport
}

// NewCommander wires the commander's handlers onto its runtime.
func NewCommander(rt *agent.Runtime, o oracle.Oracle, coordinators map[identity.Domain]string) *Commander {
	c := &Commander{
		rt:           rt,
		oracle:       o,
		coordinators: coordinators,
		tasks:        make(map[string]Task),
		reports:      make(map[string]QualityReport),
	}
	rt.Handle(SubjectNewTask, c.handleNewTask)
	rt.Handle(SubjectEscalation, c.handleEscalation)
	rt.Handle(SubjectTaskComplete, c.handleTaskComplete)
	return c
}

// Runtime returns the commander's agent runtime.
func (c *Commander) Runtime() *agent.Runtime { return c.rt }

// Task returns the commander's view of a task.
func (c *Commander) Task(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

// Report returns the final quality report for a closed task.
func (c *Commander) Report(taskID string) (QualityReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[taskID]
	return r, ok
}

// SubmitTask is the operator entry point: classify and hand off.
func (c *Commander) SubmitTask(ctx context.Context, text string) Task {
	return c.assign(ctx, NewTask(text))
}

// handleNewTask accepts tasks submitted by mailbox.
func (c *Commander) handleNewTask(ctx context.Context, msg mailbox.Message) {
	task := NewTask(msg.Body)
	c.assign(ctx, task)
}

func (c *Commander) assign(ctx context.Context, task Task) Task {
	task.Domain, task.Priority = c.classify(ctx, task.Text)

	coordinator, ok := c.coordinators[task.Domain]
	if !ok {
		// No coordinator for the classified domain. Pick any so the
		// task is never dropped on the floor.
		for d, name := range c.coordinators {
			task.Domain, coordinator = d, name
			break
		}
	}
	if coordinator == "" {
		log.Printf("[Commander] no coordinators configured, dropping task %s", task.ID)
		return task
	}

	task.Stage = StageAssigned
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()

	log.Printf("[Commander] task %s -> %s (domain=%s priority=%s)", task.ID, coordinator, task.Domain, task.Priority)
	if _, err := c.rt.SendJSON(ctx, []string{coordinator}, subjectFor(SubjectTaskAssignment, task.ID), task, agent.SendOptions{
		ThreadID:   threadFor(task.ID),
		Importance: mailbox.ImportanceHigh,
	}); err != nil {
		log.Printf("[Commander] failed to assign task %s: %v", task.ID, err)
	}
	return task
}

// classify picks the task's domain and priority, asking the oracle
// first and falling back to keyword matching.
func (c *Commander) classify(ctx context.Context, text string) (identity.Domain, Priority) {
	var answer struct {
		Domain   string `json:"domain"`
		Priority string `json:"priority"`
	}
	err := oracle.CompleteJSON(ctx, c.oracle, oracle.Prompt{
		System: "You route tasks to the colony's work domains.",
		User:   "Classify this task: " + text,
		Schema: `{"domain": "web|ai|quant", "priority": "low|normal|high|critical"}`,
	}, &answer)
	if err == nil {
		domain := identity.Domain(answer.Domain)
		priority := Priority(answer.Priority)
		if _, ok := c.coordinators[domain]; ok && priority.Validate() == nil {
			return domain, priority
		}
	}
	return classifyByKeyword(text), PriorityNormal
}

func classifyByKeyword(text string) identity.Domain {
	lower := strings.ToLower(text)
	for _, kw := range []string{"web", "ui", "frontend", "page", "site", "http", "css"} {
		if strings.Contains(lower, kw) {
			return identity.DomainWeb
		}
	}
	for _, kw := range []string{"model", "train", "ml", " ai ", "prompt", "llm", "dataset"} {
		if strings.Contains(lower, kw) {
			return identity.DomainAI
		}
	}
	return identity.DomainQuant
}

// handleEscalation rules on a coordinator's removal proposal. The
// conservative fallback when the oracle is unavailable is to reject.
func (c *Commander) handleEscalation(ctx context.Context, msg mailbox.Message) {
	var payload EscalationPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[Commander] bad escalation payload from %s: %v", msg.From, err)
		return
	}

	decision := EscalationDecision{
		Verdict:    VerdictRejected,
		Adjustment: payload.Adjustment,
		Rationale:  "rule removals are rejected unless explicitly justified",
	}
	var answer struct {
		Verdict   string `json:"verdict"`
		NewText   string `json:"new_text"`
		Rationale string `json:"rationale"`
	}
	err := oracle.CompleteJSON(ctx, c.oracle, oracle.Prompt{
		System: "You are the colony commander ruling on a proposed rule removal.",
		User: "Domain " + payload.Adjustment.Domain + " wants to remove rule " +
			payload.Adjustment.RuleID + ". Rationale: " + payload.Adjustment.Rationale,
		Schema: `{"verdict": "approved|rejected|substituted", "new_text": str, "rationale": str}`,
	}, &answer)
	if err == nil {
		switch answer.Verdict {
		case VerdictApproved:
			decision.Verdict = VerdictApproved
			decision.Rationale = answer.Rationale
		case VerdictSubstituted:
			decision.Verdict = VerdictSubstituted
			decision.Rationale = answer.Rationale
			decision.Adjustment.Kind = AdjustClarification
			decision.Adjustment.NewText = answer.NewText
			decision.Adjustment.RequiresEscalation = false
		}
	}

	recipient := payload.Coordinator
	if recipient == "" {
		recipient = msg.From
	}
	log.Printf("[Commander] escalation for rule %q: %s", payload.Adjustment.RuleID, decision.Verdict)
	if _, err := c.rt.SendJSON(ctx, []string{recipient}, subjectFor(SubjectEscalationDecision, payload.Adjustment.Domain), decision, agent.SendOptions{
		ThreadID: msg.ThreadID,
	}); err != nil {
		log.Printf("[Commander] failed to send escalation decision: %v", err)
	}
}

// handleTaskComplete closes the task.
func (c *Commander) handleTaskComplete(ctx context.Context, msg mailbox.Message) {
	var report QualityReport
	if err := json.Unmarshal([]byte(msg.Body), &report); err != nil {
		log.Printf("[Commander] bad completion payload from %s: %v", msg.From, err)
		return
	}

	c.mu.Lock()
	c.reports[report.TaskID] = report
	if task, ok := c.tasks[report.TaskID]; ok {
		task.Stage = StageClosed
		c.tasks[report.TaskID] = task
	}
	c.mu.Unlock()
	log.Printf("[Commander] task %s closed: %s (score %.2f)", report.TaskID, report.Status, report.Score)
}
