package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/memory"
	"github.com/dyluth/warren/internal/oracle"
)

// Coordinator runs one domain: it slices assigned tasks across its
// executor pool, collects outputs until the pool has reported, hands
// the batch to the auditor, and owns the domain's live rule set.
type Coordinator struct {
	rt        *agent.Runtime
	oracle    oracle.Oracle
	store     memory.Store
	domain    identity.Domain
	commander string
	auditor   string
	executors []string
	rules     *RuleSet

	mu          sync.Mutex
	collections map[string]*collection
}

type collection struct {
	task    Task
	slices  map[string]Slice
	outputs map[string]ExecutorOutput
	done    bool
}

// CoordinatorDeps groups what a coordinator is wired to.
type CoordinatorDeps struct {
	Oracle    oracle.Oracle
	Store     memory.Store
	Commander string
	Auditor   string
	Executors []string
	Rules     *RuleSet
}

// NewCoordinator wires the coordinator's handlers onto its runtime.
func NewCoordinator(rt *agent.Runtime, domain identity.Domain, deps CoordinatorDeps) *Coordinator {
	c := &Coordinator{
		rt:          rt,
		oracle:      deps.Oracle,
		store:       deps.Store,
		domain:      domain,
		commander:   deps.Commander,
		auditor:     deps.Auditor,
		executors:   deps.Executors,
		rules:       deps.Rules,
		collections: make(map[string]*collection),
	}
	if c.rules == nil {
		c.rules = NewRuleSet(nil, nil)
	}
	rt.Handle(SubjectTaskAssignment, c.handleAssignment)
	rt.Handle(SubjectExecutorOutput, c.handleOutput)
	rt.Handle(SubjectReviewTrigger, c.handleReviewTrigger)
	rt.Handle(SubjectEscalationDecision, c.handleEscalationDecision)
	return c
}

// Runtime returns the coordinator's agent runtime.
func (c *Coordinator) Runtime() *agent.Runtime { return c.rt }

// Rules returns the domain's live rule set.
func (c *Coordinator) Rules() *RuleSet { return c.rules }

// CollectedCount reports how many distinct executors have answered for
// a task.
func (c *Coordinator) CollectedCount(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[taskID]; ok {
		return len(col.outputs)
	}
	return 0
}

// handleAssignment slices the task and dispatches one slice per
// executor.
func (c *Coordinator) handleAssignment(ctx context.Context, msg mailbox.Message) {
	var task Task
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		log.Printf("[%s] bad assignment payload from %s: %v", c.rt.Name(), msg.From, err)
		return
	}

	task.Stage = StageSliced
	slices := c.slice(ctx, task)

	col := &collection{
		task:    task,
		slices:  make(map[string]Slice, len(slices)),
		outputs: make(map[string]ExecutorOutput),
	}
	for _, s := range slices {
		col.slices[s.ExecutorID] = s
	}
	c.mu.Lock()
	c.collections[task.ID] = col
	c.mu.Unlock()

	task.Stage = StageDispatched
	for _, s := range slices {
		if _, err := c.rt.SendJSON(ctx, []string{s.ExecutorID}, subjectFor(SubjectTaskSlice, task.ID), s, agent.SendOptions{
			ThreadID: threadFor(task.ID),
		}); err != nil {
			log.Printf("[%s] failed to dispatch slice to %s: %v", c.rt.Name(), s.ExecutorID, err)
		}
	}

	c.mu.Lock()
	col.task.Stage = StageCollecting
	c.mu.Unlock()
	log.Printf("[%s] task %s sliced across %d executors", c.rt.Name(), task.ID, len(slices))
}

// slice asks the oracle for a per-executor work split, verifying the
// answer covers the pool exactly once. The fallback is one generic
// slice per executor. Every slice carries a snapshot of the live rules.
func (c *Coordinator) slice(ctx context.Context, task Task) []Slice {
	envelope := c.rules.Snapshot()
	history := c.memoryContext(ctx)

	var answer []struct {
		ExecutorID   string `json:"executor_id"`
		Instructions string `json:"instructions"`
		AssignedFile string `json:"assigned_file"`
	}
	err := oracle.CompleteJSON(ctx, c.oracle, oracle.Prompt{
		System: fmt.Sprintf("You are %s splitting work across executors %v.%s", c.rt.Name(), c.executors, history),
		User:   "Split this task into one slice per executor: " + task.Text,
		Schema: `[{"executor_id": str, "instructions": str, "assigned_file": str}]`,
	}, &answer)
	if err == nil && len(answer) == len(c.executors) {
		pool := make(map[string]bool, len(c.executors))
		for _, e := range c.executors {
			pool[e] = true
		}
		slices := make([]Slice, 0, len(answer))
		for i, a := range answer {
			if !pool[a.ExecutorID] {
				slices = nil
				break
			}
			delete(pool, a.ExecutorID)
			slices = append(slices, Slice{
				TaskID:       task.ID,
				SliceID:      fmt.Sprintf("%s-%d", task.ID, i+1),
				ExecutorID:   a.ExecutorID,
				Instructions: a.Instructions,
				AssignedFile: a.AssignedFile,
				Envelope:     envelope,
			})
		}
		if slices != nil {
			return slices
		}
		log.Printf("[%s] oracle slicing did not cover the pool, using fallback", c.rt.Name())
	}

	slices := make([]Slice, len(c.executors))
	for i, executor := range c.executors {
		slices[i] = Slice{
			TaskID:     task.ID,
			SliceID:    fmt.Sprintf("%s-%d", task.ID, i+1),
			ExecutorID: executor,
			Instructions: fmt.Sprintf("Take part %d of %d of this task and complete it within your envelope: %s",
				i+1, len(c.executors), task.Text),
			Envelope: envelope,
		}
	}
	return slices
}

// memoryContext pulls recent domain patterns and failures to prime the
// slicing prompt. Empty results and store errors degrade to nothing.
func (c *Coordinator) memoryContext(ctx context.Context) string {
	if c.store == nil {
		return ""
	}
	out := ""
	patterns, err := c.store.Search(ctx, memory.Query{Category: memory.CategoryPattern, Domain: string(c.domain), Limit: 3})
	if err == nil {
		for _, p := range patterns {
			out += "\nKnown pattern: " + p.Content
		}
	}
	failures, err := c.store.Search(ctx, memory.Query{Category: memory.CategoryBugFix, Domain: string(c.domain), Limit: 3})
	if err == nil {
		for _, f := range failures {
			out += "\nPast failure: " + f.Content
		}
	}
	return out
}

// handleOutput collects executor outputs. Duplicates and executors
// outside the pool are logged and ignored. The batch moves on the
// instant the whole pool has answered, exactly once.
func (c *Coordinator) handleOutput(ctx context.Context, msg mailbox.Message) {
	var output ExecutorOutput
	if err := json.Unmarshal([]byte(msg.Body), &output); err != nil {
		log.Printf("[%s] bad output payload from %s: %v", c.rt.Name(), msg.From, err)
		return
	}

	c.mu.Lock()
	col, ok := c.collections[output.TaskID]
	if !ok {
		c.mu.Unlock()
		log.Printf("[%s] output for unknown task %s from %s, ignoring", c.rt.Name(), output.TaskID, output.ExecutorID)
		return
	}
	if _, expected := col.slices[output.ExecutorID]; !expected {
		c.mu.Unlock()
		log.Printf("[%s] output from %s outside the pool for task %s, ignoring", c.rt.Name(), output.ExecutorID, output.TaskID)
		return
	}
	if _, dup := col.outputs[output.ExecutorID]; dup {
		c.mu.Unlock()
		log.Printf("[%s] duplicate output from %s for task %s, ignoring", c.rt.Name(), output.ExecutorID, output.TaskID)
		return
	}
	col.outputs[output.ExecutorID] = output

	complete := len(col.outputs) == len(col.slices) && !col.done
	if complete {
		col.done = true
		col.task.Stage = StageCollected
	}
	payload := ValidatePayload{Task: col.task}
	if complete {
		for _, executor := range c.executors {
			payload.Items = append(payload.Items, ValidateItem{
				Slice:  col.slices[executor],
				Output: col.outputs[executor],
			})
		}
	}
	c.mu.Unlock()

	if !complete {
		return
	}
	payload.Task.Stage = StageValidating
	log.Printf("[%s] task %s fully collected, handing to %s", c.rt.Name(), output.TaskID, c.auditor)
	if _, err := c.rt.SendJSON(ctx, []string{c.auditor}, subjectFor(SubjectValidateOutputs, output.TaskID), payload, agent.SendOptions{
		ThreadID: threadFor(output.TaskID),
	}); err != nil {
		log.Printf("[%s] failed to hand off task %s: %v", c.rt.Name(), output.TaskID, err)
	}
}

// handleReviewTrigger turns a feedback summary into a rule adjustment.
// Removals always escalate to the commander; everything else applies to
// the live rule set immediately.
func (c *Coordinator) handleReviewTrigger(ctx context.Context, msg mailbox.Message) {
	var summary FeedbackSummary
	if err := json.Unmarshal([]byte(msg.Body), &summary); err != nil {
		log.Printf("[%s] bad review payload from %s: %v", c.rt.Name(), msg.From, err)
		return
	}

	adj := c.proposeAdjustment(ctx, summary)
	if adj.Kind == AdjustRemoval {
		adj.RequiresEscalation = true
		log.Printf("[%s] escalating removal of rule %q to %s", c.rt.Name(), adj.RuleID, c.commander)
		if _, err := c.rt.SendJSON(ctx, []string{c.commander}, subjectFor(SubjectEscalation, string(c.domain)), EscalationPayload{
			Coordinator: c.rt.Name(),
			Adjustment:  adj,
			Summary:     summary,
		}, agent.SendOptions{Importance: mailbox.ImportanceHigh}); err != nil {
			log.Printf("[%s] failed to escalate: %v", c.rt.Name(), err)
		}
		return
	}

	if err := c.rules.Apply(adj); err != nil {
		log.Printf("[%s] could not apply %s: %v", c.rt.Name(), adj.Kind, err)
		return
	}
	log.Printf("[%s] applied %s to rule %q", c.rt.Name(), adj.Kind, adj.RuleID)
}

func (c *Coordinator) proposeAdjustment(ctx context.Context, summary FeedbackSummary) RuleAdjustment {
	var answer RuleAdjustment
	err := oracle.CompleteJSON(ctx, c.oracle, oracle.Prompt{
		System: "You tune one domain's working rules from executor feedback.",
		User:   fmt.Sprintf("Feedback summary: %+v. Propose one adjustment.", summary),
		Schema: `{"kind": "relaxation|clarification|addition|removal", "rule_id": str, "new_text": str, "rationale": str}`,
	}, &answer)
	if err == nil && answer.Kind.Validate() == nil {
		answer.Domain = string(c.domain)
		return answer
	}

	adj := RuleAdjustment{
		Domain:    string(c.domain),
		Rationale: fmt.Sprintf("automatic proposal from %d friction reports", summary.Total),
	}
	suggestion := "review slicing granularity with the executors"
	if len(summary.TopSuggestions) > 0 {
		suggestion = summary.TopSuggestions[0]
	}
	if len(summary.MostBlockedRules) > 0 {
		adj.Kind = AdjustClarification
		adj.RuleID = summary.MostBlockedRules[0].RuleID
		adj.NewText = summary.MostBlockedRules[0].RuleID + " (clarified: " + suggestion + ")"
	} else {
		adj.Kind = AdjustAddition
		adj.NewText = suggestion
	}
	return adj
}

// handleEscalationDecision applies the commander's ruling.
func (c *Coordinator) handleEscalationDecision(ctx context.Context, msg mailbox.Message) {
	var decision EscalationDecision
	if err := json.Unmarshal([]byte(msg.Body), &decision); err != nil {
		log.Printf("[%s] bad decision payload from %s: %v", c.rt.Name(), msg.From, err)
		return
	}

	switch decision.Verdict {
	case VerdictApproved, VerdictSubstituted:
		adj := decision.Adjustment
		adj.RequiresEscalation = false
		if err := c.rules.Apply(adj); err != nil {
			log.Printf("[%s] could not apply %s ruling: %v", c.rt.Name(), decision.Verdict, err)
			return
		}
		log.Printf("[%s] commander %s rule %q", c.rt.Name(), decision.Verdict, adj.RuleID)
	default:
		log.Printf("[%s] commander rejected removal of rule %q", c.rt.Name(), decision.Adjustment.RuleID)
	}
}
