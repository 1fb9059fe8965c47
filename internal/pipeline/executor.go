package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/oracle"
)

// Executor works slices: it produces a deliverable for each TASK_SLICE
// it receives, returns it to its coordinator, and always files a
// friction report with the scribe.
type Executor struct {
	rt             *agent.Runtime
	oracle         oracle.Oracle
	coordinator    string
	scribe         string
	specialization string
}

// NewExecutor wires the executor's handler onto its runtime.
func NewExecutor(rt *agent.Runtime, o oracle.Oracle, coordinator, scribe, specialization string) *Executor {
	e := &Executor{
		rt:             rt,
		oracle:         o,
		coordinator:    coordinator,
		scribe:         scribe,
		specialization: specialization,
	}
	rt.Handle(SubjectTaskSlice, e.handleSlice)
	return e
}

// Runtime returns the executor's agent runtime.
func (e *Executor) Runtime() *agent.Runtime { return e.rt }

func (e *Executor) handleSlice(ctx context.Context, msg mailbox.Message) {
	var slice Slice
	if err := json.Unmarshal([]byte(msg.Body), &slice); err != nil {
		log.Printf("[%s] bad slice payload from %s: %v", e.rt.Name(), msg.From, err)
		return
	}

	output := e.work(ctx, slice)

	if _, err := e.rt.SendJSON(ctx, []string{e.coordinator}, subjectFor(SubjectExecutorOutput, slice.TaskID), output, agent.SendOptions{
		ThreadID: threadFor(slice.TaskID),
	}); err != nil {
		log.Printf("[%s] failed to return output for %s: %v", e.rt.Name(), slice.SliceID, err)
	}

	feedback := FeedbackPayload{
		TaskID:     slice.TaskID,
		Domain:     string(e.rt.Identity().Domain),
		ExecutorID: e.rt.Name(),
		Feedback:   output.Feedback,
	}
	if _, err := e.rt.SendJSON(ctx, []string{e.scribe}, subjectFor(SubjectExecutorFeedback, slice.TaskID), feedback, agent.SendOptions{
		ThreadID: threadFor(slice.TaskID),
	}); err != nil {
		log.Printf("[%s] failed to file feedback for %s: %v", e.rt.Name(), slice.SliceID, err)
	}
}

// work produces the slice's deliverable. The oracle path returns prose;
// the fallback is a deterministic completion within the envelope.
func (e *Executor) work(ctx context.Context, slice Slice) ExecutorOutput {
	output := ExecutorOutput{
		TaskID:     slice.TaskID,
		SliceID:    slice.SliceID,
		ExecutorID: e.rt.Name(),
		Type:       DeliverableText,
	}

	system := fmt.Sprintf("You are %s.", e.rt.Name())
	if e.specialization != "" {
		system += " Specialization: " + e.specialization + "."
	}
	system += fmt.Sprintf(" You may: %v. You may not: %v.", slice.Envelope.Can, slice.Envelope.Cannot)

	answer, err := e.oracle.Complete(ctx, oracle.Prompt{
		System: system,
		User:   slice.Instructions,
	})
	if err == nil {
		output.Deliverable = answer
		output.Confidence = 0.75
	} else {
		output.Deliverable = fmt.Sprintf("Completed %s: %s", slice.SliceID, slice.Instructions)
		output.Confidence = 0.5
	}

	if slice.AssignedFile != "" {
		output.Type = DeliverableFile
		output.Files = map[string]string{slice.AssignedFile: output.Deliverable}
	}

	output.Feedback = e.feedbackFor(slice, err != nil)
	return output
}

// feedbackFor synthesizes the mandatory feedback block. It is
// deterministic so the review loop stays reproducible without an
// oracle.
func (e *Executor) feedbackFor(slice Slice, fellBack bool) FeedbackBlock {
	fb := FeedbackBlock{
		Confidence:     0.8,
		Fit:            0.8,
		Clarity:        0.7,
		ContextQuality: 0.7,
	}
	switch {
	case fellBack:
		fb.Confidence = 0.5
		fb.ContextQuality = 0.4
		fb.Friction = FrictionToolingGap
		fb.Detail = "no oracle available, produced a fallback deliverable"
		fb.Suggestion = "restore oracle access for richer deliverables"
	case slice.AssignedFile == "":
		fb.Clarity = 0.5
		fb.Friction = FrictionAmbiguousRequest
		fb.Detail = "slice did not name a target file"
		fb.Suggestion = "assign one file per slice"
	}
	if fb.HasFriction() && len(slice.Envelope.Cannot) > 0 {
		fb.RuleID = slice.Envelope.Cannot[0]
	}
	return fb
}
