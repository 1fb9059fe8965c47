package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/oracle"
)

// lowQualityFloor is the score below which the assessor raises an
// alert signal.
const lowQualityFloor = 0.5

// Assessor scores merged results, reports to the scribe, and tells the
// commander the task is done.
type Assessor struct {
	rt        *agent.Runtime
	oracle    oracle.Oracle
	commander string
	scribe    string
}

// NewAssessor wires the assessor's handler onto its runtime.
func NewAssessor(rt *agent.Runtime, o oracle.Oracle, commander, scribe string) *Assessor {
	a := &Assessor{rt: rt, oracle: o, commander: commander, scribe: scribe}
	rt.Handle(SubjectMergedResult, a.handleMerged)
	return a
}

// Runtime returns the assessor's agent runtime.
func (a *Assessor) Runtime() *agent.Runtime { return a.rt }

func (a *Assessor) handleMerged(ctx context.Context, msg mailbox.Message) {
	var payload MergedPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[%s] bad merged payload from %s: %v", a.rt.Name(), msg.From, err)
		return
	}

	report := a.assess(ctx, payload)
	payload.Task.Stage = StageAssessed

	if report.LowQuality {
		a.rt.Bus().Signal("alerts", bus.SignalLowQuality, map[string]string{
			"task_id": report.TaskID,
			"score":   fmt.Sprintf("%.2f", report.Score),
			"status":  string(report.Status),
		})
	}

	if _, err := a.rt.SendJSON(ctx, []string{a.scribe}, subjectFor(SubjectQAReport, payload.Task.ID), QAPayload{
		Task:   payload.Task,
		Report: report,
	}, agent.SendOptions{ThreadID: threadFor(payload.Task.ID)}); err != nil {
		log.Printf("[%s] failed to send QA report for %s: %v", a.rt.Name(), payload.Task.ID, err)
	}

	if _, err := a.rt.SendJSON(ctx, []string{a.commander}, subjectFor(SubjectTaskComplete, payload.Task.ID), report, agent.SendOptions{
		ThreadID: threadFor(payload.Task.ID),
	}); err != nil {
		log.Printf("[%s] failed to notify commander for %s: %v", a.rt.Name(), payload.Task.ID, err)
	}
}

// assess scores a merged result 0..1. The oracle may refine the score
// and summary; Score is the deterministic arithmetic baseline either
// way, so grading stays reproducible.
func (a *Assessor) assess(ctx context.Context, payload MergedPayload) QualityReport {
	report := QualityReport{
		TaskID: payload.Task.ID,
		Domain: string(payload.Task.Domain),
		Score:  Score(payload.Merged),
	}

	switch {
	case len(payload.Merged.Results) == 0:
		report.Status = StatusBlocked
		report.Summary = "nothing usable was collected"
	case report.Score >= 0.8 && payload.Merged.TotalViolations == 0:
		report.Status = StatusPassed
		report.Summary = fmt.Sprintf("all %d outputs within envelope", len(payload.Merged.Results))
	case report.Score >= lowQualityFloor:
		report.Status = StatusPartial
		report.Summary = fmt.Sprintf("%d violations, %d conflicts across %d outputs",
			payload.Merged.TotalViolations, len(payload.Merged.Conflicts), len(payload.Merged.Results))
	default:
		report.Status = StatusFailed
		report.Summary = fmt.Sprintf("quality floor missed with %d violations", payload.Merged.TotalViolations)
	}
	report.LowQuality = report.Score < lowQualityFloor

	var answer struct {
		Summary string `json:"summary"`
	}
	err := oracle.CompleteJSON(ctx, a.oracle, oracle.Prompt{
		System: "You summarise a task's merged outputs for the record.",
		User:   fmt.Sprintf("Task: %s. Violations: %d. Conflicts: %d.", payload.Task.Text, payload.Merged.TotalViolations, len(payload.Merged.Conflicts)),
		Schema: `{"summary": str}`,
	}, &answer)
	if err == nil && answer.Summary != "" {
		report.Summary = answer.Summary
	}
	return report
}

// Score is the deterministic quality baseline: mean executor confidence
// minus penalties for violations and conflicts, clamped to 0..1.
func Score(merged MergedResult) float64 {
	score := merged.MeanConfidence
	score -= 0.1 * float64(merged.TotalViolations)
	score -= 0.15 * float64(len(merged.Conflicts))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
