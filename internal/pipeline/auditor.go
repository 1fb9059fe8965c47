package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/mailbox"
)

// Auditor validates a task's collected outputs against their envelope
// snapshots, detects cross-executor file conflicts, merges the files,
// and forwards the merged result to the assessor. It also watches the
// system channel and announces revocations in its domain.
type Auditor struct {
	rt         *agent.Runtime
	assessor   string
	scribe     string
	reportsDir string
}

// NewAuditor wires the auditor's handler and its system-channel watch.
func NewAuditor(rt *agent.Runtime, assessor, scribe, reportsDir string) *Auditor {
	a := &Auditor{
		rt:         rt,
		assessor:   assessor,
		scribe:     scribe,
		reportsDir: reportsDir,
	}
	rt.Handle(SubjectValidateOutputs, a.handleValidate)
	rt.Bus().Subscribe("system", a.watchSystem)
	return a
}

// Runtime returns the auditor's agent runtime.
func (a *Auditor) Runtime() *agent.Runtime { return a.rt }

func (a *Auditor) handleValidate(ctx context.Context, msg mailbox.Message) {
	var payload ValidatePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		log.Printf("[%s] bad validate payload from %s: %v", a.rt.Name(), msg.From, err)
		return
	}

	merged := Merge(payload)
	payload.Task.Stage = StageMerged

	if _, err := a.rt.SendJSON(ctx, []string{a.assessor}, subjectFor(SubjectMergedResult, payload.Task.ID), MergedPayload{
		Task:   payload.Task,
		Merged: merged,
	}, agent.SendOptions{ThreadID: threadFor(payload.Task.ID)}); err != nil {
		log.Printf("[%s] failed to forward merged result for %s: %v", a.rt.Name(), payload.Task.ID, err)
	}

	violations := ViolationsPayload{
		TaskID:  payload.Task.ID,
		Domain:  string(payload.Task.Domain),
		Total:   merged.TotalViolations,
		Results: merged.Results,
	}
	if _, err := a.rt.SendJSON(ctx, []string{a.scribe}, subjectFor(SubjectViolations, payload.Task.ID), violations, agent.SendOptions{
		ThreadID: threadFor(payload.Task.ID),
	}); err != nil {
		log.Printf("[%s] failed to report violations for %s: %v", a.rt.Name(), payload.Task.ID, err)
	}
}

// Merge validates every item and combines the file maps. The first
// writer of a path keeps it; every extra writer lands in a Conflict
// naming all of them.
func Merge(payload ValidatePayload) MergedResult {
	merged := MergedResult{
		TaskID: payload.Task.ID,
		Files:  make(map[string]string),
	}

	writers := make(map[string][]string)
	var confidence float64
	for _, item := range payload.Items {
		result := validateItem(item)
		merged.Results = append(merged.Results, result)
		merged.TotalViolations += len(result.Violations)
		confidence += item.Output.Confidence

		for path, content := range item.Output.Files {
			writers[path] = append(writers[path], item.Output.ExecutorID)
			if _, taken := merged.Files[path]; !taken {
				merged.Files[path] = content
			}
		}
	}
	if len(payload.Items) > 0 {
		merged.MeanConfidence = confidence / float64(len(payload.Items))
	}

	paths := make([]string, 0, len(writers))
	for path := range writers {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if len(writers[path]) > 1 {
			merged.Conflicts = append(merged.Conflicts, Conflict{
				Path:        path,
				ExecutorIDs: writers[path],
			})
		}
	}
	return merged
}

// validateItem checks one output against the envelope its slice froze.
func validateItem(item ValidateItem) ValidationResult {
	result := ValidationResult{ExecutorID: item.Output.ExecutorID}

	if strings.TrimSpace(item.Output.Deliverable) == "" && len(item.Output.Files) == 0 {
		result.Violations = append(result.Violations, "empty deliverable")
	}
	if item.Slice.AssignedFile != "" {
		for path := range item.Output.Files {
			if path != item.Slice.AssignedFile {
				result.Violations = append(result.Violations,
					fmt.Sprintf("wrote outside assignment: %s (assigned %s)", path, item.Slice.AssignedFile))
			}
		}
	}
	lower := strings.ToLower(item.Output.Deliverable)
	for _, forbidden := range item.Slice.Envelope.Cannot {
		if forbidden == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(forbidden)) {
			result.Violations = append(result.Violations, "forbidden content: "+forbidden)
		}
	}

	sort.Strings(result.Violations)
	result.Passed = len(result.Violations) == 0
	return result
}

// watchSystem reacts to policy signals: violations in the auditor's
// domain are logged, revocations are announced colony-wide and written
// out as a human alert file.
func (a *Auditor) watchSystem(msg bus.Message) {
	if msg.Type != bus.TypeSignal {
		return
	}
	switch msg.Content {
	case bus.SignalCommViolation:
		if msg.Metadata["domain"] == string(a.rt.Identity().Domain) {
			log.Printf("[%s] communication violation by %s -> %s: %s",
				a.rt.Name(), msg.Metadata["sender"], msg.Metadata["recipient"], msg.Metadata["reason"])
		}
	case bus.SignalAgentRevoked:
		name := msg.Metadata["agent"]
		if a.rt.Policy().Resolver().Resolve(name).Domain != a.rt.Identity().Domain {
			return
		}
		notice := fmt.Sprintf("%s has been revoked: %s", name, msg.Metadata["reason"])
		a.rt.Bus().Post("status", notice, bus.TypeStatus)
		a.writeAlert(name, msg.Metadata)
	}
}

func (a *Auditor) writeAlert(agentName string, metadata map[string]string) {
	if a.reportsDir == "" {
		return
	}
	alert := map[string]string{
		"agent":       agentName,
		"reason":      metadata["reason"],
		"revoked_by":  metadata["revoked_by"],
		"detected_by": a.rt.Name(),
		"detected_at": time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(alert, "", "  ")
	if err != nil {
		log.Printf("[%s] failed to marshal alert for %s: %v", a.rt.Name(), agentName, err)
		return
	}
	path := filepath.Join(a.reportsDir, "alert_"+agentName+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("[%s] failed to write alert file %s: %v", a.rt.Name(), path, err)
		return
	}
	log.Printf("[%s] wrote human alert %s", a.rt.Name(), path)
}
