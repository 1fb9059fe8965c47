package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/bus"
)

func item(executorID string, files map[string]string, confidence float64) ValidateItem {
	return ValidateItem{
		Slice: Slice{TaskID: "t1", ExecutorID: executorID},
		Output: ExecutorOutput{
			TaskID:      "t1",
			ExecutorID:  executorID,
			Deliverable: "work by " + executorID,
			Files:       files,
			Confidence:  confidence,
		},
	}
}

func TestMergeFirstWriterWinsAndConflictsNameEveryone(t *testing.T) {
	merged := Merge(ValidatePayload{
		Task: Task{ID: "t1"},
		Items: []ValidateItem{
			item("Exec-1", map[string]string{"/x.ts": "first version"}, 0.9),
			item("Exec-2", map[string]string{"/x.ts": "second version", "/y.ts": "only writer"}, 0.7),
		},
	})

	assert.Equal(t, "first version", merged.Files["/x.ts"])
	assert.Equal(t, "only writer", merged.Files["/y.ts"])
	require.Len(t, merged.Conflicts, 1)
	assert.Equal(t, "/x.ts", merged.Conflicts[0].Path)
	assert.Equal(t, []string{"Exec-1", "Exec-2"}, merged.Conflicts[0].ExecutorIDs)
	assert.InDelta(t, 0.8, merged.MeanConfidence, 1e-9)
}

func TestMergeEmptyPayload(t *testing.T) {
	merged := Merge(ValidatePayload{Task: Task{ID: "t1"}})
	assert.Empty(t, merged.Results)
	assert.Empty(t, merged.Conflicts)
	assert.Zero(t, merged.MeanConfidence)
}

func TestValidateItem(t *testing.T) {
	t.Run("clean output passes", func(t *testing.T) {
		result := validateItem(item("Exec-1", nil, 0.9))
		assert.True(t, result.Passed)
		assert.Empty(t, result.Violations)
	})

	t.Run("empty deliverable is a violation", func(t *testing.T) {
		it := item("Exec-1", nil, 0.9)
		it.Output.Deliverable = "   "
		result := validateItem(it)
		assert.False(t, result.Passed)
		assert.Contains(t, result.Violations, "empty deliverable")
	})

	t.Run("files alone satisfy the deliverable check", func(t *testing.T) {
		it := item("Exec-1", map[string]string{"/x.ts": "content"}, 0.9)
		it.Output.Deliverable = ""
		assert.True(t, validateItem(it).Passed)
	})

	t.Run("writing outside the assigned file is a violation", func(t *testing.T) {
		it := item("Exec-1", map[string]string{"/other.ts": "content"}, 0.9)
		it.Slice.AssignedFile = "/mine.ts"
		result := validateItem(it)
		assert.False(t, result.Passed)
		require.Len(t, result.Violations, 1)
		assert.Contains(t, result.Violations[0], "/other.ts")
		assert.Contains(t, result.Violations[0], "/mine.ts")
	})

	t.Run("forbidden content is a violation", func(t *testing.T) {
		it := item("Exec-1", nil, 0.9)
		it.Output.Deliverable = "I decided to Touch Trading Code here"
		it.Slice.Envelope.Cannot = []string{"touch trading code", ""}
		result := validateItem(it)
		assert.False(t, result.Passed)
		assert.Contains(t, result.Violations, "forbidden content: touch trading code")
	})
}

func TestAuditorForwardsMergedResultAndViolations(t *testing.T) {
	f := newFixture(t)
	a := NewAuditor(f.runtime(t, "Audit-Web"), "Assessor", "Scribe", "")

	bad := item("Exec-1", nil, 0.6)
	bad.Output.Deliverable = ""
	payload := ValidatePayload{
		Task:  Task{ID: "t1", Domain: "web", Stage: StageValidating},
		Items: []ValidateItem{bad, item("Exec-2", nil, 0.8)},
	}
	a.handleValidate(context.Background(), deliver(t, "Coord-Web", "Audit-Web", subjectFor(SubjectValidateOutputs, "t1"), payload))

	msgs := f.inbox(t, "Assessor")
	require.Len(t, msgs, 1)
	merged := decode[MergedPayload](t, msgs[0])
	assert.Equal(t, StageMerged, merged.Task.Stage)
	assert.Equal(t, 1, merged.Merged.TotalViolations)

	msgs = f.inbox(t, "Scribe")
	require.Len(t, msgs, 1)
	violations := decode[ViolationsPayload](t, msgs[0])
	assert.Equal(t, "web", violations.Domain)
	assert.Equal(t, 1, violations.Total)
	require.Len(t, violations.Results, 2)
}

func TestAuditorAnnouncesRevocationsInItsDomain(t *testing.T) {
	f := newFixture(t)
	reportsDir := t.TempDir()
	NewAuditor(f.runtime(t, "Audit-Web"), "Assessor", "Scribe", reportsDir)

	// Exec-1 is web, so the web auditor must react.
	f.bus.Signal("system", "policy-engine", bus.SignalAgentRevoked, map[string]string{
		"agent":      "Exec-1",
		"reason":     "reached 3 communication violations",
		"revoked_by": "policy-engine",
	})

	alertPath := filepath.Join(reportsDir, "alert_Exec-1.json")
	data, err := os.ReadFile(alertPath)
	require.NoError(t, err, "revocation must produce a human alert file")
	assert.Contains(t, string(data), "Exec-1")
	assert.Contains(t, string(data), "reached 3 communication violations")

	notices := f.bus.Recent("status", 0, time.Time{})
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[len(notices)-1].Content, "Exec-1 has been revoked")

	// Exec-8 is another domain's problem.
	f.bus.Signal("system", "policy-engine", bus.SignalAgentRevoked, map[string]string{
		"agent":  "Exec-8",
		"reason": "reached 3 communication violations",
	})
	_, err = os.Stat(filepath.Join(reportsDir, "alert_Exec-8.json"))
	assert.True(t, os.IsNotExist(err))
}
