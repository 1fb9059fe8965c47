package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/oracle"
)

func TestScore(t *testing.T) {
	cases := []struct {
		name   string
		merged MergedResult
		want   float64
	}{
		{"clean run keeps the mean", MergedResult{MeanConfidence: 0.9}, 0.9},
		{"violations cost a tenth each", MergedResult{MeanConfidence: 0.9, TotalViolations: 2}, 0.7},
		{"conflicts cost more", MergedResult{MeanConfidence: 0.9, Conflicts: []Conflict{{Path: "/x"}}}, 0.75},
		{"both penalties stack", MergedResult{MeanConfidence: 0.9, TotalViolations: 2, Conflicts: []Conflict{{Path: "/x"}}}, 0.55},
		{"clamped at zero", MergedResult{MeanConfidence: 0.2, TotalViolations: 9}, 0},
		{"clamped at one", MergedResult{MeanConfidence: 1.5}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Score(tc.merged), 1e-9)
		})
	}
}

func TestAssessStatuses(t *testing.T) {
	f := newFixture(t)
	a := NewAssessor(f.runtime(t, "Assessor"), oracle.Disabled{}, "Commander", "Scribe")
	ctx := context.Background()

	t.Run("nothing collected is blocked", func(t *testing.T) {
		report := a.assess(ctx, MergedPayload{Task: Task{ID: "t1"}})
		assert.Equal(t, StatusBlocked, report.Status)
	})

	t.Run("high score with no violations passes", func(t *testing.T) {
		report := a.assess(ctx, MergedPayload{Task: Task{ID: "t1"}, Merged: MergedResult{
			MeanConfidence: 0.9,
			Results:        []ValidationResult{{ExecutorID: "Exec-1", Passed: true}},
		}})
		assert.Equal(t, StatusPassed, report.Status)
		assert.False(t, report.LowQuality)
	})

	t.Run("middling score is partial", func(t *testing.T) {
		report := a.assess(ctx, MergedPayload{Task: Task{ID: "t1"}, Merged: MergedResult{
			MeanConfidence:  0.8,
			TotalViolations: 2,
			Results:         []ValidationResult{{ExecutorID: "Exec-1"}},
		}})
		assert.Equal(t, StatusPartial, report.Status)
	})

	t.Run("below the floor is failed and low quality", func(t *testing.T) {
		report := a.assess(ctx, MergedPayload{Task: Task{ID: "t1"}, Merged: MergedResult{
			MeanConfidence:  0.4,
			TotalViolations: 3,
			Results:         []ValidationResult{{ExecutorID: "Exec-1"}},
		}})
		assert.Equal(t, StatusFailed, report.Status)
		assert.True(t, report.LowQuality)
	})
}

func TestHandleMergedReportsToScribeAndCommander(t *testing.T) {
	f := newFixture(t)
	a := NewAssessor(f.runtime(t, "Assessor"), oracle.Disabled{}, "Commander", "Scribe")

	payload := MergedPayload{
		Task: Task{ID: "t1", Domain: "web"},
		Merged: MergedResult{
			TaskID:         "t1",
			MeanConfidence: 0.9,
			Results:        []ValidationResult{{ExecutorID: "Exec-1", Passed: true}},
		},
	}
	a.handleMerged(context.Background(), deliver(t, "Audit-Web", "Assessor", subjectFor(SubjectMergedResult, "t1"), payload))

	msgs := f.inbox(t, "Scribe")
	require.Len(t, msgs, 1)
	qa := decode[QAPayload](t, msgs[0])
	assert.Equal(t, StageAssessed, qa.Task.Stage)
	assert.Equal(t, StatusPassed, qa.Report.Status)

	msgs = f.inbox(t, "Commander")
	require.Len(t, msgs, 1)
	report := decode[QualityReport](t, msgs[0])
	assert.Equal(t, "t1", report.TaskID)
	assert.Empty(t, f.bus.Recent("alerts", 0, time.Time{}), "a passing task raises no alert")
}

func TestHandleMergedRaisesLowQualityAlert(t *testing.T) {
	f := newFixture(t)
	a := NewAssessor(f.runtime(t, "Assessor"), oracle.Disabled{}, "Commander", "Scribe")

	a.handleMerged(context.Background(), deliver(t, "Audit-Web", "Assessor", subjectFor(SubjectMergedResult, "t2"), MergedPayload{
		Task: Task{ID: "t2", Domain: "web"},
		Merged: MergedResult{
			TaskID:          "t2",
			MeanConfidence:  0.3,
			TotalViolations: 2,
			Results:         []ValidationResult{{ExecutorID: "Exec-1"}},
		},
	}))

	alerts := f.bus.Recent("alerts", 0, time.Time{})
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SignalLowQuality, alerts[0].Content)
	assert.Equal(t, "t2", alerts[0].Metadata["task_id"])
}
