package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/memory"
)

func newTestScribe(t *testing.T, f *fixture, threshold int) *Scribe {
	t.Helper()
	return NewScribe(f.runtime(t, "Scribe"), f.store, map[string]string{"web": "Coord-Web"}, threshold)
}

func recordsIn(store *memory.InMemStore, category memory.Category) []memory.Record {
	var out []memory.Record
	for _, rec := range store.All() {
		if rec.Category == category {
			out = append(out, rec)
		}
	}
	return out
}

func qaPayload(taskID string, status QualityStatus, score float64) QAPayload {
	return QAPayload{
		Task: Task{ID: taskID, Text: "build the dashboard", Domain: "web", Priority: PriorityNormal, Stage: StageAssessed},
		Report: QualityReport{
			TaskID:  taskID,
			Domain:  "web",
			Score:   score,
			Status:  status,
			Summary: "as expected",
		},
	}
}

func TestEveryAssessedTaskGetsAnOutcomeMemory(t *testing.T) {
	for _, status := range []QualityStatus{StatusPassed, StatusFailed, StatusPartial, StatusBlocked} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			s := newTestScribe(t, f, 0)

			payload := qaPayload("t1", status, 0.6)
			s.handleQAReport(context.Background(), deliver(t, "Assessor", "Scribe", subjectFor(SubjectQAReport, "t1"), payload))

			outcomes := recordsIn(f.store, memory.CategoryOutcome)
			require.Len(t, outcomes, 1, "the outcome memory is unconditional")
			assert.Equal(t, "t1", outcomes[0].TaskID)
			assert.Equal(t, "web", outcomes[0].Domain)
			assert.Contains(t, outcomes[0].Content, "build the dashboard")
		})
	}
}

func TestHighScoringPassAlsoRecordsAPattern(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 0)

	s.handleQAReport(context.Background(), deliver(t, "Assessor", "Scribe", subjectFor(SubjectQAReport, "t1"), qaPayload("t1", StatusPassed, 0.92)))

	assert.Len(t, recordsIn(f.store, memory.CategoryPattern), 1)
	assert.Empty(t, recordsIn(f.store, memory.CategoryBugFix))
}

func TestFailureRecordsABugFixMemory(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 0)

	s.handleQAReport(context.Background(), deliver(t, "Assessor", "Scribe", subjectFor(SubjectQAReport, "t1"), qaPayload("t1", StatusFailed, 0.2)))

	assert.Empty(t, recordsIn(f.store, memory.CategoryPattern))
	assert.Len(t, recordsIn(f.store, memory.CategoryBugFix), 1)
}

func TestMustWriteEnrichesRejectedContent(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 0)

	rec := memory.NewRecord(memory.CategoryOutcome, "too short")
	s.mustWrite(context.Background(), rec)

	all := f.store.All()
	require.Len(t, all, 1, "the retry must land")
	assert.Contains(t, all[0].Content, "too short")
	assert.Contains(t, all[0].Content, "auto-enriched")
}

func feedback(executorID string, friction FrictionType, ruleID, suggestion string) FeedbackPayload {
	return FeedbackPayload{
		TaskID:     "t1",
		Domain:     "web",
		ExecutorID: executorID,
		Feedback: FeedbackBlock{
			Friction:   friction,
			RuleID:     ruleID,
			Suggestion: suggestion,
			Detail:     "slowed down",
			Confidence: 0.6,
		},
	}
}

func TestFrictionThresholdFiresExactlyOnceAndResets(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 3)
	ctx := context.Background()

	send := func(i int, fb FeedbackPayload) {
		s.handleFeedback(ctx, deliver(t, fb.ExecutorID, "Scribe", subjectFor(SubjectExecutorFeedback, fmt.Sprintf("t%d", i)), fb))
	}

	send(1, feedback("Exec-1", FrictionRuleTooStrict, "no inline styles", "allow them in prototypes"))
	send(2, feedback("Exec-2", FrictionRuleTooStrict, "no inline styles", "allow them in prototypes"))
	assert.Empty(t, f.inbox(t, "Coord-Web"))
	assert.Equal(t, 2, s.FrictionCount("web"))

	send(3, feedback("Exec-1", FrictionMissingContext, "", ""))
	msgs := f.inbox(t, "Coord-Web")
	require.Len(t, msgs, 1, "the threshold fires exactly once")
	assert.Equal(t, 0, s.FrictionCount("web"), "the buffer resets at the moment of firing")

	summary := decode[FeedbackSummary](t, msgs[0])
	assert.Equal(t, "web", summary.Domain)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.FrictionCounts[FrictionRuleTooStrict])
	require.NotEmpty(t, summary.MostBlockedRules)
	assert.Equal(t, RuleCount{RuleID: "no inline styles", Count: 2}, summary.MostBlockedRules[0])
	assert.Equal(t, []string{"allow them in prototypes"}, summary.TopSuggestions)

	// The next review needs a full threshold of fresh reports.
	send(4, feedback("Exec-1", FrictionWrongSlice, "", ""))
	send(5, feedback("Exec-2", FrictionWrongSlice, "", ""))
	assert.Len(t, f.inbox(t, "Coord-Web"), 1)
	send(6, feedback("Exec-1", FrictionWrongSlice, "", ""))
	assert.Len(t, f.inbox(t, "Coord-Web"), 2)
}

func TestFrictionlessFeedbackDoesNotCount(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 3)

	fb := feedback("Exec-1", "", "", "")
	fb.Feedback.Detail = ""
	s.handleFeedback(context.Background(), deliver(t, "Exec-1", "Scribe", subjectFor(SubjectExecutorFeedback, "t1"), fb))
	assert.Equal(t, 0, s.FrictionCount("web"))
}

func TestUnknownFrictionTypeIsDropped(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 3)

	fb := feedback("Exec-1", "having a bad day", "", "")
	s.handleFeedback(context.Background(), deliver(t, "Exec-1", "Scribe", subjectFor(SubjectExecutorFeedback, "t1"), fb))
	assert.Equal(t, 0, s.FrictionCount("web"))
}

func TestFrictionTalliesAreIndependentPerDomain(t *testing.T) {
	f := newFixture(t)
	s := NewScribe(f.runtime(t, "Scribe"), f.store, map[string]string{"web": "Coord-Web", "ai": "Coord-Ai"}, 3)
	ctx := context.Background()

	web := feedback("Exec-1", FrictionRuleTooStrict, "", "")
	ai := feedback("Exec-8", FrictionRuleTooStrict, "", "")
	ai.Domain = "ai"

	s.handleFeedback(ctx, deliver(t, "Exec-1", "Scribe", subjectFor(SubjectExecutorFeedback, "t1"), web))
	s.handleFeedback(ctx, deliver(t, "Exec-8", "Scribe", subjectFor(SubjectExecutorFeedback, "t1"), ai))
	s.handleFeedback(ctx, deliver(t, "Exec-8", "Scribe", subjectFor(SubjectExecutorFeedback, "t2"), ai))

	assert.Equal(t, 1, s.FrictionCount("web"))
	assert.Equal(t, 2, s.FrictionCount("ai"))
	assert.Empty(t, f.inbox(t, "Coord-Web"))
	assert.Empty(t, f.inbox(t, "Coord-Ai"))
}

func TestViolationsAreRecordedOnlyWhenPresent(t *testing.T) {
	f := newFixture(t)
	s := newTestScribe(t, f, 0)
	ctx := context.Background()

	s.handleViolations(ctx, deliver(t, "Audit-Web", "Scribe", subjectFor(SubjectViolations, "t1"), ViolationsPayload{
		TaskID: "t1",
		Domain: "web",
		Total:  0,
	}))
	assert.Empty(t, f.store.All(), "a clean validation leaves no trace")

	s.handleViolations(ctx, deliver(t, "Audit-Web", "Scribe", subjectFor(SubjectViolations, "t2"), ViolationsPayload{
		TaskID: "t2",
		Domain: "web",
		Total:  2,
		Results: []ValidationResult{
			{ExecutorID: "Exec-1", Passed: false, Violations: []string{"empty deliverable"}},
			{ExecutorID: "Exec-2", Passed: true},
		},
	}))
	insights := recordsIn(f.store, memory.CategoryInsight)
	require.Len(t, insights, 1)
	assert.Contains(t, insights[0].Content, "Exec-1")
	assert.NotContains(t, insights[0].Content, "Exec-2")
}
