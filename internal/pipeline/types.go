// Package pipeline implements the colony's task lifecycle: the
// commander classifies, coordinators slice and collect, executors
// produce, auditors validate and merge, the assessor scores, and the
// scribe records. It also carries the executor feedback loop that turns
// accumulated friction into rule adjustments.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/identity"
)

// Stage is a task's position in the lifecycle.
type Stage string

const (
	StageSubmitted  Stage = "submitted"
	StageAssigned   Stage = "assigned"
	StageSliced     Stage = "sliced"
	StageDispatched Stage = "dispatched"
	StageCollecting Stage = "collecting"
	StageCollected  Stage = "collected"
	StageValidating Stage = "validating"
	StageMerged     Stage = "merged"
	StageAssessed   Stage = "assessed"
	StageRecorded   Stage = "recorded"
	StageClosed     Stage = "closed"
)

// Priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Validate checks if the priority is one of the known values.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// Task is one unit of work moving through the lifecycle.
type Task struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Domain      identity.Domain `json:"domain,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Stage       Stage           `json:"stage"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// NewTask creates a submitted task.
func NewTask(text string) Task {
	return Task{
		ID:          uuid.New().String(),
		Text:        text,
		Priority:    PriorityNormal,
		Stage:       StageSubmitted,
		SubmittedAt: time.Now(),
	}
}

// Envelope is the constraint snapshot a slice carries. It is frozen at
// slicing time; later rule adjustments do not rewrite slices already
// dispatched.
type Envelope struct {
	Can    []string `json:"can"`
	Cannot []string `json:"cannot"`
}

// Slice is one executor's share of a task.
type Slice struct {
	TaskID         string   `json:"task_id"`
	SliceID        string   `json:"slice_id"`
	ExecutorID     string   `json:"executor_id"`
	Instructions   string   `json:"instructions"`
	AssignedFile   string   `json:"assigned_file,omitempty"`
	Specialization string   `json:"specialization,omitempty"`
	Envelope       Envelope `json:"envelope"`
}

// DeliverableType classifies an executor output.
type DeliverableType string

const (
	DeliverableFile       DeliverableType = "file"
	DeliverableText       DeliverableType = "text"
	DeliverableList       DeliverableType = "list"
	DeliverableStructured DeliverableType = "structured"
)

// FrictionType classifies what slowed an executor down.
type FrictionType string

const (
	FrictionRuleTooStrict    FrictionType = "rule_too_strict"
	FrictionRuleUnclear      FrictionType = "rule_unclear"
	FrictionMissingContext   FrictionType = "missing_context"
	FrictionWrongSlice       FrictionType = "wrong_slice"
	FrictionDependencyIssue  FrictionType = "dependency_issue"
	FrictionToolingGap       FrictionType = "tooling_gap"
	FrictionScopeTooBig      FrictionType = "scope_too_big"
	FrictionScopeTooSmall    FrictionType = "scope_too_small"
	FrictionAmbiguousRequest FrictionType = "ambiguous_request"
)

// Validate checks if the friction type is one of the known values.
func (f FrictionType) Validate() error {
	switch f {
	case FrictionRuleTooStrict, FrictionRuleUnclear, FrictionMissingContext,
		FrictionWrongSlice, FrictionDependencyIssue, FrictionToolingGap,
		FrictionScopeTooBig, FrictionScopeTooSmall, FrictionAmbiguousRequest:
		return nil
	default:
		return fmt.Errorf("invalid friction type: %s", f)
	}
}

// FeedbackBlock is the mandatory per-slice self-report attached to
// every executor output: four 0..1 scores plus an optional friction
// signal naming what impeded the work.
type FeedbackBlock struct {
	Confidence     float64 `json:"confidence"`
	Fit            float64 `json:"fit"`
	Clarity        float64 `json:"clarity"`
	ContextQuality float64 `json:"context_quality"`

	Friction   FrictionType `json:"friction,omitempty"`
	RuleID     string       `json:"rule_id,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Suggestion string       `json:"suggestion,omitempty"`
}

// HasFriction reports whether the block carries a friction signal.
func (f FeedbackBlock) HasFriction() bool { return f.Friction != "" }

// ExecutorOutput is one executor's finished slice.
type ExecutorOutput struct {
	TaskID      string            `json:"task_id"`
	SliceID     string            `json:"slice_id"`
	ExecutorID  string            `json:"executor_id"`
	Type        DeliverableType   `json:"type"`
	Deliverable string            `json:"deliverable"`
	Files       map[string]string `json:"files,omitempty"`
	Confidence  float64           `json:"confidence"`
	Feedback    FeedbackBlock     `json:"feedback"`
}

// ValidationResult is the auditor's verdict on one output.
type ValidationResult struct {
	ExecutorID string   `json:"executor_id"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// Conflict marks a file path written by more than one executor.
type Conflict struct {
	Path        string   `json:"path"`
	ExecutorIDs []string `json:"executor_ids"`
}

// MergedResult is the auditor's combined view of a task's outputs.
type MergedResult struct {
	TaskID          string             `json:"task_id"`
	Files           map[string]string  `json:"files,omitempty"`
	Conflicts       []Conflict         `json:"conflicts,omitempty"`
	TotalViolations int                `json:"total_violations"`
	Results         []ValidationResult `json:"results"`
	MeanConfidence  float64            `json:"mean_confidence"`
}

// QualityStatus is the assessor's overall verdict.
type QualityStatus string

const (
	StatusPassed  QualityStatus = "passed"
	StatusFailed  QualityStatus = "failed"
	StatusPartial QualityStatus = "partial"
	StatusBlocked QualityStatus = "blocked"
)

// QualityReport is the assessor's scorecard for a task.
type QualityReport struct {
	TaskID     string        `json:"task_id"`
	Domain     string        `json:"domain,omitempty"`
	Score      float64       `json:"score"`
	Status     QualityStatus `json:"status"`
	Summary    string        `json:"summary"`
	LowQuality bool          `json:"low_quality"`
}

// RuleCount pairs a rule with how often feedback blamed it.
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int    `json:"count"`
}

// FeedbackSummary is what the scribe hands a coordinator when a
// domain's friction crosses the review threshold.
type FeedbackSummary struct {
	Domain           string               `json:"domain"`
	Total            int                  `json:"total"`
	FrictionCounts   map[FrictionType]int `json:"friction_counts"`
	MostBlockedRules []RuleCount          `json:"most_blocked_rules"`
	TopSuggestions   []string             `json:"top_suggestions"`
	MeanConfidence   float64              `json:"mean_confidence"`
}

// AdjustmentKind classifies a proposed rule change.
type AdjustmentKind string

const (
	AdjustRelaxation    AdjustmentKind = "relaxation"
	AdjustClarification AdjustmentKind = "clarification"
	AdjustAddition      AdjustmentKind = "addition"
	AdjustRemoval       AdjustmentKind = "removal"
)

// Validate checks if the adjustment kind is one of the known values.
func (k AdjustmentKind) Validate() error {
	switch k {
	case AdjustRelaxation, AdjustClarification, AdjustAddition, AdjustRemoval:
		return nil
	default:
		return fmt.Errorf("invalid adjustment kind: %s", k)
	}
}

// RuleAdjustment is a coordinator's response to a feedback summary.
// Removals always escalate to the commander; the other kinds apply to
// the live rule set immediately.
type RuleAdjustment struct {
	Domain             string         `json:"domain"`
	Kind               AdjustmentKind `json:"kind"`
	RuleID             string         `json:"rule_id,omitempty"`
	NewText            string         `json:"new_text,omitempty"`
	Rationale          string         `json:"rationale"`
	RequiresEscalation bool           `json:"requires_escalation"`
}

// Escalation verdicts the commander may return.
const (
	VerdictApproved    = "approved"
	VerdictRejected    = "rejected"
	VerdictSubstituted = "substituted"
)

// EscalationDecision is the commander's answer to an escalated removal.
type EscalationDecision struct {
	Verdict    string         `json:"verdict"`
	Adjustment RuleAdjustment `json:"adjustment"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Mailbox subject prefixes. Subjects are "<prefix><task-id>"; threads
// are "TASK-<task-id>".
const (
	SubjectNewTask            = "NEW_TASK:"
	SubjectTaskAssignment     = "TASK_ASSIGNMENT:"
	SubjectTaskSlice          = "TASK_SLICE:"
	SubjectExecutorOutput     = "EXECUTOR_OUTPUT:"
	SubjectExecutorFeedback   = "EXECUTOR_FEEDBACK:"
	SubjectValidateOutputs    = "VALIDATE_OUTPUTS:"
	SubjectMergedResult       = "MERGED_RESULT:"
	SubjectQAReport           = "QA_REPORT:"
	SubjectViolations         = "VIOLATIONS:"
	SubjectReviewTrigger      = "REVIEW_TRIGGER:"
	SubjectEscalation         = "ESCALATION:"
	SubjectEscalationDecision = "ESCALATION_DECISION:"
	SubjectTaskComplete       = "TASK_COMPLETE:"
)

func subjectFor(prefix, taskID string) string { return prefix + taskID }

func threadFor(taskID string) string { return "TASK-" + taskID }

// Message payloads that carry more than one type.

// ValidateItem pairs an output with the slice it answered.
type ValidateItem struct {
	Slice  Slice          `json:"slice"`
	Output ExecutorOutput `json:"output"`
}

// ValidatePayload is the coordinator-to-auditor handoff.
type ValidatePayload struct {
	Task  Task           `json:"task"`
	Items []ValidateItem `json:"items"`
}

// MergedPayload is the auditor-to-assessor handoff.
type MergedPayload struct {
	Task   Task         `json:"task"`
	Merged MergedResult `json:"merged"`
}

// QAPayload is the assessor-to-scribe handoff.
type QAPayload struct {
	Task   Task          `json:"task"`
	Report QualityReport `json:"report"`
}

// FeedbackPayload is an executor's friction report to the scribe.
type FeedbackPayload struct {
	TaskID     string        `json:"task_id"`
	Domain     string        `json:"domain"`
	ExecutorID string        `json:"executor_id"`
	Feedback   FeedbackBlock `json:"feedback"`
}

// ViolationsPayload is the auditor's validation summary for the scribe.
type ViolationsPayload struct {
	TaskID  string             `json:"task_id"`
	Domain  string             `json:"domain"`
	Total   int                `json:"total"`
	Results []ValidationResult `json:"results"`
}

// EscalationPayload is a coordinator's escalated removal proposal.
type EscalationPayload struct {
	Coordinator string          `json:"coordinator"`
	Adjustment  RuleAdjustment  `json:"adjustment"`
	Summary     FeedbackSummary `json:"summary"`
}
