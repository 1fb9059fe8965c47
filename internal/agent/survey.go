package agent

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/oracle"
)

// surveyChannels are watched for status survey requests.
var surveyChannels = []string{"system", "general"}

// surveyAnswerLimit caps the free-text survey answers.
const surveyAnswerLimit = 200

// SurveyReport is the 5-question status report every agent answers.
type SurveyReport struct {
	Q1TasksClear      bool   `json:"q1_tasks_clear"`
	Q2BlockersWaiting bool   `json:"q2_blockers_waiting"`
	Q3CurrentFocus    string `json:"q3_current_focus"`
	Q4Needs           string `json:"q4_needs"`
	Q5Notes           string `json:"q5_notes"`
}

func (s SurveyReport) truncated() SurveyReport {
	s.Q3CurrentFocus = truncate(s.Q3CurrentFocus, surveyAnswerLimit)
	s.Q4Needs = truncate(s.Q4Needs, surveyAnswerLimit)
	s.Q5Notes = truncate(s.Q5Notes, surveyAnswerLimit)
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// surveyLoop watches the system and general channels for survey
// requests and answers each one once.
func (r *Runtime) surveyLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SurveyInterval)
	defer ticker.Stop()

	answered := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channel := range surveyChannels {
				for _, msg := range r.bus.CheckMessages(channel) {
					if msg.Type != bus.TypeSignal || msg.Content != bus.SignalSurveyRequest {
						continue
					}
					surveyID := msg.Metadata["survey_id"]
					if surveyID != "" && answered[surveyID] {
						continue
					}
					answered[surveyID] = true
					r.answerSurvey(ctx, channel, surveyID)
				}
			}
		}
	}
}

func (r *Runtime) answerSurvey(ctx context.Context, channel, surveyID string) {
	report := r.buildSurveyReport(ctx).truncated()
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("[Agent] %s failed to marshal survey report: %v", r.name, err)
		return
	}
	r.bus.Signal(channel, bus.SignalSurveyResponse, map[string]string{
		"survey_id": surveyID,
		"agent":     r.name,
		"role":      string(r.id.Role),
		"domain":    string(r.id.Domain),
		"report":    string(payload),
	})
}

// buildSurveyReport prefers the configured reporter, then the oracle,
// then a deterministic default.
func (r *Runtime) buildSurveyReport(ctx context.Context) SurveyReport {
	if r.opts.Reporter != nil {
		return r.opts.Reporter()
	}
	if r.opts.Oracle != nil {
		var report SurveyReport
		err := oracle.CompleteJSON(ctx, r.opts.Oracle, oracle.Prompt{
			System: "You are " + r.name + ", reporting status to the colony.",
			User:   "Fill in the 5-question status survey honestly.",
			Schema: `{"q1_tasks_clear": bool, "q2_blockers_waiting": bool, "q3_current_focus": str, "q4_needs": str, "q5_notes": str}`,
		}, &report)
		if err == nil {
			return report
		}
		log.Printf("[Agent] %s survey oracle failed, using default report: %v", r.name, err)
	}
	return SurveyReport{
		Q1TasksClear:   true,
		Q3CurrentFocus: "routine duties",
		Q4Needs:        "none",
		Q5Notes:        "automatic report from " + r.name,
	}
}
