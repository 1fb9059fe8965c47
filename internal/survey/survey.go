// Package survey implements colony-wide status surveys: a broadcast
// request signal, response collection off the bus, and a saved analysis
// grouped by role.
package survey

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/bus"
)

// requestChannels are where survey requests are broadcast. Both are
// exempt channels, so every agent may answer regardless of hierarchy.
var requestChannels = []string{"system", "general"}

// Response is one agent's answer to a survey.
type Response struct {
	Agent      string             `json:"agent"`
	Role       string             `json:"role"`
	Domain     string             `json:"domain,omitempty"`
	Report     agent.SurveyReport `json:"report"`
	ReceivedAt time.Time          `json:"received_at"`
}

// RoleSummary aggregates one role's answers.
type RoleSummary struct {
	Responded    int      `json:"responded"`
	TasksUnclear []string `json:"tasks_unclear,omitempty"`
	Blocked      []string `json:"blocked,omitempty"`
}

// Analysis is the saved outcome of one survey round.
type Analysis struct {
	SurveyID     string                 `json:"survey_id"`
	TriggeredBy  string                 `json:"triggered_by"`
	TriggeredAt  time.Time              `json:"triggered_at"`
	Expected     int                    `json:"expected"`
	Responded    int                    `json:"responded"`
	ResponseRate float64                `json:"response_rate"`
	ByRole       map[string]RoleSummary `json:"by_role"`
	Silent       []string               `json:"silent,omitempty"`
}

// System triggers surveys and turns the responses into saved reports.
type System struct {
	bus        *bus.Bus
	reportsDir string

	triggeredBy map[string]string
	triggeredAt map[string]time.Time
}

// New creates a survey system writing analyses under reportsDir.
func New(b *bus.Bus, reportsDir string) *System {
	return &System{
		bus:         b,
		reportsDir:  reportsDir,
		triggeredBy: make(map[string]string),
		triggeredAt: make(map[string]time.Time),
	}
}

// Trigger broadcasts a survey request on the system and general
// channels and returns the survey id responses will carry.
func (s *System) Trigger(requester string) string {
	surveyID := uuid.New().String()[:8]
	for _, channel := range requestChannels {
		s.bus.Signal(channel, requester, bus.SignalSurveyRequest, map[string]string{
			"survey_id": surveyID,
		})
	}
	s.triggeredBy[surveyID] = requester
	s.triggeredAt[surveyID] = time.Now()
	return surveyID
}

// Collect waits out the window after a trigger, then gathers every
// response to the survey from the request channels. Each agent counts
// once even if its response landed on both channels.
func (s *System) Collect(surveyID string, window time.Duration) []Response {
	time.Sleep(window)

	seen := make(map[string]bool)
	var out []Response
	for _, channel := range requestChannels {
		for _, msg := range s.bus.Recent(channel, 0, time.Time{}) {
			if msg.Type != bus.TypeSignal || msg.Content != bus.SignalSurveyResponse {
				continue
			}
			if msg.Metadata["survey_id"] != surveyID || seen[msg.Sender] {
				continue
			}
			seen[msg.Sender] = true

			resp := Response{
				Agent:      msg.Sender,
				Role:       msg.Metadata["role"],
				Domain:     msg.Metadata["domain"],
				ReceivedAt: msg.Timestamp,
			}
			// A response with an unreadable report still counts toward
			// the response rate.
			_ = json.Unmarshal([]byte(msg.Metadata["report"]), &resp.Report)
			out = append(out, resp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Analyze groups responses by role and computes the response rate
// against the expected roster.
func (s *System) Analyze(surveyID string, responses []Response, expected []string) Analysis {
	analysis := Analysis{
		SurveyID:    surveyID,
		TriggeredBy: s.triggeredBy[surveyID],
		TriggeredAt: s.triggeredAt[surveyID],
		Expected:    len(expected),
		Responded:   len(responses),
		ByRole:      make(map[string]RoleSummary),
	}
	if len(expected) > 0 {
		analysis.ResponseRate = float64(len(responses)) / float64(len(expected))
	}

	answered := make(map[string]bool, len(responses))
	for _, resp := range responses {
		answered[resp.Agent] = true
		summary := analysis.ByRole[resp.Role]
		summary.Responded++
		if !resp.Report.Q1TasksClear {
			summary.TasksUnclear = append(summary.TasksUnclear, resp.Agent)
		}
		if resp.Report.Q2BlockersWaiting {
			summary.Blocked = append(summary.Blocked, resp.Agent)
		}
		analysis.ByRole[resp.Role] = summary
	}

	for _, name := range expected {
		if !answered[name] {
			analysis.Silent = append(analysis.Silent, name)
		}
	}
	sort.Strings(analysis.Silent)
	return analysis
}

// Save writes the analysis as survey_<id>.json and returns the path.
func (s *System) Save(analysis Analysis) (string, error) {
	if err := os.MkdirAll(s.reportsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports dir: %w", err)
	}
	data, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal survey analysis: %w", err)
	}
	path := filepath.Join(s.reportsDir, "survey_"+analysis.SurveyID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write survey analysis: %w", err)
	}
	return path, nil
}

// Run is the whole round: trigger, wait the window, analyze, save.
func (s *System) Run(requester string, expected []string, window time.Duration) (Analysis, string, error) {
	surveyID := s.Trigger(requester)
	responses := s.Collect(surveyID, window)
	analysis := s.Analyze(surveyID, responses, expected)
	path, err := s.Save(analysis)
	return analysis, path, err
}
