package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/identity"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), identity.NewResolver(), DefaultRevocationThreshold)
	require.NoError(t, err)
	return e
}

func TestHierarchyDecisions(t *testing.T) {
	tests := []struct {
		name      string
		sender    string
		recipient string
		allowed   bool
	}{
		{"commander to coordinator", "Commander", "Coord-Web", true},
		{"commander to executor", "Commander", "Exec-1", false},
		{"coordinator to commander", "Coord-Web", "Commander", true},
		{"coordinator to own executor", "Coord-Web", "Exec-3", true},
		{"coordinator to foreign executor", "Coord-Web", "Exec-9", false},
		{"coordinator to own auditor", "Coord-Ai", "Audit-Ai", true},
		{"executor to same-domain executor", "Exec-1", "Exec-2", true},
		{"executor to cross-domain executor", "Exec-1", "Exec-8", false},
		{"executor to own coordinator", "Exec-9", "Coord-Ai", true},
		{"executor to cross-domain coordinator", "Exec-1", "Coord-Ai", false},
		{"executor to scribe", "Exec-1", "Scribe", true},
		{"executor to commander", "Exec-1", "Commander", false},
		{"auditor to assessor", "Audit-Web", "Assessor", true},
		{"auditor to own coordinator", "Audit-Web", "Coord-Web", true},
		{"auditor to foreign coordinator", "Audit-Web", "Coord-Ai", false},
		{"assessor to commander", "Assessor", "Commander", true},
		{"assessor to scribe", "Assessor", "Scribe", true},
		{"scribe to commander", "Scribe", "Commander", true},
		{"scribe to coordinator", "Scribe", "Coord-Quant", true},
		{"scribe to executor", "Scribe", "Exec-1", false},
		{"unknown sender", "Stranger", "Commander", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			d := e.Check(tt.sender, tt.recipient, "web")
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
				assert.Equal(t, 1, d.ViolationCount, "denial must be ledgered")
			}
		})
	}
}

func TestDecisionsAreDeterministic(t *testing.T) {
	e := newTestEngine(t)
	first := e.Check("Exec-1", "Exec-8", "web")
	second := e.Check("Exec-1", "Exec-8", "web")
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.Equal(t, first.Reason, second.Reason)
}

func TestExemptChannelsBypassHierarchy(t *testing.T) {
	e := newTestEngine(t)
	for _, ch := range []string{"system", "status", "alerts", "debug"} {
		d := e.Check("Exec-1", "Commander", ch)
		assert.True(t, d.Allowed, "channel %s should be exempt", ch)
	}
	assert.Equal(t, 0, e.Ledger().Count("Exec-1"))
}

func TestThirdViolationRevokes(t *testing.T) {
	e := newTestEngine(t)
	var revoked []RevocationRecord
	e.OnRevoke = func(rec RevocationRecord) { revoked = append(revoked, rec) }

	for i := 0; i < 2; i++ {
		d := e.Check("Exec-1", "Commander", "web")
		require.False(t, d.Allowed)
		require.False(t, d.Revoked)
	}

	d := e.Check("Exec-1", "Commander", "web")
	require.False(t, d.Allowed)
	assert.True(t, d.Revoked, "third violation must revoke")
	assert.Equal(t, 3, d.ViolationCount)
	require.Len(t, revoked, 1)
	assert.Equal(t, "Exec-1", revoked[0].Name)
	assert.Equal(t, "executor", revoked[0].Role)
	assert.Equal(t, "web", revoked[0].Domain)
	assert.Equal(t, d.Reason, revoked[0].Reason,
		"record carries the triggering violation's reason")
	assert.Equal(t, 3, revoked[0].ViolationCount)

	// Revoked senders are blocked even on hierarchy-legal sends and on
	// exempt channels, and no further violations accrue.
	legal := e.Check("Exec-1", "Exec-2", "web")
	assert.False(t, legal.Allowed)
	assert.True(t, legal.Revoked)
	exempt := e.Check("Exec-1", "Commander", "system")
	assert.False(t, exempt.Allowed)
	assert.Equal(t, 3, e.Ledger().Count("Exec-1"))
	assert.Len(t, revoked, 1, "revocation hook fires exactly once")
}

func TestReinstatePreservesTally(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		e.Check("Exec-1", "Commander", "web")
	}
	require.True(t, e.Registry().IsRevoked("Exec-1"))

	ok, err := e.Reinstate("Exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, e.Registry().IsRevoked("Exec-1"))
	assert.Equal(t, 3, e.Ledger().Count("Exec-1"), "reinstatement keeps the tally")

	// The very next violation crosses the threshold again.
	d := e.Check("Exec-1", "Commander", "web")
	assert.True(t, d.Revoked)

	ok, err = e.Reinstate("Exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	e.ClearViolations("Exec-1")
	assert.Equal(t, 0, e.Ledger().Count("Exec-1"))

	ok, err = e.Reinstate("Exec-1")
	require.NoError(t, err)
	assert.False(t, ok, "reinstating a non-revoked agent is a no-op")
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, identity.NewResolver(), 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e.Check("Exec-1", "Commander", "web")
	}
	require.True(t, e.Registry().IsRevoked("Exec-1"))

	reloaded, err := NewEngine(dir, identity.NewResolver(), 3)
	require.NoError(t, err)
	assert.True(t, reloaded.Registry().IsRevoked("Exec-1"))

	rec, ok := reloaded.Registry().Get("Exec-1")
	require.True(t, ok)
	assert.Equal(t, "executor", rec.Role)
	assert.Equal(t, "web", rec.Domain)
	assert.Contains(t, rec.Reason, "may not message")
	assert.Equal(t, 3, rec.ViolationCount)

	d := reloaded.Check("Exec-1", "Exec-2", "web")
	assert.False(t, d.Allowed)
	assert.True(t, d.Revoked)
}

func TestLedgerLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, identity.NewResolver(), 10)
	require.NoError(t, err)

	e.Check("Exec-1", "Commander", "web")
	e.Check("Exec-8", "Coord-Web", "ai")
	e.Check("Exec-1", "Commander", "web")

	all, err := e.Ledger().ReadLog(LogQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	filtered, err := e.Ledger().ReadLog(LogQuery{Sender: "Exec-1"})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	limited, err := e.Ledger().ReadLog(LogQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Exec-1", limited[0].Sender, "limit keeps the newest records")

	stats, err := e.Ledger().LogStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySender["Exec-1"])
	assert.Equal(t, 3, stats.BySenderRole["executor"])
	assert.Equal(t, 2, stats.ByBlockedRole["commander"])
}

func TestLedgerSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "violations.jsonl")
	ledger := NewLedger(path)

	_, err := ledger.Record(Violation{Sender: "Exec-1", Reason: "test"})
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ledger.Record(Violation{Sender: "Exec-2", Reason: "test"})
	require.NoError(t, err)

	all, err := ledger.ReadLog(LogQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTopOffenders(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "violations.jsonl"))
	for i, sender := range []string{"Exec-1", "Exec-2", "Exec-3"} {
		for j := 0; j <= i; j++ {
			_, err := ledger.Record(Violation{Sender: sender, Reason: "test"})
			require.NoError(t, err)
		}
	}

	top := ledger.TopOffenders(2)
	require.Len(t, top, 2)
	assert.Equal(t, Offender{Sender: "Exec-3", Count: 3}, top[0])
	assert.Equal(t, Offender{Sender: "Exec-2", Count: 2}, top[1])
}

func TestDomainReport(t *testing.T) {
	e := newTestEngine(t)

	// Exec-1 (web) gets revoked, Exec-2 (web) ends up at risk, Exec-8
	// (ai) stays out of the web report.
	for i := 0; i < 3; i++ {
		e.Check("Exec-1", "Commander", "web")
	}
	for i := 0; i < 2; i++ {
		e.Check("Exec-2", "Commander", "web")
	}
	e.Check("Exec-8", "Coord-Web", "ai")

	report, err := e.Report(identity.DomainWeb, 10)
	require.NoError(t, err)

	require.Len(t, report.Revoked, 1)
	assert.Equal(t, "Exec-1", report.Revoked[0].Name)
	require.Len(t, report.AtRisk, 1)
	assert.Equal(t, Offender{Sender: "Exec-2", Count: 2}, report.AtRisk[0])

	// Exec-8's violation targeted a web coordinator, so it involves web.
	senders := make([]string, 0, len(report.Recent))
	for _, v := range report.Recent {
		senders = append(senders, v.Sender)
	}
	assert.Contains(t, senders, "Exec-1")
	assert.Contains(t, senders, "Exec-2")
	assert.Contains(t, senders, "Exec-8")
}

func TestDenialKeepsTruncatedContentPreview(t *testing.T) {
	e := newTestEngine(t)
	content := strings.Repeat("x", 200)

	d := e.CheckContent("Exec-1", "Commander", "general", content)
	require.False(t, d.Allowed)

	logged, err := e.Ledger().ReadLog(LogQuery{Sender: "Exec-1"})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, strings.Repeat("x", 80), logged[0].Preview)
}

func TestDomainReportSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, identity.NewResolver(), 3)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		e.Check("Exec-2", "Commander", "web")
	}

	reloaded, err := NewEngine(dir, identity.NewResolver(), 3)
	require.NoError(t, err)
	report, err := reloaded.Report(identity.DomainWeb, 10)
	require.NoError(t, err)
	require.Len(t, report.AtRisk, 1)
	assert.Equal(t, Offender{Sender: "Exec-2", Count: 2}, report.AtRisk[0])
}

func TestRegistrationOverridesParsingInChecks(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Resolver().Register("Sidecar", identity.RoleExecutor, identity.DomainWeb))

	d := e.Check("Sidecar", "Coord-Web", "web")
	assert.True(t, d.Allowed, d.Reason)
}

func TestRingCapacityBounded(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "violations.jsonl"))
	for i := 0; i < ringCapacity+5; i++ {
		_, err := ledger.Record(Violation{Sender: fmt.Sprintf("Exec-%d", i%21+1), Reason: "test"})
		require.NoError(t, err)
	}
	assert.Len(t, ledger.RecentCached(0), ringCapacity)
}
