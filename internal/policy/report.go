package policy

import (
	"sort"
	"time"

	"github.com/dyluth/warren/internal/identity"
)

// DomainReport is the read-only health view for one domain: who has
// been revoked, who is close, and what recently went wrong.
type DomainReport struct {
	Domain      string             `json:"domain"`
	GeneratedAt time.Time          `json:"generated_at"`
	Revoked     []RevocationRecord `json:"revoked"`
	AtRisk      []Offender         `json:"at_risk"`
	Recent      []Violation        `json:"recent_violations"`
}

// Report builds the domain report. AtRisk lists non-revoked senders in
// the domain within one violation of the threshold. Recent lists the
// latest logged violations whose sender or recipient belongs to the
// domain, capped at recentLimit.
func (e *Engine) Report(domain identity.Domain, recentLimit int) (DomainReport, error) {
	report := DomainReport{
		Domain:      string(domain),
		GeneratedAt: time.Now(),
	}

	for _, rec := range e.registry.List() {
		if rec.Domain == string(domain) {
			report.Revoked = append(report.Revoked, rec)
		}
	}

	logged, err := e.ledger.ReadLog(LogQuery{})
	if err != nil {
		return report, err
	}

	// Tally from the log rather than the in-memory ring so reports built
	// in a fresh process (the CLI) see the same offenders as the colony.
	counts := make(map[string]int)
	for _, v := range logged {
		counts[v.Sender]++
	}
	for sender, count := range counts {
		if count < e.threshold-1 {
			continue
		}
		if e.registry.IsRevoked(sender) {
			continue
		}
		if e.resolver.Resolve(sender).Domain == domain {
			report.AtRisk = append(report.AtRisk, Offender{Sender: sender, Count: count})
		}
	}
	sort.Slice(report.AtRisk, func(i, j int) bool {
		if report.AtRisk[i].Count != report.AtRisk[j].Count {
			return report.AtRisk[i].Count > report.AtRisk[j].Count
		}
		return report.AtRisk[i].Sender < report.AtRisk[j].Sender
	})

	for _, v := range logged {
		if v.SenderDomain == string(domain) || v.RecipientDomain == string(domain) {
			report.Recent = append(report.Recent, v)
		}
	}
	if recentLimit > 0 && len(report.Recent) > recentLimit {
		report.Recent = report.Recent[len(report.Recent)-recentLimit:]
	}
	return report, nil
}
