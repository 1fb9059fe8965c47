package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/policy"
	"github.com/dyluth/warren/internal/printer"
)

var (
	reportDomain string
	reportJSON   bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show a domain's policy health report",
	Long: `Show one domain's policy health: revoked agents, agents within one
violation of revocation, and the domain's recent violations.

Reads the colony's data directory; the colony does not need to be
running.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDomain, "domain", "web", "Domain to report on")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(reportCmd)
}

// configuredResolver pins every identity the config names, so executor
// ranges resolve to their configured domains rather than the built-in
// name ranges.
func configuredResolver(cfg *config.Config) (*identity.Resolver, error) {
	resolver := identity.NewResolver()
	for _, d := range cfg.Domains {
		domain := identity.Domain(d.Name)
		if err := resolver.Register(identity.CoordinatorName(domain), identity.RoleCoordinator, domain); err != nil {
			return nil, err
		}
		if err := resolver.Register(identity.AuditorName(domain), identity.RoleAuditor, domain); err != nil {
			return nil, err
		}
		for n := d.Executors[0]; n <= d.Executors[1]; n++ {
			if err := resolver.Register(identity.ExecutorName(n), identity.RoleExecutor, domain); err != nil {
				return nil, err
			}
		}
	}
	return resolver, nil
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resolver, err := configuredResolver(cfg)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(cfg.DataDir, resolver, cfg.RevocationThreshold)
	if err != nil {
		return printer.Error("Failed to open policy data", err.Error(), nil)
	}

	report, err := engine.Report(identity.Domain(reportDomain), 10)
	if err != nil {
		return printer.Error("Failed to build domain report", err.Error(), nil)
	}

	if reportJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	printer.Heading("Domain report: %s", report.Domain)

	if len(report.Revoked) == 0 {
		printer.Success("No revoked agents\n")
	} else {
		printer.Heading("Revoked")
		for _, rec := range report.Revoked {
			printer.Warning("%s (%d violations, revoked %s: %s)\n",
				rec.Name, rec.ViolationCount, rec.RevokedAt.Format(time.RFC3339), rec.Reason)
		}
	}

	if len(report.AtRisk) > 0 {
		printer.Heading("At risk")
		for _, off := range report.AtRisk {
			printer.Warning("%s is one violation from revocation (%d so far)\n", off.Sender, off.Count)
		}
	}

	if len(report.Recent) > 0 {
		printer.Heading("Recent violations")
		for _, v := range report.Recent {
			printer.Printf("%s  ", v.Timestamp.Format(time.RFC3339))
			printer.Denied(v.Sender, v.Recipient, v.Reason)
		}
	}
	return nil
}
