package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/policy"
	"github.com/dyluth/warren/internal/printer"
)

var (
	violationsSender string
	violationsLimit  int
	violationsStats  bool
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List recorded communication violations",
	Long: `List communication violations from the colony's violation log
(violations.jsonl in the data directory).

Use --sender to filter to one agent, --limit to cap the output, and
--stats for aggregate counts instead of individual records.`,
	RunE: runViolations,
}

func init() {
	violationsCmd.Flags().StringVar(&violationsSender, "sender", "", "Only show violations by this agent")
	violationsCmd.Flags().IntVar(&violationsLimit, "limit", 20, "Maximum number of violations to show")
	violationsCmd.Flags().BoolVar(&violationsStats, "stats", false, "Show aggregate statistics instead of records")
	rootCmd.AddCommand(violationsCmd)
}

func runViolations(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger := policy.NewLedger(filepath.Join(cfg.DataDir, "violations.jsonl"))

	if violationsStats {
		return printViolationStats(ledger)
	}

	violations, err := ledger.ReadLog(policy.LogQuery{
		Limit:  violationsLimit,
		Sender: violationsSender,
	})
	if err != nil {
		return printer.Error("Failed to read violation log", err.Error(), []string{
			"Check that the data directory is readable",
		})
	}
	if len(violations) == 0 {
		printer.Success("No violations recorded\n")
		return nil
	}

	printer.Heading("%d violation(s), newest last", len(violations))
	for _, v := range violations {
		printer.Printf("%s  ", v.Timestamp.Format(time.RFC3339))
		printer.Denied(v.Sender, v.Recipient, v.Reason)
	}
	return nil
}

func printViolationStats(ledger *policy.Ledger) error {
	stats, err := ledger.LogStats()
	if err != nil {
		return printer.Error("Failed to read violation log", err.Error(), nil)
	}
	if stats.Total == 0 {
		printer.Success("No violations recorded\n")
		return nil
	}

	printer.Heading("Violation statistics")
	printer.Printf("Total: %d (%s to %s)\n\n",
		stats.Total,
		stats.FirstAt.Format(time.RFC3339),
		stats.LastAt.Format(time.RFC3339))

	printCounts("By sender", stats.BySender)
	printCounts("By sender role", stats.BySenderRole)
	printCounts("By blocked recipient role", stats.ByBlockedRole)
	printCounts("By reason", stats.ByReason)
	return nil
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	printer.Heading("%s", title)
	for _, k := range keys {
		fmt.Printf("  %4d  %s\n", counts[k], k)
	}
	fmt.Println()
}
