package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/memory"
)

var (
	memCategory string
	memDomain   string
	memText     string
	memTags     []string
	memLimit    int
	memJSONL    bool
)

var memoriesCmd = &cobra.Command{
	Use:   "memories [id-prefix]",
	Short: "Browse the colony's memory store",
	Long: `Lists the records the scribe has written to the memory store, or
shows one record in full when an id prefix is given.

The store lives in Redis, so this command needs a redis url in the
config. Without one the colony's memory is process-local and there is
nothing to browse.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMemories,
}

func init() {
	memoriesCmd.Flags().StringVar(&memCategory, "category", "", "Filter by category (decision, pattern, bug_fix, outcome, code_snippet, insight, documentation)")
	memoriesCmd.Flags().StringVar(&memDomain, "domain", "", "Filter by domain")
	memoriesCmd.Flags().StringVar(&memText, "text", "", "Substring match on content")
	memoriesCmd.Flags().StringSliceVar(&memTags, "tag", nil, "Require a tag (repeatable)")
	memoriesCmd.Flags().IntVar(&memLimit, "limit", 50, "Maximum records to list")
	memoriesCmd.Flags().BoolVar(&memJSONL, "jsonl", false, "Emit line-delimited JSON instead of a table")
	rootCmd.AddCommand(memoriesCmd)
}

func runMemories(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return fmt.Errorf("the memories command needs a redis url in the config: the in-memory store does not outlive the colony process")
	}
	_, store, err := colonyServices(cfg)
	if err != nil {
		return err
	}

	q := memory.Query{
		Text:     memText,
		Category: memory.Category(memCategory),
		Domain:   memDomain,
		Tags:     memTags,
		Limit:    memLimit,
	}
	if memCategory != "" {
		if err := q.Category.Validate(); err != nil {
			return err
		}
	}

	records, err := store.Search(cmd.Context(), q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return printMemory(out, records, args[0])
	}
	if memJSONL {
		return printMemoriesJSONL(out, records)
	}
	printMemoriesTable(out, records, cfg.Project)
	return nil
}

// printMemory shows the one record whose id starts with prefix, pretty
// printed. Ambiguous prefixes are an error so the caller can lengthen
// the prefix rather than get the wrong record.
func printMemory(w io.Writer, records []memory.Record, prefix string) error {
	var found []memory.Record
	for _, rec := range records {
		if strings.HasPrefix(rec.ID, prefix) {
			found = append(found, rec)
		}
	}
	switch len(found) {
	case 0:
		return fmt.Errorf("no memory record matches id prefix %q", prefix)
	case 1:
		data, err := json.MarshalIndent(found[0], "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal memory record: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	default:
		return fmt.Errorf("id prefix %q matches %d records, use a longer prefix", prefix, len(found))
	}
}

func printMemoriesJSONL(w io.Writer, records []memory.Record) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal memory record: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}

func printMemoriesTable(w io.Writer, records []memory.Record, project string) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No memories found for project '%s'\n", project)
		return
	}

	fmt.Fprintf(w, "Memories for project '%s':\n\n", project)
	fmt.Fprintf(w, "%-10s %-12s %-8s %-8s %s\n", "ID", "CATEGORY", "DOMAIN", "AGE", "CONTENT")
	fmt.Fprintf(w, "%-10s %-12s %-8s %-8s %s\n",
		"----------", "------------", "--------", "--------", "----------------------------------------")

	for _, rec := range records {
		fmt.Fprintf(w, "%-10s %-12s %-8s %-8s %s\n",
			shortMemoryID(rec.ID),
			rec.Category,
			dashWhenEmpty(rec.Domain),
			relativeAge(rec.CreatedAt),
			firstLine(rec.Content, 40),
		)
	}

	noun := "memory"
	if len(records) != 1 {
		noun = "memories"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), noun)
}

func shortMemoryID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dashWhenEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// firstLine returns the first non-empty line of s, truncated to max
// characters. Empty content renders as "-".
func firstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(trimmed) > max {
			return trimmed[:max-3] + "..."
		}
		return trimmed
	}
	return "-"
}

func relativeAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
