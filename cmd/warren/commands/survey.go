package commands

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/oracle"
	"github.com/dyluth/warren/internal/pipeline"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/survey"
)

var surveyWindow time.Duration

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Run a colony-wide status survey",
	Long: `Starts the configured colony, broadcasts a five-question status
survey on the system and general channels, collects the answers for the
response window, and saves the analysis under the reports directory.`,
	RunE: runSurvey,
}

func init() {
	surveyCmd.Flags().DurationVar(&surveyWindow, "window", 5*time.Second, "How long to collect responses; must exceed the colony's survey interval")
	rootCmd.AddCommand(surveyCmd)
}

func runSurvey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mail, store, err := colonyServices(cfg)
	if err != nil {
		return err
	}

	colony, err := pipeline.NewColony(cfg, pipeline.ColonyDeps{
		Mail:   mail,
		Store:  store,
		Oracle: oracle.Disabled{},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := colony.Start(ctx); err != nil {
		return err
	}
	defer colony.Stop()

	printer.Step("Surveying %d agents (window %s)\n", colony.Size(), surveyWindow)

	system := survey.New(colony.Bus(), cfg.ReportsDir)
	analysis, path, err := system.Run("warren-cli", colony.Roster(), surveyWindow)
	if err != nil {
		return err
	}

	printer.Heading("Survey %s", analysis.SurveyID)
	printer.Printf("Responded: %d/%d (%.0f%%)\n", analysis.Responded, analysis.Expected, analysis.ResponseRate*100)

	roles := make([]string, 0, len(analysis.ByRole))
	for role := range analysis.ByRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		summary := analysis.ByRole[role]
		printer.Printf("  %-12s %d responded\n", role, summary.Responded)
		for _, name := range summary.TasksUnclear {
			printer.Warning("%s reports unclear tasks\n", name)
		}
		for _, name := range summary.Blocked {
			printer.Warning("%s is blocked waiting on someone\n", name)
		}
	}
	for _, name := range analysis.Silent {
		printer.Warning("%s did not respond\n", name)
	}

	printer.Success("Analysis saved to %s\n", path)
	return nil
}
