package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/memory"
	"github.com/dyluth/warren/internal/oracle"
	"github.com/dyluth/warren/internal/pipeline"
	"github.com/dyluth/warren/internal/printer"
)

var (
	demoTask    string
	demoTimeout time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a colony and walk one task through the pipeline",
	Long: `Starts the configured colony, submits a task, and prints the
pipeline stages until the commander closes it.

Without a Redis url in the config the colony runs entirely in memory,
so the demo needs nothing installed.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoTask, "task", "redesign the landing page", "Task text to submit")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "How long to wait for the task to close")
	rootCmd.AddCommand(demoCmd)
}

// colonyServices picks the backing services: Redis when the config
// names an instance, in-memory otherwise.
func colonyServices(cfg *config.Config) (mailbox.Service, memory.Store, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return mailbox.NewInMemService(), memory.NewInMemStore(), nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	mail, err := mailbox.NewRedisService(rdb, cfg.Project)
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.NewRedisStore(rdb, cfg.Project)
	if err != nil {
		return nil, nil, err
	}
	return mail, store, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
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

	// Echo colony chatter so the pipeline is visible as it runs.
	for _, channel := range []string{"status", "alerts", "system"} {
		colony.Bus().Subscribe(channel, "warren-cli", func(msg bus.Message) {
			if msg.Type == bus.TypeSignal {
				printer.Printf("  [%s] %s signals %s %v\n", msg.Channel, msg.Sender, msg.Content, msg.Metadata)
				return
			}
			printer.Printf("  [%s] %s: %s\n", msg.Channel, msg.Sender, msg.Content)
		})
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := colony.Start(ctx); err != nil {
		return err
	}
	defer colony.Stop()

	printer.Heading("Colony of %d agents up for project %q", colony.Size(), cfg.Project)

	task := colony.SubmitTask(ctx, demoTask)
	printer.Step("Submitted task %s: %s\n", task.ID, demoTask)

	deadline := time.Now().Add(demoTimeout)
	stage := task.Stage
	for time.Now().Before(deadline) {
		current, ok := colony.Commander().Task(task.ID)
		if ok && current.Stage != stage {
			stage = current.Stage
			printer.Info("Stage: %s\n", stage)
		}
		if ok && current.Stage == pipeline.StageClosed {
			report, _ := colony.Commander().Report(task.ID)
			printer.Success("Task closed: status=%s score=%.2f\n", report.Status, report.Score)
			if report.Summary != "" {
				printer.Println("  " + report.Summary)
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("task %s did not close within %s", task.ID, demoTimeout)
}
