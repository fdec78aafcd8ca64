package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mr1hm/go-safety-alerts/internal/config"
	"github.com/mr1hm/go-safety-alerts/internal/logging"
)

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "safety-agent",
		Short: "Delivers traveler safety alerts and escalates unanswered ones",
		Long: `safety-agent keeps a live connection to the safety backend, notifies the
traveler about new alerts, escalates alerts nobody answers in time and
queues responses while offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level)
			return nil
		},
		RunE: runAgent,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the agent and its local API (default)",
		RunE:  runAgent,
	}

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "List writes waiting to be sent to the backend",
		RunE:  listQueue,
	}

	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "List the last known alerts",
		RunE:  listAlerts,
	}

	activeOnly bool
)

func init() {
	alertsCmd.Flags().BoolVar(&activeOnly, "active", false, "only list alerts awaiting a response")
	rootCmd.AddCommand(runCmd, queueCmd, alertsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatalf("Error executing command: %v", err)
	}
}
