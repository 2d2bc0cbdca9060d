package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <experiment-config.json>",
	Short: "Submit one experiment and print its task id",
	Long: `submit starts the engine, loads an ExperimentConfig from the given
JSON file, submits it, and — unless --no-wait is given — blocks until the
experiment reaches a terminal state and prints its result before exiting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serversConfig, _ := cmd.Flags().GetString("servers-config")
		frameworkConfig, _ := cmd.Flags().GetString("framework-config")
		experimentType, _ := cmd.Flags().GetString("type")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")

		cfg, err := loadExperimentConfig(args[0])
		if err != nil {
			return err
		}
		if experimentType != "" {
			cfg.ExperimentType = experimentType
		}

		f, err := newFramework(serversConfig, frameworkConfig)
		if err != nil {
			return err
		}
		f.Start()
		defer f.Stop()

		taskID, err := f.RunExperiment(cfg.ExperimentType, cfg)
		if err != nil {
			return fmt.Errorf("submit experiment: %w", err)
		}
		fmt.Println(taskID)

		if noWait {
			return nil
		}

		if !f.WaitForExperiment(taskID, waitTimeout) {
			return fmt.Errorf("experiment %s did not complete within %s", taskID, waitTimeout)
		}

		result, ok := f.GetExperimentResult(taskID)
		if !ok {
			return fmt.Errorf("experiment %s has no stored result", taskID)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	submitCmd.Flags().String("servers-config", "configs/servers.json", "Path to the servers inventory JSON file")
	submitCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
	submitCmd.Flags().String("type", "", "Override the experiment_type field in the config file")
	submitCmd.Flags().Bool("no-wait", false, "Return immediately after submitting, without waiting for completion")
	submitCmd.Flags().Duration("wait-timeout", 10*time.Minute, "How long to wait for the experiment to complete")
}
