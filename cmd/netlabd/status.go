package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <experiment-id>",
	Short: "Print the persisted status of one experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frameworkConfig, _ := cmd.Flags().GetString("framework-config")

		rm, err := newResultManager(frameworkConfig)
		if err != nil {
			return err
		}
		defer rm.Shutdown()

		result, ok := rm.GetResult(args[0])
		if !ok {
			return fmt.Errorf("no result stored for experiment %s", args[0])
		}
		fmt.Println(result.Status)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
}
