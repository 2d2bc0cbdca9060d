package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate statistics across every stored result",
	RunE: func(cmd *cobra.Command, args []string) error {
		frameworkConfig, _ := cmd.Flags().GetString("framework-config")

		rm, err := newResultManager(frameworkConfig)
		if err != nil {
			return err
		}
		defer rm.Shutdown()

		stats := rm.GetResultStatistics()
		fmt.Printf("total_results:    %d\n", stats.TotalResults)
		fmt.Printf("success_count:    %d\n", stats.SuccessCount)
		fmt.Printf("failure_count:    %d\n", stats.FailureCount)
		fmt.Printf("success_rate:     %.2f%%\n", stats.SuccessRate)
		fmt.Printf("average_duration: %.2fs\n", stats.AverageDuration)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
}
