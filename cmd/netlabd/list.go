package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/netlab/pkg/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored experiment result",
	RunE: func(cmd *cobra.Command, args []string) error {
		frameworkConfig, _ := cmd.Flags().GetString("framework-config")
		statusFilter, _ := cmd.Flags().GetString("status")

		rm, err := newResultManager(frameworkConfig)
		if err != nil {
			return err
		}
		defer rm.Shutdown()

		var results []*types.ExperimentResult
		if statusFilter != "" {
			results = rm.GetResultsByStatus(types.ExperimentStatus(statusFilter))
		} else {
			results = rm.GetAllResults()
		}

		sort.Slice(results, func(i, j int) bool {
			return results[i].ExperimentID < results[j].ExperimentID
		})

		for _, r := range results {
			fmt.Printf("%s\t%s\t%s\n", r.ExperimentID, r.Status, r.OutputDir)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
	listCmd.Flags().String("status", "", "Filter by experiment status (completed, failed, ...)")
}
