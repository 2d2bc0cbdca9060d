package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result <experiment-id>",
	Short: "Print the full stored result for one experiment as JSON",
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
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	resultCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
}
