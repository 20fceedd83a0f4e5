package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanmayb/downpour/internal/checkpoint"
	"github.com/tanmayb/downpour/internal/config"
	"github.com/tanmayb/downpour/internal/output"
)

var cleanState bool

var cleanCmd = &cobra.Command{
	Use:   "clean [file...]",
	Short: "Remove checkpoint sidecars and, optionally, the queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, dest := range args {
			if err := checkpoint.Remove(dest); err != nil {
				return fmt.Errorf("error removing checkpoint for %s: %w", dest, err)
			}
			output.PrintInfo(fmt.Sprintf("Removed checkpoint for %s", dest))
		}
		if cleanState {
			cfg := config.Default()
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			statePath, err := cfg.StatePath()
			if err != nil {
				return err
			}
			if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("error removing queue state: %w", err)
			}
			output.PrintInfo("Queue state cleared")
		}
		output.PrintSuccess("Cleanup complete")
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanState, "state", false, "Also remove the persisted queue state file")
	rootCmd.AddCommand(cleanCmd)
}
