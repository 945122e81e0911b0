package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a running session",
	Long:  `Stop a running session by id or name. Its services are stopped first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	sess, err := client().StopSession(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to stop session %s: %w", args[0], err)
	}
	fmt.Printf("Session %s stopped.\n", sess.Name)
	return nil
}
