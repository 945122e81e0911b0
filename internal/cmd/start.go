package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <session>",
	Short: "Start a session",
	Long: `Start a created or stopped session by id or name.

The rootfs must be installed (see 'udroid rootfs add') and the proot runtime
must be present. Sessions with networking get HTTP_PROXY pointing at the
shared relay.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	sess, err := client().StartSession(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", args[0], err)
	}
	fmt.Printf("Session %s %s.\n", sess.Name, sess.StateString())
	return nil
}
