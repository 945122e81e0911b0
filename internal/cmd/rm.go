package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm <session>...",
	Short: "Remove sessions",
	Long: `Remove sessions by id or name, together with their work directories
and services.

Running sessions are skipped unless --force is given, in which case they are
stopped first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "also stop and remove running sessions")
}

func runRm(cmd *cobra.Command, args []string) error {
	c := client()
	ctx := cmd.Context()

	var failed int
	for _, ref := range args {
		sess, err := c.GetSession(ctx, ref)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
			failed++
			continue
		}
		if sess.State.Kind == session.KindRunning && !rmForce {
			fmt.Printf("Skipped running session %s. Use --force to remove it.\n", sess.Name)
			continue
		}
		if err := c.DeleteSession(ctx, sess.ID); err != nil {
			fmt.Printf("Warning: failed to delete session %s: %v\n", sess.Name, err)
			failed++
			continue
		}
		fmt.Printf("Removed session: %s (%s)\n", sess.Name, sess.ID)
	}

	if failed > 0 {
		return fmt.Errorf("failed to remove %d session(s)", failed)
	}
	return nil
}
