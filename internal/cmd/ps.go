package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions",
	Long:  `List all sessions with their distribution, state and creation time.`,
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	sessions, err := client().ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDISTRO\tSTATE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t-------")

	for _, sess := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sess.ID,
			sess.Name,
			sess.Distro.ID,
			sess.StateString(),
			sess.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	_ = w.Flush()
	return nil
}
