package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

var (
	pruneAll    bool
	pruneRootfs bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Clean up sessions and unused root filesystems",
	Long: `Clean up sessions to free up disk space.

This command removes:
  - Stopped and failed sessions
  - Root filesystems no remaining session uses (with --rootfs)`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&pruneAll, "all", "a", false, "remove all sessions (including running)")
	pruneCmd.Flags().BoolVar(&pruneRootfs, "rootfs", false, "also remove root filesystems not used by any session")
}

func prunable(kind session.StateKind) bool {
	return kind == session.KindStopped || kind == session.KindError
}

func runPrune(cmd *cobra.Command, args []string) error {
	c := client()
	ctx := cmd.Context()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	removedCount := 0
	inUse := make(map[string]bool)
	for _, sess := range sessions {
		if !pruneAll && !prunable(sess.State.Kind) {
			inUse[sess.Distro.ID] = true
			continue
		}
		if err := c.DeleteSession(ctx, sess.ID); err != nil {
			fmt.Printf("Warning: failed to delete session %s: %v\n", sess.ID, err)
			inUse[sess.Distro.ID] = true
			continue
		}
		fmt.Printf("Removed session: %s\n", sess.ID)
		removedCount++
	}

	if removedCount == 0 {
		fmt.Println("No sessions to remove.")
	} else {
		fmt.Printf("Removed %d session(s).\n", removedCount)
	}

	if !pruneRootfs {
		return nil
	}

	fmt.Println("\nCleaning up root filesystems...")
	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to access rootfs manager: %w", err)
	}
	installed, err := roots.List()
	if err != nil {
		return err
	}
	used := make(map[string]bool, len(inUse))
	for id := range inUse {
		used[strings.ReplaceAll(id, ":", "-")] = true
	}
	for _, name := range installed {
		if used[name] {
			continue
		}
		if err := roots.Remove(name); err != nil {
			fmt.Printf("Warning: %v\n", err)
			continue
		}
		fmt.Printf("Removed rootfs: %s\n", name)
	}
	return nil
}
