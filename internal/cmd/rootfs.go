package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/distro"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
)

var rootfsCmd = &cobra.Command{
	Use:   "rootfs",
	Short: "Manage installed root filesystems",
	Long: `Manage the root filesystems sessions boot from.

udroid does not download distributions. Extract one anywhere, then register
the directory for a catalog distro id:
  udroid rootfs add jammy:xfce4 ~/rootfs/jammy
  udroid rootfs ls
  udroid rootfs rm jammy:xfce4`,
}

var rootfsAddCmd = &cobra.Command{
	Use:   "add <distro> <dir>",
	Short: "Register an extracted root filesystem",
	Args:  cobra.ExactArgs(2),
	RunE:  runRootfsAdd,
}

var rootfsRmCmd = &cobra.Command{
	Use:   "rm <distro>",
	Short: "Unregister a root filesystem",
	Long:  `Unregister a root filesystem. The extracted tree itself is left in place.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRootfsRm,
}

var rootfsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered root filesystems",
	Args:  cobra.NoArgs,
	RunE:  runRootfsLs,
}

func init() {
	rootfsCmd.AddCommand(rootfsAddCmd, rootfsRmCmd, rootfsLsCmd)
	rootCmd.AddCommand(rootfsCmd)
}

func runRootfsAdd(cmd *cobra.Command, args []string) error {
	distroID, src := args[0], args[1]

	catalog, err := distro.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}
	if _, err := catalog.Get(distroID); err != nil {
		return err
	}

	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	path, err := roots.Register(distroID, src)
	if err != nil {
		return err
	}
	logger.Debug().Str("distro", distroID).Str("path", path).Msg("rootfs registered")
	fmt.Printf("Registered %s for %s.\n", src, distroID)
	return nil
}

func runRootfsRm(cmd *cobra.Command, args []string) error {
	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	if !roots.IsInstalled(args[0]) {
		return fmt.Errorf("%w: %s", rootfs.ErrNotInstalled, args[0])
	}
	if err := roots.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed rootfs: %s\n", args[0])
	return nil
}

func runRootfsLs(cmd *cobra.Command, args []string) error {
	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	names, err := roots.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No root filesystems registered.")
		return nil
	}
	for _, name := range names {
		path, err := roots.Resolve(name)
		if err != nil {
			path = "(broken: " + err.Error() + ")"
		}
		fmt.Printf("%s\t%s\n", name, path)
	}
	return nil
}
