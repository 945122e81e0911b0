package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/distro"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
)

var distrosCmd = &cobra.Command{
	Use:   "distros",
	Short: "List available distributions",
	Long: `List the distribution catalog: the built-in variants plus entries from
catalog_file. INSTALLED shows whether a root filesystem is registered.`,
	Args: cobra.NoArgs,
	RunE: runDistros,
}

func init() {
	rootCmd.AddCommand(distrosCmd)
}

func humanSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}

func runDistros(cmd *cobra.Command, args []string) error {
	catalog, err := distro.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}
	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tVERSION\tDESKTOP\tSIZE\tINSTALLED")
	for _, d := range catalog.List() {
		desktop := d.Desktop
		if desktop == "" {
			desktop = "-"
		}
		installed := "no"
		if roots.IsInstalled(d.ID) {
			installed = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.DisplayName, d.Version, desktop, humanSize(d.SizeBytes), installed)
	}
	_ = w.Flush()
	return nil
}
