package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Show the shared network relay",
	Long: `Show the state of the network relay that sessions with networking use.
The relay runs while at least one such session is running.`,
	Args: cobra.NoArgs,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	st, err := client().Proxy(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("State:    %s\n", st.State)
	if st.URL != "" {
		fmt.Printf("URL:      %s\n", st.URL)
	}
	fmt.Printf("Sessions: %d\n", st.Refs)
	return nil
}
