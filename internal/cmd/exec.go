package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
)

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec <session> -- <command>...",
	Short: "Run a command in a running session",
	Long: `Run a command through /bin/sh inside a running session and print its
output. When stdin is not a terminal it is forwarded to the command.
udroid exits with the command's exit status.

Examples:
  udroid exec dev -- uname -a
  echo hello | udroid exec dev -- cat
  udroid exec dev --timeout 10s -- 'make test'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "command timeout (default from sandbox.exec_timeout, negative for none)")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	req := api.ExecRequest{
		Command:   strings.Join(args[1:], " "),
		TimeoutMS: execTimeout.Milliseconds(),
	}
	if execTimeout < 0 {
		req.TimeoutMS = -1
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		req.Stdin = string(data)
	}

	res, err := client().Exec(cmd.Context(), args[0], req)
	_, _ = io.WriteString(os.Stdout, res.Stdout)
	_, _ = io.WriteString(os.Stderr, res.Stderr)
	if err != nil {
		if errors.Is(err, launcher.ErrTimeout) {
			return fmt.Errorf("command timed out, output above is partial")
		}
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}
