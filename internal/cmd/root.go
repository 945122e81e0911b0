package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/config"
)

var (
	cfgFile string
	debug   bool
	addr    string

	cfg    *config.Config
	logger = zerolog.Nop()
)

// ExitError carries a sandboxed command's exit status out of Execute.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = &cobra.Command{
	Use:   "udroid",
	Short: "udroid - Linux sessions in a proot sandbox",
	Long: `udroid runs Linux distributions in proot sandboxes and manages their
lifecycle, development services and agent tooling.

Run the supervisor:
  udroid serve

Create and start a session:
  udroid create dev --distro jammy:xfce4 --start

Run a command in it:
  udroid exec dev -- uname -a

List and clean up sessions:
  udroid ps
  udroid rm dev
  udroid prune`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.udroid/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "control API address (default from api.listen)")
}

func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded
	logger = newLogger(debug || cfg.Debug)
	logger.Debug().Str("data_dir", cfg.DataDir).Msg("config loaded")
	return nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// client returns a control API client for --addr or the configured address.
func client() *api.Client {
	if addr != "" {
		return api.NewClient(addr)
	}
	return api.NewClient(cfg.API.Listen)
}
