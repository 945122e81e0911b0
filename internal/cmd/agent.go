package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
)

var (
	agentTool    string
	agentTimeout time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Install and run AI agent tools in a session",
	Long: `Install AI agent tooling into a session and run agent tasks there.

API keys are read from ANTHROPIC_API_KEY, OPENAI_API_KEY and GEMINI_API_KEY
in the calling environment and never appear on a sandboxed command line.

Examples:
  udroid agent install dev
  udroid agent run dev -- fix the failing test in ./pkg
  udroid agent run dev --tool gemini -- summarize README.md`,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Show whether agent tools are installed",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStatus,
}

var agentInstallCmd = &cobra.Command{
	Use:   "install <session>",
	Short: "Install agent tools into a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentInstall,
}

var agentRunCmd = &cobra.Command{
	Use:   "run <session> -- <input>...",
	Short: "Run an agent task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAgentRun,
}

func init() {
	agentRunCmd.Flags().StringVar(&agentTool, "tool", api.ToolTask, "tool to run: task, gemini or droid")
	agentRunCmd.Flags().DurationVarP(&agentTimeout, "timeout", "t", 0, "timeout (default depends on the tool)")

	agentCmd.AddCommand(agentStatusCmd, agentInstallCmd, agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	st, err := client().AgentStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if st.Installed {
		fmt.Println("Agent tools installed.")
		return nil
	}
	fmt.Printf("Agent tools not installed (%s).\n", st.Status)
	return nil
}

func runAgentInstall(cmd *cobra.Command, args []string) error {
	fmt.Println("Installing agent tools (this may take several minutes)...")
	if _, err := client().InstallAgent(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to install agent tools: %w", err)
	}
	fmt.Println("Agent tools installed.")
	return nil
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	req := api.RunAgentRequest{
		Tool:  agentTool,
		Input: strings.Join(args[1:], " "),
		Config: agent.Config{
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		},
		TimeoutMS: agentTimeout.Milliseconds(),
	}

	res, err := client().RunAgent(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	fmt.Print(res.Output)
	if res.Error != "" {
		fmt.Fprint(os.Stderr, res.Error)
	}
	logger.Debug().Dur("duration", res.Duration).Int("exit_code", res.ExitCode).Msg("agent finished")
	if !res.Success {
		code := res.ExitCode
		if code <= 0 {
			code = 1
		}
		return &ExitError{Code: code}
	}
	return nil
}
