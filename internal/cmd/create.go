package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/mount"
)

var (
	createDistro  string
	createProject string
	createMounts  []string
	createEnv     []string
	createNetwork bool
	createSound   bool
	createStart   bool
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new session",
	Long: `Create a new session for a distribution. The session is not started
unless --start is given. Without a name the session id is used.

Examples:
  udroid create dev --distro jammy:xfce4
  udroid create build --distro noble:raw --network -m ~/code/app:/root/app
  udroid create api --project ~/code/monorepo/services/api
  udroid create --distro alpine:mini --start`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createDistro, "distro", "d", "alpine:mini", "distribution id (see 'udroid distros')")
	createCmd.Flags().StringArrayVarP(&createMounts, "mount", "m", []string{}, "bind mount host[:guest] (repeatable)")
	createCmd.Flags().StringVarP(&createProject, "project", "p", "", "project directory bound at its host path, with its git repository")
	createCmd.Flags().StringArrayVarP(&createEnv, "env", "e", []string{}, "environment variable KEY=VALUE (repeatable)")
	createCmd.Flags().BoolVar(&createNetwork, "network", false, "route traffic through the network relay")
	createCmd.Flags().BoolVar(&createSound, "sound", false, "enable sound")
	createCmd.Flags().BoolVar(&createStart, "start", false, "start the session after creating it")

	rootCmd.AddCommand(createCmd)
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment variable '%s': expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	env, err := parseEnv(createEnv)
	if err != nil {
		return err
	}
	mounts := createMounts
	if createProject != "" {
		specs, err := mount.ProjectSpecs(createProject)
		if err != nil {
			return err
		}
		logger.Debug().Strs("mounts", specs).Msg("project mounts")
		mounts = append(specs, mounts...)
	}

	req := api.CreateSessionRequest{
		Distro:        createDistro,
		EnableSound:   createSound,
		EnableNetwork: createNetwork,
		Mounts:        mounts,
		Env:           env,
	}
	if len(args) == 1 {
		req.Name = args[0]
	}

	c := client()
	sess, err := c.CreateSession(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	fmt.Printf("Session %s (%s) created.\n", sess.Name, sess.ID)

	if !createStart {
		return nil
	}
	sess, err = c.StartSession(cmd.Context(), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", req.Name, err)
	}
	fmt.Printf("Session %s %s.\n", sess.Name, sess.StateString())
	return nil
}
