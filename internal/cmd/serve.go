package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/config"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/distro"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/mount"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/network"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/relay"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session supervisor and control API",
	Long: `Run the session supervisor in the foreground.

The supervisor owns every sandbox process, the shared network relay and the
development services. Other udroid commands talk to it over the control API.
Sessions are stopped when the supervisor receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runtimeFromConfig applies explicit file overrides on top of the runtime
// directory layout.
func runtimeFromConfig(c config.Runtime, fallbackTmp string) launcher.Runtime {
	tmp := c.TmpDir
	if tmp == "" {
		tmp = fallbackTmp
	}
	rt := launcher.RuntimeFromDir(c.Dir, c.LibDir, tmp)
	if c.Proot != "" {
		rt.Proot = c.Proot
	}
	if c.Loader != "" {
		rt.Loader = c.Loader
	}
	if c.Talloc != "" {
		rt.Talloc = c.Talloc
	}
	return rt
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger

	roots, err := rootfs.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	codec, err := session.CodecFor(cfg.Store.Encoding)
	if err != nil {
		return err
	}
	store, err := session.NewStore(roots.StoreDir(), codec)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	catalog, err := distro.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}
	validator, err := mount.NewValidator(cfg.BlockedPaths)
	if err != nil {
		return fmt.Errorf("failed to create mount validator: %w", err)
	}

	rt := runtimeFromConfig(cfg.Runtime, roots.TempDir())
	if err := rt.Check(); err != nil {
		log.Warn().Err(err).Msg("sessions will not start until the runtime is installed")
	}
	sandbox := launcher.New(rt, launcher.Config{
		GuestWorkDir: cfg.Sandbox.GuestWorkDir,
		OutputGrace:  cfg.Sandbox.OutputGrace,
	}, log)

	policy := network.Parse(cfg.Proxy.Networks)
	switch {
	case policy.AllowAll:
		log.Debug().Msg("network policy: allow all traffic")
	case policy.Blocked:
		log.Debug().Msg("network policy: no network access")
	default:
		log.Debug().Strs("domains", policy.Domains).Strs("wildcards", policy.Wildcards).Msg("network policy")
	}
	relaySrv := relay.NewServer(cfg.Proxy.Addr(), policy, cfg.Proxy.DialTimeout, log)
	proxy := relay.NewManager(relaySrv, log)

	sessions, err := supervisor.New(supervisor.Options{
		Store:           store,
		Launcher:        supervisor.FromLauncher(sandbox),
		Rootfs:          roots,
		Proxy:           proxy,
		Mounts:          validator,
		Log:             log,
		InitCommand:     cfg.Sandbox.InitCommand,
		StartTimeout:    cfg.Sandbox.StartTimeout,
		StopGrace:       cfg.Sandbox.StopGrace,
		DisplayPortBase: cfg.Sandbox.DisplayPortBase,
	})
	if err != nil {
		return err
	}

	services, err := devservice.NewManager(sessions, filepath.Join(cfg.DataDir, "services.json"), cfg.Services.HealthDelay, log)
	if err != nil {
		return err
	}
	defer services.Close()

	var scripts fs.FS
	if cfg.Agent.ScriptsDir != "" {
		scripts = os.DirFS(cfg.Agent.ScriptsDir)
	}
	agents := agent.NewManager(sessions, scripts, cfg.Agent.InstallTimeout, log)

	srv := api.NewServer(api.Options{
		Sessions:    sessions,
		Catalog:     catalog,
		Services:    services,
		Agents:      agents,
		Relay:       relaySrv,
		Proxy:       proxy,
		ExecTimeout: cfg.Sandbox.ExecTimeout,
		Log:         log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for entry := range services.Logs(ctx) {
			ev := log.Info()
			switch entry.Level {
			case devservice.LevelWarn:
				ev = log.Warn()
			case devservice.LevelError:
				ev = log.Error()
			}
			ev.Str("service", entry.ServiceID).Msg(entry.Message)
		}
	}()

	listen := cfg.API.Listen
	if addr != "" {
		listen = addr
	}
	serveErr := srv.ListenAndServe(ctx, listen)

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, inst := range services.List() {
		services.StopSession(shutdownCtx, inst.SessionID)
	}
	return errors.Join(serveErr, sessions.Shutdown(shutdownCtx))
}
