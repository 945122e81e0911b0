package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/api"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
)

var (
	serviceSession string
	servicePort    int
	serviceBind    string
	serviceName    string
	serviceCommand string
)

var serviceCmd = &cobra.Command{
	Use:     "service",
	Aliases: []string{"svc"},
	Short:   "Manage development services in sessions",
	Long: `Manage development services (ssh, jupyter, http, nginx, nodejs) running
inside sessions.

Examples:
  udroid service templates
  udroid service install ssh --session dev
  udroid service start ssh --session dev --bind device
  udroid service start custom --session dev --port 9000 --command 'python3 app.py'
  udroid service connect <service-id>`,
}

var serviceLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List service instances",
	Args:  cobra.NoArgs,
	RunE:  runServiceLs,
}

var serviceTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List service templates",
	Args:  cobra.NoArgs,
	RunE:  runServiceTemplates,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install <template>",
	Short: "Install a service's packages into a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceInstall,
}

var serviceStartCmd = &cobra.Command{
	Use:   "start <template|custom>",
	Short: "Start a service in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceStart,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop <service-id>",
	Short: "Stop a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceStop,
}

var serviceConnectCmd = &cobra.Command{
	Use:   "connect <service-id>",
	Short: "Show how to reach a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceConnect,
}

func init() {
	serviceLsCmd.Flags().StringVarP(&serviceSession, "session", "s", "", "only list services of this session")
	for _, c := range []*cobra.Command{serviceInstallCmd, serviceStartCmd} {
		c.Flags().StringVarP(&serviceSession, "session", "s", "", "session id or name")
		_ = c.MarkFlagRequired("session")
	}
	serviceStartCmd.Flags().IntVarP(&servicePort, "port", "p", 0, "port (default: template port)")
	serviceStartCmd.Flags().StringVar(&serviceBind, "bind", string(devservice.BindLAN), "bind mode: device or lan")
	serviceStartCmd.Flags().StringVar(&serviceName, "name", "", "display name for a custom service")
	serviceStartCmd.Flags().StringVar(&serviceCommand, "command", "", "command for a custom service")

	serviceCmd.AddCommand(serviceLsCmd, serviceTemplatesCmd, serviceInstallCmd, serviceStartCmd, serviceStopCmd, serviceConnectCmd)
	rootCmd.AddCommand(serviceCmd)
}

func printInstances(instances []devservice.Instance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSERVICE\tSESSION\tPORT\tBIND\tSTATE")
	for _, inst := range instances {
		state := inst.State.Kind()
		if e, ok := inst.State.(devservice.Errored); ok {
			state += ": " + e.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			inst.ID, inst.Template.DisplayName, inst.SessionID, inst.Port, inst.BindMode, state)
	}
	_ = w.Flush()
}

func runServiceLs(cmd *cobra.Command, args []string) error {
	instances, err := client().Services(cmd.Context(), serviceSession)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	if len(instances) == 0 {
		fmt.Println("No services.")
		return nil
	}
	printInstances(instances)
	return nil
}

func runServiceTemplates(cmd *cobra.Command, args []string) error {
	templates, err := client().Templates(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPORT\tDESCRIPTION")
	for _, t := range templates {
		port := "-"
		if t.DefaultPort > 0 {
			port = fmt.Sprint(t.DefaultPort)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.DisplayName, port, t.Description)
	}
	_ = w.Flush()
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	fmt.Printf("Installing %s in %s (this may take a few minutes)...\n", args[0], serviceSession)
	err := client().InstallService(cmd.Context(), api.InstallServiceRequest{Template: args[0], Session: serviceSession})
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", args[0], err)
	}
	fmt.Println("Installed.")
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	bind := devservice.BindMode(serviceBind)
	if !bind.Valid() {
		return fmt.Errorf("invalid bind mode '%s': expected device or lan", serviceBind)
	}
	c := client()
	inst, err := c.StartService(cmd.Context(), api.StartServiceRequest{
		Template: args[0],
		Session:  serviceSession,
		Port:     servicePort,
		Bind:     bind,
		Name:     serviceName,
		Command:  serviceCommand,
	})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	printInstances([]devservice.Instance{inst})

	info, err := c.ConnectInfo(cmd.Context(), inst.ID)
	if err == nil {
		fmt.Printf("\nConnect: %s\n", info.DisplayText)
	}
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	inst, err := client().StopService(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to stop service %s: %w", args[0], err)
	}
	fmt.Printf("Service %s stopped.\n", inst.Template.DisplayName)
	return nil
}

func runServiceConnect(cmd *cobra.Command, args []string) error {
	info, err := client().ConnectInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(info.DisplayText)
	if info.CopyText != info.DisplayText {
		fmt.Println(info.CopyText)
	}
	return nil
}
