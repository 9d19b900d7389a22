package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lukw00heck/av-service/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the avstore system service",
		Long: `Install, control, and manage an avstore node as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo avstore service install --config /etc/avstore/node.yaml
  sudo avstore service start
  sudo avstore service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: avstore)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install avstore as a system service",
		Long: `Install an avstore node as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceConfigPath, "service-config", "", "Node config path used by the service (default: --config or the platform default)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the avstore system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the avstore service", action),
			RunE:  runServiceControl(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show avstore service status",
		RunE:  runServiceStatus,
	})

	// Invoked by the service manager
	serviceCmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the node under the service manager",
		Hidden: true,
		RunE:   runServiceRun,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View avstore service logs",
		Long: `View logs from the avstore service.

Log locations by platform:
  - Linux:   journalctl -u avstore
  - macOS:   /var/log/avstore.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() svc.ServiceConfig {
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = cfgFile
	}
	return svc.ServiceConfig{
		Name:       serviceName,
		ConfigPath: configPath,
		UserName:   serviceUser,
	}
}

func resolvedServiceName(cfg svc.ServiceConfig) string {
	if cfg.Name == "" {
		return svc.DefaultServiceName
	}
	return cfg.Name
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = svc.DefaultConfigPath()
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}
	absPath, err := filepath.Abs(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg.ConfigPath = absPath

	name := resolvedServiceName(cfg)
	log.Info().Str("name", name).Str("config", cfg.ConfigPath).Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  avstore service start --name %s\n", name)
	fmt.Printf("\nTo view logs:\n")
	fmt.Printf("  avstore service logs --name %s\n", name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", resolvedServiceName(cfg)).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled successfully.\n", resolvedServiceName(cfg))
	return nil
}

func runServiceControl(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging()

		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", resolvedServiceName(cfg)).Str("action", action).Msg("controlling service")

		if err := svc.Control(cfg, action); err != nil {
			return err
		}
		fmt.Printf("Service %q: %s done.\n", resolvedServiceName(cfg), action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	name := resolvedServiceName(cfg)

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Service: %s\n", name)
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}

	fmt.Printf("Service: %s\n", name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	return nil
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = svc.DefaultConfigPath()
	}
	log.Info().Str("config", cfg.ConfigPath).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        serveNode,
	}
	return svc.Run(prg, cfg)
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
		ServiceName: serviceName,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
