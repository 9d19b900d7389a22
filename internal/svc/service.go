// Package svc runs an avstore node under the platform service manager
// (systemd, launchd or the Windows service control manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultServiceName is the service name used when none is given.
const DefaultServiceName = "avstore"

// RunFunc runs a node until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the node and waits for it to shut down.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // Service name (default: avstore)
	DisplayName string // Display name shown in service manager
	Description string // Service description
	ConfigPath  string // Node configuration file
	UserName    string // User to run service as (Linux/macOS only)
}

// withDefaults fills unset fields.
func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Name == "" {
		c.Name = DefaultServiceName
	}
	if c.DisplayName == "" {
		c.DisplayName = "AV Store Node"
	}
	if c.Description == "" {
		c.Description = "Replicated file store node"
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath()
	}
	return c
}

// DefaultConfigPath returns the platform's default node config path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "avstore", "node.yaml")
	}
	return "/etc/avstore/node.yaml"
}

// NewServiceConfig builds the service manager configuration. The service
// re-invokes the binary as "avstore service run --name <name> --config <path>".
func NewServiceConfig(cfg ServiceConfig) *service.Config {
	cfg = cfg.withDefaults()

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"service", "run", "--name", cfg.Name, "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// newService binds prg to the service manager.
func newService(prg *Program, cfg ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only with force.
func Install(cfg ServiceConfig, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	name := cfg.withDefaults().Name

	status, err := s.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg ServiceConfig) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends a start, stop or restart action to the service manager.
func Control(cfg ServiceConfig, action string) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg ServiceConfig) (service.Status, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager (called when started by it).
func Run(prg *Program, cfg ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges checks if the current user may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error when not elevated
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
