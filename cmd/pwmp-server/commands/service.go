package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/PixelWeatherProject/pwmp-server/internal/svcmgr"
)

// serviceCmd groups the host service management subcommands.
func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the pwmp-server host service",
	}

	cmd.AddCommand(
		serviceActionCmd("status", "Check the status of the service", serviceStatus),
		serviceActionCmd("install", "Install as a host service", serviceInstall),
		serviceActionCmd("uninstall", "Uninstall the host service", serviceUninstall),
		serviceActionCmd("enable", "Enable start on boot", serviceEnable),
		serviceActionCmd("disable", "Disable start on boot", serviceDisable),
		serviceActionCmd("start", "Start the service", serviceStart),
		serviceActionCmd("stop", "Stop the service", serviceStop),
		serviceActionCmd("reinstall", "Reinstall the host service", serviceReinstall),
	)

	return cmd
}

// serviceActionCmd wraps one service action with manager detection.
func serviceActionCmd(use, short string, action func(svcmgr.ServiceManager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			mgr, err := svcmgr.Detect(logger)
			if err != nil {
				return err
			}
			return action(mgr)
		},
	}
}

func serviceStatus(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}

	running, err := mgr.Running()
	if err != nil {
		return fmt.Errorf("check if the service is running: %w", err)
	}
	enabled, err := mgr.Enabled()
	if err != nil {
		return fmt.Errorf("check if the service is enabled: %w", err)
	}

	logger.Info("service status",
		slog.Bool("running", running),
		slog.Bool("enabled", enabled),
	)
	return nil
}

func serviceInstall(mgr svcmgr.ServiceManager) error {
	if mgr.Installed() {
		logger.Warn("service is already installed")
		return nil
	}

	if err := mgr.Install(); err != nil {
		return fmt.Errorf("install the service: %w", err)
	}

	logger.Info("service has been installed successfully")
	logger.Warn("the service must be enabled and started manually")
	return nil
}

func serviceUninstall(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}

	if running, err := mgr.Running(); err == nil && running {
		logger.Info("stopping the service")
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("stop the service: %w", err)
		}
	}

	if enabled, err := mgr.Enabled(); err == nil && enabled {
		logger.Info("disabling the service")
		if err := mgr.Disable(); err != nil {
			return fmt.Errorf("disable the service: %w", err)
		}
	}

	if err := mgr.Uninstall(); err != nil {
		return fmt.Errorf("uninstall the service: %w", err)
	}

	logger.Info("service has been uninstalled successfully")
	return nil
}

func serviceEnable(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}
	if enabled, err := mgr.Enabled(); err == nil && enabled {
		logger.Warn("service is already enabled")
		return nil
	}
	if err := mgr.Enable(); err != nil {
		return fmt.Errorf("enable the service: %w", err)
	}
	logger.Info("service enabled")
	return nil
}

func serviceDisable(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}
	if err := mgr.Disable(); err != nil {
		return fmt.Errorf("disable the service: %w", err)
	}
	logger.Info("service disabled")
	return nil
}

func serviceStart(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start the service: %w", err)
	}
	logger.Info("service started")
	return nil
}

func serviceStop(mgr svcmgr.ServiceManager) error {
	if !mgr.Installed() {
		return fmt.Errorf("service is not installed")
	}
	if err := mgr.Stop(); err != nil {
		return fmt.Errorf("stop the service: %w", err)
	}
	logger.Info("service stopped")
	return nil
}

func serviceReinstall(mgr svcmgr.ServiceManager) error {
	if mgr.Installed() {
		if err := serviceUninstall(mgr); err != nil {
			return err
		}
	}
	return serviceInstall(mgr)
}
