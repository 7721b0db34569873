// Package svcmgr installs and controls the PWMP server as a host service.
//
// Two managers are supported: systemd and OpenRC. Both are thin wrappers
// over the host's service tooling.
package svcmgr

import (
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// ServiceName is the installed service's name.
const ServiceName = "pwmp-server"

// ErrNoServiceManager indicates neither systemd nor OpenRC was found.
var ErrNoServiceManager = errors.New("no supported service manager found")

// ServiceManager abstracts the host's init system.
type ServiceManager interface {
	// Name identifies the manager for log lines.
	Name() string

	// Installed reports whether the service unit exists.
	Installed() bool

	// Running reports whether the service is currently active.
	Running() (bool, error)

	// Enabled reports whether the service starts on boot.
	Enabled() (bool, error)

	// Install writes the service unit pointing at the current executable.
	Install() error

	// Uninstall removes the service unit.
	Uninstall() error

	// Enable marks the service for start on boot.
	Enable() error

	// Disable unmarks the service for start on boot.
	Disable() error

	// Start starts the service.
	Start() error

	// Stop stops the service.
	Stop() error
}

// Detect probes the host for a supported service manager.
func Detect(logger *slog.Logger) (ServiceManager, error) {
	for _, mgr := range []ServiceManager{
		&systemdManager{logger: logger},
		&openrcManager{logger: logger},
	} {
		if probe(mgr) {
			logger.Debug("detected service manager", slog.String("manager", mgr.Name()))
			return mgr, nil
		}
	}
	return nil, ErrNoServiceManager
}

// probe checks whether the manager's control binary is usable.
func probe(mgr ServiceManager) bool {
	switch mgr.Name() {
	case "systemd":
		return commandWorks("systemctl", "--version")
	case "openrc":
		return commandWorks("rc-service", "--version")
	default:
		return false
	}
}

func commandWorks(name string, args ...string) bool {
	return exec.Command(name, args...).Run() == nil
}

// execOutput runs a command and returns its trimmed stdout.
func execOutput(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
