// Package autostart registers the peersync daemon to start at login: a
// systemd user unit on Linux, a logon task on Windows.
package autostart

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

const serviceName = "peersync"

// ErrUnsupported is returned by Install where no login hook is known.
var ErrUnsupported = errors.New("autostart is not supported on this platform")

type AutoStarter interface {
	Install(execPath string) error
	Uninstall() error
	IsInstalled() (bool, error)
}

// runner executes a command and returns its combined output.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DaemonArgs is the command line a login hook starts.
func DaemonArgs(execPath string) []string {
	return []string{execPath, "watch"}
}

// New returns the starter for the running platform.
func New() AutoStarter {
	return For(runtime.GOOS)
}

func For(goos string) AutoStarter {
	switch goos {
	case "windows":
		return &WindowsAutoStarter{}
	case "linux":
		return &LinuxAutoStarter{}
	default:
		return unsupported(goos)
	}
}

type unsupported string

func (u unsupported) Install(string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, string(u))
}

func (u unsupported) Uninstall() error {
	return nil
}

func (u unsupported) IsInstalled() (bool, error) {
	return false, nil
}
