package autostart

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const taskName = "PeersyncDaemon"

// WindowsAutoStarter registers a Task Scheduler task that runs the daemon
// when the user logs on.
type WindowsAutoStarter struct {
	run runner
}

func (w *WindowsAutoStarter) schtasks(args ...string) ([]byte, error) {
	if w.run == nil {
		return execRunner("schtasks", args...)
	}
	return w.run("schtasks", args...)
}

// taskCommand renders DaemonArgs as the /TR value. The executable is always
// quoted since install paths usually contain spaces.
func taskCommand(execPath string) string {
	args := DaemonArgs(execPath)
	args[0] = `"` + args[0] + `"`
	return strings.Join(args, " ")
}

func (w *WindowsAutoStarter) Install(execPath string) error {
	out, err := w.schtasks("/Create",
		"/TN", taskName,
		"/TR", taskCommand(execPath),
		"/SC", "ONLOGON",
		"/RL", "LIMITED",
		"/F")
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w: %s", taskName, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// Uninstall removes the task. A task that was never registered is not an
// error.
func (w *WindowsAutoStarter) Uninstall() error {
	ok, err := w.IsInstalled()
	if err != nil || !ok {
		return err
	}

	out, err := w.schtasks("/Delete", "/TN", taskName, "/F")
	if err != nil {
		return fmt.Errorf("failed to remove task %s: %w: %s", taskName, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// IsInstalled queries the task. schtasks exits non-zero for an unknown
// task; failing to run it at all is reported.
func (w *WindowsAutoStarter) IsInstalled() (bool, error) {
	_, err := w.schtasks("/Query", "/TN", taskName)
	if err == nil {
		return true, nil
	}

	if _, ok := errors.AsType[*exec.ExitError](err); ok {
		return false, nil
	}
	return false, fmt.Errorf("failed to query task %s: %w", taskName, err)
}
