package autostart

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=peersync workspace sync daemon
After=network-online.target
Wants=network-online.target

[Service]
ExecStart={{.Command}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))

// LinuxAutoStarter installs a systemd user unit.
type LinuxAutoStarter struct {
	// Dir overrides ~/.config/systemd/user.
	Dir string
	// NoSystemctl writes the unit file only.
	NoSystemctl bool

	run runner
}

func (l *LinuxAutoStarter) unitPath() (string, error) {
	dir := l.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config", "systemd", "user")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(dir, serviceName+".service"), nil
}

// Unit renders the unit file for execPath.
func Unit(execPath string) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, map[string]string{"Command": strings.Join(DaemonArgs(execPath), " ")}); err != nil {
		return nil, fmt.Errorf("failed to render service file: %w", err)
	}
	return buf.Bytes(), nil
}

func (l *LinuxAutoStarter) Install(execPath string) error {
	path, err := l.unitPath()
	if err != nil {
		return err
	}

	unit, err := Unit(execPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, unit, 0644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}

	if l.NoSystemctl {
		return nil
	}

	return l.systemctl(true,
		[]string{"daemon-reload"},
		[]string{"enable", serviceName + ".service"},
		[]string{"start", serviceName + ".service"})
}

func (l *LinuxAutoStarter) Uninstall() error {
	if !l.NoSystemctl {
		_ = l.systemctl(false,
			[]string{"stop", serviceName + ".service"},
			[]string{"disable", serviceName + ".service"})
	}

	path, err := l.unitPath()
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *LinuxAutoStarter) IsInstalled() (bool, error) {
	path, err := l.unitPath()
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	return err == nil, nil
}

// systemctl runs each command against the user manager, stopping at the
// first failure when strict.
func (l *LinuxAutoStarter) systemctl(strict bool, cmds ...[]string) error {
	run := l.run
	if run == nil {
		run = execRunner
	}

	for _, args := range cmds {
		out, err := run("systemctl", append([]string{"--user"}, args...)...)
		if err != nil && strict {
			return fmt.Errorf("failed to run systemctl %v: %w\n%s", args, err, out)
		}
	}
	return nil
}
