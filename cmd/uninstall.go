package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"peersync/internal/autostart"

	"github.com/spf13/cobra"
)

var stopOnUninstall bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the login autostart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return uninstall(cmd.Context(), autostart.New(), stopOnUninstall, cmd.OutOrStdout())
	},
}

// uninstall drops the login hook and, when stop is set, asks a running
// daemon to exit. A daemon that is not running is not an error.
func uninstall(ctx context.Context, as autostart.AutoStarter, stop bool, out io.Writer) error {
	installed, err := as.IsInstalled()
	if err != nil {
		return err
	}

	if installed {
		if err := as.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(out, "peersync daemon autostart removed")
	} else {
		fmt.Fprintln(out, "peersync daemon is not registered for autostart")
	}

	if !stop {
		return nil
	}

	if err := call(ctx, http.MethodPost, "/stop", nil, nil); err != nil {
		fmt.Fprintf(out, "daemon not stopped: %v\n", err)
		return nil
	}
	fmt.Fprintln(out, "daemon stopped")

	return nil
}

func init() {
	uninstallCmd.Flags().BoolVar(&stopOnUninstall, "stop", false, "also stop a running daemon")
	rootCmd.AddCommand(uninstallCmd)
}
