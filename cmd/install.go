package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"peersync/internal/autostart"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register as service on boot",
	RunE: func(cmd *cobra.Command, args []string) error {
		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}

		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			execPath = resolved
		}

		as := autostart.New()
		if ok, _ := as.IsInstalled(); ok {
			fmt.Println("peersync daemon already registered, updating")
		}
		if err := as.Install(execPath); err != nil {
			return err
		}

		fmt.Println("peersync daemon registered for autostart")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
