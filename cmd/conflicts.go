package cmd

import (
	"fmt"
	"net/http"
	"peersync/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var resolvePolicy string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var conflicts []model.ConflictInfo
		if err := call(cmd.Context(), http.MethodGet, "/conflicts", nil, &conflicts); err != nil {
			return err
		}

		if len(conflicts) == 0 {
			fmt.Println("no open conflicts")
			return nil
		}

		fmt.Printf("%-40s %-18s %-12s %-12s %s\n", "PATH", "TYPE", "LOCAL", "REMOTE", "DETECTED")
		for _, c := range conflicts {
			fmt.Printf("%-40s %-18s %-12s %-12s %s\n",
				c.Path, c.Type, side(c.Local), side(c.Remote), humanize.Time(c.DetectedAt))
		}

		return nil
	},
}

func side(e *model.FileEntry) string {
	if e == nil || e.Deleted {
		return "deleted"
	}
	return humanize.Bytes(uint64(e.Size))
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Resolve an open conflict with a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := model.ParsePolicy(resolvePolicy); err != nil {
			return err
		}

		var summary model.SyncSummary
		body := map[string]string{"path": args[0], "policy": resolvePolicy}
		if err := call(cmd.Context(), http.MethodPost, "/conflicts/resolve", body, &summary); err != nil {
			return err
		}

		printSummary(summary)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePolicy, "policy", string(model.PolicyKeepBoth),
		"last_write_wins, first_write_wins, keep_both or manual")

	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}
