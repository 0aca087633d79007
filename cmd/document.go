package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"
	"peersync/internal/model"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var autoSync bool

var initCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Share a directory as a new document and print its ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		var out struct {
			Ticket string `json:"ticket"`
		}
		body := map[string]any{"workspace": dir, "auto_sync": autoSync}
		if err := call(cmd.Context(), http.MethodPost, "/documents", body, &out); err != nil {
			return err
		}

		fmt.Println(out.Ticket)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <dir> <ticket>",
	Short: "Join a shared document into a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		body := map[string]any{"workspace": dir, "ticket": args[1], "auto_sync": autoSync}
		if err := call(cmd.Context(), http.MethodPost, "/documents/join", body, nil); err != nil {
			return err
		}

		fmt.Printf("joined into %s\n", dir)
		return nil
	},
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Print the ticket of the open document",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Ticket string `json:"ticket"`
		}
		if err := call(cmd.Context(), http.MethodGet, "/ticket", nil, &out); err != nil {
			return err
		}

		fmt.Println(out.Ticket)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers of the open document",
	RunE: func(cmd *cobra.Command, args []string) error {
		var peers []model.PeerInfo
		if err := call(cmd.Context(), http.MethodGet, "/peers", nil, &peers); err != nil {
			return err
		}

		if len(peers) == 0 {
			fmt.Println("no peers yet")
			return nil
		}

		fmt.Printf("%-28s %-22s %-16s %-8s %s\n", "NODE", "ADDR", "DEVICE", "ONLINE", "LAST SEEN")
		for _, p := range peers {
			seen := "-"
			if !p.LastSeen.IsZero() {
				seen = humanize.RelTime(p.LastSeen, time.Now(), "ago", "from now")
			}
			fmt.Printf("%-28s %-22s %-16s %-8t %s\n", p.NodeID, p.Addr, p.Device, p.Online, seen)
		}

		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&autoSync, "auto", true, "start auto sync once the document is open")
	joinCmd.Flags().BoolVar(&autoSync, "auto", true, "start auto sync once the document is open")

	rootCmd.AddCommand(initCmd, joinCmd, ticketCmd, peersCmd)
}
