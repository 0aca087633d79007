package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream sync events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := fmt.Sprintf("ws://127.0.0.1:%d/events", cfg.DaemonPort)
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return nil
				}
				if websocket.CloseStatus(err) == websocket.StatusGoingAway {
					fmt.Println("daemon stopped")
					return nil
				}
				return err
			}

			var ev struct {
				Name    string          `json:"event"`
				At      string          `json:"at"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				fmt.Println(string(data))
				continue
			}

			fmt.Printf("%s %-16s %s\n", ev.At, ev.Name, ev.Payload)
		}
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
