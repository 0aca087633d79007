package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"peersync/internal/config"
	"peersync/internal/logger"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	debug  bool
	client *req.Client
)

var rootCmd = &cobra.Command{
	Use:           "peersync",
	Short:         "Peer-to-peer workspace sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.Load("")
		if err != nil {
			return err
		}

		logger.Init(debug, cfg.LogFile)

		client = req.C().
			SetCommonRetryCount(2).
			SetCommonRetryFixedInterval(300 * time.Millisecond).
			SetUserAgent("peersync-cli").
			SetJsonMarshal(json.Marshal).
			SetJsonUnmarshal(json.Unmarshal)

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func daemonURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", cfg.DaemonPort, path)
}

type apiError struct {
	Error string `json:"error"`
}

// call sends body to the daemon and decodes a successful reply into out.
// Either may be nil.
func call(ctx context.Context, method, path string, body, out any) error {
	var apiErr apiError

	r := client.R().SetContext(ctx).SetErrorResult(&apiErr)
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetSuccessResult(out)
	}

	resp, err := r.Send(method, daemonURL(path))
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}

	if resp.IsErrorState() {
		if apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug mode")
}
