package cmd

import (
	"context"
	"os"
	"os/signal"
	"peersync/internal/config"
	"peersync/internal/daemon"
	"peersync/internal/engine"
	"peersync/internal/logger"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start the daemon and resume the configured workspace",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	eng := engine.New(cfg)
	resumeWorkspace(eng, cfg.Workspace)

	srv := daemon.NewServer(eng, cfg.DaemonPort, func(workspace string) {
		if err := config.SaveWorkspace("", workspace); err != nil {
			logger.Log.Warn("failed to remember workspace",
				zap.String("workspace", workspace),
				zap.Error(err))
		}
	})
	srv.Start()

	logger.Log.Info("peersync daemon started",
		zap.String("workspace", cfg.Workspace),
		zap.Int("port", cfg.DaemonPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Log.Info("shutting down",
			zap.String("signal", sig.String()))
	case <-srv.StopCh():
		logger.Log.Info("stop requested via API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func resumeWorkspace(eng *engine.Engine, workspace string) {
	if workspace == "" {
		logger.Log.Info("no workspace configured, use 'peersync init <dir>' or 'peersync join <dir> <ticket>'")
		return
	}

	if !engine.HasSession(workspace) {
		logger.Log.Warn("configured workspace has no document",
			zap.String("workspace", workspace))
		return
	}

	if err := eng.Resume(context.Background(), workspace); err != nil {
		logger.Log.Error("failed to resume workspace",
			zap.String("workspace", workspace),
			zap.Error(err))
		return
	}

	if err := eng.StartAutoSync(); err != nil {
		logger.Log.Warn("failed to start auto sync", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
