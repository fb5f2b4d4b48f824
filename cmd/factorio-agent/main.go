package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/justapithecus/factorio-agent/internal/agent"
	"github.com/justapithecus/factorio-agent/internal/agentcfg"
	"github.com/justapithecus/factorio-agent/internal/logging"
)

// Exit codes per spec.md 6: 0 clean shutdown on signal, 64 bind
// failure, 65 filesystem root inaccessible, 70 unexpected internal
// failure.
const (
	exitOK            = 0
	exitBindFailure   = 64
	exitRootInaccess  = 65
	exitInternalError = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:   "factorio-agent",
		Short: "Run the Factorio Agent: manage one headless server and expose it over a gateway stream.",
		Long: `factorio-agent installs, configures and supervises one headless
Factorio server, exposing version, save, mod, config and RCON
operations to connected peers over a single websocket gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the Agent's YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "factorio-agent:", err)
		switch {
		case errors.Is(err, agent.ErrRootInaccessible):
			return exitRootInaccess
		case errors.Is(err, agent.ErrBindFailed):
			return exitBindFailure
		default:
			return exitInternalError
		}
	}
	return exitOK
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := agentcfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Color:      cfg.Log.Color,
	})

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	logger.Info("factorio-agent starting", "bind_addr", cfg.BindAddr, "root", cfg.Root)
	err = a.Run(ctx)
	logger.Info("factorio-agent stopped")
	return err
}
