// Command gateway records lab instrument usage sessions and delivers them to
// the backend, queueing events locally while the network is unavailable.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/instrument-gateway/internal/config"
	"github.com/example/instrument-gateway/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Offline-tolerant instrument usage recorder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("addr", defaultControlAddr(), "control API address of a running gateway")

	root.AddCommand(newRunCommand())
	root.AddCommand(newClientCommands()...)
	return root
}

func newRunCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway and its local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(envFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runGateway(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment")
	return cmd
}

func runGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, appDeps{})
	if err != nil {
		logger.Error("failed to start gateway", "error", err)
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = a.shutdown(shutdownCtx)
		return err
	}
	return a.serve(ctx, listener)
}

func defaultControlAddr() string {
	if addr := os.Getenv("GATEWAY_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7411"
}
