// Command omeshd runs one Omesh node: it loads node.yaml, starts the
// reactor's listening sockets, dials any configured seed peers, and then
// drives the cooperative event loop until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"omesh/internal/buildinfo"
	"omesh/internal/config"
	"omesh/internal/logging"
	"omesh/internal/node"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("omeshd exited", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		debug      bool
		listenPort int
		indexDir   string
	)

	cmd := &cobra.Command{
		Use:     "omeshd",
		Short:   "Omesh peer-to-peer search node daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-port") {
				cfg.ListenPort = listenPort
			}
			if cmd.Flags().Changed("index-dir") {
				cfg.IndexDir = indexDir
			}

			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			if err := n.Start(); err != nil {
				return err
			}
			defer func() {
				if err := n.Close(); err != nil {
					slog.Warn("close node", "err", err)
				}
			}()

			slog.Info("omeshd started", "node_id", n.State.ID(), "listen_port", cfg.ListenPort)
			return n.Run(ctx)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().IntVar(&listenPort, "listen-port", 0, "Override the configured TCP/UDP listen port")
	cmd.Flags().StringVar(&indexDir, "index-dir", "", "Override the configured index directory")
	return cmd
}
