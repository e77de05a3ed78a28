package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coderunner/daemon"
	"coderunner/internal/buildinfo"
	"coderunner/internal/logging"
	"coderunner/internal/settings"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string
	var listenHost string
	var listenPort int
	var debug bool

	cmd := &cobra.Command{
		Use:     "coderunnerd",
		Short:   "Code execution daemon",
		Version: buildinfo.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketPath = socketPath
			}
			if cmd.Flags().Changed("listen-host") {
				cfg.ListenHost = listenHost
			}
			if cmd.Flags().Changed("listen-port") {
				cfg.ListenPort = listenPort
			}
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", settings.DefaultSocketPath(), "Unix socket path")
	cmd.Flags().StringVar(&listenHost, "listen-host", "127.0.0.1", "TCP listen host")
	cmd.Flags().IntVar(&listenPort, "listen-port", 8080, "TCP listen port")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
