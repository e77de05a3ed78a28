package main

import (
	"fmt"
	"os"

	"coderunner/cmd/coderunner/ui"
	"coderunner/internal/buildinfo"
	"coderunner/internal/logging"

	"github.com/spf13/cobra"
)

// conn carries the connection flags shared by every subcommand.
type conn struct {
	socket      string
	addr        string
	contextName string
}

func main() {
	var (
		debug         bool
		noInteraction bool
		cn            conn
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "coderunner",
		Short:         "Client for the code execution daemon",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(noInteraction)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Disable styled output")
	root.PersistentFlags().StringVar(&cn.socket, "socket", "", "Connect via unix socket path")
	root.PersistentFlags().StringVar(&cn.addr, "addr", "", "Connect via TCP host:port")
	root.PersistentFlags().StringVar(&cn.contextName, "context", "", "Context name to use")

	root.AddCommand(statusCmd(&cn))
	root.AddCommand(runtimesCmd(&cn))
	root.AddCommand(runCmd(&cn))
	root.AddCommand(watchCmd(&cn))
	root.AddCommand(contextCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
