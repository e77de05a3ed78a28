package main

import (
	"fmt"

	"coderunner/cmd/coderunner/ui"
	"coderunner/config"

	"github.com/spf13/cobra"
)

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage daemon contexts",
	}
	cmd.AddCommand(contextListCmd())
	cmd.AddCommand(contextAddCmd())
	cmd.AddCommand(contextUseCmd())
	cmd.AddCommand(contextRemoveCmd())
	return cmd
}

func contextListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(cfg.Contexts))
			for name, c := range cfg.Contexts {
				current := ""
				if name == cfg.CurrentContext {
					current = ui.Success("*")
				}
				rows = append(rows, []string{current, name, c.Target()})
			}
			fmt.Println(ui.Table([]string{"", "NAME", "TARGET"}, rows))
			return nil
		},
	}
}

func contextAddCmd() *cobra.Command {
	var socket string
	var addr string

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" && addr == "" {
				return fmt.Errorf("one of --socket or --addr is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Set(args[0], config.Context{Socket: socket, Addr: addr})
			if cfg.CurrentContext == "" {
				cfg.CurrentContext = args[0]
			}
			return cfg.Save()
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "Unix socket path")
	cmd.Flags().StringVar(&addr, "addr", "", "TCP host:port")
	return cmd
}

func contextUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Select the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			return cfg.Save()
		},
	}
}

func contextRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Remove(args[0]); err != nil {
				return err
			}
			return cfg.Save()
		},
	}
}
