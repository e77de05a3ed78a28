package main

import (
	"fmt"

	"coderunner"
	"coderunner/cmd/coderunner/ui"

	"github.com/spf13/cobra"
)

func watchCmd(cn *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream the daemon activity feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cn)
			if err != nil {
				return err
			}
			defer c.Close()

			events, err := c.Events(cmd.Context())
			if err != nil {
				return err
			}
			for ev := range events {
				fmt.Println(formatActivity(ev))
			}
			return nil
		},
	}
}

func formatActivity(ev coderunner.Activity) string {
	kind := string(ev.Kind)
	switch ev.Kind {
	case coderunner.ActivityExited, coderunner.ActivityNetworkDestroyed, coderunner.ActivityContainerReaped:
		kind = ui.Muted(kind)
	case coderunner.ActivityRejected:
		kind = ui.Warn(kind)
	default:
		kind = ui.Accent(kind)
	}

	line := ev.At.Format("15:04:05") + " " + kind
	if ev.SessionID != "" {
		line += " " + ev.SessionID
	}
	if ev.RequestID != "" {
		line += "/" + ev.RequestID
	}
	if ev.Language != "" {
		line += " " + ui.Muted(ev.Language)
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	return line
}
