package main

import (
	"fmt"

	"coderunner/cmd/coderunner/ui"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func runtimesCmd(cn *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "runtimes",
		Short: "List supported languages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cn)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.Runtimes(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(infos))
			for _, rt := range infos {
				compiled := ui.Muted("no")
				if rt.Compiled {
					compiled = "yes"
				}
				rows = append(rows, []string{
					rt.Language,
					rt.Image,
					compiled,
					units.BytesSize(float64(rt.MemoryBytes)),
				})
			}
			fmt.Println(ui.Table([]string{"LANGUAGE", "IMAGE", "COMPILED", "MEMORY"}, rows))
			return nil
		},
	}
}
