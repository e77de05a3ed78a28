package main

import (
	"fmt"
	"time"

	"coderunner/cmd/coderunner/ui"

	"github.com/spf13/cobra"
)

func statusCmd(cn *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cn)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}

			uptime := time.Duration(st.UptimeMs) * time.Millisecond
			fmt.Print(ui.KeyValues("",
				ui.KV("version", st.Version),
				ui.KV("uptime", uptime.Round(time.Second).String()),
				ui.KV("queue", fmt.Sprintf("%d/%d", st.Queue.Depth, st.Queue.MaxDepth)),
				ui.KV("active", fmt.Sprintf("%d/%d", st.Queue.Active, st.Queue.MaxActive)),
				ui.KV("completed", fmt.Sprintf("%d", st.Queue.Completed)),
				ui.KV("rejected", fmt.Sprintf("%d", st.Queue.Rejected)),
				ui.KV("containers", fmt.Sprintf("%d (%d sessions)", st.Pool.TotalActive, st.Pool.Sessions)),
				ui.KV("reuse", fmt.Sprintf("%d/%d", st.Pool.ContainersReused, st.Pool.ContainersCreated+st.Pool.ContainersReused)),
				ui.KV("networks", fmt.Sprintf("%d", st.Networks.Count)),
				ui.KV("subnets", fmt.Sprintf("%d/%d leased", st.Networks.SubnetsLeased, st.Networks.SubnetCapacity)),
			))

			if len(st.Networks.Networks) > 0 {
				rows := make([][]string, 0, len(st.Networks.Networks))
				for _, nw := range st.Networks.Networks {
					rows = append(rows, []string{nw.SessionID, nw.Name, nw.Subnet, nw.Pool})
				}
				fmt.Println(ui.Table([]string{"SESSION", "NETWORK", "SUBNET", "POOL"}, rows))
			}
			return nil
		},
	}
}
