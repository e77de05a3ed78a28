package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// WaitReady polls the daemon until it answers a ping or ctx expires.
// Connection failures are retried; any other error is terminal.
func (r *Runtime) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if _, err := r.cli.Ping(ctx); err == nil {
			return nil
		} else if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
