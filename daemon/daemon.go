// Package daemon assembles the execution backend and runs it until the
// context is cancelled: the Docker runtime, subnet allocator, network
// manager, container pool, orchestrator, activity broker and the API
// server, with ordered teardown at the end.
package daemon

import (
	"context"
	"errors"
	"time"

	"coderunner"
	"coderunner/internal/buildinfo"
	"coderunner/internal/docker"
	"coderunner/internal/logging"
	"coderunner/internal/netman"
	"coderunner/internal/pool"
	"coderunner/internal/runner"
	"coderunner/internal/server"
	"coderunner/internal/settings"
	"coderunner/internal/telemetry"
	"coderunner/internal/watch"
	"coderunner/pkg/ipam"

	"golang.org/x/sync/errgroup"
)

const (
	// readyTimeout is 30s: how long startup waits for the Docker daemon.
	readyTimeout = 30 * time.Second
	// shutdownBudget is 30s for tearing down containers and networks.
	shutdownBudget = 30 * time.Second
	// pidsLimit is 256 processes per session container, enough for any
	// interpreter or build tool while stopping fork bombs.
	pidsLimit = 256
)

// Run starts the daemon and blocks until ctx is cancelled or a
// component fails. Session containers and networks are torn down on
// the way out.
func Run(ctx context.Context, cfg settings.Settings) error {
	start := time.Now()
	log := logging.Component("daemon")

	if cfg.Tracing {
		shutdown, err := telemetry.Setup(ctx, "coderunnerd", buildinfo.Version)
		if err != nil {
			log.Warn("tracing disabled", "err", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					log.Debug("trace flush failed", "err", err)
				}
			}()
		}
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	err = rt.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		return err
	}

	pools := make([]ipam.Pool, 0, len(cfg.SubnetPools))
	for _, p := range cfg.SubnetPools {
		pools = append(pools, ipam.Pool{Name: p.Name, Network: p.CIDR})
	}
	alloc, err := ipam.New(pools)
	if err != nil {
		return err
	}

	broker := watch.NewBroker()
	onActivity := broker.Publish

	networks := netman.New(rt, alloc, cfg.NetworkPrefix, onActivity)
	if err := networks.Reconcile(ctx); err != nil {
		return err
	}

	containers := pool.New(pool.Config{
		MaxPerSession:   cfg.MaxPerSession,
		SessionTTL:      cfg.SessionTTL,
		CleanupInterval: cfg.CleanupInterval,
		NetworkPrefix:   cfg.NetworkPrefix,
		CPUs:            cfg.DockerCPUs,
		PidsLimit:       pidsLimit,
		Runtimes:        cfg.Runtimes,
	}, rt, networks, onActivity)

	orch := runner.New(runner.Config{
		MaxQueueSize:       cfg.MaxQueueSize,
		MaxConcurrent:      cfg.MaxConcurrentSessions,
		QueueTimeout:       cfg.QueueTimeout,
		ExecutionTimeout:   cfg.ExecutionTimeout,
		InteractiveTimeout: cfg.InteractiveTimeout,
		CommandTimeout:     cfg.DockerCommandTimeout,
		FilesMaxBytes:      cfg.FilesMaxBytes,
		FilesMaxCount:      cfg.FilesMaxCount,
		Runtimes:           cfg.Runtimes,
	}, runner.WrapEngine(rt), containers, onActivity)

	srv := server.New(server.Config{
		SocketPath:    cfg.SocketPath,
		ListenHost:    cfg.ListenHost,
		ListenPort:    cfg.ListenPort,
		FilesMaxBytes: cfg.FilesMaxBytes,
	}, server.Deps{
		Executor: orch,
		Streams:  containers,
		Broker:   broker,
		Status: func() coderunner.Status {
			return coderunner.Status{
				Version:  buildinfo.Version,
				UptimeMs: time.Since(start).Milliseconds(),
				Queue:    orch.Stats(),
				Pool:     containers.Stats(),
				Networks: networks.Stats(),
			}
		},
		Healthy:  rt.Ping,
		Runtimes: cfg.Runtimes,
	})

	log.Info("daemon starting", "version", buildinfo.Version, "runtimes", len(cfg.Runtimes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return containers.Run(gctx) })
	g.Go(func() error { return networks.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	err = g.Wait()

	log.Info("daemon stopping")
	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	containers.DestroyAll(cleanupCtx)
	networks.DestroyAll(cleanupCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
