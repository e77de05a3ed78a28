// Package netman owns the per-session bridge networks: one network per
// session, backed by exactly one /24 lease from the subnet allocator.
package netman

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"coderunner"
	"coderunner/internal/check"
	"coderunner/internal/docker"
	"coderunner/internal/metrics"
	"coderunner/pkg/ipam"
)

const (
	// sweepInterval is 15s: failed network deletions are re-attempted on
	// this cadence without holding up the caller that requested them.
	sweepInterval = 15 * time.Second
	// destroyRetryBudget is 20: after ~5 minutes of failed removals the
	// network is logged as leaked and left for the external janitor.
	destroyRetryBudget = 20
)

// Engine is the container-engine surface the manager needs.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string, subnet netip.Prefix, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error
	ListSessionNetworks(ctx context.Context) ([]docker.NetworkSummary, error)
}

// Ref identifies one live session network.
type Ref struct {
	SessionID string
	Name      string
	Subnet    netip.Prefix
	Pool      string
	CreatedAt time.Time
}

type entry struct {
	ref     Ref
	lease   ipam.Lease
	retries int
	adopted bool // reconciled from the engine; index marked, lease not held
}

// Manager creates and destroys session networks. Destruction failures
// are absorbed: they are queued and retried by the sweeper, never
// surfaced to callers.
type Manager struct {
	engine Engine
	alloc  *ipam.Allocator
	prefix string

	onActivity func(coderunner.Activity)

	mu       sync.Mutex
	live     map[string]*entry        // sessionID -> network
	pending  map[string]*entry        // sessionID -> awaiting destruction
	creating map[string]chan struct{} // sessionID -> in-flight creation
}

// New wires a manager. onActivity may be nil.
func New(engine Engine, alloc *ipam.Allocator, prefix string, onActivity func(coderunner.Activity)) *Manager {
	check.Assert(engine != nil, "netman.New: engine must not be nil")
	check.Assert(alloc != nil, "netman.New: allocator must not be nil")
	if onActivity == nil {
		onActivity = func(coderunner.Activity) {}
	}
	return &Manager{
		engine:     engine,
		alloc:      alloc,
		prefix:     prefix,
		onActivity: onActivity,
		live:       make(map[string]*entry),
		pending:    make(map[string]*entry),
		creating:   make(map[string]chan struct{}),
	}
}

// NetworkName derives the deterministic network name for a session.
func (m *Manager) NetworkName(sessionID string) string {
	return m.prefix + "-" + sessionID
}

// Reconcile enumerates labelled networks left over from a previous run
// and marks their subnets used so new leases cannot overlap them.
// Networks with a session label are adopted so Destroy can find them.
func (m *Manager) Reconcile(ctx context.Context) error {
	networks, err := m.engine.ListSessionNetworks(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nw := range networks {
		var subnet netip.Prefix
		marked := 0
		for _, p := range nw.Subnets {
			marked += m.alloc.MarkUsed(p)
			subnet = p
		}
		if nw.SessionID == "" {
			continue
		}
		if _, ok := m.live[nw.SessionID]; ok {
			continue
		}
		m.live[nw.SessionID] = &entry{
			ref: Ref{
				SessionID: nw.SessionID,
				Name:      nw.Name,
				Subnet:    subnet,
				CreatedAt: time.Now(),
			},
			adopted: true,
		}
		slog.Info("adopted session network", "network", nw.Name, "session", nw.SessionID, "marked", marked)
	}
	metrics.NetworksActive.Set(float64(len(m.live)))
	metrics.SubnetsLeased.Set(float64(m.alloc.Capacity() - m.alloc.Free()))
	return nil
}

// Ensure returns the session's network, creating it on first use.
// Creation is serialized per session so exactly one caller allocates a
// lease and talks to the engine; the rest wait and return its result.
func (m *Manager) Ensure(ctx context.Context, sessionID string) (Ref, error) {
	for {
		m.mu.Lock()
		if e, ok := m.live[sessionID]; ok {
			m.mu.Unlock()
			return e.ref, nil
		}
		if ch, ok := m.creating[sessionID]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return Ref{}, ctx.Err()
			}
			continue
		}
		ch := make(chan struct{})
		m.creating[sessionID] = ch
		m.mu.Unlock()

		ref, err := m.create(ctx, sessionID)

		m.mu.Lock()
		delete(m.creating, sessionID)
		m.mu.Unlock()
		close(ch)
		return ref, err
	}
}

// create allocates a lease and builds the engine network. The caller
// holds the session's creation slot. If creation fails after the lease
// was taken, the lease is released before the error propagates.
func (m *Manager) create(ctx context.Context, sessionID string) (Ref, error) {
	lease, err := m.alloc.Allocate()
	if err != nil {
		return Ref{}, coderunner.E(coderunner.CodeCapacity, "no session subnets left: %v", err)
	}

	name := m.NetworkName(sessionID)
	labels := map[string]string{
		docker.SessionLabel:   docker.SessionLabelValue,
		docker.SessionIDLabel: sessionID,
	}
	if err := m.engine.EnsureNetwork(ctx, name, lease.Prefix, labels); err != nil {
		m.alloc.Release(lease)
		return Ref{}, coderunner.E(coderunner.CodeRuntimeUnavailable, "create network %s: %v", name, err)
	}

	ref := Ref{
		SessionID: sessionID,
		Name:      name,
		Subnet:    lease.Prefix,
		Pool:      lease.Pool,
		CreatedAt: lease.AllocatedAt,
	}

	m.mu.Lock()
	m.live[sessionID] = &entry{ref: ref, lease: lease}
	metrics.NetworksActive.Set(float64(len(m.live)))
	metrics.SubnetsLeased.Set(float64(m.alloc.Capacity() - m.alloc.Free()))
	m.mu.Unlock()

	slog.Info("session network created", "network", name, "subnet", lease.Prefix.String(), "pool", lease.Pool)
	m.onActivity(coderunner.Activity{
		At:        time.Now(),
		Kind:      coderunner.ActivityNetworkCreated,
		SessionID: sessionID,
		Message:   name + " " + lease.Prefix.String(),
	})
	return ref, nil
}

// Destroy removes the session's network and releases its lease. Never
// returns an error: failures are queued for the sweeper.
func (m *Manager) Destroy(ctx context.Context, sessionID string) {
	m.mu.Lock()
	e, ok := m.live[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, sessionID)
	metrics.NetworksActive.Set(float64(len(m.live)))
	m.mu.Unlock()

	m.destroy(ctx, sessionID, e)
}

func (m *Manager) destroy(ctx context.Context, sessionID string, e *entry) {
	if err := m.engine.RemoveNetwork(ctx, e.ref.Name); err != nil {
		e.retries++
		metrics.CleanupErrors.Inc()
		if e.retries >= destroyRetryBudget {
			slog.Error("session network leaked, giving up", "network", e.ref.Name, "retries", e.retries, "err", err)
			m.releaseLease(e)
			return
		}
		slog.Warn("destroy session network failed, will retry", "network", e.ref.Name, "retries", e.retries, "err", err)
		m.mu.Lock()
		m.pending[sessionID] = e
		m.mu.Unlock()
		return
	}

	m.releaseLease(e)
	slog.Info("session network destroyed", "network", e.ref.Name)
	m.onActivity(coderunner.Activity{
		At:        time.Now(),
		Kind:      coderunner.ActivityNetworkDestroyed,
		SessionID: sessionID,
		Message:   e.ref.Name,
	})
}

func (m *Manager) releaseLease(e *entry) {
	if e.adopted {
		// Adopted networks only marked indices; free them by subnet.
		if e.ref.Subnet.IsValid() {
			m.alloc.ReleaseByPrefix(e.ref.Subnet)
		}
	} else if !m.alloc.Release(e.lease) {
		slog.Warn("released a lease that was not held", "pool", e.lease.Pool, "index", e.lease.Index)
	}
	m.mu.Lock()
	metrics.SubnetsLeased.Set(float64(m.alloc.Capacity() - m.alloc.Free()))
	m.mu.Unlock()
}

// Sweep retries pending destructions once.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	retry := make(map[string]*entry, len(m.pending))
	for id, e := range m.pending {
		retry[id] = e
	}
	m.pending = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range retry {
		m.destroy(ctx, id, e)
	}
}

// Run drives the sweeper until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// DestroyAll tears down every live network, for daemon shutdown.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(ctx, id)
	}
	m.Sweep(ctx)
}

// Stats snapshots the live networks for the observability surface.
func (m *Manager) Stats() coderunner.NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]coderunner.NetworkInfo, 0, len(m.live))
	for _, e := range m.live {
		infos = append(infos, coderunner.NetworkInfo{
			SessionID: e.ref.SessionID,
			Name:      e.ref.Name,
			Subnet:    e.ref.Subnet.String(),
			Pool:      e.ref.Pool,
			CreatedAt: e.ref.CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return coderunner.NetworkStats{
		Count:          len(infos),
		SubnetCapacity: m.alloc.Capacity(),
		SubnetsLeased:  m.alloc.Capacity() - m.alloc.Free(),
		PendingDestroy: len(m.pending),
		Networks:       infos,
	}
}
