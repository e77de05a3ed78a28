// Package pool caches warm session containers per (session, language)
// with a TTL, so consecutive runs in the same session skip container
// startup. A background reaper removes expired containers and, once a
// session is empty and has no open stream, its network. Closing a
// session's last stream condemns it: idle containers go immediately,
// running ones as their executions release them.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coderunner"
	"coderunner/internal/check"
	"coderunner/internal/docker"
	"coderunner/internal/metrics"
	"coderunner/internal/netman"
	"coderunner/internal/settings"

	"github.com/google/uuid"
)

const (
	// acquireWait is 2s: how long Acquire blocks for an in-use container
	// to free once the per-session cap is reached.
	acquireWait = 2 * time.Second
	// removeRetryBudget is 5: per-container removal attempts before the
	// container is logged as leaked for the external janitor.
	removeRetryBudget = 5
	// idleCmd keeps the container's main process alive so code runs via
	// exec. busybox sleep has no "infinity"; ~68 years is close enough.
	idleSleepSeconds = "2147483647"
)

// Engine is the container-engine surface the pool needs.
type Engine interface {
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	RemoveContainer(ctx context.Context, id string) error
	ContainerRunning(ctx context.Context, id string) (bool, error)
}

// Networks is the session-network surface the pool needs.
type Networks interface {
	Ensure(ctx context.Context, sessionID string) (netman.Ref, error)
	Destroy(ctx context.Context, sessionID string)
}

// Entry is one cached container. Fields after the identifiers are
// guarded by the pool mutex.
type Entry struct {
	SessionID   string
	Language    string
	ContainerID string
	CreatedAt   time.Time

	lastUsedAt time.Time
	expiresAt  time.Time
	inUse      bool
	dead       bool
	retries    int
}

// Config carries the pool's tunables out of settings.
type Config struct {
	MaxPerSession   int
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	NetworkPrefix   string
	CPUs            float64
	PidsLimit       int64
	Runtimes        map[string]settings.Runtime
}

// Pool is the per-session, per-language container cache.
type Pool struct {
	cfg      Config
	engine   Engine
	networks Networks

	onActivity func(coderunner.Activity)
	now        func() time.Time

	mu        sync.Mutex
	lists     map[string][]*Entry // sessionID+"/"+language
	byID      map[string]*Entry
	streams   map[string]int  // sessionID -> open stream count
	pending   map[string]int  // sessionID -> creates holding a cap slot
	condemned map[string]bool // sessions torn down on release
	freed     chan struct{}   // closed and replaced when a container frees

	created       atomic.Int64
	reused        atomic.Int64
	deleted       atomic.Int64
	cleanupErrors atomic.Int64
	lastSweepMs   atomic.Int64
}

// New wires a pool. onActivity may be nil.
func New(cfg Config, engine Engine, networks Networks, onActivity func(coderunner.Activity)) *Pool {
	check.Assert(engine != nil, "pool.New: engine must not be nil")
	check.Assert(networks != nil, "pool.New: networks must not be nil")
	check.Assert(cfg.MaxPerSession > 0, "pool.New: MaxPerSession must be positive")
	if onActivity == nil {
		onActivity = func(coderunner.Activity) {}
	}
	return &Pool{
		cfg:        cfg,
		engine:     engine,
		networks:   networks,
		onActivity: onActivity,
		now:        time.Now,
		lists:      make(map[string][]*Entry),
		byID:       make(map[string]*Entry),
		streams:    make(map[string]int),
		pending:    make(map[string]int),
		condemned:  make(map[string]bool),
		freed:      make(chan struct{}),
	}
}

func key(sessionID, language string) string { return sessionID + "/" + language }

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Acquire returns a warm container for (session, language), creating
// one when none is free and the per-session cap allows. At the cap it
// waits briefly for a release, then fails with CONTAINER_CAPACITY.
func (p *Pool) Acquire(ctx context.Context, sessionID, language string) (*Entry, error) {
	rt, ok := p.cfg.Runtimes[language]
	if !ok {
		return nil, coderunner.E(coderunner.CodeLanguageUnsupported, "no runtime for language %q", language)
	}

	deadline := p.now().Add(acquireWait)
	for {
		entry, reserved, freed := p.tryReuse(sessionID, language)
		if entry != nil {
			if live, err := p.engine.ContainerRunning(ctx, entry.ContainerID); err == nil && !live {
				// The warm container died underneath the cache (OOM kill,
				// external docker rm). Replace it.
				slog.Warn("cached container gone, discarding", "session", sessionID, "container", short(entry.ContainerID))
				p.discard(entry)
				continue
			}
			p.reused.Add(1)
			metrics.ContainersReused.Inc()
			slog.Debug("container reused", "session", sessionID, "language", language, "container", short(entry.ContainerID))
			p.onActivity(coderunner.Activity{
				At: p.now(), Kind: coderunner.ActivityContainerReused,
				SessionID: sessionID, Language: language,
			})
			return entry, nil
		}

		if reserved {
			return p.create(ctx, sessionID, language, rt)
		}

		// Cap reached with everything in use: wait for a release.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, coderunner.E(coderunner.CodeContainerCapacity,
				"session %s is at its limit of %d containers", sessionID, p.cfg.MaxPerSession)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-freed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryReuse picks a free, unexpired entry under the lock. With none
// free it reserves a creation slot when the session is under its cap,
// counting in-flight creates so concurrent Acquires cannot overshoot.
// Otherwise it returns the channel that signals the next release.
func (p *Pool) tryReuse(sessionID, language string) (*Entry, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// New demand revives a session condemned by a disconnect.
	delete(p.condemned, sessionID)

	now := p.now()
	for _, e := range p.lists[key(sessionID, language)] {
		if !e.inUse && !e.dead && e.expiresAt.After(now) {
			e.inUse = true
			e.lastUsedAt = now
			return e, false, nil
		}
	}

	count := p.pending[sessionID]
	for _, e := range p.byID {
		if e.SessionID == sessionID {
			count++
		}
	}
	if count < p.cfg.MaxPerSession {
		p.pending[sessionID]++
		return nil, true, nil
	}
	return nil, false, p.freed
}

// discard drops a cached entry whose container is no longer usable.
func (p *Pool) discard(e *Entry) {
	p.mu.Lock()
	e.inUse = false
	e.dead = true
	p.removeLocked(e)
	p.mu.Unlock()

	if !p.removeContainer(context.Background(), e) {
		p.relink(e)
	}
}

// create builds a container for a reserved cap slot. The reservation
// is converted into the new entry on success and returned on failure.
func (p *Pool) create(ctx context.Context, sessionID, language string, rt settings.Runtime) (*Entry, error) {
	ref, err := p.networks.Ensure(ctx, sessionID)
	if err != nil {
		p.unreserve(sessionID)
		return nil, err
	}

	name := fmt.Sprintf("%s-%s-%s-%s", p.cfg.NetworkPrefix, sessionID, language, uuid.NewString()[:8])
	id, err := p.engine.CreateContainer(ctx, docker.ContainerSpec{
		Name:        name,
		Image:       rt.Image,
		Cmd:         []string{"sh", "-c", "sleep " + idleSleepSeconds},
		WorkDir:     "/workspace",
		NetworkName: ref.Name,
		Labels: map[string]string{
			docker.SessionLabel:   docker.SessionLabelValue,
			docker.SessionIDLabel: sessionID,
			docker.LanguageLabel:  language,
		},
		MemoryBytes: rt.MemoryBytes,
		CPUs:        p.cfg.CPUs,
		PidsLimit:   p.cfg.PidsLimit,
	})
	if err != nil {
		p.unreserve(sessionID)
		return nil, coderunner.E(coderunner.CodeRuntimeUnavailable, "create %s container: %v", language, err)
	}

	now := p.now()
	e := &Entry{
		SessionID:   sessionID,
		Language:    language,
		ContainerID: id,
		CreatedAt:   now,
		lastUsedAt:  now,
		expiresAt:   now.Add(p.cfg.SessionTTL),
		inUse:       true,
	}

	p.mu.Lock()
	p.unreserveLocked(sessionID)
	p.lists[key(sessionID, language)] = append(p.lists[key(sessionID, language)], e)
	p.byID[id] = e
	active := len(p.byID)
	p.mu.Unlock()

	p.created.Add(1)
	metrics.ContainersCreated.Inc()
	metrics.ContainersActive.Set(float64(active))
	slog.Info("container created", "session", sessionID, "language", language, "container", short(id), "image", rt.Image)
	p.onActivity(coderunner.Activity{
		At: now, Kind: coderunner.ActivityContainerCreated,
		SessionID: sessionID, Language: language,
	})
	return e, nil
}

// Release returns a container to the cache. success=false marks the
// entry dead (unexpected exit or runtime-fatal failure); dead entries
// are removed immediately and never reused. Releasing into a condemned
// session removes the container regardless of success, and the last
// container out takes the session's network with it.
func (p *Pool) Release(e *Entry, success bool) {
	check.Assert(e != nil, "pool.Release: entry must not be nil")

	p.mu.Lock()
	e.inUse = false
	if success && !p.condemned[e.SessionID] {
		e.expiresAt = p.now().Add(p.cfg.SessionTTL)
	} else {
		e.dead = true
		p.removeLocked(e)
	}
	dead := e.dead
	// Wake every Acquire waiter; they re-check under the lock.
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()

	if !dead {
		return
	}
	if !p.removeContainer(context.Background(), e) {
		p.relink(e)
	}
	if p.sessionGone(e.SessionID) {
		p.networks.Destroy(context.Background(), e.SessionID)
	}
}

// relink re-indexes an entry whose engine-side removal failed so a
// later sweep retries it.
func (p *Pool) relink(e *Entry) {
	p.mu.Lock()
	p.lists[key(e.SessionID, e.Language)] = append(p.lists[key(e.SessionID, e.Language)], e)
	p.byID[e.ContainerID] = e
	p.mu.Unlock()
}

// unreserve returns an unused creation slot and wakes Acquire waiters.
func (p *Pool) unreserve(sessionID string) {
	p.mu.Lock()
	p.unreserveLocked(sessionID)
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) unreserveLocked(sessionID string) {
	if p.pending[sessionID] > 1 {
		p.pending[sessionID]--
	} else {
		delete(p.pending, sessionID)
	}
}

// sessionGone reports whether the session has no containers, no create
// in flight and no open stream. A true result clears its condemned
// mark; the caller owns destroying the network.
func (p *Pool) sessionGone(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streams[sessionID] > 0 || p.pending[sessionID] > 0 {
		return false
	}
	for _, e := range p.byID {
		if e.SessionID == sessionID {
			return false
		}
	}
	delete(p.condemned, sessionID)
	return true
}

// removeLocked unlinks an entry from the index. Caller holds p.mu and
// is responsible for the engine-side removal.
func (p *Pool) removeLocked(e *Entry) {
	k := key(e.SessionID, e.Language)
	list := p.lists[k]
	for i, cand := range list {
		if cand == e {
			p.lists[k] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.lists[k]) == 0 {
		delete(p.lists, k)
	}
	delete(p.byID, e.ContainerID)
	metrics.ContainersActive.Set(float64(len(p.byID)))
}

func (p *Pool) removeContainer(ctx context.Context, e *Entry) bool {
	if err := p.engine.RemoveContainer(ctx, e.ContainerID); err != nil {
		e.retries++
		p.cleanupErrors.Add(1)
		metrics.CleanupErrors.Inc()
		if e.retries >= removeRetryBudget {
			slog.Error("container leaked, giving up", "container", short(e.ContainerID), "err", err)
			return true
		}
		slog.Warn("remove container failed, will retry", "container", short(e.ContainerID), "retries", e.retries, "err", err)
		return false
	}
	p.deleted.Add(1)
	metrics.ContainersDeleted.Inc()
	p.onActivity(coderunner.Activity{
		At: p.now(), Kind: coderunner.ActivityContainerReaped,
		SessionID: e.SessionID, Language: e.Language,
	})
	return true
}

// RetainStream records an open client stream for the session, which
// defers network destruction until the stream closes. Reconnecting
// lifts a pending condemnation.
func (p *Pool) RetainStream(sessionID string) {
	p.mu.Lock()
	p.streams[sessionID]++
	delete(p.condemned, sessionID)
	p.mu.Unlock()
}

// ReleaseStream drops a stream reference. When the last stream closes
// the session is condemned: idle containers are removed now, in-use
// ones as their executions release them, and the network is destroyed
// once the last container is gone.
func (p *Pool) ReleaseStream(sessionID string) {
	p.mu.Lock()
	if p.streams[sessionID] > 1 {
		p.streams[sessionID]--
		p.mu.Unlock()
		return
	}
	delete(p.streams, sessionID)
	p.condemned[sessionID] = true
	var idle []*Entry
	for _, e := range p.byID {
		if e.SessionID == sessionID && !e.inUse {
			idle = append(idle, e)
		}
	}
	for _, e := range idle {
		e.dead = true
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range idle {
		if !p.removeContainer(context.Background(), e) {
			p.relink(e)
		}
	}
	if p.sessionGone(sessionID) {
		p.networks.Destroy(context.Background(), sessionID)
	}
}

// Run drives the reaper until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep removes every expired, not-in-use container, then schedules
// network destruction for sessions left with no containers and no open
// stream. The candidate set is selected under the same lock that
// Acquire uses to set inUse, so a running execution is never reaped.
func (p *Pool) Sweep(ctx context.Context) {
	start := p.now()

	p.mu.Lock()
	var expired []*Entry
	for _, list := range p.lists {
		for _, e := range list {
			if !e.inUse && (e.dead || !e.expiresAt.After(start)) {
				expired = append(expired, e)
			}
		}
	}
	for _, e := range expired {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range expired {
		if !p.removeContainer(ctx, e) {
			// Failed removal: relink so the next sweep retries it.
			p.relink(e)
		}
	}

	// Sessions with no containers, no create in flight and no open
	// stream lose their network.
	p.mu.Lock()
	sessionsInUse := make(map[string]bool)
	for _, e := range p.byID {
		sessionsInUse[e.SessionID] = true
	}
	var orphaned []string
	for _, e := range expired {
		if !sessionsInUse[e.SessionID] && p.streams[e.SessionID] == 0 && p.pending[e.SessionID] == 0 {
			sessionsInUse[e.SessionID] = true // dedupe
			delete(p.condemned, e.SessionID)
			orphaned = append(orphaned, e.SessionID)
		}
	}
	p.mu.Unlock()

	for _, sessionID := range orphaned {
		p.networks.Destroy(ctx, sessionID)
	}

	elapsed := p.now().Sub(start).Milliseconds()
	p.lastSweepMs.Store(elapsed)
	metrics.CleanupDuration.Set(float64(elapsed))
	if len(expired) > 0 {
		slog.Debug("pool sweep", "reaped", len(expired), "networks", len(orphaned), "ms", elapsed)
	}
}

// DestroySession removes every container for the session and then its
// network. Individual removal failures are retried by later sweeps;
// from the caller's perspective teardown always succeeds.
func (p *Pool) DestroySession(ctx context.Context, sessionID string) {
	p.mu.Lock()
	var victims []*Entry
	for k, list := range p.lists {
		if len(k) > len(sessionID) && k[:len(sessionID)] == sessionID && k[len(sessionID)] == '/' {
			victims = append(victims, list...)
		}
	}
	for _, e := range victims {
		e.dead = true
		p.removeLocked(e)
	}
	delete(p.condemned, sessionID)
	p.mu.Unlock()

	for _, e := range victims {
		for !p.removeContainer(ctx, e) && e.retries < removeRetryBudget {
		}
	}
	p.networks.Destroy(ctx, sessionID)
}

// DestroyAll tears down every session, for daemon shutdown.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	sessions := make(map[string]bool)
	for _, e := range p.byID {
		sessions[e.SessionID] = true
	}
	p.mu.Unlock()

	for sessionID := range sessions {
		p.DestroySession(ctx, sessionID)
	}
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() coderunner.PoolStats {
	p.mu.Lock()
	active := len(p.byID)
	sessions := make(map[string]bool)
	for _, e := range p.byID {
		sessions[e.SessionID] = true
	}
	sessionCount := len(sessions)
	p.mu.Unlock()

	return coderunner.PoolStats{
		ContainersCreated:     p.created.Load(),
		ContainersReused:      p.reused.Load(),
		ContainersDeleted:     p.deleted.Load(),
		CleanupErrors:         p.cleanupErrors.Load(),
		TotalActive:           active,
		Sessions:              sessionCount,
		LastCleanupDurationMs: p.lastSweepMs.Load(),
	}
}
