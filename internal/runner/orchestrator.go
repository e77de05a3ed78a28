// Package runner admits, queues and executes code-run requests. A
// bounded priority queue feeds a dispatch loop capped at a maximum
// number of concurrent executions; each admitted request runs as one
// task against a pooled session container.
package runner

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coderunner"
	"coderunner/internal/check"
	"coderunner/internal/metrics"
	"coderunner/internal/settings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// expireInterval is 500ms: how often queued requests are checked
// against their admission deadline.
const expireInterval = 500 * time.Millisecond

// Config carries the orchestrator's tunables out of settings.
type Config struct {
	MaxQueueSize       int
	MaxConcurrent      int
	QueueTimeout       time.Duration
	ExecutionTimeout   time.Duration
	InteractiveTimeout time.Duration
	CommandTimeout     time.Duration
	FilesMaxBytes      int64
	FilesMaxCount      int
	Runtimes           map[string]settings.Runtime
}

// execution is one admitted, running request.
type execution struct {
	req         coderunner.ExecRequest
	sink        coderunner.EventSink
	interactive bool

	mu          sync.Mutex
	proc        Process // nil until the run process starts
	containerID string

	stop     chan struct{}
	stopOnce sync.Once
	terminal sync.Once
}

// signalStop asks the task to kill its process. Idempotent.
func (e *execution) signalStop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *execution) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// emitExit delivers the terminal exit event, at most once.
func (e *execution) emitExit(ev coderunner.ExitEvent) {
	e.terminal.Do(func() { e.sink.Exit(ev) })
}

// emitError delivers the terminal error event, at most once.
func (e *execution) emitError(ev coderunner.ErrorEvent) {
	e.terminal.Do(func() { e.sink.Error(ev) })
}

// Orchestrator is the admission queue plus dispatch loop.
type Orchestrator struct {
	cfg        Config
	engine     Engine
	containers Containers
	onActivity func(coderunner.Activity)
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	queue   requestQueue
	running map[string]*execution // sessionID+"/"+requestID
	active  int
	seq     uint64
	wake    chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
}

// New wires an orchestrator. onActivity may be nil.
func New(cfg Config, engine Engine, containers Containers, onActivity func(coderunner.Activity)) *Orchestrator {
	check.Assert(engine != nil, "runner.New: engine must not be nil")
	check.Assert(containers != nil, "runner.New: containers must not be nil")
	check.Assert(cfg.MaxQueueSize > 0, "runner.New: MaxQueueSize must be positive")
	check.Assert(cfg.MaxConcurrent > 0, "runner.New: MaxConcurrent must be positive")
	if onActivity == nil {
		onActivity = func(coderunner.Activity) {}
	}
	return &Orchestrator{
		cfg:        cfg,
		engine:     engine,
		containers: containers,
		onActivity: onActivity,
		tracer:     otel.Tracer("coderunner/runner"),
		now:        time.Now,
		running:    make(map[string]*execution),
		wake:       make(chan struct{}, 1),
	}
}

func execKey(sessionID, requestID string) string { return sessionID + "/" + requestID }

// Submit validates and enqueues a request. The sink receives the full
// event stream; exactly one terminal event follows a nil return.
// interactive selects the longer execution timeout.
func (o *Orchestrator) Submit(req coderunner.ExecRequest, sink coderunner.EventSink, interactive bool) error {
	check.Assert(sink != nil, "runner.Submit: sink must not be nil")

	req, err := o.validate(req)
	if err != nil {
		o.reject(req, err, "invalid")
		return err
	}
	req.EnqueuedAt = o.now()

	o.mu.Lock()
	if _, dup := o.running[execKey(req.SessionID, req.RequestID)]; dup {
		o.mu.Unlock()
		err := coderunner.E(coderunner.CodeInputInvalid, "request %s already running in session %s", req.RequestID, req.SessionID)
		o.reject(req, err, "invalid")
		return err
	}
	if o.queue.Len() >= o.cfg.MaxQueueSize {
		o.mu.Unlock()
		err := coderunner.E(coderunner.CodeQueueFull, "queue full at %d requests", o.cfg.MaxQueueSize)
		o.reject(req, err, "queue_full")
		return err
	}
	o.seq++
	heap.Push(&o.queue, &waiting{
		req:         req,
		sink:        sink,
		interactive: interactive,
		seq:         o.seq,
		deadline:    req.EnqueuedAt.Add(o.cfg.QueueTimeout),
	})
	depth := o.queue.Len()
	o.mu.Unlock()

	o.submitted.Add(1)
	metrics.QueueDepth.Set(float64(depth))
	o.onActivity(coderunner.Activity{
		At: req.EnqueuedAt, Kind: coderunner.ActivityEnqueued,
		SessionID: req.SessionID, RequestID: req.RequestID, Language: req.Language,
	})
	o.kick()
	return nil
}

// Execute runs one request to completion and returns its buffered
// output. The passed context bounds the wait, not the execution.
func (o *Orchestrator) Execute(ctx context.Context, req coderunner.ExecRequest) (coderunner.ExecResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Priority == 0 {
		req.Priority = coderunner.PriorityOneShot
	}

	sink := newBufferSink()
	if err := o.Submit(req, sink, false); err != nil {
		return coderunner.ExecResult{}, err
	}
	if err := sink.wait(ctx); err != nil {
		return coderunner.ExecResult{}, err
	}
	return sink.result()
}

// SendInput writes data to a running request's stdin.
func (o *Orchestrator) SendInput(sessionID, requestID, data string) error {
	o.mu.Lock()
	e, ok := o.running[execKey(sessionID, requestID)]
	o.mu.Unlock()
	if !ok {
		return coderunner.E(coderunner.CodeInputInvalid, "request %s is not running in session %s", requestID, sessionID)
	}

	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return coderunner.E(coderunner.CodeInputInvalid, "request %s has not started yet", requestID)
	}
	if _, err := proc.Write([]byte(data)); err != nil {
		return coderunner.E(coderunner.CodeInternal, "write stdin: %v", err)
	}
	return nil
}

// Stop asks a running request to terminate. The request still emits
// its terminal exit event (code -1, reason "stopped"). Stopping an
// unknown request is a no-op.
func (o *Orchestrator) Stop(sessionID, requestID string) {
	o.mu.Lock()
	e, ok := o.running[execKey(sessionID, requestID)]
	o.mu.Unlock()
	if ok {
		e.signalStop()
	}
}

// OnDisconnect handles a streaming client going away: its queued
// requests are dropped and its running ones stopped. Nothing is
// emitted; the sink's peer is gone.
func (o *Orchestrator) OnDisconnect(sessionID string) {
	o.mu.Lock()
	dropped := o.queue.takeSession(sessionID)
	var stops []*execution
	for _, e := range o.running {
		if e.req.SessionID == sessionID && e.interactive {
			stops = append(stops, e)
		}
	}
	depth := o.queue.Len()
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	for _, e := range stops {
		e.signalStop()
	}
	if len(dropped) > 0 || len(stops) > 0 {
		slog.Debug("client disconnected", "session", sessionID, "dropped", len(dropped), "stopped", len(stops))
	}
}

// Run drives dispatch and queue expiry until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		case <-ticker.C:
		}
		o.expire()
		o.dispatch(ctx)
	}
}

// kick nudges the dispatch loop without blocking.
func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatch starts queued requests while capacity allows. It never
// blocks on a task; tasks run in their own goroutines.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.active >= o.cfg.MaxConcurrent {
			o.mu.Unlock()
			return
		}
		w := o.queue.popBest()
		if w == nil {
			o.mu.Unlock()
			return
		}
		// One-shot sinks buffer with their own ring; streaming sinks
		// get the output cap enforced here.
		sink := w.sink
		if w.interactive {
			sink = newCappedSink(sink, w.req.SessionID, w.req.RequestID)
		}
		e := &execution{
			req:         w.req,
			sink:        sink,
			interactive: w.interactive,
			stop:        make(chan struct{}),
		}
		o.running[execKey(w.req.SessionID, w.req.RequestID)] = e
		o.active++
		depth := o.queue.Len()
		active := o.active
		o.mu.Unlock()

		metrics.QueueDepth.Set(float64(depth))
		metrics.ActiveExecutions.Set(float64(active))

		// Record the admission wait as a closed span.
		_, span := o.tracer.Start(ctx, "queue.wait",
			trace.WithTimestamp(w.req.EnqueuedAt),
			trace.WithAttributes(
				attribute.String("session.id", w.req.SessionID),
				attribute.String("request.id", w.req.RequestID),
				attribute.String("language", w.req.Language),
			))
		span.End()

		go o.runTask(ctx, e)
	}
}

// finish releases the execution's slot and wakes the dispatcher.
func (o *Orchestrator) finish(e *execution) {
	o.mu.Lock()
	delete(o.running, execKey(e.req.SessionID, e.req.RequestID))
	o.active--
	active := o.active
	o.mu.Unlock()

	o.completed.Add(1)
	metrics.ActiveExecutions.Set(float64(active))
	o.kick()
}

// expire fails queued requests whose admission deadline passed.
func (o *Orchestrator) expire() {
	o.mu.Lock()
	expired := o.queue.takeExpired(o.now())
	depth := o.queue.Len()
	o.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.QueueDepth.Set(float64(depth))
	for _, w := range expired {
		o.timedOut.Add(1)
		metrics.QueueRejected.WithLabelValues("timeout").Inc()
		slog.Info("queued request timed out", "session", w.req.SessionID, "request", w.req.RequestID, "waited", o.now().Sub(w.req.EnqueuedAt))
		w.sink.Error(coderunner.ErrorEvent{
			SessionID: w.req.SessionID,
			RequestID: w.req.RequestID,
			Code:      coderunner.CodeQueueTimeout,
			Message:   fmt.Sprintf("request waited longer than %s", o.cfg.QueueTimeout),
		})
		o.onActivity(coderunner.Activity{
			At: o.now(), Kind: coderunner.ActivityRejected,
			SessionID: w.req.SessionID, RequestID: w.req.RequestID,
			Language: w.req.Language, Message: string(coderunner.CodeQueueTimeout),
		})
	}
}

// validate applies input limits before any resource is touched.
func (o *Orchestrator) validate(req coderunner.ExecRequest) (coderunner.ExecRequest, error) {
	if err := settings.ValidateSessionID(req.SessionID); err != nil {
		return req, err
	}
	if req.RequestID == "" {
		return req, coderunner.E(coderunner.CodeInputInvalid, "request id is required")
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if _, ok := o.cfg.Runtimes[lang]; !ok {
		return req, coderunner.E(coderunner.CodeLanguageUnsupported, "language %q is not supported", req.Language)
	}
	req.Language = lang

	if len(req.Files) == 0 {
		return req, coderunner.E(coderunner.CodeInputInvalid, "at least one file is required")
	}
	if len(req.Files) > o.cfg.FilesMaxCount {
		return req, coderunner.E(coderunner.CodeInputTooLarge, "%d files exceeds the %d-file limit", len(req.Files), o.cfg.FilesMaxCount)
	}
	var total int64
	for i, f := range req.Files {
		rel := f.Path
		if rel == "" {
			rel = f.Name
		}
		if rel == "" {
			return req, coderunner.E(coderunner.CodeInputInvalid, "file %d has no name", i)
		}
		clean := path.Clean(rel)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return req, coderunner.E(coderunner.CodeInputInvalid, "file path %q escapes the workspace", rel)
		}
		total += int64(len(f.Content))
	}
	if total > o.cfg.FilesMaxBytes {
		return req, coderunner.E(coderunner.CodeInputTooLarge, "%d bytes of source exceeds the %d-byte limit", total, o.cfg.FilesMaxBytes)
	}
	if req.Entry() == "" {
		return req, coderunner.E(coderunner.CodeInputInvalid, "no entry point: set entryPath or mark a file toBeExec")
	}
	return req, nil
}

func (o *Orchestrator) reject(req coderunner.ExecRequest, err error, reason string) {
	o.rejected.Add(1)
	metrics.QueueRejected.WithLabelValues(reason).Inc()
	o.onActivity(coderunner.Activity{
		At: o.now(), Kind: coderunner.ActivityRejected,
		SessionID: req.SessionID, RequestID: req.RequestID,
		Language: req.Language, Message: string(coderunner.CodeOf(err)),
	})
}

// Stats snapshots the queue counters.
func (o *Orchestrator) Stats() coderunner.QueueStats {
	o.mu.Lock()
	depth := o.queue.Len()
	active := o.active
	o.mu.Unlock()

	return coderunner.QueueStats{
		Depth:     depth,
		Active:    active,
		MaxDepth:  o.cfg.MaxQueueSize,
		MaxActive: o.cfg.MaxConcurrent,
		Submitted: o.submitted.Load(),
		Completed: o.completed.Load(),
		Rejected:  o.rejected.Load(),
		TimedOut:  o.timedOut.Load(),
	}
}
