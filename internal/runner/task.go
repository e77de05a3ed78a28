package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"coderunner"
	"coderunner/internal/docker"
	"coderunner/internal/metrics"
	"coderunner/internal/settings"

	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// termGrace is 500ms: the window between SIGTERM and SIGKILL when a
// process is stopped or timed out.
const termGrace = 500 * time.Millisecond

// runTask executes one admitted request end to end: acquire a session
// container, stage the files, compile if the language needs it, run,
// stream output, emit exactly one terminal event, release.
func (o *Orchestrator) runTask(ctx context.Context, e *execution) {
	defer o.finish(e)

	req := e.req
	ctx, span := o.tracer.Start(ctx, "exec.run", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.RequestID),
		attribute.String("language", req.Language),
	))
	defer span.End()

	entry, err := o.containers.Acquire(ctx, req.SessionID, req.Language)
	if err != nil {
		e.emitError(coderunner.ErrorEvent{
			SessionID: req.SessionID, RequestID: req.RequestID,
			Code: coderunner.CodeOf(err), Message: err.Error(),
		})
		return
	}
	e.mu.Lock()
	e.containerID = entry.ContainerID
	e.mu.Unlock()

	// success=false marks the container dead so it is never reused.
	success := true
	defer func() { o.containers.Release(entry, success) }()

	o.onActivity(coderunner.Activity{
		At: o.now(), Kind: coderunner.ActivityStarted,
		SessionID: req.SessionID, RequestID: req.RequestID, Language: req.Language,
	})

	workdir := "/workspace/" + req.RequestID
	defer o.cleanupWorkdir(entry.ContainerID, workdir, req.RequestID)

	if err := o.stage(ctx, entry.ContainerID, workdir, req.Files); err != nil {
		success = false
		slog.Error("stage files failed", "session", req.SessionID, "request", req.RequestID, "err", err)
		e.emitError(coderunner.ErrorEvent{
			SessionID: req.SessionID, RequestID: req.RequestID,
			Code: coderunner.CodeRuntimeUnavailable, Message: "staging workspace failed",
		})
		return
	}

	rt := o.cfg.Runtimes[req.Language]
	entryPath := req.Entry()
	start := o.now()

	// One wall-clock budget covers compile and run together; a slow
	// compile eats into the run step's time.
	budget := o.cfg.ExecutionTimeout
	if e.interactive {
		budget = o.cfg.InteractiveTimeout
	}
	deadline := start.Add(budget)

	if len(rt.Compile) > 0 {
		code, reason, err := o.runProcess(ctx, e, entry.ContainerID, workdir,
			settings.ExpandArgs(rt.Compile, entryPath), budget)
		if err != nil {
			success = false
			slog.Error("compile step failed", "session", req.SessionID, "request", req.RequestID, "err", err)
			e.emitError(coderunner.ErrorEvent{
				SessionID: req.SessionID, RequestID: req.RequestID,
				Code: coderunner.CodeRuntimeUnavailable, Message: "compile step failed to start",
			})
			return
		}
		if reason != "" || code != 0 {
			o.finishExit(e, code, reason, start)
			return
		}
	}

	remaining := deadline.Sub(o.now())
	if remaining <= 0 {
		o.finishExit(e, coderunner.ExitCodeTimeout, coderunner.ReasonTimeout, start)
		return
	}
	code, reason, err := o.runProcess(ctx, e, entry.ContainerID, workdir,
		settings.ExpandArgs(rt.Run, entryPath), remaining)
	if err != nil {
		success = false
		slog.Error("run process failed", "session", req.SessionID, "request", req.RequestID, "err", err)
		e.emitError(coderunner.ErrorEvent{
			SessionID: req.SessionID, RequestID: req.RequestID,
			Code: coderunner.CodeRuntimeUnavailable, Message: "run process failed to start",
		})
		return
	}
	if reason == coderunner.ReasonRuntimeError {
		success = false
	}
	o.finishExit(e, code, reason, start)
}

func (o *Orchestrator) finishExit(e *execution, code int, reason string, start time.Time) {
	elapsed := o.now().Sub(start)
	metrics.ExecutionSeconds.Observe(elapsed.Seconds())
	e.emitExit(coderunner.ExitEvent{
		SessionID:       e.req.SessionID,
		RequestID:       e.req.RequestID,
		Code:            code,
		Reason:          reason,
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
	o.onActivity(coderunner.Activity{
		At: o.now(), Kind: coderunner.ActivityExited,
		SessionID: e.req.SessionID, RequestID: e.req.RequestID,
		Language: e.req.Language, Message: fmt.Sprintf("exit %d %s", code, reason),
	})
}

// stage materializes the request's files on the host and copies them
// into the container's per-request workspace as one tar stream.
func (o *Orchestrator) stage(ctx context.Context, containerID, workdir string, files []coderunner.SourceFile) error {
	dir, err := os.MkdirTemp("", "coderunner-stage-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, f := range files {
		rel := f.Path
		if rel == "" {
			rel = f.Name
		}
		dst := filepath.Join(dir, filepath.FromSlash(path.Clean(rel)))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create staging subdir: %w", err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()
	if _, err := o.engine.Exec(cmdCtx, containerID, "mkdir", "-p", workdir); err != nil {
		return err
	}

	tarStream, err := archive.Tar(dir, compression.None)
	if err != nil {
		return fmt.Errorf("tar staging dir: %w", err)
	}
	defer tarStream.Close()
	return o.engine.CopyToContainer(ctx, containerID, workdir, tarStream)
}

// runProcess starts argv inside the container behind a pidfile wrapper
// and streams its output to the sink. Returns the exit code and a
// reason tag for timeout/stop/runtime-error endings; err is only
// non-nil when the process could not be started or inspected.
func (o *Orchestrator) runProcess(ctx context.Context, e *execution, containerID, workdir string, argv []string, timeout time.Duration) (int, string, error) {
	// The wrapper records the shell's pid, then execs the payload over
	// it, so kill-by-pidfile reaches the real process even over a
	// remote DOCKER_HOST where no local process tree exists.
	pidfile := "/tmp/.cr/" + e.req.RequestID + ".pid"
	script := "mkdir -p /tmp/.cr; echo $$ > " + pidfile + "; exec " + shellJoin(argv)

	proc, err := o.engine.StartExec(ctx, containerID, docker.ExecSpec{
		Cmd:     []string{"sh", "-c", script},
		WorkDir: workdir,
	})
	if err != nil {
		return 0, "", err
	}
	defer proc.Close()

	e.mu.Lock()
	e.proc = proc
	e.mu.Unlock()

	demuxDone := make(chan error, 1)
	go func() {
		demuxDone <- proc.Demux(
			sinkWriter{e.sink, e.req.SessionID, e.req.RequestID, coderunner.StreamStdout},
			sinkWriter{e.sink, e.req.SessionID, e.req.RequestID, coderunner.StreamStderr},
		)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, stopped bool
	var demuxErr error
	select {
	case demuxErr = <-demuxDone:
	case <-timer.C:
		timedOut = true
	case <-e.stop:
		stopped = true
	case <-ctx.Done():
		stopped = true
	}

	if timedOut || stopped {
		o.killProcess(containerID, pidfile)
		select {
		case <-demuxDone:
		case <-time.After(o.cfg.CommandTimeout):
		}
		if timedOut {
			return coderunner.ExitCodeTimeout, coderunner.ReasonTimeout, nil
		}
		return coderunner.ExitCodeKilled, coderunner.ReasonStopped, nil
	}

	if demuxErr != nil {
		// The stream broke before the process ended, usually because
		// the container died underneath it.
		return coderunner.ExitCodeKilled, coderunner.ReasonRuntimeError, nil
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	code, err := proc.ExitCode(inspectCtx)
	if err != nil {
		return coderunner.ExitCodeKilled, coderunner.ReasonRuntimeError, nil
	}
	return code, "", nil
}

// killProcess sends SIGTERM to the pidfile's process, waits the grace
// window, then SIGKILLs. Failures mean the process is already gone.
func (o *Orchestrator) killProcess(containerID, pidfile string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()

	kill := func(sig string) {
		cmd := fmt.Sprintf("kill -%s $(cat %s) 2>/dev/null", sig, pidfile)
		if _, err := o.engine.Exec(ctx, containerID, "sh", "-c", cmd); err != nil {
			slog.Debug("kill signal failed", "container", short(containerID), "sig", sig, "err", err)
		}
	}
	kill("TERM")
	time.Sleep(termGrace)
	kill("KILL")
}

// cleanupWorkdir removes the per-request workspace and pidfile so a
// long-lived warm container does not accumulate old runs.
func (o *Orchestrator) cleanupWorkdir(containerID, workdir, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	cmd := fmt.Sprintf("rm -rf %s /tmp/.cr/%s.pid", workdir, requestID)
	if _, err := o.engine.Exec(ctx, containerID, "sh", "-c", cmd); err != nil {
		slog.Debug("workspace cleanup failed", "container", short(containerID), "err", err)
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// shellJoin renders argv as a single-quoted shell command line.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(parts, " ")
}
