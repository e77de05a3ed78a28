package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Exec runs a helper command inside a container and returns its stdout.
// Stderr is captured separately for error reporting. Use StartExec for
// the long-lived run process.
func (r *Runtime) Exec(ctx context.Context, id string, cmd ...string) ([]byte, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec %v: %w", cmd, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %v: %w", cmd, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output %v: %w", cmd, err)
	}

	info, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %v: %w", cmd, err)
	}
	if info.ExitCode != 0 {
		return nil, fmt.Errorf("exec %v: exit code %d: %s", cmd, info.ExitCode, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ExecSpec describes the long-lived run process started inside a
// session container.
type ExecSpec struct {
	Cmd     []string
	WorkDir string
	Env     []string
}

// Process is a started in-container exec with attached streams. Output
// is multiplexed in Docker's stream framing; Demux splits it.
type Process struct {
	ExecID string

	rt     *Runtime
	stdin  io.WriteCloser
	reader io.Reader
	close  func()
}

// StartExec starts a process inside the container with stdin, stdout
// and stderr attached.
func (r *Runtime) StartExec(ctx context.Context, id string, spec ExecSpec) (*Process, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Env:          spec.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec %v: %w", spec.Cmd, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %v: %w", spec.Cmd, err)
	}

	return &Process{
		ExecID: resp.ID,
		rt:     r,
		stdin:  attach.Conn,
		reader: attach.Reader,
		close:  attach.Close,
	}, nil
}

// Write sends bytes to the process's stdin.
func (p *Process) Write(data []byte) (int, error) {
	return p.stdin.Write(data)
}

// Demux copies the process's output into stdout and stderr until the
// process exits or the stream fails.
func (p *Process) Demux(stdout, stderr io.Writer) error {
	_, err := stdcopy.StdCopy(stdout, stderr, p.reader)
	return err
}

// ExitCode inspects the finished exec. Returns an error while the
// process is still running.
func (p *Process) ExitCode(ctx context.Context) (int, error) {
	info, err := p.rt.cli.ContainerExecInspect(ctx, p.ExecID)
	if err != nil {
		return 0, fmt.Errorf("inspect exec: %w", err)
	}
	if info.Running {
		return 0, fmt.Errorf("exec still running")
	}
	return info.ExitCode, nil
}

// Close tears down the attached connection. The in-container process
// is not signalled; callers kill it explicitly when needed.
func (p *Process) Close() {
	p.close()
}
