package runner

import (
	"context"
	"io"

	"coderunner/internal/docker"
	"coderunner/internal/pool"
)

// Engine is the container-engine surface a task needs: helper execs,
// the long-lived run process, and file staging.
type Engine interface {
	Exec(ctx context.Context, id string, cmd ...string) ([]byte, error)
	StartExec(ctx context.Context, id string, spec docker.ExecSpec) (Process, error)
	CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error
}

// Process is a started in-container process with attached streams.
type Process interface {
	Write(data []byte) (int, error)
	Demux(stdout, stderr io.Writer) error
	ExitCode(ctx context.Context) (int, error)
	Close()
}

// Containers is the pool surface a task needs.
type Containers interface {
	Acquire(ctx context.Context, sessionID, language string) (*pool.Entry, error)
	Release(e *pool.Entry, success bool)
}

// engineAdapter lifts *docker.Runtime onto the Engine port.
type engineAdapter struct {
	rt *docker.Runtime
}

// WrapEngine adapts the production Docker runtime to the Engine port.
func WrapEngine(rt *docker.Runtime) Engine {
	return engineAdapter{rt: rt}
}

func (a engineAdapter) Exec(ctx context.Context, id string, cmd ...string) ([]byte, error) {
	return a.rt.Exec(ctx, id, cmd...)
}

func (a engineAdapter) StartExec(ctx context.Context, id string, spec docker.ExecSpec) (Process, error) {
	return a.rt.StartExec(ctx, id, spec)
}

func (a engineAdapter) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error {
	return a.rt.CopyToContainer(ctx, id, dstPath, content)
}
