package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"coderunner"
	"coderunner/internal/docker"
	"coderunner/internal/pool"
	"coderunner/internal/settings"
)

type fakeProcess struct {
	stdout   string
	stderr   string
	exitCode int
	demuxErr error
	block    chan struct{} // Demux blocks on this until closed; nil returns at once
	onDemux  func()        // runs at the start of Demux when set

	mu     sync.Mutex
	stdin  bytes.Buffer
	killed sync.Once
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(b)
}

func (p *fakeProcess) Demux(stdout, stderr io.Writer) error {
	if p.onDemux != nil {
		p.onDemux()
	}
	if p.stdout != "" {
		stdout.Write([]byte(p.stdout))
	}
	if p.stderr != "" {
		stderr.Write([]byte(p.stderr))
	}
	if p.block != nil {
		<-p.block
	}
	return p.demuxErr
}

func (p *fakeProcess) ExitCode(context.Context) (int, error) { return p.exitCode, nil }

func (p *fakeProcess) Close() {}

func (p *fakeProcess) kill() {
	if p.block != nil {
		p.killed.Do(func() { close(p.block) })
	}
}

func (p *fakeProcess) stdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

// fakeTaskEngine hands out queued fake processes and unblocks them when
// it sees a kill exec, mimicking the pidfile TERM/KILL path.
type fakeTaskEngine struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	started []*fakeProcess
	execs   []string
}

func (f *fakeTaskEngine) Exec(_ context.Context, _ string, cmd ...string) ([]byte, error) {
	line := strings.Join(cmd, " ")
	f.mu.Lock()
	f.execs = append(f.execs, line)
	started := append([]*fakeProcess(nil), f.started...)
	f.mu.Unlock()

	if strings.Contains(line, "kill -TERM") || strings.Contains(line, "kill -KILL") {
		for _, p := range started {
			p.kill()
		}
	}
	return nil, nil
}

func (f *fakeTaskEngine) StartExec(_ context.Context, _ string, _ docker.ExecSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p *fakeProcess
	if len(f.procs) > 0 {
		p = f.procs[0]
		f.procs = f.procs[1:]
	} else {
		p = &fakeProcess{}
	}
	f.started = append(f.started, p)
	return p, nil
}

func (f *fakeTaskEngine) CopyToContainer(_ context.Context, _, _ string, content io.Reader) error {
	_, err := io.Copy(io.Discard, content)
	return err
}

func (f *fakeTaskEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeTaskEngine) sawExec(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.execs {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type fakeContainers struct {
	mu       sync.Mutex
	err      error
	released []bool
}

func (f *fakeContainers) Acquire(_ context.Context, sessionID, language string) (*pool.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pool.Entry{SessionID: sessionID, Language: language, ContainerID: "c1"}, nil
}

func (f *fakeContainers) Release(_ *pool.Entry, success bool) {
	f.mu.Lock()
	f.released = append(f.released, success)
	f.mu.Unlock()
}

func (f *fakeContainers) releases() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.released...)
}

type recordSink struct {
	mu      sync.Mutex
	outputs []coderunner.OutputEvent
	exits   []coderunner.ExitEvent
	errs    []coderunner.ErrorEvent
	done    chan struct{}
	once    sync.Once
}

func newRecordSink() *recordSink { return &recordSink{done: make(chan struct{})} }

func (s *recordSink) Output(ev coderunner.OutputEvent) {
	s.mu.Lock()
	s.outputs = append(s.outputs, ev)
	s.mu.Unlock()
}

func (s *recordSink) Exit(ev coderunner.ExitEvent) {
	s.mu.Lock()
	s.exits = append(s.exits, ev)
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *recordSink) Error(ev coderunner.ErrorEvent) {
	s.mu.Lock()
	s.errs = append(s.errs, ev)
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *recordSink) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event within 5s")
	}
}

func runnerConfig() Config {
	return Config{
		MaxQueueSize:       8,
		MaxConcurrent:      2,
		QueueTimeout:       time.Second,
		ExecutionTimeout:   time.Second,
		InteractiveTimeout: 5 * time.Second,
		CommandTimeout:     time.Second,
		FilesMaxBytes:      1 << 10,
		FilesMaxCount:      4,
		Runtimes: map[string]settings.Runtime{
			"python": {Image: "python:3.12-alpine", Run: []string{"python3", "-u", "{entry}"}},
			"c":      {Image: "gcc:14", Compile: []string{"gcc", "-o", "main", "{entry}"}, Run: []string{"./main"}},
		},
	}
}

func startOrchestrator(t *testing.T, cfg Config, engine Engine, containers Containers) *Orchestrator {
	t.Helper()
	o := New(cfg, engine, containers, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)
	return o
}

func pyRequest(session, id string) coderunner.ExecRequest {
	return coderunner.ExecRequest{
		SessionID: session,
		RequestID: id,
		Language:  "python",
		Priority:  coderunner.PriorityInteractive,
		Files:     []coderunner.SourceFile{{Name: "main.py", Content: "print(1)", ToBeExec: true}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitValidation(t *testing.T) {
	o := New(runnerConfig(), &fakeTaskEngine{}, &fakeContainers{}, nil)

	big := strings.Repeat("x", 2<<10)
	tests := []struct {
		name string
		req  coderunner.ExecRequest
		code coderunner.ErrorCode
	}{
		{"bad session id", func() coderunner.ExecRequest {
			r := pyRequest("has space", "r1")
			return r
		}(), coderunner.CodeInputInvalid},
		{"missing request id", pyRequest("s1", ""), coderunner.CodeInputInvalid},
		{"unsupported language", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			r.Language = "cobol"
			return r
		}(), coderunner.CodeLanguageUnsupported},
		{"no files", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			r.Files = nil
			return r
		}(), coderunner.CodeInputInvalid},
		{"too many files", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			for i := 0; i < 5; i++ {
				r.Files = append(r.Files, coderunner.SourceFile{Name: "f.py", Content: "x"})
			}
			return r
		}(), coderunner.CodeInputTooLarge},
		{"too many bytes", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			r.Files[0].Content = big
			return r
		}(), coderunner.CodeInputTooLarge},
		{"path traversal", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			r.Files = append(r.Files, coderunner.SourceFile{Path: "../evil.py", Content: "x"})
			return r
		}(), coderunner.CodeInputInvalid},
		{"no entry point", func() coderunner.ExecRequest {
			r := pyRequest("s1", "r1")
			r.Files[0].ToBeExec = false
			return r
		}(), coderunner.CodeInputInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Submit(tt.req, newRecordSink(), false)
			if got := coderunner.CodeOf(err); got != tt.code {
				t.Errorf("error code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestSubmitNormalizesLanguageCase(t *testing.T) {
	o := New(runnerConfig(), &fakeTaskEngine{}, &fakeContainers{}, nil)

	r := pyRequest("s1", "r1")
	r.Language = " Python "
	if err := o.Submit(r, newRecordSink(), false); err != nil {
		t.Fatalf("Submit = %v, want nil", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := runnerConfig()
	cfg.MaxQueueSize = 2
	// No Run loop: everything submitted stays queued.
	o := New(cfg, &fakeTaskEngine{}, &fakeContainers{}, nil)

	for i, id := range []string{"r1", "r2"} {
		if err := o.Submit(pyRequest("s1", id), newRecordSink(), false); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
	}
	err := o.Submit(pyRequest("s1", "r3"), newRecordSink(), false)
	if got := coderunner.CodeOf(err); got != coderunner.CodeQueueFull {
		t.Fatalf("error code = %s, want %s", got, coderunner.CodeQueueFull)
	}

	st := o.Stats()
	if st.Depth != 2 || st.Rejected != 1 {
		t.Errorf("depth/rejected = %d/%d, want 2/1", st.Depth, st.Rejected)
	}
}

func TestQueueTimeoutEmitsError(t *testing.T) {
	cfg := runnerConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueTimeout = 50 * time.Millisecond

	engine := &fakeTaskEngine{procs: []*fakeProcess{{block: make(chan struct{})}}}
	containers := &fakeContainers{}
	o := startOrchestrator(t, cfg, engine, containers)

	// First request occupies the only slot.
	blocker := newRecordSink()
	if err := o.Submit(pyRequest("s1", "r1"), blocker, true); err != nil {
		t.Fatalf("Submit r1: %v", err)
	}
	waitFor(t, "r1 to start", func() bool { return engine.startCount() > 0 })

	// Second request can never dispatch and must time out in the queue.
	sink := newRecordSink()
	if err := o.Submit(pyRequest("s2", "r2"), sink, false); err != nil {
		t.Fatalf("Submit r2: %v", err)
	}
	sink.waitDone(t)

	if len(sink.errs) != 1 || len(sink.exits) != 0 {
		t.Fatalf("errors/exits = %d/%d, want 1/0", len(sink.errs), len(sink.exits))
	}
	if sink.errs[0].Code != coderunner.CodeQueueTimeout {
		t.Errorf("error code = %s, want %s", sink.errs[0].Code, coderunner.CodeQueueTimeout)
	}

	o.Stop("s1", "r1")
	blocker.waitDone(t)
}

func TestExecuteBuffersOutput(t *testing.T) {
	engine := &fakeTaskEngine{procs: []*fakeProcess{{stdout: "hello\n", stderr: "warn\n", exitCode: 0}}}
	containers := &fakeContainers{}
	o := startOrchestrator(t, runnerConfig(), engine, containers)

	res, err := o.Execute(context.Background(), pyRequest("s1", "r1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "hello\n" || res.Stderr != "warn\n" {
		t.Errorf("stdout/stderr = %q/%q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 0 || res.Truncated {
		t.Errorf("exit/truncated = %d/%v, want 0/false", res.ExitCode, res.Truncated)
	}

	waitFor(t, "release", func() bool { return len(containers.releases()) == 1 })
	if !containers.releases()[0] {
		t.Error("container released as failed after clean run")
	}
}

func TestExecutePropagatesExitCode(t *testing.T) {
	engine := &fakeTaskEngine{procs: []*fakeProcess{{stderr: "boom\n", exitCode: 3}}}
	o := startOrchestrator(t, runnerConfig(), engine, &fakeContainers{})

	res, err := o.Execute(context.Background(), pyRequest("s1", "r1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "boom\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestExecutionTimeoutKillsProcess(t *testing.T) {
	cfg := runnerConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond

	engine := &fakeTaskEngine{procs: []*fakeProcess{{stdout: "partial", block: make(chan struct{})}}}
	o := startOrchestrator(t, cfg, engine, &fakeContainers{})

	res, err := o.Execute(context.Background(), pyRequest("s1", "r1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != coderunner.ExitCodeTimeout {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, coderunner.ExitCodeTimeout)
	}
	if res.Stdout != "partial" {
		t.Errorf("Stdout = %q, want partial output preserved", res.Stdout)
	}
	if !engine.sawExec("kill -TERM") || !engine.sawExec("kill -KILL") {
		t.Error("timeout did not escalate TERM then KILL")
	}
}

func TestStopEmitsKilledExit(t *testing.T) {
	engine := &fakeTaskEngine{procs: []*fakeProcess{{block: make(chan struct{})}}}
	o := startOrchestrator(t, runnerConfig(), engine, &fakeContainers{})

	sink := newRecordSink()
	if err := o.Submit(pyRequest("s1", "r1"), sink, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "process start", func() bool { return o.SendInput("s1", "r1", "") == nil })

	o.Stop("s1", "r1")
	sink.waitDone(t)

	if len(sink.exits) != 1 || len(sink.errs) != 0 {
		t.Fatalf("exits/errors = %d/%d, want 1/0", len(sink.exits), len(sink.errs))
	}
	ev := sink.exits[0]
	if ev.Code != coderunner.ExitCodeKilled || ev.Reason != coderunner.ReasonStopped {
		t.Errorf("exit = %d %q, want %d %q", ev.Code, ev.Reason, coderunner.ExitCodeKilled, coderunner.ReasonStopped)
	}
}

func TestSendInputReachesProcess(t *testing.T) {
	proc := &fakeProcess{block: make(chan struct{})}
	engine := &fakeTaskEngine{procs: []*fakeProcess{proc}}
	o := startOrchestrator(t, runnerConfig(), engine, &fakeContainers{})

	sink := newRecordSink()
	if err := o.Submit(pyRequest("s1", "r1"), sink, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "process start", func() bool { return o.SendInput("s1", "r1", "") == nil })

	if err := o.SendInput("s1", "r1", "42\n"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if got := proc.stdinString(); got != "42\n" {
		t.Errorf("stdin = %q, want %q", got, "42\n")
	}

	err := o.SendInput("s1", "nope", "x")
	if got := coderunner.CodeOf(err); got != coderunner.CodeInputInvalid {
		t.Errorf("unknown request error code = %s, want %s", got, coderunner.CodeInputInvalid)
	}

	o.Stop("s1", "r1")
	sink.waitDone(t)
}

func TestAcquireFailureEmitsError(t *testing.T) {
	containers := &fakeContainers{err: coderunner.E(coderunner.CodeContainerCapacity, "session full")}
	o := startOrchestrator(t, runnerConfig(), &fakeTaskEngine{}, containers)

	_, err := o.Execute(context.Background(), pyRequest("s1", "r1"))
	if got := coderunner.CodeOf(err); got != coderunner.CodeContainerCapacity {
		t.Fatalf("error code = %s, want %s", got, coderunner.CodeContainerCapacity)
	}
}

func TestCompileFailureSkipsRun(t *testing.T) {
	engine := &fakeTaskEngine{procs: []*fakeProcess{{stderr: "main.c:1: error\n", exitCode: 1}}}
	o := startOrchestrator(t, runnerConfig(), engine, &fakeContainers{})

	req := pyRequest("s1", "r1")
	req.Language = "c"
	req.Files = []coderunner.SourceFile{{Name: "main.c", Content: "int main(void){}", ToBeExec: true}}

	res, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want compile failure 1", res.ExitCode)
	}
	if res.Stderr != "main.c:1: error\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if engine.startCount() != 1 {
		t.Errorf("started %d processes, want 1 (run step skipped)", engine.startCount())
	}
}

func TestCompileTimeCountsAgainstRunBudget(t *testing.T) {
	cfg := runnerConfig()
	cfg.ExecutionTimeout = 100 * time.Millisecond

	var clkMu sync.Mutex
	clk := time.Now()
	advance := func(d time.Duration) {
		clkMu.Lock()
		clk = clk.Add(d)
		clkMu.Unlock()
	}

	// The compile step eats the whole budget; the run step must not get
	// a fresh one.
	compile := &fakeProcess{exitCode: 0, onDemux: func() { advance(200 * time.Millisecond) }}
	engine := &fakeTaskEngine{procs: []*fakeProcess{compile}}
	o := New(cfg, engine, &fakeContainers{}, nil)
	o.now = func() time.Time {
		clkMu.Lock()
		defer clkMu.Unlock()
		return clk
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)

	req := pyRequest("s1", "r1")
	req.Language = "c"
	req.Files = []coderunner.SourceFile{{Name: "main.c", Content: "int main(void){}", ToBeExec: true}}

	res, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != coderunner.ExitCodeTimeout {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, coderunner.ExitCodeTimeout)
	}
	if engine.startCount() != 1 {
		t.Errorf("started %d processes, want 1 (run step skipped after budget spent)", engine.startCount())
	}
}

func TestBrokenStreamMarksContainerDead(t *testing.T) {
	engine := &fakeTaskEngine{procs: []*fakeProcess{{demuxErr: io.ErrUnexpectedEOF}}}
	containers := &fakeContainers{}
	o := startOrchestrator(t, runnerConfig(), engine, containers)

	res, err := o.Execute(context.Background(), pyRequest("s1", "r1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != coderunner.ExitCodeKilled {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, coderunner.ExitCodeKilled)
	}

	waitFor(t, "release", func() bool { return len(containers.releases()) == 1 })
	if containers.releases()[0] {
		t.Error("container released as healthy after broken stream")
	}
}

func TestOnDisconnectDropsQueuedRequests(t *testing.T) {
	// No Run loop: submissions stay queued.
	o := New(runnerConfig(), &fakeTaskEngine{}, &fakeContainers{}, nil)

	o.Submit(pyRequest("s1", "r1"), newRecordSink(), true)
	o.Submit(pyRequest("s1", "r2"), newRecordSink(), true)
	o.Submit(pyRequest("s2", "r1"), newRecordSink(), true)

	o.OnDisconnect("s1")

	if st := o.Stats(); st.Depth != 1 {
		t.Errorf("Depth = %d, want 1", st.Depth)
	}
}
