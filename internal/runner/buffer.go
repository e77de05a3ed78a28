package runner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"coderunner"
)

// outputRingCap is 2000 events: bounds buffered output for one-shot
// executions. On overflow the oldest events are dropped so the tail of
// the output, where errors usually are, survives.
const outputRingCap = 2000

// bufferSink collects a request's event stream for the one-shot
// execute path. Output events go through a fixed-size ring; the
// terminal event closes done.
type bufferSink struct {
	mu      sync.Mutex
	ring    []coderunner.OutputEvent
	start   int
	count   int
	dropped bool
	exit    *coderunner.ExitEvent
	failure *coderunner.ErrorEvent

	done chan struct{}
	once sync.Once
}

func newBufferSink() *bufferSink {
	return &bufferSink{
		ring: make([]coderunner.OutputEvent, outputRingCap),
		done: make(chan struct{}),
	}
}

func (s *bufferSink) Output(ev coderunner.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == len(s.ring) {
		s.start = (s.start + 1) % len(s.ring)
		s.count--
		s.dropped = true
	}
	s.ring[(s.start+s.count)%len(s.ring)] = ev
	s.count++
}

func (s *bufferSink) Exit(ev coderunner.ExitEvent) {
	s.mu.Lock()
	s.exit = &ev
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *bufferSink) Error(ev coderunner.ErrorEvent) {
	s.mu.Lock()
	s.failure = &ev
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// wait blocks until the terminal event arrives or ctx expires.
func (s *bufferSink) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// result assembles the buffered events into an ExecResult. An error
// terminal is rehydrated as a classified error.
func (s *bufferSink) result() (coderunner.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return coderunner.ExecResult{}, coderunner.E(s.failure.Code, "%s", s.failure.Message)
	}

	var stdout, stderr strings.Builder
	for i := 0; i < s.count; i++ {
		ev := s.ring[(s.start+i)%len(s.ring)]
		switch ev.Stream {
		case coderunner.StreamStderr:
			stderr.WriteString(ev.Data)
		default:
			stdout.WriteString(ev.Data)
		}
	}

	res := coderunner.ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: s.dropped,
	}
	if s.exit != nil {
		res.ExitCode = s.exit.Code
		res.ExecutionTimeMs = s.exit.ExecutionTimeMs
	}
	return res, nil
}

// cappedSink bounds the output a streaming request may emit: past
// outputRingCap events the output is suppressed and a single
// system-stream TRUNCATED marker tells the client. Terminal events
// always pass through.
type cappedSink struct {
	inner     coderunner.EventSink
	sessionID string
	requestID string

	count atomic.Int64
	once  sync.Once
}

func newCappedSink(inner coderunner.EventSink, sessionID, requestID string) *cappedSink {
	return &cappedSink{inner: inner, sessionID: sessionID, requestID: requestID}
}

func (s *cappedSink) Output(ev coderunner.OutputEvent) {
	if s.count.Add(1) > outputRingCap {
		s.once.Do(func() {
			s.inner.Output(coderunner.OutputEvent{
				SessionID: s.sessionID,
				RequestID: s.requestID,
				Stream:    coderunner.StreamSystem,
				Data:      "TRUNCATED",
			})
		})
		return
	}
	s.inner.Output(ev)
}

func (s *cappedSink) Exit(ev coderunner.ExitEvent)   { s.inner.Exit(ev) }
func (s *cappedSink) Error(ev coderunner.ErrorEvent) { s.inner.Error(ev) }

// sinkWriter adapts one stream of an EventSink to io.Writer for the
// demuxer. Each Write becomes one output event.
type sinkWriter struct {
	sink      coderunner.EventSink
	sessionID string
	requestID string
	stream    string
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.sink.Output(coderunner.OutputEvent{
			SessionID: w.sessionID,
			RequestID: w.requestID,
			Stream:    w.stream,
			Data:      string(p),
		})
	}
	return len(p), nil
}
