package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"coderunner"
	"coderunner/internal/settings"
	"coderunner/internal/watch"
)

type fakeExecutor struct {
	mu      sync.Mutex
	lastReq coderunner.ExecRequest
	result  coderunner.ExecResult
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, req coderunner.ExecRequest) (coderunner.ExecResult, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeExecutor) Submit(coderunner.ExecRequest, coderunner.EventSink, bool) error { return nil }
func (f *fakeExecutor) SendInput(string, string, string) error                         { return nil }
func (f *fakeExecutor) Stop(string, string)                                            {}
func (f *fakeExecutor) OnDisconnect(string)                                            {}

func (f *fakeExecutor) last() coderunner.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeStreams struct{}

func (fakeStreams) RetainStream(string)  {}
func (fakeStreams) ReleaseStream(string) {}

func newTestServer(exec *fakeExecutor, healthy func(context.Context) error) *Server {
	if healthy == nil {
		healthy = func(context.Context) error { return nil }
	}
	return New(
		Config{FilesMaxBytes: 1 << 20},
		Deps{
			Executor: exec,
			Streams:  fakeStreams{},
			Broker:   watch.NewBroker(),
			Status: func() coderunner.Status {
				return coderunner.Status{Version: "test", UptimeMs: 42}
			},
			Healthy: healthy,
			Runtimes: map[string]settings.Runtime{
				"python": {Image: "python:3.12-alpine", Run: []string{"python3", "{entry}"}, MemoryBytes: 256 << 20},
				"c":      {Image: "gcc:14", Compile: []string{"gcc", "{entry}"}, Run: []string{"./a.out"}, MemoryBytes: 512 << 20},
			},
		},
	)
}

func TestExecuteEndpoint(t *testing.T) {
	exec := &fakeExecutor{result: coderunner.ExecResult{Stdout: "hi\n", ExitCode: 0, ExecutionTimeMs: 12}}
	ts := httptest.NewServer(newTestServer(exec, nil).Routes())
	defer ts.Close()

	body := `{"sessionId":"s1","language":"python","files":[{"name":"main.py","content":"print(1)","toBeExec":true}]}`
	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/execute: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res coderunner.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExecutionTimeMs != 12 {
		t.Errorf("result = %+v", res)
	}

	req := exec.last()
	if req.SessionID != "s1" || req.Language != "python" {
		t.Errorf("forwarded request = %+v", req)
	}
	if req.Priority != coderunner.PriorityOneShot {
		t.Errorf("priority = %v, want one-shot", req.Priority)
	}
}

func TestExecuteGeneratesSessionID(t *testing.T) {
	exec := &fakeExecutor{}
	ts := httptest.NewServer(newTestServer(exec, nil).Routes())
	defer ts.Close()

	body := `{"language":"python","files":[{"name":"main.py","content":"1","toBeExec":true}]}`
	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if exec.last().SessionID == "" {
		t.Error("empty sessionId not replaced with a generated one")
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   coderunner.ErrorCode
	}{
		{"input too large", coderunner.E(coderunner.CodeInputTooLarge, "too big"), 413, coderunner.CodeInputTooLarge},
		{"invalid input", coderunner.E(coderunner.CodeInputInvalid, "bad"), 400, coderunner.CodeInputInvalid},
		{"unsupported language", coderunner.E(coderunner.CodeLanguageUnsupported, "nope"), 400, coderunner.CodeLanguageUnsupported},
		{"queue full", coderunner.E(coderunner.CodeQueueFull, "full"), 429, coderunner.CodeQueueFull},
		{"queue timeout", coderunner.E(coderunner.CodeQueueTimeout, "waited"), 429, coderunner.CodeQueueTimeout},
		{"capacity", coderunner.E(coderunner.CodeCapacity, "no subnets"), 503, coderunner.CodeCapacity},
		{"container capacity", coderunner.E(coderunner.CodeContainerCapacity, "session full"), 503, coderunner.CodeContainerCapacity},
		{"runtime unavailable", coderunner.E(coderunner.CodeRuntimeUnavailable, "docker down"), 503, coderunner.CodeRuntimeUnavailable},
		{"unclassified", errors.New("boom"), 500, coderunner.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(newTestServer(&fakeExecutor{err: tt.err}, nil).Routes())
			defer ts.Close()

			body := `{"language":"python","files":[{"name":"m.py","content":"1","toBeExec":true}]}`
			resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var eb errorBody
			if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if eb.Code != tt.code {
				t.Errorf("code = %s, want %s", eb.Code, tt.code)
			}
			if eb.Message == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeExecutor{}, nil).Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(&fakeExecutor{}, nil)
	srv.cfg.FilesMaxBytes = 16 // tiny limit for the test
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	big := strings.Repeat("x", bodySlack+1024)
	resp, err := http.Post(ts.URL+"/api/execute", "application/json",
		strings.NewReader(`{"language":"python","files":[{"name":"m.py","content":"`+big+`"}]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeExecutor{}, nil).Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var st coderunner.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Version != "test" || st.UptimeMs != 42 {
		t.Errorf("status = %+v", st)
	}
}

func TestRuntimesEndpointSorted(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeExecutor{}, nil).Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runtimes")
	if err != nil {
		t.Fatalf("GET /api/runtimes: %v", err)
	}
	defer resp.Body.Close()

	var infos []runtimeInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d runtimes, want 2", len(infos))
	}
	if infos[0].Language != "c" || infos[1].Language != "python" {
		t.Errorf("order = %s, %s, want c, python", infos[0].Language, infos[1].Language)
	}
	if !infos[0].Compiled || infos[1].Compiled {
		t.Errorf("compiled flags = %v, %v", infos[0].Compiled, infos[1].Compiled)
	}
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := httptest.NewServer(newTestServer(&fakeExecutor{}, nil).Routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("engine down", func(t *testing.T) {
		down := func(context.Context) error { return errors.New("no docker") }
		ts := httptest.NewServer(newTestServer(&fakeExecutor{}, down).Routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeExecutor{}, nil).Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/execute")
	if err != nil {
		t.Fatalf("GET /api/execute: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
