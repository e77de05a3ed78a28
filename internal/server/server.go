// Package server exposes the daemon's HTTP and WebSocket surface: the
// one-shot execute endpoint, the observability endpoints, and the
// streaming execution channel. It serves the same mux on a unix socket
// and a TCP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"coderunner"
	"coderunner/internal/check"
	"coderunner/internal/metrics"
	"coderunner/internal/settings"
	"coderunner/internal/watch"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// shutdownTimeout is 10s: in-flight HTTP requests get this long to
	// finish before the listeners are torn down.
	shutdownTimeout = 10 * time.Second
	// bodySlack is 64KiB of JSON framing allowed on top of the source
	// size limit when bounding request bodies.
	bodySlack = 64 << 10
)

// Executor is the orchestrator surface the server needs.
type Executor interface {
	Execute(ctx context.Context, req coderunner.ExecRequest) (coderunner.ExecResult, error)
	Submit(req coderunner.ExecRequest, sink coderunner.EventSink, interactive bool) error
	SendInput(sessionID, requestID, data string) error
	Stop(sessionID, requestID string)
	OnDisconnect(sessionID string)
}

// Streams tracks open streaming connections per session so the pool
// defers network teardown while a client is attached.
type Streams interface {
	RetainStream(sessionID string)
	ReleaseStream(sessionID string)
}

// Config carries the server's listen addresses and limits.
type Config struct {
	SocketPath    string
	ListenHost    string
	ListenPort    int
	FilesMaxBytes int64
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Executor Executor
	Streams  Streams
	Broker   *watch.Broker
	Status   func() coderunner.Status
	Healthy  func(ctx context.Context) error
	Runtimes map[string]settings.Runtime
}

type Server struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Server {
	check.Assert(deps.Executor != nil, "server.New: executor must not be nil")
	check.Assert(deps.Streams != nil, "server.New: streams must not be nil")
	check.Assert(deps.Broker != nil, "server.New: broker must not be nil")
	check.Assert(deps.Status != nil, "server.New: status must not be nil")
	check.Assert(deps.Healthy != nil, "server.New: healthy must not be nil")
	return &Server{cfg: cfg, deps: deps}
}

// Routes builds the HTTP mux. Exposed for httptest use.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/runtimes", s.handleRuntimes).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/api/stream", websocket.Server{Handler: s.handleStream, Handshake: acceptAnyOrigin})
	r.Handle("/api/events", websocket.Server{Handler: s.handleEvents, Handshake: acceptAnyOrigin})
	return r
}

// Browser clients connect from arbitrary lab origins; auth lives in
// front of the daemon, not here.
func acceptAnyOrigin(*websocket.Config, *http.Request) error { return nil }

// ListenAndServe serves on the unix socket and the TCP address until
// ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Handler: s.Routes()}

	// Stale socket from a previous run.
	_ = os.Remove(s.cfg.SocketPath)
	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	defer os.Remove(s.cfg.SocketPath)

	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(s.cfg.ListenPort))
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		unixLn.Close()
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	slog.Info("api server listening", "socket", s.cfg.SocketPath, "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveIgnoringShutdown(srv, unixLn) })
	g.Go(func() error { return serveIgnoringShutdown(srv, tcpLn) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return gctx.Err()
	})
	return g.Wait()
}

func serveIgnoringShutdown(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// executeRequest is the POST /api/execute body.
type executeRequest struct {
	SessionID string                  `json:"sessionId,omitempty"`
	RequestID string                  `json:"requestId,omitempty"`
	Language  string                  `json:"language"`
	EntryPath string                  `json:"entryPath,omitempty"`
	Files     []coderunner.SourceFile `json:"files"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.FilesMaxBytes+bodySlack)

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, coderunner.E(coderunner.CodeInputTooLarge, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, coderunner.E(coderunner.CodeInputInvalid, "parse request body: %v", err))
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}

	result, err := s.deps.Executor.Execute(r.Context(), coderunner.ExecRequest{
		RequestID: body.RequestID,
		SessionID: body.SessionID,
		Language:  body.Language,
		EntryPath: body.EntryPath,
		Files:     body.Files,
		Priority:  coderunner.PriorityOneShot,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status())
}

// runtimeInfo is one entry of the GET /api/runtimes response.
type runtimeInfo struct {
	Language    string `json:"language"`
	Image       string `json:"image"`
	Compiled    bool   `json:"compiled"`
	MemoryBytes int64  `json:"memoryBytes"`
}

func (s *Server) handleRuntimes(w http.ResponseWriter, r *http.Request) {
	infos := make([]runtimeInfo, 0, len(s.deps.Runtimes))
	for lang, rt := range s.deps.Runtimes {
		infos = append(infos, runtimeInfo{
			Language:    lang,
			Image:       rt.Image,
			Compiled:    len(rt.Compile) > 0,
			MemoryBytes: rt.MemoryBytes,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Language < infos[j].Language })
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Healthy(r.Context()); err != nil {
		writeError(w, coderunner.E(coderunner.CodeRuntimeUnavailable, "%v", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// errorBody is the wire shape of every HTTP error response.
type errorBody struct {
	Code    coderunner.ErrorCode `json:"code"`
	Message string               `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := coderunner.CodeOf(err)
	msg := err.Error()
	var ce *coderunner.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	writeJSON(w, httpStatus(code), errorBody{Code: code, Message: msg})
}

// httpStatus maps classified error codes onto HTTP statuses.
func httpStatus(code coderunner.ErrorCode) int {
	switch code {
	case coderunner.CodeInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case coderunner.CodeInputInvalid, coderunner.CodeLanguageUnsupported:
		return http.StatusBadRequest
	case coderunner.CodeQueueFull, coderunner.CodeQueueTimeout:
		return http.StatusTooManyRequests
	case coderunner.CodeCapacity, coderunner.CodeContainerCapacity, coderunner.CodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
