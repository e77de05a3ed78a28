package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"coderunner"
	"coderunner/internal/settings"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// handleStream drives one streaming execution connection. The session
// id comes from the ?session= query parameter or is generated; either
// way a session frame announces it before any client frame is read.
func (s *Server) handleStream(conn *websocket.Conn) {
	defer conn.Close()

	sink := &wsSink{conn: conn}

	sessionID := conn.Request().URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := settings.ValidateSessionID(sessionID); err != nil {
		sink.Error(coderunner.ErrorEvent{Code: coderunner.CodeOf(err), Message: err.Error()})
		return
	}

	s.deps.Streams.RetainStream(sessionID)
	defer s.deps.Streams.ReleaseStream(sessionID)
	defer s.deps.Executor.OnDisconnect(sessionID)

	sink.send(coderunner.SessionFrame{Type: coderunner.FrameSession, SessionID: sessionID})
	slog.Debug("stream opened", "session", sessionID)
	defer slog.Debug("stream closed", "session", sessionID)

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			return
		}
		frame, err := coderunner.DecodeFrame(raw)
		if err != nil {
			sink.Error(coderunner.ErrorEvent{
				SessionID: sessionID,
				Code:      coderunner.CodeInputInvalid,
				Message:   err.Error(),
			})
			continue
		}

		switch f := frame.(type) {
		case *coderunner.RunFrame:
			if f.SessionID != "" && f.SessionID != sessionID {
				sink.Error(coderunner.ErrorEvent{
					SessionID: sessionID, RequestID: f.RequestID,
					Code:    coderunner.CodeInputInvalid,
					Message: "run frame names a different session",
				})
				continue
			}
			req := coderunner.ExecRequest{
				RequestID: f.RequestID,
				SessionID: sessionID,
				Language:  f.Language,
				EntryPath: f.EntryPath,
				Files:     f.Files,
				Priority:  coderunner.PriorityInteractive,
			}
			if err := s.deps.Executor.Submit(req, sink, true); err != nil {
				var ce *coderunner.Error
				msg := err.Error()
				if errors.As(err, &ce) {
					msg = ce.Message
				}
				sink.Error(coderunner.ErrorEvent{
					SessionID: sessionID, RequestID: f.RequestID,
					Code: coderunner.CodeOf(err), Message: msg,
				})
			}
		case *coderunner.InputFrame:
			if err := s.deps.Executor.SendInput(sessionID, f.RequestID, f.Data); err != nil {
				sink.Error(coderunner.ErrorEvent{
					SessionID: sessionID, RequestID: f.RequestID,
					Code: coderunner.CodeOf(err), Message: err.Error(),
				})
			}
		case *coderunner.StopFrame:
			s.deps.Executor.Stop(sessionID, f.RequestID)
		default:
			sink.Error(coderunner.ErrorEvent{
				SessionID: sessionID,
				Code:      coderunner.CodeInputInvalid,
				Message:   "frame type not accepted on this channel",
			})
		}
	}
}

// handleEvents streams the activity feed until the client goes away.
func (s *Server) handleEvents(conn *websocket.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read pump only detects disconnect; clients send nothing.
	go func() {
		defer cancel()
		var raw []byte
		for websocket.Message.Receive(conn, &raw) == nil {
		}
	}()

	for ev := range s.deps.Broker.Subscribe(ctx) {
		if err := websocket.JSON.Send(conn, ev); err != nil {
			return
		}
	}
}

// wsSink serializes a request's event stream onto one WebSocket
// connection. The mutex keeps concurrent tasks from interleaving
// frames.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := websocket.JSON.Send(s.conn, v); err != nil {
		slog.Debug("stream send failed", "err", err)
	}
}

func (s *wsSink) Output(ev coderunner.OutputEvent) { s.send(coderunner.NewOutputFrame(ev)) }
func (s *wsSink) Exit(ev coderunner.ExitEvent)     { s.send(coderunner.NewExitFrame(ev)) }
func (s *wsSink) Error(ev coderunner.ErrorEvent)   { s.send(coderunner.NewErrorFrame(ev)) }
