package coderunner

import (
	"encoding/json"
	"fmt"
)

// Streaming-channel frames. Each frame is a JSON object whose "type"
// field selects the shape; both exit.code (int) and error.code (string)
// exist on the wire, so frames are distinct structs rather than one
// envelope.
//
// Client → server: run, input, stop.
// Server → client: session (connection preamble), output, exit, error.

const (
	FrameRun     = "run"
	FrameInput   = "input"
	FrameStop    = "stop"
	FrameSession = "session"
	FrameOutput  = "output"
	FrameExit    = "exit"
	FrameError   = "error"
)

type RunFrame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId"`
	RequestID string       `json:"requestId"`
	Language  string       `json:"language"`
	EntryPath string       `json:"entryPath,omitempty"`
	Files     []SourceFile `json:"files"`
}

type InputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Data      string `json:"data"`
}

type StopFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// SessionFrame announces the connection's session id right after the
// handshake, before any client frame is processed.
type SessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type OutputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

type ExitFrame struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	RequestID       string `json:"requestId"`
	Code            int    `json:"code"`
	Reason          string `json:"reason,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

type ErrorFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

// NewOutputFrame wraps an OutputEvent for the wire.
func NewOutputFrame(ev OutputEvent) OutputFrame {
	return OutputFrame{
		Type:      FrameOutput,
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Stream:    ev.Stream,
		Data:      ev.Data,
	}
}

// NewExitFrame wraps an ExitEvent for the wire.
func NewExitFrame(ev ExitEvent) ExitFrame {
	return ExitFrame{
		Type:            FrameExit,
		SessionID:       ev.SessionID,
		RequestID:       ev.RequestID,
		Code:            ev.Code,
		Reason:          ev.Reason,
		ExecutionTimeMs: ev.ExecutionTimeMs,
	}
}

// NewErrorFrame wraps an ErrorEvent for the wire.
func NewErrorFrame(ev ErrorEvent) ErrorFrame {
	return ErrorFrame{
		Type:      FrameError,
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Code:      ev.Code,
		Message:   ev.Message,
	}
}

// DecodeFrame parses one raw frame into its typed struct. The returned
// value is one of *RunFrame, *InputFrame, *StopFrame, *SessionFrame,
// *OutputFrame, *ExitFrame, *ErrorFrame.
func DecodeFrame(raw []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	var v any
	switch head.Type {
	case FrameRun:
		v = &RunFrame{}
	case FrameInput:
		v = &InputFrame{}
	case FrameStop:
		v = &StopFrame{}
	case FrameSession:
		v = &SessionFrame{}
	case FrameOutput:
		v = &OutputFrame{}
	case FrameExit:
		v = &ExitFrame{}
	case FrameError:
		v = &ErrorFrame{}
	case "":
		return nil, fmt.Errorf("frame has no type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", head.Type)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("parse %s frame: %w", head.Type, err)
	}
	return v, nil
}
