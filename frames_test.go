package coderunner

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("run", func(t *testing.T) {
		raw := `{"type":"run","sessionId":"s1","requestId":"r1","language":"python",
			"files":[{"name":"main.py","content":"print(1)","toBeExec":true}]}`
		v, err := DecodeFrame([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		f, ok := v.(*RunFrame)
		if !ok {
			t.Fatalf("decoded %T, want *RunFrame", v)
		}
		if f.SessionID != "s1" || f.Language != "python" || len(f.Files) != 1 {
			t.Errorf("frame = %+v", f)
		}
		if !f.Files[0].ToBeExec {
			t.Error("toBeExec not decoded")
		}
	})

	t.Run("input", func(t *testing.T) {
		v, err := DecodeFrame([]byte(`{"type":"input","sessionId":"s1","requestId":"r1","data":"42\n"}`))
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		f, ok := v.(*InputFrame)
		if !ok {
			t.Fatalf("decoded %T, want *InputFrame", v)
		}
		if f.Data != "42\n" {
			t.Errorf("Data = %q, want %q", f.Data, "42\n")
		}
	})

	t.Run("stop", func(t *testing.T) {
		v, err := DecodeFrame([]byte(`{"type":"stop","sessionId":"s1","requestId":"r1"}`))
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if _, ok := v.(*StopFrame); !ok {
			t.Fatalf("decoded %T, want *StopFrame", v)
		}
	})

	t.Run("exit keeps int code", func(t *testing.T) {
		v, err := DecodeFrame([]byte(`{"type":"exit","sessionId":"s1","requestId":"r1","code":124,"reason":"timeout","executionTimeMs":5000}`))
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		f, ok := v.(*ExitFrame)
		if !ok {
			t.Fatalf("decoded %T, want *ExitFrame", v)
		}
		if f.Code != 124 || f.Reason != "timeout" {
			t.Errorf("frame = %+v", f)
		}
	})

	t.Run("error keeps string code", func(t *testing.T) {
		v, err := DecodeFrame([]byte(`{"type":"error","code":"QUEUE_FULL","message":"queue full at 50 requests"}`))
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		f, ok := v.(*ErrorFrame)
		if !ok {
			t.Fatalf("decoded %T, want *ErrorFrame", v)
		}
		if f.Code != CodeQueueFull {
			t.Errorf("Code = %s, want %s", f.Code, CodeQueueFull)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		if _, err := DecodeFrame([]byte(`{"sessionId":"s1"}`)); err == nil {
			t.Fatal("frame without type accepted")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := DecodeFrame([]byte(`{"type":"telemetry"}`)); err == nil {
			t.Fatal("unknown frame type accepted")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if _, err := DecodeFrame([]byte(`{`)); err == nil {
			t.Fatal("malformed frame accepted")
		}
	})
}

func TestFrameConstructors(t *testing.T) {
	out := NewOutputFrame(OutputEvent{SessionID: "s1", RequestID: "r1", Stream: StreamStderr, Data: "oops"})
	if out.Type != FrameOutput || out.Stream != StreamStderr {
		t.Errorf("output frame = %+v", out)
	}

	exit := NewExitFrame(ExitEvent{SessionID: "s1", RequestID: "r1", Code: ExitCodeKilled, Reason: ReasonStopped})
	if exit.Type != FrameExit || exit.Code != ExitCodeKilled {
		t.Errorf("exit frame = %+v", exit)
	}

	fail := NewErrorFrame(ErrorEvent{SessionID: "s1", Code: CodeQueueTimeout, Message: "waited too long"})
	if fail.Type != FrameError || fail.Code != CodeQueueTimeout {
		t.Errorf("error frame = %+v", fail)
	}

	// A constructed frame must round-trip through DecodeFrame.
	raw, err := json.Marshal(exit)
	if err != nil {
		t.Fatalf("marshal exit frame: %v", err)
	}
	v, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	back, ok := v.(*ExitFrame)
	if !ok {
		t.Fatalf("decoded %T, want *ExitFrame", v)
	}
	if *back != exit {
		t.Errorf("round trip = %+v, want %+v", back, exit)
	}
}
