package coderunner

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"classified", E(CodeQueueFull, "queue full"), CodeQueueFull},
		{"wrapped", fmt.Errorf("submit: %w", E(CodeCapacity, "no subnets")), CodeCapacity},
		{"unclassified", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetriable(t *testing.T) {
	retriable := []ErrorCode{CodeQueueFull, CodeQueueTimeout, CodeRuntimeUnavailable, CodeContainerCapacity}
	for _, code := range retriable {
		if !IsRetriable(E(code, "x")) {
			t.Errorf("IsRetriable(%s) = false, want true", code)
		}
	}
	for _, code := range []ErrorCode{CodeInputInvalid, CodeLanguageUnsupported, CodeInternal} {
		if IsRetriable(E(code, "x")) {
			t.Errorf("IsRetriable(%s) = true, want false", code)
		}
	}
	if IsRetriable(errors.New("boom")) {
		t.Error("IsRetriable(unclassified) = true, want false")
	}
}
