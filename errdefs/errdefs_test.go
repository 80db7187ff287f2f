package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"enqueue failed", &EnqueueFailedError{Status: 400}, CodeEnqueueFailed},
		{"missing node", &MissingNodeError{NodeID: "4"}, CodeMissingNode},
		{"went missing", &WentMissingError{PromptID: "p1"}, CodeWentMissing},
		{"disconnected", &DisconnectedError{ClientID: "c1"}, CodeDisconnected},
		{"execution failed", &ExecutionFailedError{PromptID: "p1"}, CodeExecutionFailed},
		{"custom event", &CustomEventError{ExceptionType: "RuntimeError"}, CodeCustomEvent},
		{"interrupted", &ExecutionInterruptedError{}, CodeExecutionInterrupted},
		{"failed cache", &FailedCacheError{PromptID: "p1"}, CodeFailedCache},
		{"not supported", &WorkflowNotSupportedError{WorkflowHash: "h"}, CodeWorkflowNotSupported},
		{"plain error", errors.New("nope"), Code("")},
		{"nil-safe wrap", fmt.Errorf("attempt 2: %w", &WentMissingError{PromptID: "p2"}), CodeWentMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPredicatesThroughWrapping(t *testing.T) {
	base := &EnqueueFailedError{Status: 400, StatusText: "Bad Request", Reason: "value_not_in_list"}
	wrapped := fmt.Errorf("submitting job j1: %w", base)

	if !IsEnqueueFailed(wrapped) {
		t.Error("IsEnqueueFailed should see through fmt.Errorf wrapping")
	}
	if IsMissingNode(wrapped) {
		t.Error("IsMissingNode should not match an EnqueueFailedError")
	}

	var target *EnqueueFailedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to extract EnqueueFailedError")
	}
	if target.Reason != "value_not_in_list" {
		t.Errorf("extracted Reason = %q", target.Reason)
	}
}

func TestUnwrapChains(t *testing.T) {
	inner := errors.New("read tcp: connection reset")
	disc := &DisconnectedError{ClientID: "c1", Err: inner}

	if !errors.Is(disc, inner) {
		t.Error("DisconnectedError should unwrap to its cause")
	}

	last := &EnqueueFailedError{Status: 400, Reason: "missing_checkpoint"}
	ns := &WorkflowNotSupportedError{
		WorkflowHash: "ab12",
		Reasons:      map[string]string{"c1": "missing_checkpoint"},
		Err:          last,
	}
	if !IsEnqueueFailed(ns) {
		t.Error("WorkflowNotSupportedError should unwrap to the last per-client error")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{
			&EnqueueFailedError{Status: 400, StatusText: "Bad Request", Reason: "value_not_in_list"},
			"prompt rejected (400 Bad Request): value_not_in_list",
		},
		{
			&MissingNodeError{NodeID: "7", ClassType: "KSampler"},
			"node 7 (KSampler) not found",
		},
		{
			&ExecutionFailedError{PromptID: "p9", MissingNodes: []string{"2", "5"}},
			"prompt p9 finished without outputs for nodes [2, 5]",
		},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
