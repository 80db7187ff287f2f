// Package errdefs defines the error taxonomy shared by the client, queue,
// and pool packages. Every taxonomy error carries a stable code so callers
// can classify failures without matching message text, and all types work
// with errors.Is / errors.As through arbitrary wrapping.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class with a stable, wire-friendly name.
type Code string

const (
	CodeEnqueueFailed        Code = "enqueue_failed"
	CodeMissingNode          Code = "missing_node"
	CodeWentMissing          Code = "went_missing"
	CodeDisconnected         Code = "disconnected"
	CodeExecutionFailed      Code = "execution_failed"
	CodeCustomEvent          Code = "custom_event"
	CodeExecutionInterrupted Code = "execution_interrupted"
	CodeFailedCache          Code = "failed_cache"
	CodeWorkflowNotSupported Code = "workflow_not_supported"
)

// Queue adapter sentinels.
var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() Code
}

// CodeOf returns the taxonomy code carried by err, or "" when none is found
// in its chain.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// EnqueueFailedError reports a rejected prompt submission. Reason holds the
// server's error/message fields flattened to one line; BodyJSON carries the
// decoded body when the server responded with JSON, BodyText a snippet of
// the raw body otherwise.
type EnqueueFailedError struct {
	Status     int
	StatusText string
	Reason     string
	BodyJSON   map[string]any
	BodyText   string
}

func (e *EnqueueFailedError) Code() Code { return CodeEnqueueFailed }

func (e *EnqueueFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("prompt rejected (%d %s): %s", e.Status, e.StatusText, e.Reason)
	}
	return fmt.Sprintf("prompt rejected (%d %s)", e.Status, e.StatusText)
}

// MissingNodeError reports a workflow node or node class definition the
// server does not know. Never retryable.
type MissingNodeError struct {
	NodeID    string
	ClassType string
}

func (e *MissingNodeError) Code() Code { return CodeMissingNode }

func (e *MissingNodeError) Error() string {
	switch {
	case e.NodeID != "" && e.ClassType != "":
		return fmt.Sprintf("node %s (%s) not found", e.NodeID, e.ClassType)
	case e.ClassType != "":
		return fmt.Sprintf("node class %s not found", e.ClassType)
	default:
		return fmt.Sprintf("node %s not found", e.NodeID)
	}
}

// WentMissingError reports a prompt the server no longer tracks: absent from
// the queue snapshot and from history before execution was observed.
type WentMissingError struct {
	PromptID string
}

func (e *WentMissingError) Code() Code { return CodeWentMissing }

func (e *WentMissingError) Error() string {
	return fmt.Sprintf("prompt %s went missing: not queued, not running, no history", e.PromptID)
}

// DisconnectedError reports a connection lost past the recovery grace.
type DisconnectedError struct {
	ClientID string
	Err      error
}

func (e *DisconnectedError) Code() Code { return CodeDisconnected }

func (e *DisconnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("client %s disconnected: %v", e.ClientID, e.Err)
	}
	return fmt.Sprintf("client %s disconnected during execution", e.ClientID)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// ExecutionFailedError reports an execution that finished without producing
// every required output, even after the history fallback.
type ExecutionFailedError struct {
	PromptID     string
	MissingNodes []string
}

func (e *ExecutionFailedError) Code() Code { return CodeExecutionFailed }

func (e *ExecutionFailedError) Error() string {
	if len(e.MissingNodes) > 0 {
		return fmt.Sprintf("prompt %s finished without outputs for nodes [%s]",
			e.PromptID, strings.Join(e.MissingNodes, ", "))
	}
	return fmt.Sprintf("prompt %s finished without required outputs", e.PromptID)
}

// CustomEventError forwards a server-side execution_error verbatim.
type CustomEventError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
	Traceback        []string
}

func (e *CustomEventError) Code() Code { return CodeCustomEvent }

func (e *CustomEventError) Error() string {
	msg := e.ExceptionMessage
	if msg == "" {
		msg = "execution error"
	}
	if e.NodeID != "" {
		return fmt.Sprintf("execution error on node %s (%s): %s: %s",
			e.NodeID, e.NodeType, e.ExceptionType, msg)
	}
	return fmt.Sprintf("execution error: %s: %s", e.ExceptionType, msg)
}

// ExecutionInterruptedError reports a server-side interruption or a
// user-requested cancellation.
type ExecutionInterruptedError struct {
	PromptID string
	Reason   string
}

func (e *ExecutionInterruptedError) Code() Code { return CodeExecutionInterrupted }

func (e *ExecutionInterruptedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution interrupted: %s", e.Reason)
	}
	return "execution interrupted"
}

// FailedCacheError reports an execution_cached claim that history could not
// back with any defined output.
type FailedCacheError struct {
	PromptID string
}

func (e *FailedCacheError) Code() Code { return CodeFailedCache }

func (e *FailedCacheError) Error() string {
	return fmt.Sprintf("prompt %s reported cached outputs but history has none", e.PromptID)
}

// WorkflowNotSupportedError is synthesized when every eligible client has a
// permanent failure recorded for the workflow. Reasons maps clientID to the
// reason recorded for that client; Err wraps the last per-client error.
type WorkflowNotSupportedError struct {
	WorkflowHash string
	Reasons      map[string]string
	Err          error
}

func (e *WorkflowNotSupportedError) Code() Code { return CodeWorkflowNotSupported }

func (e *WorkflowNotSupportedError) Error() string {
	return fmt.Sprintf("workflow %s is not supported by any available client (%d clients rejected it)",
		e.WorkflowHash, len(e.Reasons))
}

func (e *WorkflowNotSupportedError) Unwrap() error { return e.Err }

// Predicates used at decision points in the pool and in user code.

func IsEnqueueFailed(err error) bool {
	var e *EnqueueFailedError
	return errors.As(err, &e)
}

func IsMissingNode(err error) bool {
	var e *MissingNodeError
	return errors.As(err, &e)
}

func IsWentMissing(err error) bool {
	var e *WentMissingError
	return errors.As(err, &e)
}

func IsDisconnected(err error) bool {
	var e *DisconnectedError
	return errors.As(err, &e)
}

func IsExecutionFailed(err error) bool {
	var e *ExecutionFailedError
	return errors.As(err, &e)
}

func IsCustomEvent(err error) bool {
	var e *CustomEventError
	return errors.As(err, &e)
}

func IsExecutionInterrupted(err error) bool {
	var e *ExecutionInterruptedError
	return errors.As(err, &e)
}

func IsFailedCache(err error) bool {
	var e *FailedCacheError
	return errors.As(err, &e)
}

func IsWorkflowNotSupported(err error) bool {
	var e *WorkflowNotSupportedError
	return errors.As(err, &e)
}
