package pool

import (
	"errors"
	"strings"

	"github.com/igorls/comfygo/errdefs"
)

// BlockMode is the analyzer's verdict on blocking a client for the failed
// workflow.
type BlockMode string

const (
	BlockNone      BlockMode = "none"
	BlockTemporary BlockMode = "temporary"
	BlockPermanent BlockMode = "permanent"
)

// FailureType names the analyzer's classification.
type FailureType string

const (
	FailureWorkflowInvalid    FailureType = "workflow_invalid"
	FailureClientIncompatible FailureType = "client_incompatible"
	FailureTransient          FailureType = "transient"
	FailureInterrupted        FailureType = "interrupted"
	FailureUnknown            FailureType = "unknown"
)

// Analysis is the advisory verdict on one attempt failure. The scheduler
// combines it with the attempt budget and residual compatibility.
type Analysis struct {
	Retryable   bool
	BlockClient BlockMode
	Type        FailureType
	Reason      string
}

// incompatibleCodes are server error codes meaning the client lacks an
// asset the workflow needs. Another client may well have it.
var incompatibleCodes = map[string]bool{
	"value_not_in_list":  true,
	"missing_checkpoint": true,
	"missing_model":      true,
	"lora_missing":       true,
	"custom_node_failed": true,
}

// incompatiblePatterns are message substrings equivalent to the codes
// above. Matched case-insensitively.
var incompatiblePatterns = []string{
	"value_not_in_list",
	"value not in list",
	"no module named",
	"checkpoint not found",
	"model not found",
	"lora not found",
	"embedding not found",
	"missing_checkpoint",
	"missing_model",
}

// invalidCodes are server error codes meaning the workflow itself cannot
// run anywhere.
var invalidCodes = map[string]bool{
	"invalid_prompt":                    true,
	"prompt_no_outputs":                 true,
	"prompt_outputs_failed_validation":  true,
	"required_input_missing":            true,
	"bad_linked_input":                  true,
	"return_type_mismatch":              true,
	"invalid_input_type":                true,
	"exception_during_inner_validation": true,
}

// Analyze classifies err into a retry/blocking verdict. It is a pure
// function of the error value.
func Analyze(err error) Analysis {
	if err == nil {
		return Analysis{Retryable: false, BlockClient: BlockNone, Type: FailureUnknown}
	}

	var missing *errdefs.MissingNodeError
	if errors.As(err, &missing) {
		return Analysis{
			Retryable:   false,
			BlockClient: BlockNone,
			Type:        FailureWorkflowInvalid,
			Reason:      missing.Error(),
		}
	}

	var enqueue *errdefs.EnqueueFailedError
	if errors.As(err, &enqueue) {
		return analyzeEnqueue(enqueue)
	}

	var custom *errdefs.CustomEventError
	if errors.As(err, &custom) {
		if matchesIncompatible(custom.ExceptionType) || matchesIncompatible(custom.ExceptionMessage) {
			return Analysis{
				Retryable:   true,
				BlockClient: BlockPermanent,
				Type:        FailureClientIncompatible,
				Reason:      custom.Error(),
			}
		}
		return Analysis{
			Retryable:   true,
			BlockClient: BlockTemporary,
			Type:        FailureUnknown,
			Reason:      custom.Error(),
		}
	}

	var interrupted *errdefs.ExecutionInterruptedError
	if errors.As(err, &interrupted) {
		return Analysis{
			Retryable:   false,
			BlockClient: BlockNone,
			Type:        FailureInterrupted,
			Reason:      interrupted.Error(),
		}
	}

	var timeout *attemptTimeoutError
	if errors.As(err, &timeout) {
		return Analysis{
			Retryable:   true,
			BlockClient: BlockTemporary,
			Type:        FailureTransient,
			Reason:      timeout.Error(),
		}
	}

	switch {
	case errdefs.IsWentMissing(err), errdefs.IsDisconnected(err):
		return Analysis{
			Retryable:   true,
			BlockClient: BlockTemporary,
			Type:        FailureTransient,
			Reason:      err.Error(),
		}
	}

	return Analysis{
		Retryable:   true,
		BlockClient: BlockTemporary,
		Type:        FailureUnknown,
		Reason:      err.Error(),
	}
}

func analyzeEnqueue(e *errdefs.EnqueueFailedError) Analysis {
	codes, messages := enqueueDetails(e)

	for _, c := range codes {
		if incompatibleCodes[c] {
			return Analysis{
				Retryable:   true,
				BlockClient: BlockPermanent,
				Type:        FailureClientIncompatible,
				Reason:      enqueueReason(e, c),
			}
		}
	}
	for _, m := range messages {
		if matchesIncompatible(m) {
			return Analysis{
				Retryable:   true,
				BlockClient: BlockPermanent,
				Type:        FailureClientIncompatible,
				Reason:      enqueueReason(e, m),
			}
		}
	}

	for _, c := range codes {
		if invalidCodes[c] {
			return Analysis{
				Retryable:   false,
				BlockClient: BlockNone,
				Type:        FailureWorkflowInvalid,
				Reason:      enqueueReason(e, c),
			}
		}
	}

	if e.Status == 429 || e.Status >= 500 {
		return Analysis{
			Retryable:   true,
			BlockClient: BlockTemporary,
			Type:        FailureTransient,
			Reason:      e.Error(),
		}
	}

	return Analysis{
		Retryable:   true,
		BlockClient: BlockTemporary,
		Type:        FailureUnknown,
		Reason:      e.Error(),
	}
}

// enqueueDetails extracts error codes and human messages from the
// server's rejection body: the top-level error (string or {type,
// message}) plus each node_errors entry.
func enqueueDetails(e *errdefs.EnqueueFailedError) (codes, messages []string) {
	if e.Reason != "" {
		messages = append(messages, e.Reason)
	}
	if e.BodyText != "" {
		messages = append(messages, e.BodyText)
	}
	body := e.BodyJSON
	if body == nil {
		return codes, messages
	}

	switch v := body["error"].(type) {
	case string:
		codes = append(codes, v)
		messages = append(messages, v)
	case map[string]any:
		if t, ok := v["type"].(string); ok {
			codes = append(codes, t)
		}
		if m, ok := v["message"].(string); ok {
			messages = append(messages, m)
		}
	}
	if m, ok := body["message"].(string); ok {
		messages = append(messages, m)
	}

	if nodeErrs, ok := body["node_errors"].(map[string]any); ok {
		for _, ne := range nodeErrs {
			neMap, ok := ne.(map[string]any)
			if !ok {
				continue
			}
			errList, ok := neMap["errors"].([]any)
			if !ok {
				continue
			}
			for _, item := range errList {
				itemMap, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if t, ok := itemMap["type"].(string); ok {
					codes = append(codes, t)
				}
				if m, ok := itemMap["message"].(string); ok {
					messages = append(messages, m)
				}
			}
		}
	}
	return codes, messages
}

// enqueueReason prefers the flattened rejection reason so downstream
// reports keep the server's wording; the matched code or message is the
// fallback.
func enqueueReason(e *errdefs.EnqueueFailedError, matched string) string {
	if e.Reason != "" {
		return e.Reason
	}
	return matched
}

func matchesIncompatible(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, p := range incompatiblePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
