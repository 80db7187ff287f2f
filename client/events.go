package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ConnState is the session's connection state machine.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ConnEvent names a connection lifecycle transition delivered to
// subscribers.
type ConnEvent string

const (
	ConnConnected          ConnEvent = "connected"
	ConnReconnected        ConnEvent = "reconnected"
	ConnDisconnected       ConnEvent = "disconnected"
	ConnReconnectionFailed ConnEvent = "reconnection_failed"
)

// MessageType names a JSON event from the server's text frames.
type MessageType string

const (
	MsgStatus               MessageType = "status"
	MsgExecuting            MessageType = "executing"
	MsgExecutionStart       MessageType = "execution_start"
	MsgExecutionCached      MessageType = "execution_cached"
	MsgProgress             MessageType = "progress"
	MsgExecuted             MessageType = "executed"
	MsgExecutionSuccess     MessageType = "execution_success"
	MsgExecutionError       MessageType = "execution_error"
	MsgExecutionInterrupted MessageType = "execution_interrupted"
)

// EventKind distinguishes the three frame families a subscriber can see.
type EventKind int

const (
	// KindConnection marks connect/disconnect transitions synthesized by
	// the session itself.
	KindConnection EventKind = iota
	// KindMessage marks a decoded JSON event from a text frame.
	KindMessage
	// KindPreview marks a binary preview frame.
	KindPreview
)

// Event is the tagged union delivered on subscriber channels. Exactly one
// family of fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	// Connection events.
	Conn ConnEvent
	Err  error

	// Message events. PromptID is set for every execution-scoped event;
	// status frames leave it empty. Raw preserves the undecoded data
	// payload.
	Type        MessageType
	PromptID    string
	Status      *StatusData
	Executing   *ExecutingData
	Start       *ExecutionStartData
	Cached      *CachedData
	Progress    *Progress
	Executed    *ExecutedData
	ExecError   *ExecutionErrorData
	Interrupted *InterruptedData
	Raw         json.RawMessage

	// Preview frames. PromptID is set only when metadata carries one.
	Preview *Preview
}

// StatusData is the server's queue heartbeat.
type StatusData struct {
	SID    string `json:"sid,omitempty"`
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// ExecutingData reports the node currently running. A nil Node means the
// prompt finished executing.
type ExecutingData struct {
	Node        *string `json:"node"`
	DisplayNode string  `json:"display_node,omitempty"`
	PromptID    string  `json:"prompt_id"`
}

// ExecutionStartData marks acceptance into execution.
type ExecutionStartData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// CachedData lists nodes whose outputs were served from the server cache.
type CachedData struct {
	Nodes     []string `json:"nodes"`
	PromptID  string   `json:"prompt_id"`
	Timestamp int64    `json:"timestamp"`
}

// Progress is a sampler step report.
type Progress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

// ExecutedData carries one node's outputs.
type ExecutedData struct {
	Node        string          `json:"node"`
	DisplayNode string          `json:"display_node,omitempty"`
	PromptID    string          `json:"prompt_id"`
	Output      json.RawMessage `json:"output"`
}

// ExecutionErrorData is the server's exception report.
type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionType    string   `json:"exception_type"`
	ExceptionMessage string   `json:"exception_message"`
	Traceback        []string `json:"traceback"`
}

// InterruptedData reports a server-side interruption.
type InterruptedData struct {
	PromptID string   `json:"prompt_id"`
	NodeID   string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

// Image sub-types inside binary preview frames.
const (
	ImageJPEG = 1
	ImagePNG  = 2
)

// Binary frame event types.
const (
	binaryEventPreview     = 1
	binaryEventPreviewMeta = 4
)

// Preview is a decoded binary preview frame. Metadata is nil for plain
// previews; metadata previews are only sent by servers advertising
// supports_preview_metadata.
type Preview struct {
	ImageType int
	Data      []byte
	Metadata  map[string]any
}

// MIMEType maps the frame's image sub-type to a media type.
func (p *Preview) MIMEType() string {
	switch p.ImageType {
	case ImageJPEG:
		return "image/jpeg"
	case ImagePNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// decodeMessage parses one text frame into an Event. Unknown event types
// decode to a bare message event carrying only Type and Raw.
func decodeMessage(data []byte) (Event, error) {
	var env struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode event frame: %w", err)
	}

	ev := Event{Kind: KindMessage, Type: env.Type, Raw: env.Data}
	switch env.Type {
	case MsgStatus:
		var d StatusData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode status event: %w", err)
		}
		ev.Status = &d
	case MsgExecuting:
		var d ExecutingData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode executing event: %w", err)
		}
		ev.Executing = &d
		ev.PromptID = d.PromptID
	case MsgExecutionStart:
		var d ExecutionStartData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode execution_start event: %w", err)
		}
		ev.Start = &d
		ev.PromptID = d.PromptID
	case MsgExecutionCached:
		var d CachedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode execution_cached event: %w", err)
		}
		ev.Cached = &d
		ev.PromptID = d.PromptID
	case MsgProgress:
		var d Progress
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode progress event: %w", err)
		}
		ev.Progress = &d
		ev.PromptID = d.PromptID
	case MsgExecuted:
		var d ExecutedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode executed event: %w", err)
		}
		ev.Executed = &d
		ev.PromptID = d.PromptID
	case MsgExecutionError:
		var d ExecutionErrorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode execution_error event: %w", err)
		}
		ev.ExecError = &d
		ev.PromptID = d.PromptID
	case MsgExecutionInterrupted:
		var d InterruptedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode execution_interrupted event: %w", err)
		}
		ev.Interrupted = &d
		ev.PromptID = d.PromptID
	case MsgExecutionSuccess:
		var d struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("failed to decode execution_success event: %w", err)
		}
		ev.PromptID = d.PromptID
	}
	return ev, nil
}

// decodeBinaryFrame parses a preview frame: a u32be event type and u32be
// image sub-type, then for metadata previews a u32be length-prefixed JSON
// block, then the image bytes.
func decodeBinaryFrame(data []byte) (Event, error) {
	if len(data) < 8 {
		return Event{}, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	eventType := binary.BigEndian.Uint32(data[0:4])
	imageType := int(binary.BigEndian.Uint32(data[4:8]))
	rest := data[8:]

	switch eventType {
	case binaryEventPreview:
		return Event{
			Kind:    KindPreview,
			Preview: &Preview{ImageType: imageType, Data: rest},
		}, nil

	case binaryEventPreviewMeta:
		if len(rest) < 4 {
			return Event{}, fmt.Errorf("metadata preview frame truncated before length")
		}
		metaLen := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < metaLen {
			return Event{}, fmt.Errorf("metadata preview frame truncated: want %d metadata bytes, have %d", metaLen, len(rest))
		}
		var meta map[string]any
		if err := json.Unmarshal(rest[:metaLen], &meta); err != nil {
			return Event{}, fmt.Errorf("failed to decode preview metadata: %w", err)
		}
		ev := Event{
			Kind:    KindPreview,
			Preview: &Preview{ImageType: imageType, Data: rest[metaLen:], Metadata: meta},
		}
		if id, ok := meta["prompt_id"].(string); ok {
			ev.PromptID = id
		}
		return ev, nil

	default:
		return Event{}, fmt.Errorf("unknown binary event type %d", eventType)
	}
}
