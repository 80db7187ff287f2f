package client

import (
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantType   MessageType
		wantPrompt string
		check      func(t *testing.T, ev Event)
	}{
		{
			name:     "status",
			frame:    `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":2}},"sid":"abc"}}`,
			wantType: MsgStatus,
			check: func(t *testing.T, ev Event) {
				if ev.Status == nil || ev.Status.Status.ExecInfo.QueueRemaining != 2 {
					t.Errorf("status payload = %+v", ev.Status)
				}
			},
		},
		{
			name:       "executing with node",
			frame:      `{"type":"executing","data":{"node":"5","prompt_id":"p1"}}`,
			wantType:   MsgExecuting,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.Executing == nil || ev.Executing.Node == nil || *ev.Executing.Node != "5" {
					t.Errorf("executing payload = %+v", ev.Executing)
				}
			},
		},
		{
			name:       "executing finished",
			frame:      `{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
			wantType:   MsgExecuting,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.Executing == nil || ev.Executing.Node != nil {
					t.Errorf("expected nil node, got %+v", ev.Executing)
				}
			},
		},
		{
			name:       "progress",
			frame:      `{"type":"progress","data":{"value":3,"max":20,"prompt_id":"p1","node":"5"}}`,
			wantType:   MsgProgress,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.Progress == nil || ev.Progress.Value != 3 || ev.Progress.Max != 20 {
					t.Errorf("progress payload = %+v", ev.Progress)
				}
			},
		},
		{
			name:       "executed",
			frame:      `{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"x.png"}]}}}`,
			wantType:   MsgExecuted,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.Executed == nil || ev.Executed.Node != "9" {
					t.Fatalf("executed payload = %+v", ev.Executed)
				}
				var out map[string]any
				if err := json.Unmarshal(ev.Executed.Output, &out); err != nil {
					t.Errorf("output not JSON: %v", err)
				}
			},
		},
		{
			name:       "execution_cached",
			frame:      `{"type":"execution_cached","data":{"nodes":["2","3"],"prompt_id":"p1"}}`,
			wantType:   MsgExecutionCached,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.Cached == nil || len(ev.Cached.Nodes) != 2 {
					t.Errorf("cached payload = %+v", ev.Cached)
				}
			},
		},
		{
			name:       "execution_error",
			frame:      `{"type":"execution_error","data":{"prompt_id":"p1","node_id":"5","node_type":"KSampler","exception_type":"RuntimeError","exception_message":"CUDA out of memory","traceback":["line1"]}}`,
			wantType:   MsgExecutionError,
			wantPrompt: "p1",
			check: func(t *testing.T, ev Event) {
				if ev.ExecError == nil || ev.ExecError.ExceptionMessage != "CUDA out of memory" {
					t.Errorf("error payload = %+v", ev.ExecError)
				}
			},
		},
		{
			name:       "execution_success",
			frame:      `{"type":"execution_success","data":{"prompt_id":"p1","timestamp":123}}`,
			wantType:   MsgExecutionSuccess,
			wantPrompt: "p1",
		},
		{
			name:       "execution_interrupted",
			frame:      `{"type":"execution_interrupted","data":{"prompt_id":"p1","node_id":"5"}}`,
			wantType:   MsgExecutionInterrupted,
			wantPrompt: "p1",
		},
		{
			name:     "unknown type passes through",
			frame:    `{"type":"crystools.monitor","data":{"gpu":1}}`,
			wantType: MessageType("crystools.monitor"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeMessage([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decodeMessage() error: %v", err)
			}
			if ev.Kind != KindMessage {
				t.Errorf("Kind = %v", ev.Kind)
			}
			if ev.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", ev.Type, tt.wantType)
			}
			if ev.PromptID != tt.wantPrompt {
				t.Errorf("PromptID = %q, want %q", ev.PromptID, tt.wantPrompt)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := decodeMessage([]byte("not json")); err == nil {
		t.Error("expected error for non-JSON frame")
	}
	if _, err := decodeMessage([]byte(`{"type":"progress","data":"nope"}`)); err == nil {
		t.Error("expected error for wrong payload shape")
	}
}

func buildPreviewFrame(eventType, imageType uint32, meta []byte, image []byte) []byte {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[0:4], eventType)
	binary.BigEndian.PutUint32(frame[4:8], imageType)
	if meta != nil {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(meta)))
		frame = append(frame, lenBuf...)
		frame = append(frame, meta...)
	}
	return append(frame, image...)
}

func TestDecodeBinaryFrame(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}

	t.Run("plain preview", func(t *testing.T) {
		ev, err := decodeBinaryFrame(buildPreviewFrame(1, ImageJPEG, nil, img))
		if err != nil {
			t.Fatalf("decodeBinaryFrame() error: %v", err)
		}
		if ev.Kind != KindPreview || ev.Preview == nil {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Preview.ImageType != ImageJPEG || ev.Preview.MIMEType() != "image/jpeg" {
			t.Errorf("image type = %d", ev.Preview.ImageType)
		}
		if string(ev.Preview.Data) != string(img) {
			t.Error("image bytes mangled")
		}
		if ev.PromptID != "" || ev.Preview.Metadata != nil {
			t.Error("plain preview must not carry metadata")
		}
	})

	t.Run("metadata preview", func(t *testing.T) {
		meta := []byte(`{"prompt_id":"p7","node":"5"}`)
		ev, err := decodeBinaryFrame(buildPreviewFrame(4, ImagePNG, meta, img))
		if err != nil {
			t.Fatalf("decodeBinaryFrame() error: %v", err)
		}
		if ev.PromptID != "p7" {
			t.Errorf("PromptID = %q", ev.PromptID)
		}
		if ev.Preview.Metadata["node"] != "5" {
			t.Errorf("metadata = %v", ev.Preview.Metadata)
		}
		if string(ev.Preview.Data) != string(img) {
			t.Error("image bytes mangled after metadata block")
		}
		if ev.Preview.MIMEType() != "image/png" {
			t.Errorf("MIME = %q", ev.Preview.MIMEType())
		}
	})

	t.Run("truncated frames", func(t *testing.T) {
		if _, err := decodeBinaryFrame([]byte{0, 0, 0}); err == nil {
			t.Error("short header should fail")
		}
		if _, err := decodeBinaryFrame(buildPreviewFrame(4, 1, nil, nil)); err == nil {
			t.Error("metadata frame without length should fail")
		}
		bad := buildPreviewFrame(4, 1, []byte(`{"a":1}`), nil)
		binary.BigEndian.PutUint32(bad[8:12], 9999)
		if _, err := decodeBinaryFrame(bad); err == nil {
			t.Error("metadata length past frame end should fail")
		}
	})

	t.Run("unknown event type", func(t *testing.T) {
		if _, err := decodeBinaryFrame(buildPreviewFrame(3, 1, nil, img)); err == nil {
			t.Error("unknown binary event type should fail")
		}
	})
}
