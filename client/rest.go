package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/igorls/comfygo/errdefs"
	"github.com/igorls/comfygo/workflow"
)

const bodySnippetLimit = 500

func newRESTClient(opts Options) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.HTTPTimeout).
		SetHeader("Accept", "application/json")
}

// Prompt submits a workflow graph. On acceptance it returns the
// server-assigned prompt id; on rejection it returns an
// *errdefs.EnqueueFailedError carrying the status and decoded body.
func (s *Session) Prompt(ctx context.Context, g workflow.Graph) (string, error) {
	if len(g) == 0 {
		return "", fmt.Errorf("cannot submit an empty workflow")
	}
	body := map[string]any{
		"prompt":    g,
		"client_id": s.opts.ClientID,
	}
	var out struct {
		PromptID string `json:"prompt_id"`
	}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}
	if resp.IsError() {
		return "", enqueueError(resp)
	}
	if out.PromptID == "" {
		return "", &errdefs.EnqueueFailedError{
			Status:     resp.StatusCode(),
			StatusText: http.StatusText(resp.StatusCode()),
			Reason:     "response carried no prompt_id",
			BodyText:   snippet(string(resp.Body())),
		}
	}
	return out.PromptID, nil
}

func enqueueError(resp *resty.Response) *errdefs.EnqueueFailedError {
	e := &errdefs.EnqueueFailedError{
		Status:     resp.StatusCode(),
		StatusText: http.StatusText(resp.StatusCode()),
	}
	body := resp.Body()
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err == nil && len(decoded) > 0 {
		e.BodyJSON = decoded
		e.Reason = flattenReason(decoded)
	} else {
		e.BodyText = snippet(string(body))
		e.Reason = strings.TrimSpace(e.BodyText)
	}
	return e
}

// flattenReason collapses the server's error / message / errors[] /
// node_errors fields into one deterministic line.
func flattenReason(body map[string]any) string {
	var parts []string
	appendPart := func(p string) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}

	switch v := body["error"].(type) {
	case string:
		appendPart(v)
	case map[string]any:
		appendPart(joinFields(v, "type", "message", "details"))
	}
	if m, ok := body["message"].(string); ok {
		appendPart(m)
	}
	if list, ok := body["errors"].([]any); ok {
		for _, item := range list {
			switch e := item.(type) {
			case string:
				appendPart(e)
			case map[string]any:
				appendPart(joinFields(e, "type", "message", "details"))
			}
		}
	}
	if nodeErrs, ok := body["node_errors"].(map[string]any); ok {
		ids := make([]string, 0, len(nodeErrs))
		for id := range nodeErrs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entry, ok := nodeErrs[id].(map[string]any)
			if !ok {
				continue
			}
			list, _ := entry["errors"].([]any)
			for _, item := range list {
				if e, ok := item.(map[string]any); ok {
					appendPart(fmt.Sprintf("node %s: %s", id, joinFields(e, "type", "message", "details")))
				}
			}
		}
	}
	return strings.Join(parts, "; ")
}

func joinFields(m map[string]any, keys ...string) string {
	var vals []string
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			vals = append(vals, strings.TrimSpace(s))
		}
	}
	return strings.Join(vals, ": ")
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > bodySnippetLimit {
		return s[:bodySnippetLimit]
	}
	return s
}

// HistoryStatus is the terminal verdict stored for a prompt.
type HistoryStatus struct {
	Completed bool   `json:"completed"`
	StatusStr string `json:"status_str"`
}

// History is one prompt's stored record.
type History struct {
	Status  HistoryStatus              `json:"status"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// History fetches the stored record for promptID. found is false when the
// server has no entry yet.
func (s *Session) History(ctx context.Context, promptID string) (History, bool, error) {
	resp, err := s.rest.R().
		SetContext(ctx).
		Get("/history/" + url.PathEscape(promptID))
	if err != nil {
		return History{}, false, fmt.Errorf("failed to fetch history: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return History{}, false, nil
	}
	if resp.IsError() {
		return History{}, false, fmt.Errorf("history request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}

	body := resp.Body()
	// Servers answer either with the record itself or with a one-entry
	// map keyed by prompt id.
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(body, &keyed); err == nil {
		if raw, ok := keyed[promptID]; ok {
			var h History
			if err := json.Unmarshal(raw, &h); err == nil {
				return h, true, nil
			}
		}
	}
	var h History
	if err := json.Unmarshal(body, &h); err != nil {
		return History{}, false, fmt.Errorf("failed to decode history: %w", err)
	}
	found := h.Status.Completed || h.Status.StatusStr != "" || len(h.Outputs) > 0
	return h, found, nil
}

// QueueEntry is one [index, prompt_id, ...] tuple from GET /queue.
type QueueEntry struct {
	Position int
	PromptID string
}

func (q *QueueEntry) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) > 0 {
		var pos float64
		if err := json.Unmarshal(arr[0], &pos); err == nil {
			q.Position = int(pos)
		}
	}
	if len(arr) > 1 {
		if err := json.Unmarshal(arr[1], &q.PromptID); err != nil {
			return err
		}
	}
	return nil
}

// QueueInfo is the server's queue snapshot.
type QueueInfo struct {
	Pending []QueueEntry `json:"queue_pending"`
	Running []QueueEntry `json:"queue_running"`
}

// Has reports whether promptID is pending or running.
func (q QueueInfo) Has(promptID string) bool {
	for _, e := range q.Pending {
		if e.PromptID == promptID {
			return true
		}
	}
	for _, e := range q.Running {
		if e.PromptID == promptID {
			return true
		}
	}
	return false
}

// QueueInfo fetches the server queue snapshot. It doubles as the health
// check keep-alive.
func (s *Session) QueueInfo(ctx context.Context) (QueueInfo, error) {
	var out QueueInfo
	resp, err := s.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/queue")
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to fetch queue: %w", err)
	}
	if resp.IsError() {
		return QueueInfo{}, fmt.Errorf("queue request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}
	return out, nil
}

// Interrupt asks the server to abort execution. A non-empty promptID is
// sent in the body for servers that support targeted interrupts; others
// interrupt the currently running prompt.
func (s *Session) Interrupt(ctx context.Context, promptID string) error {
	req := s.rest.R().SetContext(ctx)
	if promptID != "" {
		req.SetBody(map[string]string{"prompt_id": promptID})
	}
	resp, err := req.Post("/interrupt")
	if err != nil {
		return fmt.Errorf("failed to interrupt: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("interrupt request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}
	return nil
}

// UploadResult describes where the server stored an uploaded image.
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// StoredPath is the value to wire into an image-loading node input.
func (u UploadResult) StoredPath() string {
	if u.Subfolder != "" {
		return u.Subfolder + "/" + u.Name
	}
	return u.Name
}

// UploadImage stores an image on the server ahead of submission.
func (s *Session) UploadImage(ctx context.Context, filename string, data []byte, overwrite bool) (UploadResult, error) {
	var out UploadResult
	resp, err := s.rest.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(data)).
		SetFormData(map[string]string{
			"type":      "input",
			"overwrite": fmt.Sprintf("%t", overwrite),
		}).
		SetResult(&out).
		Post("/upload/image")
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to upload image: %w", err)
	}
	if resp.IsError() {
		return UploadResult{}, fmt.Errorf("image upload failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}
	if out.Name == "" {
		out.Name = filename
	}
	return out, nil
}

/// NodeClass describes one node type: input specs by category and the
// ordered output type list. It is the contract bypass rewiring relies on.
type NodeClass struct {
	Input       map[string]map[string]json.RawMessage `json:"input"`
	InputOrder  map[string][]string                   `json:"input_order"`
	Output      []string                              `json:"output"`
	OutputName  []string                              `json:"output_name"`
	Name        string                                `json:"name"`
	DisplayName string                                `json:"display_name"`
}

// InputType returns the wire type of the named input ("MODEL", "LATENT",
// ...) or "" for value inputs such as combo lists and primitives.
func (nc NodeClass) InputType(name string) string {
	for _, category := range [...]string{"required", "optional"} {
		spec, ok := nc.Input[category][name]
		if !ok {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(spec, &arr); err != nil || len(arr) == 0 {
			return ""
		}
		var typ string
		if err := json.Unmarshal(arr[0], &typ); err != nil {
			return ""
		}
		return typ
	}
	return ""
}

// OrderedInputs lists input names, required before optional, in the
// server's declared order when available.
func (nc NodeClass) OrderedInputs() []string {
	var out []string
	for _, category := range [...]string{"required", "optional"} {
		if order, ok := nc.InputOrder[category]; ok {
			out = append(out, order...)
			continue
		}
		names := make([]string, 0, len(nc.Input[category]))
		for name := range nc.Input[category] {
			names = append(names, name)
		}
		sort.Strings(names)
		out = append(out, names...)
	}
	return out
}

// NodeClass fetches the definition of one node class. A missing class
// yields an *errdefs.MissingNodeError.
func (s *Session) NodeClass(ctx context.Context, classType string) (NodeClass, error) {
	resp, err := s.rest.R().
		SetContext(ctx).
		Get("/object_info/" + url.PathEscape(classType))
	if err != nil {
		return NodeClass{}, fmt.Errorf("failed to fetch node class: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return NodeClass{}, &errdefs.MissingNodeError{ClassType: classType}
	}
	if resp.IsError() {
		return NodeClass{}, fmt.Errorf("node class request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}
	var keyed map[string]NodeClass
	if err := json.Unmarshal(resp.Body(), &keyed); err != nil {
		return NodeClass{}, fmt.Errorf("failed to decode node class: %w", err)
	}
	nc, ok := keyed[classType]
	if !ok {
		return NodeClass{}, &errdefs.MissingNodeError{ClassType: classType}
	}
	return nc, nil
}

// DeviceStats is one accelerator's memory report.
type DeviceStats struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	VRAMTotal uint64 `json:"vram_total"`
	VRAMFree  uint64 `json:"vram_free"`
}

// SystemStats is the server's self-description.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		RAMTotal       uint64 `json:"ram_total"`
		RAMFree        uint64 `json:"ram_free"`
		ComfyUIVersion string `json:"comfyui_version"`
		PythonVersion  string `json:"python_version"`
	} `json:"system"`
	Devices []DeviceStats `json:"devices"`
}

// SystemStats fetches GET /system_stats.
func (s *Session) SystemStats(ctx context.Context) (SystemStats, error) {
	var out SystemStats
	resp, err := s.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/system_stats")
	if err != nil {
		return SystemStats{}, fmt.Errorf("failed to fetch system stats: %w", err)
	}
	if resp.IsError() {
		return SystemStats{}, fmt.Errorf("system stats request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
	}
	return out, nil
}

// Features fetches the server's feature-flag map and caches it. Servers
// without the endpoint report no features.
func (s *Session) Features(ctx context.Context) (map[string]any, error) {
	resp, err := s.rest.R().
		SetContext(ctx).
		Get("/features")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch features: %w", err)
	}
	features := map[string]any{}
	if resp.StatusCode() != http.StatusNotFound {
		if resp.IsError() {
			return nil, fmt.Errorf("features request failed: %d %s", resp.StatusCode(), snippet(string(resp.Body())))
		}
		if err := json.Unmarshal(resp.Body(), &features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
	}
	s.mu.Lock()
	s.features = features
	s.mu.Unlock()
	return features, nil
}

// SupportsPreviewMeta reports whether the server advertised the
// supports_preview_metadata feature. It reads the cache populated on
// connect or by Features.
func (s *Session) SupportsPreviewMeta() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.features["supports_preview_metadata"].(bool)
	return ok && v
}
