package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/igorls/comfygo/client"
	"github.com/igorls/comfygo/events"
	"github.com/igorls/comfygo/workflow"
)

// fakeSession is a scripted stand-in for client.Session. Tests drive it
// by installing an onPrompt hook, seeding history, and emitting events.
type fakeSession struct {
	id string

	mu          sync.Mutex
	subs        map[int]chan client.Event
	nextSub     int
	promptSeq   int
	onPrompt    func(g workflow.Graph) (string, error)
	prompts     []workflow.Graph
	history     map[string]client.History
	queueInfo   client.QueueInfo
	queueErr    error
	interrupts  []string
	uploads     []string
	nodeClasses map[string]client.NodeClass
	previewMeta bool
	closed      bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:          id,
		subs:        make(map[int]chan client.Event),
		history:     make(map[string]client.History),
		nodeClasses: make(map[string]client.NodeClass),
	}
}

func (f *fakeSession) ClientID() string { return f.id }
func (f *fakeSession) BaseURL() string  { return "http://" + f.id }

func (f *fakeSession) Connect(ctx context.Context) error { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return nil
}

func (f *fakeSession) AbortReconnect() {}

func (f *fakeSession) State() client.ConnState { return client.StateConnected }

func (f *fakeSession) Subscribe() (<-chan client.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan client.Event, 128)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.nextSub++
	id := f.nextSub
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *fakeSession) emit(ev client.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func (f *fakeSession) Prompt(ctx context.Context, g workflow.Graph) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, g.Clone())
	hook := f.onPrompt
	f.promptSeq++
	seq := f.promptSeq
	f.mu.Unlock()
	if hook != nil {
		return hook(g)
	}
	return fmt.Sprintf("%s-p%d", f.id, seq), nil
}

func (f *fakeSession) setHistory(promptID string, completed bool, outputs map[string]string) {
	h := client.History{
		Status:  client.HistoryStatus{Completed: completed},
		Outputs: make(map[string]json.RawMessage),
	}
	if completed {
		h.Status.StatusStr = "success"
	}
	for node, raw := range outputs {
		h.Outputs[node] = json.RawMessage(raw)
	}
	f.mu.Lock()
	f.history[promptID] = h
	f.mu.Unlock()
}

func (f *fakeSession) History(ctx context.Context, promptID string) (client.History, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[promptID]
	return h, ok, nil
}

func (f *fakeSession) QueueInfo(ctx context.Context) (client.QueueInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueInfo, f.queueErr
}

func (f *fakeSession) Interrupt(ctx context.Context, promptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, promptID)
	return nil
}

func (f *fakeSession) interrupted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.interrupts...)
}

func (f *fakeSession) UploadImage(ctx context.Context, filename string, data []byte, overwrite bool) (client.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return client.UploadResult{Name: filename, Subfolder: "uploads"}, nil
}

func (f *fakeSession) NodeClass(ctx context.Context, classType string) (client.NodeClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nc, ok := f.nodeClasses[classType]
	if !ok {
		return client.NodeClass{}, fmt.Errorf("no scripted class %s", classType)
	}
	return nc, nil
}

func (f *fakeSession) SupportsPreviewMeta() bool { return f.previewMeta }

// Event constructors for scripted sequences.

func executingEvent(promptID, node string) client.Event {
	return client.Event{
		Kind:      client.KindMessage,
		Type:      client.MsgExecuting,
		PromptID:  promptID,
		Executing: &client.ExecutingData{Node: &node, PromptID: promptID},
	}
}

func executingDoneEvent(promptID string) client.Event {
	return client.Event{
		Kind:      client.KindMessage,
		Type:      client.MsgExecuting,
		PromptID:  promptID,
		Executing: &client.ExecutingData{Node: nil, PromptID: promptID},
	}
}

func progressEvent(promptID, node string, value, max int) client.Event {
	return client.Event{
		Kind:     client.KindMessage,
		Type:     client.MsgProgress,
		PromptID: promptID,
		Progress: &client.Progress{Value: value, Max: max, PromptID: promptID, Node: node},
	}
}

func executedEvent(promptID, node, output string) client.Event {
	return client.Event{
		Kind:     client.KindMessage,
		Type:     client.MsgExecuted,
		PromptID: promptID,
		Executed: &client.ExecutedData{Node: node, PromptID: promptID, Output: json.RawMessage(output)},
	}
}

func successEvent(promptID string) client.Event {
	return client.Event{Kind: client.KindMessage, Type: client.MsgExecutionSuccess, PromptID: promptID}
}

func cachedEvent(promptID string, nodes ...string) client.Event {
	return client.Event{
		Kind:     client.KindMessage,
		Type:     client.MsgExecutionCached,
		PromptID: promptID,
		Cached:   &client.CachedData{Nodes: nodes, PromptID: promptID},
	}
}

func disconnectedEvent() client.Event {
	return client.Event{Kind: client.KindConnection, Conn: client.ConnDisconnected}
}

func reconnectedEvent() client.Event {
	return client.Event{Kind: client.KindConnection, Conn: client.ConnReconnected}
}

// newTestPool builds a started pool over fake sessions, with health
// checks off and teardown registered.
func newTestPool(t *testing.T, opts Options, fakes ...*fakeSession) *Pool {
	t.Helper()
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = -1
	}
	p := newPool(opts.withDefaults())
	for _, f := range fakes {
		p.mgr.register(f.id, f)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

// watch buffers a topic's emissions for assertion.
func watch[T any](tp *events.Topic[T]) <-chan T {
	ch := make(chan T, 64)
	tp.On(func(v T) { ch <- v })
	return ch
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectQuiet[T any](t *testing.T, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(d):
	}
}

// simpleGraph is a two-node workflow: a loader feeding a save node.
func simpleGraph(loaderClass string) workflow.Graph {
	return workflow.Graph{
		"1": {ClassType: loaderClass, Inputs: map[string]any{"ckpt_name": "model.safetensors"}},
		"2": {ClassType: "SaveImage", Inputs: map[string]any{"images": workflow.Ref("1", 0)}},
	}
}

func resultBuilder(loaderClass string) *workflow.Builder {
	return workflow.NewBuilder(simpleGraph(loaderClass)).Output("2", "result")
}

func testLogger() *zap.Logger { return zap.NewNop() }
