package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/igorls/comfygo/errdefs"
	"github.com/igorls/comfygo/workflow"
)

func TestPoolHappyPath(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	accepted := watch(p.Events().JobAccepted)
	started := watch(p.Events().JobStarted)
	progressed := watch(p.Events().JobProgress)
	outputs := watch(p.Events().JobOutput)
	completed := watch(p.Events().JobCompleted)
	failed := watch(p.Events().JobFailed)

	jobID, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	acc := await(t, accepted, "job:accepted")
	if acc.Job.ID != jobID || acc.Job.PromptID == "" {
		t.Fatalf("acceptance = %+v", acc.Job)
	}
	promptID := acc.Job.PromptID

	f.emit(executingEvent(promptID, "2"))
	f.emit(progressEvent(promptID, "2", 1, 1))
	f.emit(executedEvent(promptID, "2", `{"data":{"ok":true}}`))
	f.emit(successEvent(promptID))

	await(t, started, "job:started")
	prog := await(t, progressed, "job:progress")
	if prog.Value != 1 || prog.Max != 1 || prog.Node != "2" {
		t.Errorf("progress = %+v", prog)
	}
	out := await(t, outputs, "job:output")
	if out.Key != "result" {
		t.Errorf("output key = %s", out.Key)
	}

	done := await(t, completed, "job:completed")
	res := done.Job.Result
	if res == nil {
		t.Fatal("completed without result")
	}
	var payload struct {
		Data struct {
			OK bool `json:"ok"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Outputs["result"], &payload); err != nil || !payload.Data.OK {
		t.Errorf("result payload = %s (%v)", res.Outputs["result"], err)
	}
	if len(res.Nodes) != 1 || res.Nodes[0] != "2" {
		t.Errorf("result nodes = %v", res.Nodes)
	}
	if res.Aliases["2"] != "result" {
		t.Errorf("result aliases = %v", res.Aliases)
	}
	if res.PromptID != promptID {
		t.Errorf("result prompt id = %s", res.PromptID)
	}
	expectQuiet(t, failed, 100*time.Millisecond, "job:failed")

	// The terminal snapshot survives in the result store.
	snap, ok := p.Job(jobID)
	if !ok || snap.Status != StatusCompleted {
		t.Errorf("stored snapshot = %+v, %v", snap, ok)
	}
}

func TestPoolDisconnectRecovery(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	accepted := watch(p.Events().JobAccepted)
	completed := watch(p.Events().JobCompleted)
	failed := watch(p.Events().JobFailed)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	acc := await(t, accepted, "job:accepted")

	f.setHistory(acc.Job.PromptID, true, map[string]string{"2": `{"data":{"recovered":true}}`})
	f.emit(disconnectedEvent())
	f.emit(reconnectedEvent())

	done := await(t, completed, "job:completed")
	var payload struct {
		Data struct {
			Recovered bool `json:"recovered"`
		} `json:"data"`
	}
	if err := json.Unmarshal(done.Job.Result.Outputs["result"], &payload); err != nil || !payload.Data.Recovered {
		t.Errorf("recovered payload = %s (%v)", done.Job.Result.Outputs["result"], err)
	}
	expectQuiet(t, failed, 100*time.Millisecond, "job:failed")
}

func TestPoolCancellation(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	accepted := watch(p.Events().JobAccepted)
	cancelled := watch(p.Events().JobCancelled)
	completed := watch(p.Events().JobCompleted)

	jobID, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	acc := await(t, accepted, "job:accepted")

	if !p.Cancel(context.Background(), jobID) {
		t.Fatal("Cancel returned false for a running job")
	}
	ev := await(t, cancelled, "job:cancelled")
	if ev.Job.Status != StatusCancelled {
		t.Errorf("cancelled status = %s", ev.Job.Status)
	}

	ints := f.interrupted()
	if len(ints) != 1 || ints[0] != acc.Job.PromptID {
		t.Errorf("interrupts = %v, want [%s]", ints, acc.Job.PromptID)
	}

	// A late completion from the wrapper must not resurrect the job.
	f.emit(executedEvent(acc.Job.PromptID, "2", `{}`))
	f.emit(successEvent(acc.Job.PromptID))
	expectQuiet(t, completed, 100*time.Millisecond, "job:completed")
	if snap, ok := p.Job(jobID); !ok || snap.Status != StatusCancelled {
		t.Errorf("snapshot after late completion = %+v", snap)
	}

	// Cancel is point-in-time: a second call finds nothing to do.
	if p.Cancel(context.Background(), jobID) {
		t.Error("second Cancel returned true")
	}
}

func TestPoolCancelWaitingJob(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	accepted := watch(p.Events().JobAccepted)
	cancelled := watch(p.Events().JobCancelled)

	// Occupy the only client so the second job stays queued.
	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	await(t, accepted, "blocker acceptance")

	waitingID, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{})
	if err != nil {
		t.Fatalf("Enqueue waiting: %v", err)
	}
	if !p.Cancel(context.Background(), waitingID) {
		t.Fatal("Cancel returned false for a waiting job")
	}
	await(t, cancelled, "job:cancelled")
	if len(f.interrupted()) != 0 {
		t.Error("waiting-job cancel must not interrupt the server")
	}
	if p.Cancel(context.Background(), "no-such-job") {
		t.Error("Cancel of an unknown job returned true")
	}
}

func TestPoolPermanentIncompatibilityExhaustion(t *testing.T) {
	reject := func(workflow.Graph) (string, error) {
		return "", &errdefs.EnqueueFailedError{
			Status:     400,
			StatusText: "Bad Request",
			Reason:     "value_not_in_list",
			BodyJSON:   map[string]any{"error": "value_not_in_list"},
		}
	}
	fa := newFakeSession("c_a")
	fa.onPrompt = reject
	fb := newFakeSession("c_b")
	fb.onPrompt = reject
	p := newTestPool(t, Options{Logger: testLogger()}, fa, fb)

	failed := watch(p.Events().JobFailed)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{
		MaxAttempts: 4,
		RetryDelay:  time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first := await(t, failed, "first job:failed")
	if !first.WillRetry {
		t.Fatalf("first failure should retry, got %+v", first)
	}
	final := await(t, failed, "final job:failed")
	if final.WillRetry {
		t.Fatalf("final failure should be terminal, got %+v", final)
	}

	// One attempt per client, not the full attempt budget.
	if final.Job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Job.Attempts)
	}

	var wns *errdefs.WorkflowNotSupportedError
	if !errors.As(final.Job.LastError, &wns) {
		t.Fatalf("terminal error = %v", final.Job.LastError)
	}
	if len(wns.Reasons) != 2 {
		t.Fatalf("reasons = %v", wns.Reasons)
	}
	for _, id := range []string{"c_a", "c_b"} {
		reason, ok := wns.Reasons[id]
		if !ok || !strings.Contains(reason, "value_not_in_list") {
			t.Errorf("reason for %s = %q", id, reason)
		}
	}
}

func TestPoolSelectivityScheduling(t *testing.T) {
	gen := newFakeSession("gen")
	edit := newFakeSession("edit")
	p := newTestPool(t, Options{Logger: testLogger()}, gen, edit)

	genBuilder := resultBuilder("GenCheckpointLoader")
	editBuilder := resultBuilder("EditCheckpointLoader")
	p.SetAffinity(Affinity{WorkflowHash: genBuilder.Hash(), PreferredClientIDs: []string{"gen"}})
	p.SetAffinity(Affinity{WorkflowHash: editBuilder.Hash(), PreferredClientIDs: []string{"edit"}})

	accepted := watch(p.Events().JobAccepted)
	completed := watch(p.Events().JobCompleted)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Enqueue(ctx, genBuilder, JobOptions{}); err != nil {
			t.Fatalf("Enqueue gen %d: %v", i, err)
		}
	}
	if _, err := p.Enqueue(ctx, editBuilder, JobOptions{}); err != nil {
		t.Fatalf("Enqueue edit: %v", err)
	}

	// The edit job must not queue behind the second gen job: the first
	// pass binds one gen job to "gen" and the edit job to "edit".
	first := await(t, accepted, "first acceptance")
	second := await(t, accepted, "second acceptance")
	got := map[string]string{
		first.Job.WorkflowHash:  first.Job.ClientID,
		second.Job.WorkflowHash: second.Job.ClientID,
	}
	if got[genBuilder.Hash()] != "gen" || got[editBuilder.Hash()] != "edit" {
		t.Fatalf("initial assignments = %v", got)
	}

	// Completing the first gen job frees "gen" for the remaining one.
	genPrompt := first.Job.PromptID
	if first.Job.WorkflowHash != genBuilder.Hash() {
		genPrompt = second.Job.PromptID
	}
	gen.emit(executedEvent(genPrompt, "2", `{}`))
	await(t, completed, "first gen completion")

	third := await(t, accepted, "second gen acceptance")
	if third.Job.WorkflowHash != genBuilder.Hash() || third.Job.ClientID != "gen" {
		t.Errorf("third assignment = %s on %s", third.Job.WorkflowHash, third.Job.ClientID)
	}
}

func TestPoolPriorityOrdering(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	accepted := watch(p.Events().JobAccepted)
	ctx := context.Background()

	// Hold the client with a blocker so the three priority jobs are all
	// waiting before the next scheduling pass can choose.
	if _, err := p.Enqueue(ctx, resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	blocker := await(t, accepted, "blocker acceptance")

	for _, prio := range []int{1, 10, 5} {
		if _, err := p.Enqueue(ctx, resultBuilder("CheckpointLoaderSimple"), JobOptions{Priority: prio}); err != nil {
			t.Fatalf("Enqueue priority %d: %v", prio, err)
		}
	}

	finish := func(promptID string) {
		f.emit(executedEvent(promptID, "2", `{}`))
	}
	finish(blocker.Job.PromptID)

	var order []int
	for i := 0; i < 3; i++ {
		acc := await(t, accepted, fmt.Sprintf("acceptance %d", i))
		order = append(order, acc.Job.Priority)
		finish(acc.Job.PromptID)
	}
	if order[0] != 10 || order[1] != 5 || order[2] != 1 {
		t.Errorf("acceptance order = %v, want [10 5 1]", order)
	}
}

func TestPoolRetryOnTransientFailure(t *testing.T) {
	f := newFakeSession("c1")
	var calls int
	var mu sync.Mutex
	f.onPrompt = func(workflow.Graph) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", &errdefs.EnqueueFailedError{Status: 503, StatusText: "Service Unavailable"}
		}
		return "p-retry", nil
	}
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	failed := watch(p.Events().JobFailed)
	retrying := watch(p.Events().JobRetrying)
	completed := watch(p.Events().JobCompleted)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{
		RetryDelay: time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev := await(t, failed, "transient failure")
	if !ev.WillRetry {
		t.Fatalf("transient failure should retry: %+v", ev)
	}
	await(t, retrying, "job:retrying")

	f.emit(executedEvent("p-retry", "2", `{"second":true}`))
	done := await(t, completed, "completion after retry")
	if done.Job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", done.Job.Attempts)
	}
}

func TestPoolWorkflowInvalidDoesNotRetry(t *testing.T) {
	f := newFakeSession("c1")
	f.onPrompt = func(workflow.Graph) (string, error) {
		return "", &errdefs.EnqueueFailedError{
			Status:     400,
			StatusText: "Bad Request",
			Reason:     "prompt has no outputs",
			BodyJSON:   map[string]any{"error": "prompt_no_outputs"},
		}
	}
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	failed := watch(p.Events().JobFailed)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev := await(t, failed, "job:failed")
	if ev.WillRetry {
		t.Fatalf("invalid workflow must not retry: %+v", ev)
	}
	if ev.Job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", ev.Job.Attempts)
	}
	if !errdefs.IsEnqueueFailed(ev.Job.LastError) {
		t.Errorf("terminal error = %v", ev.Job.LastError)
	}
}

func TestPoolStatsAndClients(t *testing.T) {
	f := newFakeSession("c1")
	p := newTestPool(t, Options{Logger: testLogger()}, f)

	completed := watch(p.Events().JobCompleted)
	accepted := watch(p.Events().JobAccepted)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	acc := await(t, accepted, "acceptance")

	clients := p.Clients()
	if len(clients) != 1 || !clients[0].Online || !clients[0].Busy {
		t.Errorf("client statuses during run = %+v", clients)
	}

	f.emit(executedEvent(acc.Job.PromptID, "2", `{}`))
	await(t, completed, "completion")

	stats, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 || stats.Waiting != 0 || stats.Leased != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestPoolOverRealSession drives the pool through a real client.Session
// against a stub ComfyUI server: HTTP for prompt/history/queue and a
// live WebSocket for execution events.
func TestPoolOverRealSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var conns []*websocket.Conn

	writeEvent := func(typ, data string) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.WriteMessage(websocket.TextMessage,
				[]byte(fmt.Sprintf(`{"type":%q,"data":%s}`, typ, data)))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"prompt_id":"p1"}`)
		go func() {
			writeEvent("execution_start", `{"prompt_id":"p1"}`)
			writeEvent("executing", `{"node":"2","prompt_id":"p1"}`)
			writeEvent("progress", `{"value":1,"max":1,"node":"2","prompt_id":"p1"}`)
			writeEvent("executed", `{"node":"2","prompt_id":"p1","output":{"images":[{"filename":"out.png"}]}}`)
			writeEvent("execution_success", `{"prompt_id":"p1"}`)
		}()
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"p1":{"status":{"completed":true,"status_str":"success"},"outputs":{"2":{"images":[{"filename":"out.png"}]}}}}`)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"queue_pending":[],"queue_running":[[0,"p1"]]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	p, err := New([]ClientConfig{{ID: "srv", BaseURL: srv.URL}}, Options{
		Logger:              testLogger(),
		HealthCheckInterval: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Shutdown(context.Background())

	completed := watch(p.Events().JobCompleted)

	if _, err := p.Enqueue(context.Background(), resultBuilder("CheckpointLoaderSimple"), JobOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := await(t, completed, "job:completed")
	if done.Job.Result.PromptID != "p1" {
		t.Errorf("prompt id = %s", done.Job.Result.PromptID)
	}
	if !strings.Contains(string(done.Job.Result.Outputs["result"]), "out.png") {
		t.Errorf("result outputs = %s", done.Job.Result.Outputs["result"])
	}
}
