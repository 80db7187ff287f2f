package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/igorls/comfygo/client"
	"github.com/igorls/comfygo/errdefs"
	"github.com/igorls/comfygo/workflow"
)

// disconnectGrace bounds how long an attempt survives a dropped socket
// before failing, counted from the disconnect event.
const disconnectGrace = 5 * time.Second

// History fallback budget after execution_success or a full cache claim:
// fallbackPollLimit polls, fallbackPollDelay apart.
const (
	fallbackPollLimit = 3
	fallbackPollDelay = 150 * time.Millisecond
)

type execStatus int

const (
	execNotStarted execStatus = iota
	execPending
	execExecuting
	execCompleted
	execFailed
	execCancelled
)

// executionReporter receives attempt-scoped notifications. The pool's
// implementation re-emits them as job events; callbacks run on the
// attempt goroutine.
type executionReporter interface {
	Pending(promptID string)
	Started(promptID string)
	Progress(p client.Progress)
	Preview(p client.Preview, promptID string)
	Output(key string, data json.RawMessage)
}

// attemptTimeoutError marks a start or per-node timeout. Both classify as
// transient.
type attemptTimeoutError struct {
	phase   string
	timeout time.Duration
	node    string
}

func (e *attemptTimeoutError) Error() string {
	if e.phase == "start" {
		return fmt.Sprintf("execution did not start within %s", e.timeout)
	}
	if e.node != "" {
		return fmt.Sprintf("node %s made no progress within %s", e.node, e.timeout)
	}
	return fmt.Sprintf("execution made no progress within %s", e.timeout)
}

type executionConfig struct {
	log      *zap.Logger
	sess     session
	reporter executionReporter

	graph       workflow.Graph
	outputNodes []string
	aliases     map[string]string
	bypass      []string
	attachments []workflow.Attachment
	include     []string

	// startTimeout and nodeTimeout of zero disable the respective timer.
	startTimeout time.Duration
	nodeTimeout  time.Duration
	profiling    bool
}

// execution drives one attempt of one job on one session: prepare and
// submit the workflow, follow the event stream by prompt id, collect
// outputs, and recover through history when the stream drops. A fresh
// execution is built per attempt; run is called exactly once.
type execution struct {
	executionConfig

	mu           sync.Mutex
	status       execStatus
	promptID     string
	cancelReason string
	cancelCh     chan struct{}

	// Attempt state below is owned by the run goroutine.
	work            workflow.Graph
	autoSeeds       map[string]int64
	outputSet       map[string]bool
	remaining       map[string]bool
	collected       map[string]json.RawMessage
	cached          map[string]bool
	started         bool
	recovering      bool
	disconnectCause error
	fallback        bool
	fallbackPolls   int
	cacheClaim      bool
	lastNode        string

	profile     map[string]time.Duration
	currentNode string
	nodeSince   time.Time
	runSince    time.Time
}

func newExecution(cfg executionConfig) *execution {
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	return &execution{
		executionConfig: cfg,
		cancelCh:        make(chan struct{}),
	}
}

// cancel aborts the attempt. Idempotent; a no-op once the attempt reached
// a terminal state.
func (e *execution) cancel(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case execCompleted, execFailed, execCancelled:
		return
	}
	e.status = execCancelled
	e.cancelReason = reason
	close(e.cancelCh)
}

// currentPromptID returns the server-assigned id, or "" before acceptance.
func (e *execution) currentPromptID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promptID
}

// run executes the attempt and returns its outputs or its failure. It
// never panics past this frame and returns exactly once.
func (e *execution) run(ctx context.Context) (*Result, error) {
	res, err := e.attempt(ctx)
	e.mu.Lock()
	if e.status != execCancelled {
		if err == nil {
			e.status = execCompleted
		} else {
			e.status = execFailed
		}
	}
	e.mu.Unlock()
	return res, err
}

func (e *execution) attempt(ctx context.Context) (*Result, error) {
	// Subscribe before submission so no event can slip past.
	events, unsub := e.sess.Subscribe()
	defer unsub()

	if err := e.prepare(ctx); err != nil {
		return nil, err
	}
	e.runSince = time.Now()

	promptID, err := e.sess.Prompt(ctx, e.work)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.status == execCancelled {
		reason := e.cancelReason
		e.mu.Unlock()
		return nil, &errdefs.ExecutionInterruptedError{PromptID: promptID, Reason: reason}
	}
	e.status = execPending
	e.promptID = promptID
	e.mu.Unlock()

	e.reporter.Pending(promptID)
	return e.follow(ctx, events)
}

// prepare clones the workflow and applies the submission-time rewrites:
// bypass rewiring, attachment uploads, and seed randomization.
func (e *execution) prepare(ctx context.Context) error {
	e.work = e.graph.Clone()

	for _, nodeID := range e.bypass {
		if err := e.applyBypass(ctx, nodeID); err != nil {
			return err
		}
	}

	for _, att := range e.attachments {
		node, ok := e.work[att.NodeID]
		if !ok {
			return &errdefs.MissingNodeError{NodeID: att.NodeID}
		}
		up, err := e.sess.UploadImage(ctx, att.Filename, att.Data, true)
		if err != nil {
			return fmt.Errorf("failed to upload attachment for node %s: %w", att.NodeID, err)
		}
		node.Inputs[att.InputName] = up.StoredPath()
	}

	e.autoSeeds = workflow.RandomizeSeeds(e.work, nil)

	e.outputSet = make(map[string]bool, len(e.outputNodes))
	e.remaining = make(map[string]bool, len(e.outputNodes))
	for _, id := range e.outputNodes {
		e.outputSet[id] = true
		e.remaining[id] = true
	}
	e.collected = make(map[string]json.RawMessage)
	e.cached = make(map[string]bool)
	if e.profiling {
		e.profile = make(map[string]time.Duration)
	}
	return nil
}

// applyBypass removes nodeID from the working graph and rewires its
// consumers to the upstream wires that fed it. Output slots are matched
// to the first same-typed, wire-valued input per the node's class
// definition; consumers of unmatched slots lose that input.
func (e *execution) applyBypass(ctx context.Context, nodeID string) error {
	node, ok := e.work[nodeID]
	if !ok {
		return &errdefs.MissingNodeError{NodeID: nodeID}
	}
	def, err := e.sess.NodeClass(ctx, node.ClassType)
	if err != nil {
		return err
	}

	inputOrder := def.OrderedInputs()
	rewires := make(map[int]any, len(def.Output))
	for slot, outType := range def.Output {
		for _, name := range inputOrder {
			if def.InputType(name) != outType {
				continue
			}
			v, ok := node.Inputs[name]
			if !ok {
				continue
			}
			if _, _, isRef := workflow.AsRef(v); isRef {
				rewires[slot] = v
				break
			}
		}
	}

	for consumerID, consumer := range e.work {
		if consumerID == nodeID {
			continue
		}
		for inputName, v := range consumer.Inputs {
			srcID, slot, isRef := workflow.AsRef(v)
			if !isRef || srcID != nodeID {
				continue
			}
			if upstream, ok := rewires[slot]; ok {
				consumer.Inputs[inputName] = upstream
			} else {
				delete(consumer.Inputs, inputName)
			}
		}
	}
	delete(e.work, nodeID)
	return nil
}

// follow consumes session events for the submitted prompt until the
// attempt completes, fails, or is cancelled.
func (e *execution) follow(ctx context.Context, events <-chan client.Event) (*Result, error) {
	var (
		startTimer    *time.Timer
		nodeTimer     *time.Timer
		graceTimer    *time.Timer
		fallbackTimer *time.Timer

		startC    <-chan time.Time
		nodeC     <-chan time.Time
		graceC    <-chan time.Time
		fallbackC <-chan time.Time
	)

	if e.startTimeout > 0 {
		startTimer = time.NewTimer(e.startTimeout)
		defer startTimer.Stop()
		startC = startTimer.C
	}
	if e.nodeTimeout > 0 {
		nodeTimer = time.NewTimer(e.nodeTimeout)
		if !nodeTimer.Stop() {
			<-nodeTimer.C
		}
		defer nodeTimer.Stop()
	}
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
		if fallbackTimer != nil {
			fallbackTimer.Stop()
		}
	}()

	disarmStart := func() {
		if startTimer != nil {
			startTimer.Stop()
		}
		startC = nil
	}
	rearmStart := func() {
		if startTimer != nil && !e.started {
			startTimer.Reset(e.startTimeout)
			startC = startTimer.C
		}
	}
	resetNode := func() {
		if nodeTimer == nil {
			return
		}
		if !nodeTimer.Stop() {
			select {
			case <-nodeTimer.C:
			default:
			}
		}
		nodeTimer.Reset(e.nodeTimeout)
		nodeC = nodeTimer.C
	}
	stopNode := func() {
		if nodeTimer != nil {
			if !nodeTimer.Stop() {
				select {
				case <-nodeTimer.C:
				default:
				}
			}
		}
		nodeC = nil
	}
	armFallback := func() {
		if fallbackTimer == nil {
			fallbackTimer = time.NewTimer(fallbackPollDelay)
		} else {
			fallbackTimer.Reset(fallbackPollDelay)
		}
		fallbackC = fallbackTimer.C
	}
	startFallback := func() {
		if e.fallback {
			return
		}
		e.fallback = true
		e.fallbackPolls = 0
		disarmStart()
		stopNode()
		armFallback()
	}
	markStarted := func() {
		disarmStart()
		resetNode()
		if !e.started {
			e.started = true
			e.mu.Lock()
			if e.status == execPending {
				e.status = execExecuting
			}
			e.mu.Unlock()
			e.reporter.Started(e.promptID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution aborted: %w", ctx.Err())

		case <-e.cancelCh:
			e.mu.Lock()
			reason := e.cancelReason
			e.mu.Unlock()
			return nil, &errdefs.ExecutionInterruptedError{PromptID: e.promptID, Reason: reason}

		case <-startC:
			return nil, &attemptTimeoutError{phase: "start", timeout: e.startTimeout}

		case <-nodeC:
			return nil, &attemptTimeoutError{phase: "node", timeout: e.nodeTimeout, node: e.lastNode}

		case <-graceC:
			return nil, &errdefs.DisconnectedError{ClientID: e.sess.ClientID(), Err: e.disconnectCause}

		case <-fallbackC:
			e.fallbackPolls++
			if res, err := e.pollHistory(ctx, false); res != nil || err != nil {
				return res, err
			}
			if e.fallbackPolls < fallbackPollLimit {
				armFallback()
				continue
			}
			if e.cacheClaim {
				if e.aliasedCount() > 0 {
					return e.buildResult(), nil
				}
				return nil, &errdefs.FailedCacheError{PromptID: e.promptID}
			}
			return nil, &errdefs.ExecutionFailedError{
				PromptID:     e.promptID,
				MissingNodes: e.remainingList(),
			}

		case ev, ok := <-events:
			if !ok {
				return nil, &errdefs.DisconnectedError{ClientID: e.sess.ClientID()}
			}
			res, err, done := e.handleEvent(ctx, ev, eventHooks{
				markStarted:   markStarted,
				disarmStart:   disarmStart,
				rearmStart:    rearmStart,
				resetNode:     resetNode,
				stopNode:      stopNode,
				startFallback: startFallback,
				stopGrace: func() {
					if graceTimer != nil {
						graceTimer.Stop()
					}
					graceC = nil
				},
				startGrace: func() {
					if graceTimer == nil {
						graceTimer = time.NewTimer(disconnectGrace)
					} else {
						graceTimer.Reset(disconnectGrace)
					}
					graceC = graceTimer.C
				},
			})
			if done {
				return res, err
			}
		}
	}
}

// eventHooks lets handleEvent manipulate the follow loop's timers without
// owning them.
type eventHooks struct {
	markStarted   func()
	disarmStart   func()
	rearmStart    func()
	resetNode     func()
	stopNode      func()
	startFallback func()
	startGrace    func()
	stopGrace     func()
}

func (e *execution) handleEvent(ctx context.Context, ev client.Event, hooks eventHooks) (*Result, error, bool) {
	switch ev.Kind {
	case client.KindConnection:
		return e.handleConnEvent(ctx, ev, hooks)

	case client.KindPreview:
		// Metadata previews are filtered strictly; plain frames carry no
		// prompt id and are attributed to this attempt best-effort.
		if ev.PromptID != "" && ev.PromptID != e.promptID {
			return nil, nil, false
		}
		hooks.disarmStart()
		e.reporter.Preview(*ev.Preview, ev.PromptID)
		return nil, nil, false

	case client.KindMessage:
		return e.handleMessage(ctx, ev, hooks)
	}
	return nil, nil, false
}

func (e *execution) handleConnEvent(ctx context.Context, ev client.Event, hooks eventHooks) (*Result, error, bool) {
	switch ev.Conn {
	case client.ConnDisconnected:
		if e.recovering {
			return nil, nil, false
		}
		e.recovering = true
		e.disconnectCause = ev.Err
		hooks.disarmStart()
		hooks.stopNode()
		hooks.startGrace()
		// The server may have finished just before the drop.
		if res, err := e.pollHistory(ctx, true); res != nil || err != nil {
			return res, err, true
		}

	case client.ConnReconnected:
		if !e.recovering {
			return nil, nil, false
		}
		if res, err := e.pollHistory(ctx, true); res != nil || err != nil {
			return res, err, true
		}
		// Still live on the server: resume following the stream. Missed
		// executed frames are recovered by the success fallback.
		e.recovering = false
		hooks.stopGrace()
		if e.started {
			hooks.resetNode()
		} else {
			hooks.rearmStart()
		}

	case client.ConnReconnectionFailed:
		return nil, &errdefs.DisconnectedError{ClientID: e.sess.ClientID(), Err: ev.Err}, true
	}
	return nil, nil, false
}

func (e *execution) handleMessage(ctx context.Context, ev client.Event, hooks eventHooks) (*Result, error, bool) {
	// status frames are not prompt-scoped; everything else is filtered.
	if ev.Type != client.MsgStatus && ev.PromptID != e.promptID {
		return nil, nil, false
	}

	switch ev.Type {
	case client.MsgStatus:
		return e.checkWentMissing(ctx)

	case client.MsgExecutionStart:
		hooks.resetNode()

	case client.MsgExecuting:
		if ev.Executing.Node == nil {
			// Null node marks the prompt leaving execution; outputs may
			// still be trailing.
			e.closeProfileNode()
			if len(e.remaining) == 0 {
				return e.buildResult(), nil, true
			}
			hooks.startFallback()
			return nil, nil, false
		}
		e.lastNode = *ev.Executing.Node
		e.profileEnter(e.lastNode)
		hooks.markStarted()

	case client.MsgProgress:
		hooks.markStarted()
		e.reporter.Progress(*ev.Progress)

	case client.MsgExecutionCached:
		for _, n := range ev.Cached.Nodes {
			e.cached[n] = true
			e.lastNode = n
		}
		if len(e.remaining) > 0 && e.cacheCovers() {
			// Fully cached: the server will not emit executed frames for
			// the outputs. History is the only source.
			e.cacheClaim = true
			if res, err := e.pollHistory(ctx, false); res != nil || err != nil {
				return res, err, true
			}
			hooks.startFallback()
		}

	case client.MsgExecuted:
		d := ev.Executed
		if _, dup := e.collected[d.Node]; !dup {
			e.collected[d.Node] = d.Output
			delete(e.remaining, d.Node)
			e.reporter.Output(e.aliasOrID(d.Node), d.Output)
		}
		if len(e.remaining) == 0 {
			return e.buildResult(), nil, true
		}

	case client.MsgExecutionSuccess:
		if len(e.remaining) == 0 {
			return e.buildResult(), nil, true
		}
		// Trailing executed frames may still arrive; give them a short
		// window before falling back to history.
		hooks.startFallback()

	case client.MsgExecutionError:
		d := ev.ExecError
		return nil, &errdefs.CustomEventError{
			PromptID:         d.PromptID,
			NodeID:           d.NodeID,
			NodeType:         d.NodeType,
			ExceptionType:    d.ExceptionType,
			ExceptionMessage: d.ExceptionMessage,
			Traceback:        d.Traceback,
		}, true

	case client.MsgExecutionInterrupted:
		return nil, &errdefs.ExecutionInterruptedError{
			PromptID: ev.PromptID,
			Reason:   "interrupted by server",
		}, true
	}
	return nil, nil, false
}

// checkWentMissing reacts to a queue heartbeat before execution started:
// if the server's queue no longer lists the prompt and history cannot
// account for it, the attempt went missing.
func (e *execution) checkWentMissing(ctx context.Context) (*Result, error, bool) {
	if e.started || e.recovering || e.fallback || e.promptID == "" {
		return nil, nil, false
	}
	qctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	info, err := e.sess.QueueInfo(qctx)
	cancel()
	if err != nil {
		e.log.Debug("queue check failed", zap.Error(err))
		return nil, nil, false
	}
	if info.Has(e.promptID) {
		return nil, nil, false
	}
	if res, err := e.pollHistory(ctx, true); res != nil || err != nil {
		return res, err, true
	}
	return nil, &errdefs.WentMissingError{PromptID: e.promptID}, true
}

// pollHistory fetches history for the prompt and merges any outputs. It
// completes the attempt when nothing remains, or, in lenient mode, when
// the server marked the prompt completed and at least one requested
// output is defined. Fetch errors are swallowed; the caller's timers
// decide when to give up.
func (e *execution) pollHistory(ctx context.Context, lenient bool) (*Result, error) {
	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	h, found, err := e.sess.History(hctx, e.promptID)
	if err != nil {
		e.log.Debug("history poll failed",
			zap.String("prompt_id", e.promptID),
			zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	e.mergeHistory(h)
	if len(e.remaining) == 0 {
		return e.buildResult(), nil
	}
	if lenient && h.Status.Completed && e.aliasedCount() > 0 {
		return e.buildResult(), nil
	}
	return nil, nil
}

func (e *execution) mergeHistory(h client.History) int {
	merged := 0
	for nodeID, data := range h.Outputs {
		if _, exists := e.collected[nodeID]; exists {
			continue
		}
		e.collected[nodeID] = data
		delete(e.remaining, nodeID)
		e.reporter.Output(e.aliasOrID(nodeID), data)
		merged++
	}
	return merged
}

func (e *execution) cacheCovers() bool {
	for id := range e.remaining {
		if !e.cached[id] {
			return false
		}
	}
	return true
}

func (e *execution) aliasOrID(nodeID string) string {
	if alias, ok := e.aliases[nodeID]; ok && alias != "" {
		return alias
	}
	return nodeID
}

func (e *execution) aliasedCount() int {
	n := 0
	for _, id := range e.outputNodes {
		if _, ok := e.collected[id]; ok {
			n++
		}
	}
	return n
}

func (e *execution) remainingList() []string {
	out := make([]string, 0, len(e.remaining))
	for id := range e.remaining {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *execution) profileEnter(node string) {
	if !e.profiling {
		return
	}
	now := time.Now()
	if e.currentNode != "" {
		e.profile[e.currentNode] += now.Sub(e.nodeSince)
	}
	e.currentNode = node
	e.nodeSince = now
}

func (e *execution) closeProfileNode() {
	if !e.profiling || e.currentNode == "" {
		return
	}
	e.profile[e.currentNode] += time.Since(e.nodeSince)
	e.currentNode = ""
}

// buildResult maps collected node outputs through the alias table and
// attaches the attempt metadata.
func (e *execution) buildResult() *Result {
	e.closeProfileNode()
	res := &Result{
		Outputs:   make(map[string]json.RawMessage),
		Raw:       make(map[string]json.RawMessage),
		Nodes:     append([]string(nil), e.outputNodes...),
		Aliases:   make(map[string]string, len(e.aliases)),
		PromptID:  e.promptID,
		AutoSeeds: e.autoSeeds,
	}
	for nodeID, alias := range e.aliases {
		res.Aliases[nodeID] = alias
	}
	for nodeID, data := range e.collected {
		switch {
		case e.outputSet[nodeID]:
			res.Outputs[e.aliasOrID(nodeID)] = data
		default:
			res.Raw[nodeID] = data
		}
	}
	if e.profiling {
		res.Profile = &Profile{Nodes: e.profile, Total: time.Since(e.runSince)}
	}
	return res
}
