// Package pool schedules workflow jobs across a set of ComfyUI servers.
// Jobs enter a priority queue, a scheduling pass matches waiting jobs
// against idle compatible clients, and each assignment is driven by a
// per-attempt execution wrapper. Failures are classified and either
// retried with backoff on another client or terminated with a
// per-client reason report.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/igorls/comfygo/client"
	"github.com/igorls/comfygo/errdefs"
	"github.com/igorls/comfygo/queue"
	"github.com/igorls/comfygo/workflow"
)

// Pool is the top-level scheduler. Construct with New, connect with
// Start, submit with Enqueue. All methods are safe for concurrent use.
type Pool struct {
	log     *zap.Logger
	opts    Options
	ev      *Events
	queue   queue.Adapter
	mgr     *ClientManager
	limiter *rate.Limiter

	mu         sync.Mutex
	jobs       map[string]*jobRecord
	affinities map[string]Affinity
	results    *resultStore
	closed     bool

	ready     chan struct{}
	readyOnce sync.Once

	// Scheduling passes are single-flight: concurrent kicks coalesce
	// into one pending rerun.
	schedMu     sync.Mutex
	schedActive bool
	schedRerun  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a pool over the given clients. No server is contacted until
// Start.
func New(clients []ClientConfig, opts Options) (*Pool, error) {
	if err := validateClients(clients); err != nil {
		return nil, err
	}
	p := newPool(opts.withDefaults())
	for _, cfg := range clients {
		sess, id, err := buildSession(cfg, p.opts.Logger)
		if err != nil {
			p.rootCancel()
			return nil, err
		}
		p.mgr.register(id, sess)
	}
	return p, nil
}

// newPool wires the pool around already-defaulted options; sessions are
// registered by the caller.
func newPool(opts Options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:        opts.Logger.Named("pool"),
		opts:       opts,
		queue:      opts.QueueAdapter,
		jobs:       make(map[string]*jobRecord),
		affinities: make(map[string]Affinity),
		results:    newResultStore(opts.ResultStoreSize),
		ready:      make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	p.ev = newEvents(opts.Logger)
	p.mgr = newClientManager(opts.Logger, p.ev, opts.Strategy, p.kick)

	if opts.SubmitRatePerSec > 0 {
		burst := int(opts.SubmitRatePerSec)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRatePerSec), burst)
	}
	for _, a := range opts.Affinities {
		p.affinities[a.WorkflowHash] = a
	}
	return p
}

func buildSession(cfg ClientConfig, log *zap.Logger) (session, string, error) {
	if cfg.Session != nil {
		id := cfg.ID
		if id == "" {
			id = cfg.Session.BaseURL()
		}
		return cfg.Session, id, nil
	}
	sessOpts := client.Options{}
	if cfg.SessionOptions != nil {
		sessOpts = *cfg.SessionOptions
	}
	sessOpts.BaseURL = cfg.BaseURL
	if sessOpts.Logger == nil {
		sessOpts.Logger = log
	}
	sess, err := client.New(sessOpts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build session for %s: %w", cfg.BaseURL, err)
	}
	id := cfg.ID
	if id == "" {
		id = cfg.BaseURL
	}
	return sess, id, nil
}

// Events exposes the pool's typed event surface. Subscribe before Start
// to observe the ready event.
func (p *Pool) Events() *Events { return p.ev }

// Start connects every client session, emits pool:ready with the ids
// that came online, and starts the health-check loop. Enqueue blocks
// until Start has run.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool is shut down")
	}
	p.mu.Unlock()

	online := p.mgr.Initialize(ctx)
	p.mgr.startHealth(p.rootCtx, p.opts.HealthCheckInterval)
	p.readyOnce.Do(func() { close(p.ready) })

	p.log.Info("pool ready",
		zap.Strings("online", online),
		zap.Int("clients", len(p.mgr.ClientIDs())))
	p.ev.Ready.Emit(ReadyInfo{ClientIDs: online})
	p.kick()
	return nil
}

// SetAffinity installs or replaces the routing hint for one workflow
// hash. It applies to jobs enqueued afterwards.
func (p *Pool) SetAffinity(a Affinity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.affinities[a.WorkflowHash] = a
}

// Enqueue submits the builder's workflow and returns the job id. The
// graph is snapshotted; later builder mutations do not affect the job.
func (p *Pool) Enqueue(ctx context.Context, b *workflow.Builder, opts JobOptions) (string, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.rootCtx.Done():
		return "", fmt.Errorf("pool is shut down")
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	opts = opts.withDefaults(p.opts)
	hash := b.Hash()
	jobID := uuid.NewString()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", fmt.Errorf("pool is shut down")
	}
	if aff, ok := p.affinities[hash]; ok {
		if len(opts.PreferredClientIDs) == 0 {
			opts.PreferredClientIDs = append([]string(nil), aff.PreferredClientIDs...)
		}
		if len(opts.ExcludeClientIDs) == 0 {
			opts.ExcludeClientIDs = append([]string(nil), aff.ExcludeClientIDs...)
		}
	}
	rec := &jobRecord{
		id:          jobID,
		graph:       b.Graph().Clone(),
		hash:        hash,
		outputNodes: b.OutputNodes(),
		aliases:     b.Aliases(),
		bypass:      b.BypassNodes(),
		attachments: b.Attachments(),
		opts:        opts,
		status:      StatusQueued,
		enqueuedAt:  time.Now(),
		failures:    make(map[string]Analysis),
	}
	p.jobs[jobID] = rec
	payload := &queue.Payload{
		JobID:              jobID,
		WorkflowHash:       hash,
		Priority:           opts.Priority,
		MaxAttempts:        opts.MaxAttempts,
		PreferredClientIDs: append([]string(nil), opts.PreferredClientIDs...),
		ExcludeClientIDs:   append([]string(nil), opts.ExcludeClientIDs...),
		EnqueuedAt:         rec.enqueuedAt,
	}
	snap := rec.snapshot()
	p.mu.Unlock()

	if err := p.queue.Enqueue(ctx, payload); err != nil {
		p.mu.Lock()
		delete(p.jobs, jobID)
		p.mu.Unlock()
		return "", err
	}

	p.log.Debug("job queued",
		zap.String("job_id", jobID),
		zap.String("workflow", hash),
		zap.Int("priority", opts.Priority))
	p.ev.JobQueued.Emit(JobInfo{Job: snap})
	p.kick()
	return jobID, nil
}

// EnqueueGraph submits a bare graph whose listed output nodes are keyed
// by their node ids.
func (p *Pool) EnqueueGraph(ctx context.Context, g workflow.Graph, outputNodes []string, opts JobOptions) (string, error) {
	b := workflow.NewBuilder(g)
	for _, id := range outputNodes {
		b.Output(id, "")
	}
	return p.Enqueue(ctx, b, opts)
}

// Job returns the snapshot for jobID, live or recently terminal.
func (p *Pool) Job(jobID string) (JobSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.jobs[jobID]; ok {
		return rec.snapshot(), true
	}
	return p.results.get(jobID)
}

// Result returns the mapped outputs of a completed job.
func (p *Pool) Result(jobID string) (*Result, bool) {
	snap, ok := p.Job(jobID)
	if !ok || snap.Result == nil {
		return nil, false
	}
	return snap.Result, true
}

// Stats reports the queue adapter census.
func (p *Pool) Stats(ctx context.Context) (queue.Stats, error) {
	return p.queue.Stats(ctx)
}

// Clients reports every managed client's state.
func (p *Pool) Clients() []ClientStatus {
	return p.mgr.Statuses()
}

// kick requests a scheduling pass. Passes are single-flight; a kick
// during a running pass latches one rerun.
func (p *Pool) kick() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.schedMu.Lock()
	if p.schedActive {
		p.schedRerun = true
		p.schedMu.Unlock()
		return
	}
	p.schedActive = true
	p.schedMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.schedulePass()
			p.schedMu.Lock()
			if !p.schedRerun {
				p.schedActive = false
				p.schedMu.Unlock()
				return
			}
			p.schedRerun = false
			p.schedMu.Unlock()
		}
	}()
}

func (p *Pool) kickAfter(d time.Duration) {
	if d <= 0 {
		p.kick()
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-p.rootCtx.Done():
		case <-t.C:
			p.kick()
		}
	}()
}

// candidate is one waiting job with its compatible idle clients for the
// current pass.
type candidate struct {
	payload  *queue.Payload
	position int
	compat   []string
}

// schedulePass repeatedly matches waiting jobs to idle clients until a
// full sweep assigns nothing. Jobs are taken in priority order, ties
// broken by selectivity ascending so the job with the fewest compatible
// clients binds its scarce client before generalists consume it.
func (p *Pool) schedulePass() {
	for {
		if p.assignSweep() == 0 {
			return
		}
	}
}

func (p *Pool) assignSweep() int {
	idle := p.mgr.IdleIDs()
	if len(idle) == 0 {
		return 0
	}
	payloads, err := p.queue.Peek(p.rootCtx, schedulePeekLimit)
	if err != nil || len(payloads) == 0 {
		return 0
	}

	var cands []candidate
	for i, pay := range payloads {
		p.mu.Lock()
		rec, ok := p.jobs[pay.JobID]
		if !ok || rec.status != StatusQueued {
			p.mu.Unlock()
			continue
		}
		cons := rec.constraints()
		p.mu.Unlock()

		var compat []string
		for _, id := range idle {
			if p.mgr.CanRunJob(id, cons) {
				compat = append(compat, id)
			}
		}
		if len(compat) > 0 {
			cands = append(cands, candidate{payload: pay, position: i, compat: compat})
		}
	}
	if len(cands) == 0 {
		return 0
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].payload.Priority != cands[j].payload.Priority {
			return cands[i].payload.Priority > cands[j].payload.Priority
		}
		if len(cands[i].compat) != len(cands[j].compat) {
			return len(cands[i].compat) < len(cands[j].compat)
		}
		return cands[i].position < cands[j].position
	})

	assigned := 0
	taken := make(map[string]bool, len(idle))
	for _, c := range cands {
		var clientID string
		for _, id := range c.compat {
			if !taken[id] {
				clientID = id
				break
			}
		}
		if clientID == "" {
			continue
		}
		if p.assign(c.payload.JobID, clientID) {
			taken[clientID] = true
			assigned++
		}
	}
	return assigned
}

// assign reserves the job and claims the client; losing either race is
// not an error, the next sweep retries. On success the attempt goroutine
// is spawned.
func (p *Pool) assign(jobID, clientID string) bool {
	p.mu.Lock()
	rec, ok := p.jobs[jobID]
	if !ok || rec.status != StatusQueued {
		p.mu.Unlock()
		return false
	}
	cons := rec.constraints()
	p.mu.Unlock()

	res, err := p.queue.ReserveByID(p.rootCtx, jobID)
	if err != nil || res == nil {
		return false
	}
	claim := p.mgr.Claim(cons, clientID)
	if claim == nil {
		// Lost the client between the eligibility check and the claim.
		if rerr := p.queue.Retry(p.rootCtx, res.ID, 0); rerr != nil {
			p.log.Warn("failed to return lost assignment to queue",
				zap.String("job_id", jobID), zap.Error(rerr))
		}
		return false
	}

	sess := p.mgr.session(clientID)
	if sess == nil {
		claim.Release(false)
		_ = p.queue.Retry(p.rootCtx, res.ID, 0)
		return false
	}

	p.mu.Lock()
	if rec.status != StatusQueued {
		// Cancelled between the sweep and the reservation.
		p.mu.Unlock()
		claim.Release(false)
		_ = p.queue.Discard(p.rootCtx, res.ID, rec.lastError)
		return false
	}
	rec.status = StatusRunning
	rec.attempts++
	rec.clientID = clientID
	res.Payload.Attempts = rec.attempts
	exec := newExecution(executionConfig{
		log:          p.log.With(zap.String("job_id", jobID), zap.String("client", clientID)),
		sess:         sess,
		reporter:     &jobReporter{pool: p, jobID: jobID, clientID: clientID},
		graph:        rec.graph,
		outputNodes:  rec.outputNodes,
		aliases:      rec.aliases,
		bypass:       rec.bypass,
		attachments:  rec.attachments,
		include:      rec.opts.IncludeOutputs,
		startTimeout: resolveTimeout(rec.opts.ExecutionStartTimeout),
		nodeTimeout:  resolveTimeout(rec.opts.NodeExecutionTimeout),
		profiling:    p.opts.EnableProfiling,
	})
	rec.exec = exec
	rec.claim = claim
	rec.reservation = res.ID
	p.mu.Unlock()

	p.log.Info("job assigned",
		zap.String("job_id", jobID),
		zap.String("client", clientID),
		zap.Int("attempt", res.Payload.Attempts))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		result, runErr := exec.run(p.rootCtx)
		if runErr != nil {
			p.attemptFailed(jobID, res, claim, runErr)
		} else {
			p.attemptCompleted(jobID, res, claim, result)
		}
	}()
	return true
}

func (p *Pool) attemptCompleted(jobID string, res *queue.Reservation, claim *Claim, result *Result) {
	p.mu.Lock()
	rec, ok := p.jobs[jobID]
	if !ok || p.closed || rec.status == StatusCancelled {
		// Cancellation or shutdown already resolved the reservation and
		// the claim; the late result is dropped.
		p.mu.Unlock()
		claim.Release(false)
		return
	}
	rec.status = StatusCompleted
	rec.completedAt = time.Now()
	rec.result = result
	rec.lastError = nil
	rec.exec = nil
	rec.claim = nil
	snap := rec.snapshot()
	p.results.add(snap)
	delete(p.jobs, jobID)
	p.mu.Unlock()

	if err := p.queue.Commit(p.rootCtx, res.ID); err != nil {
		p.log.Warn("commit failed", zap.String("job_id", jobID), zap.Error(err))
	}
	claim.Release(true)

	p.log.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("client", claim.ClientID),
		zap.String("prompt_id", result.PromptID))
	p.ev.JobCompleted.Emit(JobInfo{Job: snap})
	p.kick()
}

func (p *Pool) attemptFailed(jobID string, res *queue.Reservation, claim *Claim, attemptErr error) {
	analysis := Analyze(attemptErr)

	p.mu.Lock()
	rec, ok := p.jobs[jobID]
	if !ok || p.closed || rec.status == StatusCancelled {
		p.mu.Unlock()
		claim.Release(false)
		return
	}
	clientID := claim.ClientID
	rec.lastError = attemptErr
	rec.failures[clientID] = analysis
	if analysis.BlockClient == BlockPermanent {
		rec.opts.ExcludeClientIDs = appendUnique(rec.opts.ExcludeClientIDs, clientID)
		res.Payload.ExcludeClientIDs = appendUnique(res.Payload.ExcludeClientIDs, clientID)
	}

	willRetry := analysis.Retryable &&
		rec.attempts < rec.opts.MaxAttempts &&
		p.hasRetryPathLocked(rec)

	var snap JobSnapshot
	var finalErr error
	delay := rec.opts.RetryDelay
	if willRetry {
		rec.status = StatusQueued
		rec.clientID = ""
		rec.promptID = ""
		rec.startedAt = time.Time{}
		rec.completedAt = time.Time{}
		rec.result = nil
		rec.exec = nil
		rec.claim = nil
		snap = rec.snapshot()
	} else {
		finalErr = p.finalErrorLocked(rec, attemptErr, analysis)
		rec.status = StatusFailed
		rec.completedAt = time.Now()
		rec.lastError = finalErr
		rec.exec = nil
		rec.claim = nil
		snap = rec.snapshot()
		p.results.add(snap)
		delete(p.jobs, jobID)
	}
	p.mu.Unlock()

	claim.Fail(attemptErr)

	p.log.Warn("attempt failed",
		zap.String("job_id", jobID),
		zap.String("client", clientID),
		zap.String("type", string(analysis.Type)),
		zap.String("block", string(analysis.BlockClient)),
		zap.Bool("will_retry", willRetry),
		zap.Error(attemptErr))

	if willRetry {
		p.ev.JobFailed.Emit(JobFailureInfo{Job: snap, WillRetry: true})
		p.ev.JobRetrying.Emit(JobRetryInfo{Job: snap, Delay: delay})
		if err := p.queue.Retry(p.rootCtx, res.ID, delay); err != nil {
			p.log.Warn("retry failed", zap.String("job_id", jobID), zap.Error(err))
		}
		p.ev.JobQueued.Emit(JobInfo{Job: snap})
		p.kickAfter(delay)
		return
	}

	if err := p.queue.Discard(p.rootCtx, res.ID, finalErr); err != nil {
		p.log.Warn("discard failed", zap.String("job_id", jobID), zap.Error(err))
	}
	p.ev.JobFailed.Emit(JobFailureInfo{Job: snap, WillRetry: false})
	p.kick()
}

// hasRetryPathLocked reports whether any managed client could still take
// the job: not excluded, not permanently failed, and within the
// preferred set when one exists. Busy and offline clients count; they
// may free up or come back.
func (p *Pool) hasRetryPathLocked(rec *jobRecord) bool {
	cons := rec.constraints()
	for _, id := range p.mgr.ClientIDs() {
		if cons.allows(id) {
			return true
		}
	}
	return false
}

// finalErrorLocked wraps the terminal error. When the job died because
// every candidate client is permanently incompatible, the wrap is a
// WorkflowNotSupportedError carrying each client's recorded reason.
func (p *Pool) finalErrorLocked(rec *jobRecord, attemptErr error, analysis Analysis) error {
	if analysis.Type != FailureClientIncompatible || p.hasRetryPathLocked(rec) {
		return attemptErr
	}
	reasons := make(map[string]string, len(rec.failures))
	for clientID, a := range rec.failures {
		if a.BlockClient == BlockPermanent {
			reasons[clientID] = a.Reason
		}
	}
	return &errdefs.WorkflowNotSupportedError{
		WorkflowHash: rec.hash,
		Reasons:      reasons,
		Err:          attemptErr,
	}
}

// Cancel aborts jobID. Waiting jobs are removed from the queue; running
// jobs get their execution cancelled and an interrupt sent to the owning
// server. Returns false when the job is unknown or already terminal.
func (p *Pool) Cancel(ctx context.Context, jobID string) bool {
	p.mu.Lock()
	rec, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if rec.status == StatusQueued && rec.exec == nil {
		p.mu.Unlock()
		removed, err := p.queue.Remove(ctx, jobID)
		if err == nil && removed {
			p.mu.Lock()
			if rec.status != StatusQueued {
				p.mu.Unlock()
				return false
			}
			rec.status = StatusCancelled
			rec.completedAt = time.Now()
			snap := rec.snapshot()
			p.results.add(snap)
			delete(p.jobs, jobID)
			p.mu.Unlock()
			p.ev.JobCancelled.Emit(JobInfo{Job: snap})
			return true
		}
		// Not waiting anymore: a scheduling pass may have grabbed it
		// between the status check and the removal.
		p.mu.Lock()
	}
	if rec.exec == nil || rec.status.Terminal() {
		p.mu.Unlock()
		return false
	}

	rec.status = StatusCancelled
	rec.completedAt = time.Now()
	cancelErr := &errdefs.ExecutionInterruptedError{
		PromptID: rec.promptID,
		Reason:   "cancelled by caller",
	}
	rec.lastError = cancelErr
	exec := rec.exec
	claim := rec.claim
	resID := rec.reservation
	promptID := rec.promptID
	clientID := rec.clientID
	rec.exec = nil
	rec.claim = nil
	snap := rec.snapshot()
	p.results.add(snap)
	delete(p.jobs, jobID)
	p.mu.Unlock()

	exec.cancel("cancelled by caller")
	if promptID != "" {
		if sess := p.mgr.session(clientID); sess != nil {
			ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sess.Interrupt(ictx, promptID); err != nil {
				p.log.Warn("interrupt failed",
					zap.String("job_id", jobID),
					zap.String("prompt_id", promptID),
					zap.Error(err))
			}
			cancel()
		}
	}
	if err := p.queue.Discard(p.rootCtx, resID, cancelErr); err != nil {
		p.log.Debug("discard on cancel failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if claim != nil {
		claim.Release(false)
	}

	p.log.Info("job cancelled", zap.String("job_id", jobID))
	p.ev.JobCancelled.Emit(JobInfo{Job: snap})
	p.kick()
	return true
}

// Shutdown stops scheduling, aborts every running attempt, releases
// their reservations and claims, closes the queue adapter, and tears
// down every session. No events are emitted past Shutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	type active struct {
		exec  *execution
		claim *Claim
		resID uint64
	}
	var running []active
	for _, rec := range p.jobs {
		if rec.exec != nil {
			running = append(running, active{exec: rec.exec, claim: rec.claim, resID: rec.reservation})
			rec.exec = nil
			rec.claim = nil
		}
	}
	p.readyOnce.Do(func() { close(p.ready) })
	p.mu.Unlock()

	for _, a := range running {
		a.exec.cancel("pool shutdown")
		_ = p.queue.Discard(ctx, a.resID, fmt.Errorf("pool shutdown"))
		if a.claim != nil {
			a.claim.Release(false)
		}
	}
	p.rootCancel()
	if err := p.queue.Close(ctx); err != nil {
		p.log.Debug("queue close failed", zap.Error(err))
	}
	p.mgr.close()
	p.wg.Wait()
	p.log.Info("pool shut down")
	return nil
}

// jobReporter forwards attempt notifications as pool events. Every
// emission re-checks the record so nothing fires after cancellation.
type jobReporter struct {
	pool     *Pool
	jobID    string
	clientID string
}

// liveSnapshot mutates the record under the pool lock and returns its
// snapshot, or ok=false when the job is gone or terminal.
func (r *jobReporter) liveSnapshot(mutate func(*jobRecord)) (JobSnapshot, bool) {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.jobs[r.jobID]
	if !ok || p.closed || rec.status.Terminal() {
		return JobSnapshot{}, false
	}
	if mutate != nil {
		mutate(rec)
	}
	return rec.snapshot(), true
}

func (r *jobReporter) Pending(promptID string) {
	snap, ok := r.liveSnapshot(func(rec *jobRecord) {
		rec.promptID = promptID
	})
	if !ok {
		return
	}
	r.pool.ev.JobAccepted.Emit(JobInfo{Job: snap})
}

func (r *jobReporter) Started(promptID string) {
	snap, ok := r.liveSnapshot(func(rec *jobRecord) {
		if rec.startedAt.IsZero() {
			rec.startedAt = time.Now()
		}
	})
	if !ok {
		return
	}
	r.pool.ev.JobStarted.Emit(JobInfo{Job: snap})
}

func (r *jobReporter) Progress(prog client.Progress) {
	if _, ok := r.liveSnapshot(nil); !ok {
		return
	}
	r.pool.ev.JobProgress.Emit(ProgressInfo{
		JobID:    r.jobID,
		ClientID: r.clientID,
		Value:    prog.Value,
		Max:      prog.Max,
		Node:     prog.Node,
	})
}

func (r *jobReporter) Preview(pv client.Preview, promptID string) {
	if _, ok := r.liveSnapshot(nil); !ok {
		return
	}
	info := PreviewInfo{
		JobID:     r.jobID,
		ClientID:  r.clientID,
		ImageType: pv.ImageType,
		Data:      pv.Data,
		Metadata:  pv.Metadata,
	}
	if pv.Metadata != nil {
		r.pool.ev.JobPreviewMeta.Emit(info)
		return
	}
	r.pool.ev.JobPreview.Emit(info)
}

func (r *jobReporter) Output(key string, data json.RawMessage) {
	if _, ok := r.liveSnapshot(nil); !ok {
		return
	}
	r.pool.ev.JobOutput.Emit(OutputInfo{
		JobID:    r.jobID,
		ClientID: r.clientID,
		Key:      key,
		Data:     data,
	})
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
