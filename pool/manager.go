package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/igorls/comfygo/client"
	"github.com/igorls/comfygo/workflow"
)

// session is the slice of client.Session the pool consumes. Tests swap in
// a scripted implementation.
type session interface {
	ClientID() string
	BaseURL() string
	Connect(ctx context.Context) error
	Close() error
	AbortReconnect()
	State() client.ConnState
	Subscribe() (<-chan client.Event, func())
	Prompt(ctx context.Context, g workflow.Graph) (string, error)
	History(ctx context.Context, promptID string) (client.History, bool, error)
	QueueInfo(ctx context.Context) (client.QueueInfo, error)
	Interrupt(ctx context.Context, promptID string) error
	UploadImage(ctx context.Context, filename string, data []byte, overwrite bool) (client.UploadResult, error)
	NodeClass(ctx context.Context, classType string) (client.NodeClass, error)
	SupportsPreviewMeta() bool
}

var _ session = (*client.Session)(nil)

// JobConstraints is the eligibility view of one job: everything the
// manager needs to answer canClientRunJob without holding the job record.
type JobConstraints struct {
	JobID              string
	WorkflowHash       string
	PreferredClientIDs []string
	ExcludeClientIDs   []string
	// PermanentlyFailed holds clients whose failure memory for this job is
	// permanent.
	PermanentlyFailed map[string]bool
}

func (c JobConstraints) allows(clientID string) bool {
	for _, id := range c.ExcludeClientIDs {
		if id == clientID {
			return false
		}
	}
	if len(c.PreferredClientIDs) > 0 {
		found := false
		for _, id := range c.PreferredClientIDs {
			if id == clientID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return !c.PermanentlyFailed[clientID]
}

// ClientStatus is a point-in-time copy of one managed client's state.
type ClientStatus struct {
	ID         string
	BaseURL    string
	Online     bool
	Busy       bool
	LastError  error
	LastSeenAt time.Time
}

type managedClient struct {
	id         string
	sess       session
	online     bool
	busy       bool
	lastError  error
	lastSeenAt time.Time
	unsub      func()
}

// ClientManager owns the session set: online/busy bookkeeping, claims,
// failure recording, and the keep-alive loop. Events and the pool
// callback are always invoked with the manager mutex released, so pool
// code may call back into the manager freely.
type ClientManager struct {
	log      *zap.Logger
	events   *Events
	strategy FailoverStrategy

	// onOnline is called after a client flips online or is released;
	// the pool hangs a scheduling kick on it.
	onOnline func()

	mu      sync.Mutex
	clients map[string]*managedClient
	order   []string
	closed  bool

	healthCancel context.CancelFunc
	wg           sync.WaitGroup
}

func newClientManager(log *zap.Logger, ev *Events, strategy FailoverStrategy, onOnline func()) *ClientManager {
	return &ClientManager{
		log:      log.Named("clients"),
		events:   ev,
		strategy: strategy,
		onOnline: onOnline,
		clients:  make(map[string]*managedClient),
	}
}

// register adds a session under id and starts its connection watcher. The
// subscription is taken before any Connect so no transition is missed.
func (m *ClientManager) register(id string, sess session) {
	mc := &managedClient{id: id, sess: sess}
	ch, unsub := sess.Subscribe()
	mc.unsub = unsub

	m.mu.Lock()
	m.clients[id] = mc
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(mc, ch)
}

func (m *ClientManager) watch(mc *managedClient, ch <-chan client.Event) {
	defer m.wg.Done()
	for ev := range ch {
		if ev.Kind != client.KindConnection {
			continue
		}
		switch ev.Conn {
		case client.ConnConnected, client.ConnReconnected:
			m.setOnline(mc, true, nil)
		case client.ConnDisconnected:
			m.setOnline(mc, false, ev.Err)
		case client.ConnReconnectionFailed:
			m.setOnline(mc, false, ev.Err)
			m.events.PoolError.Emit(ErrorInfo{
				Err: fmt.Errorf("client %s gave up reconnecting: %w", mc.id, ev.Err),
			})
		}
	}
}

func (m *ClientManager) setOnline(mc *managedClient, online bool, cause error) {
	m.mu.Lock()
	if mc.online == online {
		if cause != nil {
			mc.lastError = cause
		}
		m.mu.Unlock()
		return
	}
	mc.online = online
	if online {
		mc.lastSeenAt = time.Now()
	} else if cause != nil {
		mc.lastError = cause
	}
	snap := m.statusLocked(mc)
	m.mu.Unlock()

	m.events.ClientState.Emit(ClientStateInfo{
		ClientID:  snap.ID,
		Online:    snap.Online,
		Busy:      snap.Busy,
		LastError: snap.LastError,
	})
	if online && m.onOnline != nil {
		m.onOnline()
	}
}

func (m *ClientManager) statusLocked(mc *managedClient) ClientStatus {
	return ClientStatus{
		ID:         mc.id,
		BaseURL:    mc.sess.BaseURL(),
		Online:     mc.online,
		Busy:       mc.busy,
		LastError:  mc.lastError,
		LastSeenAt: mc.lastSeenAt,
	}
}

// Initialize connects every registered session in parallel and returns
// the ids that came online. Clients that fail their first dial keep
// reconnecting in the background and join through their watcher.
func (m *ClientManager) Initialize(ctx context.Context) []string {
	var g errgroup.Group
	for _, mc := range m.list() {
		mc := mc
		g.Go(func() error {
			if err := mc.sess.Connect(ctx); err != nil {
				m.log.Warn("initial connect failed",
					zap.String("client", mc.id),
					zap.Error(err))
				m.setOnline(mc, false, err)
				return nil
			}
			m.setOnline(mc, true, nil)
			return nil
		})
	}
	_ = g.Wait()
	return m.OnlineIDs()
}

func (m *ClientManager) list() []*managedClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*managedClient, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.clients[id])
	}
	return out
}

// ClientIDs returns every managed id in registration order.
func (m *ClientManager) ClientIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// OnlineIDs returns the ids currently online.
func (m *ClientManager) OnlineIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if m.clients[id].online {
			out = append(out, id)
		}
	}
	return out
}

// IdleIDs returns the ids that are online and not busy, in registration
// order.
func (m *ClientManager) IdleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		mc := m.clients[id]
		if mc.online && !mc.busy {
			out = append(out, id)
		}
	}
	return out
}

// Statuses reports every managed client in registration order.
func (m *ClientManager) Statuses() []ClientStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.statusLocked(m.clients[id]))
	}
	return out
}

func (m *ClientManager) session(clientID string) session {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	return mc.sess
}

func (m *ClientManager) canRunLocked(mc *managedClient, c JobConstraints) bool {
	if !mc.online || mc.busy {
		return false
	}
	if !c.allows(mc.id) {
		return false
	}
	return !m.strategy.ShouldSkipClient(mc.id, c.WorkflowHash)
}

// CanRunJob reports whether clientID could take the job right now:
// online, idle, allowed by the job's lists and failure memory, and not
// blocked by the failover strategy.
func (m *ClientManager) CanRunJob(clientID string, c JobConstraints) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.clients[clientID]
	return ok && m.canRunLocked(mc, c)
}

// Claim atomically re-checks eligibility and marks the client busy. The
// returned claim must be resolved exactly once via Release or Fail.
func (m *ClientManager) Claim(c JobConstraints, clientID string) *Claim {
	m.mu.Lock()
	mc, ok := m.clients[clientID]
	if !ok || !m.canRunLocked(mc, c) {
		m.mu.Unlock()
		return nil
	}
	mc.busy = true
	snap := m.statusLocked(mc)
	m.mu.Unlock()

	m.events.ClientState.Emit(ClientStateInfo{
		ClientID: snap.ID,
		Online:   snap.Online,
		Busy:     snap.Busy,
	})
	return &Claim{
		ClientID:     clientID,
		WorkflowHash: c.WorkflowHash,
		mgr:          m,
	}
}

// Claim is a lease over one busy client for one attempt.
type Claim struct {
	ClientID     string
	WorkflowHash string

	mgr  *ClientManager
	once sync.Once
}

// Release frees the client. With success true the failover strategy
// records a success for the workflow; with false nothing is recorded
// (cancellation, shutdown).
func (c *Claim) Release(success bool) {
	c.once.Do(func() { c.mgr.release(c, success, nil) })
}

// Fail frees the client and records err against the workflow, emitting a
// blocked_workflow event if the strategy crossed its threshold.
func (c *Claim) Fail(err error) {
	c.once.Do(func() { c.mgr.release(c, false, err) })
}

func (m *ClientManager) release(c *Claim, success bool, failure error) {
	m.mu.Lock()
	mc, ok := m.clients[c.ClientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	mc.busy = false
	if failure != nil {
		mc.lastError = failure
	}

	blockedBefore := m.strategy.IsWorkflowBlocked(c.ClientID, c.WorkflowHash)
	switch {
	case failure != nil:
		m.strategy.RecordFailure(c.ClientID, c.WorkflowHash, failure)
	case success:
		m.strategy.RecordSuccess(c.ClientID, c.WorkflowHash)
	}
	blockedAfter := m.strategy.IsWorkflowBlocked(c.ClientID, c.WorkflowHash)
	snap := m.statusLocked(mc)
	m.mu.Unlock()

	m.events.ClientState.Emit(ClientStateInfo{
		ClientID:  snap.ID,
		Online:    snap.Online,
		Busy:      snap.Busy,
		LastError: snap.LastError,
	})
	if !blockedBefore && blockedAfter {
		m.log.Warn("workflow blocked on client",
			zap.String("client", c.ClientID),
			zap.String("workflow", c.WorkflowHash))
		m.events.BlockedWorkflow.Emit(WorkflowBlockInfo{
			ClientID:     c.ClientID,
			WorkflowHash: c.WorkflowHash,
		})
	}
	if blockedBefore && !blockedAfter {
		m.events.UnblockedWorkflow.Emit(WorkflowBlockInfo{
			ClientID:     c.ClientID,
			WorkflowHash: c.WorkflowHash,
		})
	}
	if m.onOnline != nil {
		m.onOnline()
	}
}

// startHealth launches the keep-alive loop: every interval, each online
// client gets a getQueue. Failures are logged and remembered but never
// flip a client offline; the session's own disconnect event is
// authoritative.
func (m *ClientManager) startHealth(parent context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.healthCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

func (m *ClientManager) checkAll(ctx context.Context) {
	m.mu.Lock()
	var online []*managedClient
	for _, id := range m.order {
		if mc := m.clients[id]; mc.online {
			online = append(online, mc)
		}
	}
	m.mu.Unlock()

	for _, mc := range online {
		mc := mc
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if _, err := mc.sess.QueueInfo(cctx); err != nil {
				m.log.Warn("health check failed",
					zap.String("client", mc.id),
					zap.Error(err))
				m.mu.Lock()
				mc.lastError = err
				m.mu.Unlock()
				return
			}
			m.mu.Lock()
			mc.lastSeenAt = time.Now()
			m.mu.Unlock()
		}()
	}
}

// close stops the health loop, tears down every session, and waits for
// the watchers to drain.
func (m *ClientManager) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.healthCancel
	list := make([]*managedClient, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.clients[id])
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, mc := range list {
		mc.sess.AbortReconnect()
		if err := mc.sess.Close(); err != nil {
			m.log.Debug("session close failed",
				zap.String("client", mc.id),
				zap.Error(err))
		}
	}
	m.wg.Wait()
}
