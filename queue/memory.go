package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/igorls/comfygo/errdefs"
)

// MemoryOptions configures the in-memory adapter.
type MemoryOptions struct {
	// Bound caps waiting+leased payloads; 0 means unbounded.
	Bound int
	// Logger reports discards and close; nil disables logging.
	Logger *zap.Logger
}

// Memory is the default Adapter: a mutex-guarded priority FIFO with a lease
// table. Retry delays are implemented as visibility timestamps, so delayed
// payloads stay counted as waiting but cannot be peeked or reserved until
// due.
type Memory struct {
	opts MemoryOptions
	log  *zap.Logger

	mu        sync.Mutex
	seq       uint64
	resSeq    uint64
	waiting   []*entry
	byJob     map[string]*entry
	leases    map[uint64]*entry
	completed int
	failed    int
	closed    bool

	now func() time.Time
}

type entry struct {
	p         *Payload
	seq       uint64
	notBefore time.Time
	leased    bool
}

// NewMemory returns an empty in-memory queue.
func NewMemory(opts MemoryOptions) *Memory {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		opts:   opts,
		log:    log.Named("queue"),
		byJob:  make(map[string]*entry),
		leases: make(map[uint64]*entry),
		now:    time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, p *Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errdefs.ErrQueueClosed
	}
	if p == nil || p.JobID == "" {
		return fmt.Errorf("payload requires a job id")
	}
	if _, exists := m.byJob[p.JobID]; exists {
		return fmt.Errorf("job %s is already queued", p.JobID)
	}
	if m.opts.Bound > 0 && len(m.byJob) >= m.opts.Bound {
		return errdefs.ErrQueueFull
	}
	m.seq++
	e := &entry{p: p, seq: m.seq}
	m.waiting = append(m.waiting, e)
	m.byJob[p.JobID] = e
	return nil
}

// orderedWaiting returns due waiting entries in scheduling order:
// priority descending, then enqueue sequence ascending.
func (m *Memory) orderedWaiting() []*entry {
	now := m.now()
	due := make([]*entry, 0, len(m.waiting))
	for _, e := range m.waiting {
		if !e.notBefore.After(now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].p.Priority != due[j].p.Priority {
			return due[i].p.Priority > due[j].p.Priority
		}
		return due[i].seq < due[j].seq
	})
	return due
}

func (m *Memory) Peek(ctx context.Context, n int) ([]*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errdefs.ErrQueueClosed
	}
	due := m.orderedWaiting()
	if n > 0 && len(due) > n {
		due = due[:n]
	}
	out := make([]*Payload, len(due))
	for i, e := range due {
		out[i] = e.p.Clone()
	}
	return out, nil
}

func (m *Memory) ReserveByID(ctx context.Context, jobID string) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errdefs.ErrQueueClosed
	}
	e, ok := m.byJob[jobID]
	if !ok || e.leased || e.notBefore.After(m.now()) {
		return nil, nil
	}
	m.removeWaiting(e)
	e.leased = true
	m.resSeq++
	m.leases[m.resSeq] = e
	return &Reservation{ID: m.resSeq, Payload: e.p}, nil
}

func (m *Memory) Commit(ctx context.Context, reservationID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errdefs.ErrQueueClosed
	}
	e, err := m.takeLease(reservationID)
	if err != nil {
		return err
	}
	delete(m.byJob, e.p.JobID)
	m.completed++
	return nil
}

func (m *Memory) Retry(ctx context.Context, reservationID uint64, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errdefs.ErrQueueClosed
	}
	e, err := m.takeLease(reservationID)
	if err != nil {
		return err
	}
	e.leased = false
	if delay > 0 {
		e.notBefore = m.now().Add(delay)
	} else {
		e.notBefore = time.Time{}
	}
	m.waiting = append(m.waiting, e)
	return nil
}

func (m *Memory) Discard(ctx context.Context, reservationID uint64, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errdefs.ErrQueueClosed
	}
	e, err := m.takeLease(reservationID)
	if err != nil {
		return err
	}
	delete(m.byJob, e.p.JobID)
	m.failed++
	m.log.Debug("payload discarded",
		zap.String("job_id", e.p.JobID),
		zap.NamedError("cause", cause))
	return nil
}

func (m *Memory) Remove(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errdefs.ErrQueueClosed
	}
	e, ok := m.byJob[jobID]
	if !ok || e.leased {
		return false, nil
	}
	m.removeWaiting(e)
	delete(m.byJob, jobID)
	return true, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}, errdefs.ErrQueueClosed
	}
	return Stats{
		Waiting:   len(m.waiting),
		Leased:    len(m.leases),
		Completed: m.completed,
		Failed:    m.failed,
	}, nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if len(m.leases) > 0 || len(m.waiting) > 0 {
		m.log.Info("queue closed with unfinished payloads",
			zap.Int("waiting", len(m.waiting)),
			zap.Int("leased", len(m.leases)))
	}
	m.waiting = nil
	m.leases = map[uint64]*entry{}
	m.byJob = map[string]*entry{}
	return nil
}

func (m *Memory) takeLease(reservationID uint64) (*entry, error) {
	e, ok := m.leases[reservationID]
	if !ok {
		return nil, fmt.Errorf("unknown reservation %d", reservationID)
	}
	delete(m.leases, reservationID)
	return e, nil
}

func (m *Memory) removeWaiting(target *entry) {
	for i, e := range m.waiting {
		if e == target {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}
