package pool

import (
	"encoding/json"
	"time"

	"github.com/igorls/comfygo/workflow"
)

// JobStatus is the record-level lifecycle state.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is a completed attempt's mapped outputs plus correlation
// metadata. Outputs is keyed by alias where the job defined one, by node
// id otherwise; Raw holds outputs of nodes outside the requested set.
type Result struct {
	Outputs   map[string]json.RawMessage
	Raw       map[string]json.RawMessage
	Nodes     []string
	Aliases   map[string]string
	PromptID  string
	AutoSeeds map[string]int64
	Profile   *Profile
}

// Output returns the output recorded under key, checking aliases first
// and raw node ids second.
func (r *Result) Output(key string) (json.RawMessage, bool) {
	if r == nil {
		return nil, false
	}
	if v, ok := r.Outputs[key]; ok {
		return v, true
	}
	v, ok := r.Raw[key]
	return v, ok
}

// Profile holds per-node wall times measured from executing transitions.
type Profile struct {
	Nodes map[string]time.Duration
	Total time.Duration
}

// jobRecord is the authoritative state for one submitted job. Every field
// is guarded by the pool mutex; the active execution never touches the
// record directly.
type jobRecord struct {
	id          string
	graph       workflow.Graph
	hash        string
	outputNodes []string
	aliases     map[string]string
	bypass      []string
	attachments []workflow.Attachment
	opts        JobOptions

	status      JobStatus
	attempts    int
	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
	clientID    string
	promptID    string
	lastError   error
	result      *Result

	// failures maps clientID to the analysis of its most recent failed
	// attempt for this job.
	failures map[string]Analysis

	exec        *execution
	claim       *Claim
	reservation uint64
}

// JobSnapshot is the externally visible copy of a job record.
type JobSnapshot struct {
	ID           string
	WorkflowHash string
	Status       JobStatus
	Priority     int
	Attempts     int
	MaxAttempts  int
	ClientID     string
	PromptID     string
	EnqueuedAt   time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	LastError    error
	Result       *Result
	Metadata     map[string]any
}

func (r *jobRecord) snapshot() JobSnapshot {
	return JobSnapshot{
		ID:           r.id,
		WorkflowHash: r.hash,
		Status:       r.status,
		Priority:     r.opts.Priority,
		Attempts:     r.attempts,
		MaxAttempts:  r.opts.MaxAttempts,
		ClientID:     r.clientID,
		PromptID:     r.promptID,
		EnqueuedAt:   r.enqueuedAt,
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
		LastError:    r.lastError,
		Result:       r.result,
		Metadata:     r.opts.Metadata,
	}
}

// constraints builds the eligibility view the client manager consumes.
func (r *jobRecord) constraints() JobConstraints {
	var permanent map[string]bool
	for clientID, a := range r.failures {
		if a.BlockClient == BlockPermanent {
			if permanent == nil {
				permanent = make(map[string]bool)
			}
			permanent[clientID] = true
		}
	}
	return JobConstraints{
		JobID:              r.id,
		WorkflowHash:       r.hash,
		PreferredClientIDs: r.opts.PreferredClientIDs,
		ExcludeClientIDs:   r.opts.ExcludeClientIDs,
		PermanentlyFailed:  permanent,
	}
}

// resultStore retains the most recent terminal job snapshots in a bounded
// FIFO. Guarded by the pool mutex.
type resultStore struct {
	cap   int
	order []string
	byID  map[string]JobSnapshot
}

func newResultStore(capacity int) *resultStore {
	return &resultStore{
		cap:  capacity,
		byID: make(map[string]JobSnapshot, capacity),
	}
}

func (s *resultStore) add(snap JobSnapshot) {
	if _, exists := s.byID[snap.ID]; !exists {
		s.order = append(s.order, snap.ID)
	}
	s.byID[snap.ID] = snap
	for len(s.order) > s.cap {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, evict)
	}
}

func (s *resultStore) get(id string) (JobSnapshot, bool) {
	snap, ok := s.byID[id]
	return snap, ok
}
