package pool

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/igorls/comfygo/events"
)

// ReadyInfo announces the pool finished its initial connection sweep.
// ClientIDs lists the clients that came online during it.
type ReadyInfo struct {
	ClientIDs []string
}

// ErrorInfo carries a pool-level operational error.
type ErrorInfo struct {
	Err error
}

// ClientStateInfo reports a managed client transition.
type ClientStateInfo struct {
	ClientID  string
	Online    bool
	Busy      bool
	LastError error
}

// WorkflowBlockInfo names a (client, workflow) pair the failover strategy
// blocked or unblocked.
type WorkflowBlockInfo struct {
	ClientID     string
	WorkflowHash string
}

// JobInfo wraps a job snapshot for lifecycle events.
type JobInfo struct {
	Job JobSnapshot
}

// JobFailureInfo reports a failed attempt and whether another follows.
type JobFailureInfo struct {
	Job       JobSnapshot
	WillRetry bool
}

// JobRetryInfo reports the delay before a job re-enters the waiting set.
type JobRetryInfo struct {
	Job   JobSnapshot
	Delay time.Duration
}

// ProgressInfo is a sampler step report scoped to a job.
type ProgressInfo struct {
	JobID    string
	ClientID string
	Value    int
	Max      int
	Node     string
}

// PreviewInfo carries a preview image. Metadata is nil for plain preview
// frames; those are attributed to the job best-effort (the wire protocol
// does not tag them with a prompt id).
type PreviewInfo struct {
	JobID     string
	ClientID  string
	ImageType int
	Data      []byte
	Metadata  map[string]any
}

// OutputInfo carries one collected node output keyed by alias or node id.
type OutputInfo struct {
	JobID    string
	ClientID string
	Key      string
	Data     json.RawMessage
}

// Events is the pool's typed event surface. Handlers run synchronously on
// the emitting goroutine; keep them short or hand off to a channel.
type Events struct {
	hub *events.Hub

	Ready             *events.Topic[ReadyInfo]
	PoolError         *events.Topic[ErrorInfo]
	ClientState       *events.Topic[ClientStateInfo]
	BlockedWorkflow   *events.Topic[WorkflowBlockInfo]
	UnblockedWorkflow *events.Topic[WorkflowBlockInfo]
	JobQueued         *events.Topic[JobInfo]
	JobAccepted       *events.Topic[JobInfo]
	JobStarted        *events.Topic[JobInfo]
	JobProgress       *events.Topic[ProgressInfo]
	JobPreview        *events.Topic[PreviewInfo]
	JobPreviewMeta    *events.Topic[PreviewInfo]
	JobOutput         *events.Topic[OutputInfo]
	JobCompleted      *events.Topic[JobInfo]
	JobFailed         *events.Topic[JobFailureInfo]
	JobRetrying       *events.Topic[JobRetryInfo]
	JobCancelled      *events.Topic[JobInfo]
}

func newEvents(logger *zap.Logger) *Events {
	hub := events.NewHub(logger)
	return &Events{
		hub:               hub,
		Ready:             events.NewTopic[ReadyInfo](hub, "pool:ready"),
		PoolError:         events.NewTopic[ErrorInfo](hub, "pool:error"),
		ClientState:       events.NewTopic[ClientStateInfo](hub, "client:state"),
		BlockedWorkflow:   events.NewTopic[WorkflowBlockInfo](hub, "client:blocked_workflow"),
		UnblockedWorkflow: events.NewTopic[WorkflowBlockInfo](hub, "client:unblocked_workflow"),
		JobQueued:         events.NewTopic[JobInfo](hub, "job:queued"),
		JobAccepted:       events.NewTopic[JobInfo](hub, "job:accepted"),
		JobStarted:        events.NewTopic[JobInfo](hub, "job:started"),
		JobProgress:       events.NewTopic[ProgressInfo](hub, "job:progress"),
		JobPreview:        events.NewTopic[PreviewInfo](hub, "job:preview"),
		JobPreviewMeta:    events.NewTopic[PreviewInfo](hub, "job:preview_meta"),
		JobOutput:         events.NewTopic[OutputInfo](hub, "job:output"),
		JobCompleted:      events.NewTopic[JobInfo](hub, "job:completed"),
		JobFailed:         events.NewTopic[JobFailureInfo](hub, "job:failed"),
		JobRetrying:       events.NewTopic[JobRetryInfo](hub, "job:retrying"),
		JobCancelled:      events.NewTopic[JobInfo](hub, "job:cancelled"),
	}
}

// Hub exposes the underlying dispatcher for name-based subscription.
func (e *Events) Hub() *events.Hub { return e.hub }
