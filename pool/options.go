package pool

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/igorls/comfygo/client"
	"github.com/igorls/comfygo/queue"
)

// Pool-level defaults. Durations configured as zero fall back to these;
// negative values disable the corresponding timeout or loop.
const (
	DefaultMaxAttempts           = 3
	DefaultRetryBackoff          = time.Second
	DefaultExecutionStartTimeout = 5 * time.Second
	DefaultNodeExecutionTimeout  = 300 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultResultStoreSize       = 100

	// schedulePeekLimit caps how many waiting payloads one scheduling pass
	// considers.
	schedulePeekLimit = 100
)

// ClientConfig describes one managed server.
type ClientConfig struct {
	// ID is the pool-side identifier for this client. Defaults to BaseURL.
	ID string

	// BaseURL is the server's HTTP root, e.g. "http://gpu1:8188".
	BaseURL string

	// Session, when set, is used as-is and BaseURL is ignored.
	Session *client.Session

	// SessionOptions tunes the session built from BaseURL. BaseURL and
	// ClientID are filled in from this config.
	SessionOptions *client.Options
}

// Affinity routes a workflow hash toward or away from specific clients.
// It applies only when the job's own preference or exclusion list is
// empty; a non-empty job list fully overrides the corresponding field.
type Affinity struct {
	WorkflowHash       string
	PreferredClientIDs []string
	ExcludeClientIDs   []string
}

// Options tunes the pool.
type Options struct {
	// QueueAdapter holds waiting jobs. Defaults to the in-memory adapter.
	QueueAdapter queue.Adapter

	// Strategy decides per-(client, workflow) skips. Defaults to
	// NewCooldownStrategy().
	Strategy FailoverStrategy

	// RetryBackoff is the default delay before a failed job re-enters the
	// waiting set. Per-job RetryDelay overrides it.
	RetryBackoff time.Duration

	// ExecutionStartTimeout bounds submission to the first sign of
	// execution. Zero means the default; negative disables.
	ExecutionStartTimeout time.Duration

	// NodeExecutionTimeout is the sliding per-node timer. Zero means the
	// default; negative disables.
	NodeExecutionTimeout time.Duration

	// HealthCheckInterval drives the keep-alive getQueue loop. Zero means
	// the default; negative disables.
	HealthCheckInterval time.Duration

	// Affinities seeds the workflow routing table.
	Affinities []Affinity

	// EnableProfiling attaches per-node wall times to completed results.
	EnableProfiling bool

	// ResultStoreSize bounds how many terminal job snapshots are retained.
	ResultStoreSize int

	// SubmitRatePerSec throttles Enqueue. Zero means unlimited.
	SubmitRatePerSec float64

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.QueueAdapter == nil {
		o.QueueAdapter = queue.NewMemory(queue.MemoryOptions{Logger: o.Logger})
	}
	if o.Strategy == nil {
		o.Strategy = NewCooldownStrategy()
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.ExecutionStartTimeout == 0 {
		o.ExecutionStartTimeout = DefaultExecutionStartTimeout
	}
	if o.NodeExecutionTimeout == 0 {
		o.NodeExecutionTimeout = DefaultNodeExecutionTimeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.ResultStoreSize <= 0 {
		o.ResultStoreSize = DefaultResultStoreSize
	}
	return o
}

// JobOptions tunes one submitted job.
type JobOptions struct {
	// MaxAttempts caps attempts across all clients. Defaults to 3.
	MaxAttempts int

	// RetryDelay overrides the pool's RetryBackoff. Zero inherits.
	RetryDelay time.Duration

	// Priority orders the waiting set; higher runs first. Default 0.
	Priority int

	// PreferredClientIDs restricts scheduling to these clients when
	// non-empty.
	PreferredClientIDs []string

	// ExcludeClientIDs removes clients from consideration.
	ExcludeClientIDs []string

	// IncludeOutputs lists extra node ids to collect opportunistically.
	// They do not gate completion.
	IncludeOutputs []string

	// Metadata is carried on the job record untouched.
	Metadata map[string]any

	// ExecutionStartTimeout and NodeExecutionTimeout override the pool
	// defaults for this job. Zero inherits; negative disables.
	ExecutionStartTimeout time.Duration
	NodeExecutionTimeout  time.Duration
}

func (o JobOptions) withDefaults(p Options) JobOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = p.RetryBackoff
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.ExecutionStartTimeout == 0 {
		o.ExecutionStartTimeout = p.ExecutionStartTimeout
	}
	if o.NodeExecutionTimeout == 0 {
		o.NodeExecutionTimeout = p.NodeExecutionTimeout
	}
	return o
}

// resolveTimeout maps the zero-inherits/negative-disables convention to
// the execution wrapper's zero-disables one.
func resolveTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func validateClients(configs []ClientConfig) error {
	if len(configs) == 0 {
		return fmt.Errorf("pool requires at least one client")
	}
	seen := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		id := cfg.ID
		if id == "" {
			id = cfg.BaseURL
		}
		if id == "" && cfg.Session != nil {
			id = cfg.Session.BaseURL()
		}
		if id == "" {
			return fmt.Errorf("client %d: an ID or BaseURL is required", i)
		}
		if seen[id] {
			return fmt.Errorf("client %d: duplicate client id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}
