// Package queue defines the job queue contract the pool schedules from and
// an in-memory default implementation. The adapter is deliberately small so
// persistent backends can replace it without touching the scheduler.
package queue

import (
	"context"
	"time"
)

// Payload is the flattened slice of a job record the queue carries. The
// pool mutates Attempts and ExcludeClientIDs on reserved payloads; the
// adapter must preserve payload identity across Retry.
type Payload struct {
	JobID              string
	WorkflowHash       string
	Priority           int
	Attempts           int
	MaxAttempts        int
	PreferredClientIDs []string
	ExcludeClientIDs   []string
	EnqueuedAt         time.Time
}

// Clone copies p, including its slices.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := *p
	out.PreferredClientIDs = append([]string(nil), p.PreferredClientIDs...)
	out.ExcludeClientIDs = append([]string(nil), p.ExcludeClientIDs...)
	return &out
}

// Reservation is a lease over a waiting payload. It must be resolved by
// exactly one of Commit, Retry, or Discard.
type Reservation struct {
	ID      uint64
	Payload *Payload
}

// Stats is a point-in-time census of the adapter.
type Stats struct {
	Waiting   int
	Leased    int
	Completed int
	Failed    int
}

// Adapter is the queue contract. Ordering is priority descending, then
// enqueue order. Implementations must be safe for concurrent use; the
// scheduler and job-outcome handlers interleave calls freely.
type Adapter interface {
	// Enqueue adds a payload to the waiting set. It fails with
	// errdefs.ErrQueueFull when a configured bound would be exceeded.
	Enqueue(ctx context.Context, p *Payload) error

	// Peek returns up to n waiting payloads in scheduling order without
	// transferring ownership. Returned payloads are copies.
	Peek(ctx context.Context, n int) ([]*Payload, error)

	// ReserveByID atomically moves the payload from waiting to leased iff
	// it is still waiting and its retry delay, if any, has elapsed.
	// It returns (nil, nil) when the job is not reservable.
	ReserveByID(ctx context.Context, jobID string) (*Reservation, error)

	// Commit finalizes a reservation as succeeded and drops the lease.
	Commit(ctx context.Context, reservationID uint64) error

	// Retry returns the leased payload to the waiting set. Before delay
	// elapses the payload is invisible to Peek and ReserveByID.
	Retry(ctx context.Context, reservationID uint64, delay time.Duration) error

	// Discard finalizes a reservation as failed and drops the lease.
	Discard(ctx context.Context, reservationID uint64, cause error) error

	// Remove deletes a waiting (not leased) payload.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Stats reports the adapter census.
	Stats(ctx context.Context) (Stats, error)

	// Close releases adapter resources. Further calls on a closed adapter
	// fail with errdefs.ErrQueueClosed.
	Close(ctx context.Context) error
}
