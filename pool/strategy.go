package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// FailoverStrategy decides whether a client should be skipped for a
// workflow right now. Implementations track per-(client, workflow) state
// only; global exclusions belong to the analyzer's permanent verdicts
// recorded on the job.
type FailoverStrategy interface {
	ShouldSkipClient(clientID, workflowHash string) bool
	RecordFailure(clientID, workflowHash string, err error)
	RecordSuccess(clientID, workflowHash string)
	IsWorkflowBlocked(clientID, workflowHash string) bool
}

type strategyKey struct {
	clientID     string
	workflowHash string
}

// CooldownStrategy blocks a (client, workflow) pair after Threshold
// consecutive failures, for an exponentially growing cooldown. Any
// success resets the pair.
type CooldownStrategy struct {
	// Threshold is the consecutive-failure count that starts blocking.
	Threshold int
	// BaseCooldown is the first block duration; each further failure
	// doubles it up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration

	mu      sync.Mutex
	entries map[strategyKey]*cooldownEntry
	now     func() time.Time
}

type cooldownEntry struct {
	consecutive  int
	blockedUntil time.Time
}

// NewCooldownStrategy returns the default strategy: 3 consecutive
// failures, 10s base cooldown, 5m cap.
func NewCooldownStrategy() *CooldownStrategy {
	return &CooldownStrategy{
		Threshold:    3,
		BaseCooldown: 10 * time.Second,
		MaxCooldown:  5 * time.Minute,
		entries:      make(map[strategyKey]*cooldownEntry),
		now:          time.Now,
	}
}

func (s *CooldownStrategy) ShouldSkipClient(clientID, workflowHash string) bool {
	return s.IsWorkflowBlocked(clientID, workflowHash)
}

func (s *CooldownStrategy) RecordFailure(clientID, workflowHash string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strategyKey{clientID, workflowHash}
	e := s.entries[key]
	if e == nil {
		e = &cooldownEntry{}
		s.entries[key] = e
	}
	e.consecutive++
	if e.consecutive < s.Threshold {
		return
	}
	over := e.consecutive - s.Threshold
	cooldown := s.BaseCooldown
	for i := 0; i < over && cooldown < s.MaxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > s.MaxCooldown {
		cooldown = s.MaxCooldown
	}
	e.blockedUntil = s.now().Add(cooldown)
}

func (s *CooldownStrategy) RecordSuccess(clientID, workflowHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strategyKey{clientID, workflowHash})
}

func (s *CooldownStrategy) IsWorkflowBlocked(clientID, workflowHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strategyKey{clientID, workflowHash}]
	return ok && s.now().Before(e.blockedUntil)
}

// BreakerStrategy is an alternative built on circuit breakers: one breaker
// per (client, workflow), tripped open after Threshold consecutive
// failures and held open for Cooldown. A success in the half-open window
// closes it again.
type BreakerStrategy struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold uint32
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration

	mu       sync.Mutex
	breakers map[strategyKey]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerStrategy returns a breaker-backed strategy with a 3-failure
// trip and 30s open window.
func NewBreakerStrategy() *BreakerStrategy {
	return &BreakerStrategy{
		Threshold: 3,
		Cooldown:  30 * time.Second,
		breakers:  make(map[strategyKey]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (s *BreakerStrategy) breaker(key strategyKey) *gobreaker.TwoStepCircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		threshold := s.Threshold
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("%s/%s", key.clientID, key.workflowHash),
			MaxRequests: 1,
			Timeout:     s.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		s.breakers[key] = cb
	}
	return cb
}

func (s *BreakerStrategy) ShouldSkipClient(clientID, workflowHash string) bool {
	return s.IsWorkflowBlocked(clientID, workflowHash)
}

func (s *BreakerStrategy) RecordFailure(clientID, workflowHash string, err error) {
	done, allowErr := s.breaker(strategyKey{clientID, workflowHash}).Allow()
	if allowErr != nil {
		// Already open; the failure changes nothing.
		return
	}
	done(false)
}

func (s *BreakerStrategy) RecordSuccess(clientID, workflowHash string) {
	done, allowErr := s.breaker(strategyKey{clientID, workflowHash}).Allow()
	if allowErr != nil {
		return
	}
	done(true)
}

func (s *BreakerStrategy) IsWorkflowBlocked(clientID, workflowHash string) bool {
	return s.breaker(strategyKey{clientID, workflowHash}).State() == gobreaker.StateOpen
}
