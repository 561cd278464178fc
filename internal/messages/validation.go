package messages

import (
	"fmt"
	"sync"
	"time"
)

// Validator validates and rate-limits inbound Requests before they reach a
// raftserver.Server handler.
type Validator struct {
	rateLimiter *RateLimiter
}

// NewValidator creates a validator with a generous default rate limit — a
// four-or-five-node Raft cluster under normal heartbeat/replication traffic
// stays well under it; it exists to blunt a misbehaving or compromised peer,
// not to shape legitimate load.
func NewValidator() *Validator {
	return &Validator{rateLimiter: NewRateLimiter(500, 2000)}
}

// Validate checks req's structure and applies per-sender rate limiting.
func (v *Validator) Validate(req *Request) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	if !v.rateLimiter.Allow(req.Header.From) {
		return fmt.Errorf("rate limit exceeded for node %s", req.Header.From)
	}
	return nil
}

// RateLimiter implements a token bucket rate limiter, keyed per sender.
type RateLimiter struct {
	rate       float64
	bucketSize float64
	tokens     map[string]float64
	lastUpdate map[string]time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(rate, bucketSize float64) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		bucketSize: bucketSize,
		tokens:     make(map[string]float64),
		lastUpdate: make(map[string]time.Time),
	}
}

// Allow checks if a request from the given key is allowed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	lastUpdate, exists := r.lastUpdate[key]
	if !exists {
		r.tokens[key] = r.bucketSize - 1
		r.lastUpdate[key] = now
		return true
	}

	elapsed := now.Sub(lastUpdate).Seconds()
	tokens := r.tokens[key] + elapsed*r.rate
	if tokens > r.bucketSize {
		tokens = r.bucketSize
	}

	if tokens < 1 {
		r.lastUpdate[key] = now
		r.tokens[key] = tokens
		return false
	}

	r.tokens[key] = tokens - 1
	r.lastUpdate[key] = now
	return true
}
