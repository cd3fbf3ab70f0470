// Package security holds the guard rails shared by the HTTP API and the tool
// executor: request rate limits and confinement of tool-written files.
package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a global limit and a per-client limit.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clientLimiters:    make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.getClientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.clientLimiters[clientID]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.clientLimiters[clientID] = limiter
	return limiter
}

// ToolRateLimiter provides per-tool rate limiting. Tools without a configured
// limit are never throttled.
type ToolRateLimiter struct {
	toolLimiters map[string]*rate.Limiter
	mu           sync.RWMutex
}

// NewToolRateLimiter creates a new tool-specific rate limiter
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{toolLimiters: make(map[string]*rate.Limiter)}
}

// SetToolLimit configures rate limit for a specific tool
func (trl *ToolRateLimiter) SetToolLimit(toolName string, requestsPerSecond float64, burst int) {
	trl.mu.Lock()
	defer trl.mu.Unlock()
	trl.toolLimiters[toolName] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until a tool execution can proceed
func (trl *ToolRateLimiter) Wait(ctx context.Context, toolName string) error {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return nil
	}
	return limiter.Wait(ctx)
}
