package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lexisub/lexisub/pkg/log"
)

const (
	healthInterval = 5 * time.Minute
	healthTimeout  = 30 * time.Second
)

// HealthChecker periodically probes the upstream with a trivial prompt
// and remembers the last outcome, so the API can report LLM
// availability without issuing a request per status call.
type HealthChecker struct {
	client *Client

	mu        sync.RWMutex
	healthy   bool
	lastError string
	lastCheck time.Time
}

// NewHealthChecker wraps a client. The checker reports unhealthy until
// the first probe succeeds.
func NewHealthChecker(client *Client) *HealthChecker {
	return &HealthChecker{client: client}
}

// Run probes immediately and then on an interval until ctx is cancelled
func (h *HealthChecker) Run(ctx context.Context) {
	h.check(ctx)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

func (h *HealthChecker) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := h.client.Complete(probeCtx, "", "ping")

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now().UTC()
	if err != nil {
		h.healthy = false
		h.lastError = err.Error()
		log.WithComponent("llm").Warn().Err(err).Msg("health probe failed")
		return
	}
	h.healthy = true
	h.lastError = ""
}

// EnsureHealthy reports whether the upstream is usable, probing first
// when forced or when no probe has run yet.
func (h *HealthChecker) EnsureHealthy(ctx context.Context, force bool) error {
	h.mu.RLock()
	healthy, lastError, lastCheck := h.healthy, h.lastError, h.lastCheck
	h.mu.RUnlock()

	if force || lastCheck.IsZero() {
		h.check(ctx)
		h.mu.RLock()
		healthy, lastError = h.healthy, h.lastError
		h.mu.RUnlock()
	}
	if !healthy {
		return fmt.Errorf("llm unavailable: %s", lastError)
	}
	return nil
}

// Status returns the last probe outcome
func (h *HealthChecker) Status() (healthy bool, lastError string, lastCheck time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy, h.lastError, h.lastCheck
}
