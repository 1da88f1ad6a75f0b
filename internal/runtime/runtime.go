package runtime

import (
	"context"
	"time"

	"github.com/calcgrid/calcgrid/config"
	"golang.org/x/sync/semaphore"
)

// Limits captures the concurrency, payload, and macro guardrails configured
// for the server. Components receive Limits by value at construction time;
// there is no mutable global configuration.
type Limits struct {
	// Concurrency caps
	MaxConcurrentRequests int

	// Macro sandbox caps
	MaxMacroOutputLines int
	MaxMacroOutputBytes int
	MaxMacroLineBytes   int
	MaxMacroUpdates     int

	// Payload bounds
	MaxRangeCellsPerPage int

	// Timeouts
	OperationTimeout      time.Duration
	AcquireRequestTimeout time.Duration
	MacroTimeout          time.Duration
}

// NewLimits initializes Limits with fallbacks from config when values are
// unset.
func NewLimits(maxConcurrentRequests int) Limits {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = config.DefaultMaxConcurrentRequests
	}

	return Limits{
		MaxConcurrentRequests: maxConcurrentRequests,
		MaxMacroOutputLines:   config.DefaultMaxMacroOutputLines,
		MaxMacroOutputBytes:   config.DefaultMaxMacroOutputBytes,
		MaxMacroLineBytes:     config.DefaultMaxMacroLineBytes,
		MaxMacroUpdates:       config.DefaultMaxMacroUpdates,
		MaxRangeCellsPerPage:  config.DefaultMaxRangeCellsPerPage,
		OperationTimeout:      config.DefaultOperationTimeout,
		AcquireRequestTimeout: config.DefaultAcquireRequestTimeout,
		MacroTimeout:          config.DefaultMacroTimeout,
	}
}

// Controller coordinates the request semaphore guardrail.
type Controller struct {
	limits           Limits
	requestSemaphore *semaphore.Weighted
}

// NewController constructs a Controller backed by a weighted semaphore.
func NewController(limits Limits) *Controller {
	return &Controller{
		limits:           limits,
		requestSemaphore: semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
	}
}

// AcquireRequest reserves capacity for an incoming request.
func (c *Controller) AcquireRequest(ctx context.Context) error {
	return c.requestSemaphore.Acquire(ctx, 1)
}

// ReleaseRequest frees previously-acquired request capacity.
func (c *Controller) ReleaseRequest() {
	c.requestSemaphore.Release(1)
}

// LimitsSnapshot exposes the configured guardrails for telemetry and
// discovery.
func (c *Controller) LimitsSnapshot() Limits {
	return c.limits
}
