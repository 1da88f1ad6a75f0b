package config

import "time"

// Default runtime limits and guardrails for the calc server. These values are
// conservative and can be overridden by future configuration mechanisms (env,
// CLI, or files). They are referenced by internal/runtime.

const (
	// Concurrency
	DefaultMaxConcurrentRequests = 10

	// Macro sandbox guardrails
	DefaultMaxMacroOutputLines = 500
	DefaultMaxMacroOutputBytes = 512 * 1024 // 512KB
	DefaultMaxMacroLineBytes   = 8 * 1024   // per captured line
	DefaultMaxMacroUpdates     = 1_000

	// Payload bounds for range reads
	DefaultMaxRangeCellsPerPage = 10_000
)

const (
	// Timeouts
	DefaultOperationTimeout      = 30 * time.Second
	DefaultAcquireRequestTimeout = 2 * time.Second
	DefaultMacroTimeout          = 10 * time.Second
)
