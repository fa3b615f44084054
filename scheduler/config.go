package scheduler

import "time"

// Config mirrors the ACK_TIMEOUT_MS/STALE_TASK_TIMEOUT_MS/SCHEDULER_INTERVAL_MS
// environment variables.
type Config struct {
	AckTimeout       time.Duration
	StaleTaskTimeout time.Duration
	TickInterval     time.Duration
}

var DefaultConfig = Config{
	AckTimeout:       30 * time.Second,
	StaleTaskTimeout: 30 * time.Minute,
	TickInterval:     10 * time.Second,
}
