package dispatcher

import "time"

// Config holds the Dispatcher's tunables, sourced from the broker's
// environment-variable configuration layer.
type Config struct {
	// AckTimeout bounds how long a PENDING_ACK reservation may sit unacked
	// before the Scheduler requeues it. The Dispatcher itself does not read
	// it; enforcement lives in the Scheduler's requeue step.
	AckTimeout time.Duration

	// LongPollTimeout is the maximum duration WaitForTask blocks before
	// returning with no task, prompting the agent to poll again.
	LongPollTimeout time.Duration
}

// DefaultConfig matches the broker's documented ACK_TIMEOUT_MS/long-poll defaults.
var DefaultConfig = Config{
	AckTimeout:      30 * time.Second,
	LongPollTimeout: 290 * time.Second,
}
