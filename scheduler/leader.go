package scheduler

// Leader reports whether this process currently holds the scheduling lease.
// Scoped narrowly to the Scheduler loop — HTTP handlers remain
// Store-serialized and safe regardless of which process is leader.
type Leader interface {
	IsLeader() bool
}

// alwaysLeader is the default for single-instance deployments, where there
// is no coordination package wired in.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }
