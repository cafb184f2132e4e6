package models

import "time"

// Origin tells whether a logged operation was authored on this device.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// OpStatus is the delivery state of a logged operation. Remote operations
// are logged as StatusApplied; local ones walk pending → in_flight → acked,
// or end in failed.
type OpStatus string

const (
	StatusPending  OpStatus = "pending"
	StatusInFlight OpStatus = "in_flight"
	StatusAcked    OpStatus = "acked"
	StatusFailed   OpStatus = "failed"
	StatusApplied  OpStatus = "applied"
)

// Settled reports whether the entry may be folded into a snapshot.
func (s OpStatus) Settled() bool {
	return s == StatusAcked || s == StatusApplied
}

// LogEntry is one row of a draft's operation log.
type LogEntry struct {
	Seq         int64
	Op          Operation
	Origin      Origin
	Status      OpStatus
	Attempt     int
	NextRetryAt time.Time
	LastError   string
}
