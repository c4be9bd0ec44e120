package domain

import "time"

// ScopeStream is the scope a subscriber must carry to receive frames
// (spec §4.6.5).
const ScopeStream = "reality.stream"

// SubscriptionSnapshot is a read-only shape for broadcaster-owned
// subscription state. No package in this module builds or reads one. The
// live subscription itself lives entirely inside the broadcast loop
// (internal/broadcast) and is never shared across goroutines directly.
type SubscriptionSnapshot struct {
	SocketID         string
	TenantID         string
	Scopes           []string
	JoinedAt         time.Time
	QueueLen         int
	QueueCap         int
	DroppedCount     int64
	LastDeliveredSeq uint64
	BufferedAmount   int64
}
