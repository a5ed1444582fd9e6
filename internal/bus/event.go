package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Subscribers filter by namespace
// prefix, e.g. "sync." for everything the coordinator emits.
const (
	KindSyncStarted     = "sync.started"
	KindSyncProgress    = "sync.progress"
	KindSyncCompleted   = "sync.completed"
	KindSyncInterrupted = "sync.interrupted"
	KindSyncFailed      = "sync.failed"
	KindSyncCancelled   = "sync.cancelled"
	KindSyncMerged      = "sync.merged"

	KindWAConnected    = "wa.connected"
	KindWADisconnected = "wa.disconnected"
	KindWALoggedOut    = "wa.logged_out"
	KindWAStagedBatch  = "wa.staged_batch"
)

// SyncProgress is the payload for sync.progress events.
type SyncProgress struct {
	ChatJID         string
	MessagesSynced  int
	BatchSize       int
	ProgressPercent float64
}
