package wal_v1

import "context"

// StateMachine is the embedder's application state machine. Apply is
// invoked for every newly committed entry, including the snapshot entry
// during a snapshot installation
type StateMachine interface {
	Apply(ctx context.Context, entry *Entry) error
}

// SnapshotSupport is implemented by state machines that can summarize
// the committed prefix of the log into a snapshot. A machine without it
// never triggers compaction
type SnapshotSupport interface {
	StateMachine

	// create a builder for a new snapshot. returning nil skips the
	// current compaction round
	CreateSnapshotBuilder() SnapshotBuilder
}

// SnapshotBuilder accumulates committed entries and serializes the
// squashed state as a single snapshot payload
type SnapshotBuilder interface {
	ApplyCore(ctx context.Context, entry *Entry) error
	Build() ([]byte, error)
}
