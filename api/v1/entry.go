// this package contains the public record types and contracts of the
// audit trail
package wal_v1

import "time"

// Entry is a single record of the replicated log
type Entry struct {
	// position of the record in the log. index 0 is reserved for the
	// ephemeral sentinel and is never persisted
	Index uint64
	// raft term in which the record was created
	Term int64
	// wall-clock creation time in unix nanoseconds
	Timestamp int64
	// marks a compacted snapshot record. snapshot records only appear
	// at partition boundaries
	IsSnapshot bool
	// opaque record data
	Payload []byte
}

// create a new regular entry for the given term, stamped with the
// current wall-clock time
func New(term int64, payload []byte) *Entry {
	return &Entry{
		Term:      term,
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}
}
