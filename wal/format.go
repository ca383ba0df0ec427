// this package contains the persistent audit trail backing a raft
// node: an on-disk partitioned log with snapshot based compaction
package wal

import "encoding/binary"

var (
	// encoding for persisting metadata records
	enc = binary.LittleEndian
)

const (
	// number of bytes used to store one allocation-table record
	metaWidth = 32
	// number of bytes used to store the snapshot header
	snapMetaWidth = 40
)

// entryMeta is one record of a partition's allocation table. offset 0
// means the slot is unused
type entryMeta struct {
	offset    uint64
	length    uint64
	term      int64
	timestamp int64
}

func (m entryMeta) marshal(b []byte) {
	enc.PutUint64(b[0:8], m.offset)
	enc.PutUint64(b[8:16], m.length)
	enc.PutUint64(b[16:24], uint64(m.term))
	enc.PutUint64(b[24:32], uint64(m.timestamp))
}

func unmarshalEntryMeta(b []byte) entryMeta {
	return entryMeta{
		offset:    enc.Uint64(b[0:8]),
		length:    enc.Uint64(b[8:16]),
		term:      int64(enc.Uint64(b[16:24])),
		timestamp: int64(enc.Uint64(b[24:32])),
	}
}

// snapshotMeta is the fixed header of the snapshot file. index is the
// last log index the snapshot replaces, inclusive
type snapshotMeta struct {
	entryMeta
	index uint64
}

func (m snapshotMeta) marshal(b []byte) {
	m.entryMeta.marshal(b)
	enc.PutUint64(b[32:40], m.index)
}

func unmarshalSnapshotMeta(b []byte) snapshotMeta {
	return snapshotMeta{
		entryMeta: unmarshalEntryMeta(b),
		index:     enc.Uint64(b[32:40]),
	}
}
