package wal

import (
	"context"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/hashicorp/raft"
)

// LogStore adapts the audit trail to hashicorp raft's LogStore so a
// raft node can run directly on top of it. the raft record type is
// framed as a single leading payload byte
type LogStore struct {
	Log *Log
}

// enforce raft.LogStore behavior on the adapter
var _ raft.LogStore = (*LogStore)(nil)

func NewLogStore(log *Log) *LogStore {
	return &LogStore{Log: log}
}

func (s *LogStore) FirstIndex() (uint64, error) {
	if s.Log.LastIndex(false) == 0 {
		return 0, nil
	}
	return s.Log.FirstIndex(), nil
}

func (s *LogStore) LastIndex() (uint64, error) {
	return s.Log.LastIndex(false), nil
}

// GetLog retrieves the record at a given index. indexes squashed into
// the snapshot are gone from raft's point of view
func (s *LogStore) GetLog(index uint64, out *raft.Log) error {
	err := s.Log.Range(context.Background(), index, index,
		func(entries []*api.Entry, snapshotIndex uint64) error {
			if len(entries) == 0 || entries[0].IsSnapshot || len(entries[0].Payload) == 0 {
				return raft.ErrLogNotFound
			}
			e := entries[0]
			out.Index = e.Index
			out.Term = uint64(e.Term)
			out.Type = raft.LogType(e.Payload[0])
			out.Data = e.Payload[1:]
			return nil
		})
	if _, ok := err.(api.ErrIndexOutOfRange); ok {
		return raft.ErrLogNotFound
	}
	return err
}

func (s *LogStore) StoreLog(record *raft.Log) error {
	return s.StoreLogs([]*raft.Log{record})
}

func (s *LogStore) StoreLogs(records []*raft.Log) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]*api.Entry, 0, len(records))
	for _, record := range records {
		payload := make([]byte, 0, len(record.Data)+1)
		payload = append(payload, byte(record.Type))
		payload = append(payload, record.Data...)
		e := api.New(int64(record.Term), payload)
		e.Index = record.Index
		entries = append(entries, e)
	}
	return s.Log.AppendAt(context.Background(), entries, records[0].Index, false)
}

// DeleteRange maps a tail deletion to a drop: when min is above the
// commit index, every record from min through the last index is removed
// and max is not consulted. a range starting at or below the commit
// index is a head deletion, which compaction already does, and is ignored
func (s *LogStore) DeleteRange(min, max uint64) error {
	if min <= s.Log.LastIndex(true) {
		return nil
	}
	_, err := s.Log.Drop(context.Background(), min)
	return err
}
