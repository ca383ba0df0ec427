package wal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/pkg/errors"
)

const (
	snapshotFileName = "snapshot"
	// transient file used while installing a snapshot
	snapshotTempFileName = "snapshot.new"
)

// snapshot holds the compacted state of the log in a single file: a
// fixed header followed by the payload. an empty file means no snapshot
// has been taken yet
type snapshot struct {
	file *os.File
	// last index the snapshot replaces, 0 when empty. the coordinator
	// mirrors it in Log.snapIdx for its lock-free FirstIndex accessor
	index atomic.Uint64
	meta  snapshotMeta
	dirty bool
}

// open or create the snapshot file. the temp variant backs the
// install-rename protocol
func openSnapshot(dir string, temp bool) (*snapshot, error) {
	name := snapshotFileName
	flags := os.O_RDWR | os.O_CREATE
	if temp {
		name = snapshotTempFileName
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Join(dir, name), flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	return &snapshot{file: f}, nil
}

// cache the header of an existing snapshot, or index 0 for an empty file
func (s *snapshot) populateCache(sess *session) error {
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		s.meta = snapshotMeta{}
		s.index.Store(0)
		return nil
	}

	b := sess.buf[:snapMetaWidth]
	if _, err := s.file.ReadAt(b, 0); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrap(err, "populate snapshot cache")
	}
	s.meta = unmarshalSnapshotMeta(b)
	s.index.Store(s.meta.index)
	return nil
}

func (s *snapshot) empty() bool {
	return s.index.Load() == 0
}

// persist the entry as the snapshot replacing everything up to and
// including index. the payload goes first, then the header is written
// with the final length
func (s *snapshot) write(ctx context.Context, sess *session, e *api.Entry, index uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(e.Payload) > 0 {
		if _, err := s.file.WriteAt(e.Payload, snapMetaWidth); err != nil {
			return errors.Wrap(err, "write snapshot payload")
		}
	}

	m := snapshotMeta{
		entryMeta: entryMeta{
			offset:    snapMetaWidth,
			length:    uint64(len(e.Payload)),
			term:      e.Term,
			timestamp: e.Timestamp,
		},
		index: index,
	}
	b := sess.buf[:snapMetaWidth]
	m.marshal(b)
	if _, err := s.file.WriteAt(b, 0); err != nil {
		return errors.Wrap(err, "write snapshot header")
	}
	if err := s.file.Truncate(int64(snapMetaWidth + m.length)); err != nil {
		return err
	}
	s.meta = m
	s.index.Store(index)
	s.dirty = true
	return nil
}

// read the snapshot entry. flushes first so concurrent readers observe
// the latest completed write
func (s *snapshot) read(ctx context.Context, sess *session) (*api.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.flush(); err != nil {
		return nil, err
	}

	payload := make([]byte, s.meta.length)
	if s.meta.length > 0 {
		if _, err := s.file.ReadAt(payload, int64(s.meta.offset)); err != nil {
			return nil, errors.Wrap(err, "read snapshot payload")
		}
	}
	return &api.Entry{
		Index:      s.meta.index,
		Term:       s.meta.term,
		Timestamp:  s.meta.timestamp,
		IsSnapshot: true,
		Payload:    payload,
	}, nil
}

func (s *snapshot) flush() error {
	if !s.dirty {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *snapshot) close() error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.file.Close()
}
