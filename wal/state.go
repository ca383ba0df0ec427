package wal

import (
	"os"
	"path/filepath"
	"sync"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

const (
	stateFileName = "node.state"
	// fixed size of the node.state record
	stateSize = 128

	stateTermOff     = 0
	stateCommitOff   = 8
	stateLastOff     = 16
	stateAppliedOff  = 24
	stateVotedLenOff = 32
	stateVotedOff    = 34
	// longest member identity that fits the record
	stateVotedCap = 64
)

// nodeState is the persistent per-node raft state: current term, vote,
// and the commit/last/applied cursors. the record is memory mapped so a
// flush is a single msync
type nodeState struct {
	mu   sync.RWMutex
	file *os.File
	mmap gommap.MMap

	term        int64
	votedFor    string
	commitIndex uint64
	lastIndex   uint64
	lastApplied uint64
}

// open the node.state file, restoring all fields verbatim when it
// already exists
func openNodeState(dir string) (*nodeState, error) {
	f, err := os.OpenFile(filepath.Join(dir, stateFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open node state")
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// grow new files to the fixed record size before memory mapping
	if fi.Size() < stateSize {
		if err := f.Truncate(stateSize); err != nil {
			return nil, err
		}
	}
	mmap, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "map node state")
	}

	s := &nodeState{file: f, mmap: mmap}
	s.term = int64(enc.Uint64(mmap[stateTermOff:]))
	s.commitIndex = enc.Uint64(mmap[stateCommitOff:])
	s.lastIndex = enc.Uint64(mmap[stateLastOff:])
	s.lastApplied = enc.Uint64(mmap[stateAppliedOff:])
	n := enc.Uint16(mmap[stateVotedLenOff:])
	s.votedFor = string(mmap[stateVotedOff : stateVotedOff+n])
	return s, nil
}

func (s *nodeState) Term() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *nodeState) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

func (s *nodeState) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

func (s *nodeState) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *nodeState) VotedFor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

// true when no vote has been cast yet or the vote matches member
func (s *nodeState) IsVotedFor(member string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor == "" || s.votedFor == member
}

func (s *nodeState) setTerm(term int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	enc.PutUint64(s.mmap[stateTermOff:], uint64(term))
}

func (s *nodeState) incrementTerm() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term++
	enc.PutUint64(s.mmap[stateTermOff:], uint64(s.term))
	return s.term
}

func (s *nodeState) setVotedFor(member string) error {
	if len(member) > stateVotedCap {
		return api.ErrInvalidState{Reason: "member identity too long"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = member
	enc.PutUint16(s.mmap[stateVotedLenOff:], uint16(len(member)))
	copy(s.mmap[stateVotedOff:stateVotedOff+stateVotedCap], member)
	return nil
}

func (s *nodeState) setCommitIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitIndex = index
	enc.PutUint64(s.mmap[stateCommitOff:], index)
}

func (s *nodeState) setLastIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIndex = index
	enc.PutUint64(s.mmap[stateLastOff:], index)
}

func (s *nodeState) setLastApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = index
	enc.PutUint64(s.mmap[stateAppliedOff:], index)
}

// flush changes made to the memory mapped record synchronously to disk
func (s *nodeState) flush() error {
	return s.mmap.Sync(gommap.MS_SYNC)
}

func (s *nodeState) close() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	return s.file.Close()
}
