package wal

import (
	"os"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func TestLogStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	l := openTestLog(t, dir, nil)
	defer l.Close()
	s := NewLogStore(l)

	// empty log
	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Zero(t, first)

	logs := []*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("a")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("b")},
		{Index: 3, Term: 2, Type: raft.LogNoop, Data: nil},
	}
	require.NoError(t, s.StoreLogs(logs))

	first, err = s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	var out raft.Log
	require.NoError(t, s.GetLog(2, &out))
	require.Equal(t, uint64(2), out.Index)
	require.Equal(t, uint64(1), out.Term)
	require.Equal(t, raft.LogCommand, out.Type)
	require.Equal(t, []byte("b"), out.Data)

	require.NoError(t, s.GetLog(3, &out))
	require.Equal(t, raft.LogNoop, out.Type)
	require.Empty(t, out.Data)

	require.ErrorIs(t, s.GetLog(9, &out), raft.ErrLogNotFound)

	// conflicting tail removal
	require.NoError(t, s.DeleteRange(3, 3))
	last, err = s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
	require.ErrorIs(t, s.GetLog(3, &out), raft.ErrLogNotFound)
}
