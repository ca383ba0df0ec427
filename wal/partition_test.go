package wal

import (
	"os"
	"testing"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	c := Config{RecordsPerPartition: 4}
	require.NoError(t, c.withDefaults())
	return c
}

func newTestSession(c Config) *session {
	return &session{buf: make([]byte, c.BufferSize)}
}

func TestPartitionWriteRead(t *testing.T) {
	dir, err := os.MkdirTemp("", "partition-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := testConfig(t)
	sess := newTestSession(c)

	p, err := openPartition(dir, 0, c, sess)
	require.NoError(t, err)
	require.Equal(t, uint64(0), p.first)
	require.Equal(t, uint64(3), p.last())

	// slot 0 of partition 0 belongs to the sentinel, writes start at 1
	payloads := [][]byte{[]byte("SET X=0"), []byte("SET Y=1"), []byte("DEL X")}
	for i, payload := range payloads {
		e := api.New(int64(42+i), payload)
		require.NoError(t, p.write(sess, e, uint64(i+1)))
	}
	require.NoError(t, p.flush())

	// payloads are laid out back to back after the allocation table
	require.Equal(t, p.payloadOffset(), p.cache[1].offset)
	require.Equal(t, p.cache[1].offset+p.cache[1].length, p.cache[2].offset)

	for i, payload := range payloads {
		got, err := p.read(sess, uint64(i+1), true, false)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), got.Index)
		require.Equal(t, int64(42+i), got.Term)
		require.Equal(t, payload, got.Payload)
		require.False(t, got.IsSnapshot)
	}

	// partition-relative read of the same slot
	got, err := p.read(sess, 2, false, false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Index)

	// the sentinel slot is never written
	got, err = p.read(sess, 0, false, false)
	require.NoError(t, err)
	require.Nil(t, got)

	// rebuild the metadata cache from the existing file
	require.NoError(t, p.close())
	p, err = openPartition(dir, 0, c, sess)
	require.NoError(t, err)
	got, err = p.read(sess, 3, true, false)
	require.NoError(t, err)
	require.Equal(t, payloads[2], got.Payload)
	require.NoError(t, p.close())
}

func TestPartitionNonZeroNumber(t *testing.T) {
	dir, err := os.MkdirTemp("", "partition-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := testConfig(t)
	sess := newTestSession(c)

	p, err := openPartition(dir, 1, c, sess)
	require.NoError(t, err)
	require.Equal(t, uint64(4), p.first)
	require.Equal(t, uint64(7), p.last())

	// slot 0 of a non-zero partition is a regular record slot
	e := api.New(7, []byte("first of partition"))
	require.NoError(t, p.write(sess, e, 4))
	require.Equal(t, p.payloadOffset(), p.cache[0].offset)

	got, err := p.read(sess, 4, true, false)
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Index)
	require.Equal(t, e.Payload, got.Payload)
	require.NoError(t, p.close())
}

func TestPartitionUncachedReads(t *testing.T) {
	dir, err := os.MkdirTemp("", "partition-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := testConfig(t)
	c.DisableCache = true
	sess := newTestSession(c)

	p, err := openPartition(dir, 0, c, sess)
	require.NoError(t, err)
	require.Nil(t, p.cache)

	for i := uint64(1); i < 4; i++ {
		require.NoError(t, p.write(sess, api.New(1, []byte("payload")), i))
	}
	got, err := p.read(sess, 2, true, true)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got.Payload)
	require.NoError(t, p.close())
}
