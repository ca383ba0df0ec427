package wal

import (
	"fmt"

	api "github.com/DevStudy/raftwal/api/v1"
	"go.uber.org/zap"
)

const (
	defaultBufferSize         = 2048
	minBufferSize             = 128
	defaultMaxConcurrentReads = 3
)

// log configuration
type Config struct {
	// number of record slots in one partition file. required, at least 2
	RecordsPerPartition uint32
	// scratch I/O buffer size per session
	BufferSize uint32
	// payload bytes pre-allocated when a partition file is created, to
	// reduce later fragmentation
	InitialPartitionSize uint64
	// disable the in-memory mirror of each partition's allocation table
	DisableCache bool
	// number of reader sessions allowed alongside the single writer
	MaxConcurrentReads uint32
	// application state machine receiving committed entries. optional;
	// without it commit only advances cursors
	Machine api.StateMachine
	// structured logger. defaults to a no-op logger
	Logger *zap.Logger
}

// fill in defaults and reject unusable values
func (c *Config) withDefaults() error {
	if c.RecordsPerPartition < 2 {
		return fmt.Errorf("records per partition must be at least 2, got %d", c.RecordsPerPartition)
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("buffer size must be at least %d, got %d", minBufferSize, c.BufferSize)
	}
	if c.MaxConcurrentReads == 0 {
		c.MaxConcurrentReads = defaultMaxConcurrentReads
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
