package wal_v1

import "fmt"

type ErrIndexOutOfRange struct {
	Index uint64
}

func (e ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("the requested index is outside the log's range: %d", e.Index)
}

type ErrInvalidState struct {
	Reason string
}

func (e ErrInvalidState) Error() string {
	return "invalid log state: " + e.Reason
}

type ErrBufferOverflow struct {
	Count uint64
}

func (e ErrBufferOverflow) Error() string {
	return fmt.Sprintf("read span of %d entries exceeds the buffer limit", e.Count)
}
