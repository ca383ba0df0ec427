package wal

import "context"

// session is a per-operation I/O context: a scratch buffer rented for
// the duration of one read or append call. positional reads make a
// per-session file view unnecessary
type session struct {
	buf []byte
}

// fixed-capacity pool of reader sessions. one distinguished write
// session is owned by the coordinator and never enters the pool
type sessionPool struct {
	sessions chan *session
}

func newSessionPool(capacity, bufferSize uint32) *sessionPool {
	p := &sessionPool{
		sessions: make(chan *session, capacity),
	}
	for range capacity {
		p.sessions <- &session{buf: make([]byte, bufferSize)}
	}
	return p
}

// rent a session, suspending until one is free
func (p *sessionPool) rent(ctx context.Context) (*session, error) {
	select {
	case s := <-p.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *sessionPool) release(s *session) {
	p.sessions <- s
}
