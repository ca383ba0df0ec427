package wal

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	api "github.com/DevStudy/raftwal/api/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// lifecycle of the coordinator
const (
	statusUninitialized int32 = iota
	statusOpen
	statusCompacting
	statusInstalling
	statusDisposed
)

// the ephemeral index-0 entry. a single shared immutable value, never
// stored in a partition
var sentinel = &api.Entry{}

// ReadFunc receives the collected entries of one ranged read. when the
// range crossed a compacted prefix, snapshotIndex is the index of the
// snapshot entry in the slice (first, or right after the sentinel when
// the range starts at 0), otherwise 0
type ReadFunc func(entries []*api.Entry, snapshotIndex uint64) error

// Log coordinates the on-disk audit trail: the sorted partition table,
// the snapshot, the persistent node state and the shared lock that
// admits one writer or up to MaxConcurrentReads readers
type Log struct {
	Dir    string
	Config Config

	logger  *zap.Logger
	machine api.StateMachine

	// one exclusive holder (full weight) or N weak holders (weight 1)
	lock   *semaphore.Weighted
	weight int64

	partitions []*partition
	snapshot   *snapshot
	state      *nodeState

	pool         *sessionPool
	writeSession *session

	commit *commitEvent
	status atomic.Int32
	// mirrors the snapshot's index for lock-free accessors; the
	// snapshot pointer itself is only touched under the lock
	snapIdx atomic.Uint64
}

// Open scans dir, loading every file whose name is a decimal integer as
// a partition, the snapshot if present, and the node state
func Open(dir string, c Config) (*Log, error) {
	if err := c.withDefaults(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	l := &Log{
		Dir:          dir,
		Config:       c,
		logger:       c.Logger,
		machine:      c.Machine,
		lock:         semaphore.NewWeighted(int64(c.MaxConcurrentReads)),
		weight:       int64(c.MaxConcurrentReads),
		pool:         newSessionPool(c.MaxConcurrentReads, c.BufferSize),
		writeSession: &session{buf: make([]byte, c.BufferSize)},
		commit:       newCommitEvent(),
	}

	var err error
	if l.state, err = openNodeState(dir); err != nil {
		return nil, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		number, err := strconv.ParseUint(file.Name(), 10, 64)
		if err != nil {
			// not a partition file
			continue
		}
		p, err := openPartition(dir, number, c, l.writeSession)
		if err != nil {
			return nil, err
		}
		l.partitions = append(l.partitions, p)
	}
	sort.Slice(l.partitions, func(i, j int) bool {
		return l.partitions[i].number < l.partitions[j].number
	})

	if l.snapshot, err = openSnapshot(dir, false); err != nil {
		return nil, err
	}
	if err = l.snapshot.populateCache(l.writeSession); err != nil {
		return nil, err
	}
	l.snapIdx.Store(l.snapshot.index.Load())

	l.status.Store(statusOpen)
	lastIndexGauge.Set(float64(l.state.LastIndex()))
	l.logger.Info("audit trail opened",
		zap.String("dir", dir),
		zap.Int("partitions", len(l.partitions)),
		zap.Uint64("last_index", l.state.LastIndex()),
		zap.Uint64("commit_index", l.state.CommitIndex()),
		zap.Uint64("snapshot_index", l.snapshot.index.Load()),
	)
	return l, nil
}

// First returns the ephemeral sentinel entry at index 0
func (l *Log) First() *api.Entry {
	return sentinel
}

// LastIndex returns the index of the last committed entry, or of the
// last durable entry when committed is false
func (l *Log) LastIndex(committed bool) uint64 {
	if committed {
		return l.state.CommitIndex()
	}
	return l.state.LastIndex()
}

// FirstIndex returns the lowest index readable from a partition: the
// entry right after the snapshot once compaction has run, 1 otherwise
func (l *Log) FirstIndex() uint64 {
	if si := l.snapIdx.Load(); si > 0 {
		return si + 1
	}
	return 1
}

func (l *Log) Term() int64 {
	return l.state.Term()
}

func (l *Log) IsVotedFor(member string) bool {
	return l.state.IsVotedFor(member)
}

func (l *Log) IncrementTerm(ctx context.Context) (int64, error) {
	if err := l.acquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.releaseExclusive()
	term := l.state.incrementTerm()
	return term, l.state.flush()
}

func (l *Log) UpdateTerm(ctx context.Context, term int64) error {
	if err := l.acquireExclusive(ctx); err != nil {
		return err
	}
	defer l.releaseExclusive()
	l.state.setTerm(term)
	return l.state.flush()
}

func (l *Log) UpdateVotedFor(ctx context.Context, member string) error {
	if err := l.acquireExclusive(ctx); err != nil {
		return err
	}
	defer l.releaseExclusive()
	if err := l.state.setVotedFor(member); err != nil {
		return err
	}
	return l.state.flush()
}

// Append writes the batch right after the current last index and
// returns the index of the first appended entry
func (l *Log) Append(ctx context.Context, entries []*api.Entry) (uint64, error) {
	if err := l.acquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.releaseExclusive()
	first := l.state.LastIndex() + 1
	if err := l.appendLocked(ctx, entries, first, false); err != nil {
		return 0, err
	}
	return first, nil
}

// AppendAt writes the batch starting at start. with skipCommitted,
// entries at or below the commit index are silently skipped instead of
// failing, which lets a follower re-receive an overlapping batch
func (l *Log) AppendAt(ctx context.Context, entries []*api.Entry, start uint64, skipCommitted bool) error {
	if err := l.acquireExclusive(ctx); err != nil {
		return err
	}
	defer l.releaseExclusive()
	return l.appendLocked(ctx, entries, start, skipCommitted)
}

func (l *Log) appendLocked(ctx context.Context, entries []*api.Entry, start uint64, skipCommitted bool) error {
	if start > l.state.LastIndex()+1 {
		return api.ErrIndexOutOfRange{Index: start}
	}
	commit := l.state.CommitIndex()

	var touched *partition
	var written uint64
	// flush whatever prefix made it to the partition before surfacing
	// an error, so durable state is exactly that prefix
	finish := func(err error) error {
		if touched != nil {
			if ferr := touched.flush(); ferr != nil {
				return ferr
			}
		}
		if ferr := l.state.flush(); ferr != nil {
			return ferr
		}
		appendedEntries.Add(float64(written))
		lastIndexGauge.Set(float64(l.state.LastIndex()))
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if e.IsSnapshot {
			return finish(api.ErrInvalidState{Reason: "snapshot entry inside a batch append"})
		}
		switch {
		case start > commit:
			p, err := l.getOrCreatePartition(start)
			if err != nil {
				return finish(err)
			}
			if touched != nil && touched != p {
				if err := touched.flush(); err != nil {
					return err
				}
			}
			if err := p.write(l.writeSession, e, start); err != nil {
				return finish(err)
			}
			l.state.setLastIndex(start)
			touched = p
			written++
			start++
		case skipCommitted:
			start++
		default:
			return finish(api.ErrInvalidState{Reason: "attempt to overwrite a committed entry"})
		}
	}
	return finish(nil)
}

// AppendEntry writes a single entry at start. a snapshot entry triggers
// snapshot installation instead of a regular write
func (l *Log) AppendEntry(ctx context.Context, e *api.Entry, start uint64) error {
	if err := l.acquireExclusive(ctx); err != nil {
		return err
	}
	defer l.releaseExclusive()

	if start <= l.state.CommitIndex() && !e.IsSnapshot {
		return api.ErrInvalidState{Reason: "attempt to overwrite a committed entry"}
	}
	if e.IsSnapshot {
		return l.installLocked(ctx, e, start)
	}
	if start > l.state.LastIndex()+1 {
		return api.ErrIndexOutOfRange{Index: start}
	}

	p, err := l.getOrCreatePartition(start)
	if err != nil {
		return err
	}
	if err := p.write(l.writeSession, e, start); err != nil {
		return err
	}
	if err := p.flush(); err != nil {
		return err
	}
	l.state.setLastIndex(start)
	if err := l.state.flush(); err != nil {
		return err
	}
	appendedEntries.Inc()
	lastIndexGauge.Set(float64(start))
	return nil
}

// snapshot installation: persist the incoming entry under the temp
// name, swap it in by rename, drop every partition it replaces, then
// apply it to the state machine
func (l *Log) installLocked(ctx context.Context, e *api.Entry, snapIdx uint64) error {
	if (snapIdx+1)%uint64(l.Config.RecordsPerPartition) != 0 {
		return api.ErrIndexOutOfRange{Index: snapIdx}
	}
	l.status.Store(statusInstalling)
	defer l.status.Store(statusOpen)

	tmp, err := openSnapshot(l.Dir, true)
	if err != nil {
		return err
	}
	if err := tmp.write(ctx, l.writeSession, e, snapIdx); err != nil {
		tmp.close()
		return err
	}
	if err := tmp.close(); err != nil {
		return err
	}

	if err := l.snapshot.close(); err != nil {
		return err
	}
	// the swap itself cannot be rolled back in-process: after the
	// remove, either filename still yields a valid snapshot, missing
	// both is unrecoverable
	if err := os.Remove(filepath.Join(l.Dir, snapshotFileName)); err != nil && !os.IsNotExist(err) {
		l.logger.Fatal("snapshot swap failed", zap.Error(err))
	}
	if err := os.Rename(
		filepath.Join(l.Dir, snapshotTempFileName),
		filepath.Join(l.Dir, snapshotFileName),
	); err != nil {
		l.logger.Fatal("snapshot swap failed", zap.Error(err))
	}

	snap, err := openSnapshot(l.Dir, false)
	if err != nil {
		return err
	}
	if err := snap.populateCache(l.writeSession); err != nil {
		return err
	}
	l.snapshot = snap
	l.snapIdx.Store(snapIdx)

	var kept []*partition
	for _, p := range l.partitions {
		if p.last() <= snapIdx {
			if err := p.remove(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, p)
	}
	l.partitions = kept

	l.state.setCommitIndex(snapIdx)
	if snapIdx > l.state.LastIndex() {
		l.state.setLastIndex(snapIdx)
	}
	if l.machine != nil {
		se, err := l.snapshot.read(ctx, l.writeSession)
		if err != nil {
			return err
		}
		if err := l.machine.Apply(ctx, se); err != nil {
			return err
		}
	}
	l.state.setLastApplied(snapIdx)
	if err := l.state.flush(); err != nil {
		return err
	}
	l.commit.signal()
	snapshotInstalls.Inc()
	lastIndexGauge.Set(float64(l.state.LastIndex()))
	l.logger.Info("snapshot installed", zap.Uint64("index", snapIdx))
	return nil
}

// Range reads entries from start through end inclusive and hands the
// collected slice to fn. index 0 yields the sentinel; indexes whose
// partition has been compacted away yield the snapshot entry once, then
// the walk resumes after the snapshotted prefix
func (l *Log) Range(ctx context.Context, start, end uint64, fn ReadFunc) error {
	if end < start {
		return fn(nil, 0)
	}
	if err := l.acquireWeak(ctx); err != nil {
		return err
	}
	defer l.releaseWeak()

	sess, err := l.pool.rent(ctx)
	if err != nil {
		return err
	}
	defer l.pool.release(sess)
	return l.rangeLocked(ctx, sess, start, end, fn)
}

// RangeFrom reads from start through the last durable entry
func (l *Log) RangeFrom(ctx context.Context, start uint64, fn ReadFunc) error {
	if err := l.acquireWeak(ctx); err != nil {
		return err
	}
	defer l.releaseWeak()

	sess, err := l.pool.rent(ctx)
	if err != nil {
		return err
	}
	defer l.pool.release(sess)
	return l.rangeLocked(ctx, sess, start, l.state.LastIndex(), fn)
}

func (l *Log) rangeLocked(ctx context.Context, sess *session, start, end uint64, fn ReadFunc) error {
	if end < start {
		return fn(nil, 0)
	}
	last := l.state.LastIndex()
	if start > last {
		return api.ErrIndexOutOfRange{Index: start}
	}
	if end > last {
		return api.ErrIndexOutOfRange{Index: end}
	}
	count := end - start + 1
	if count > math.MaxInt32 {
		return api.ErrBufferOverflow{Count: count}
	}

	commit := l.state.CommitIndex()
	entries := make([]*api.Entry, 0, count)
	var snapIdx uint64
	var prev *partition
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == 0 {
			entries = append(entries, sentinel)
			continue
		}
		if p := l.partitionFor(i); p != nil {
			// synchronize the reader view with the writer when
			// crossing into another partition
			refresh := prev != nil && prev != p
			e, err := p.read(sess, i, true, refresh)
			if err != nil {
				return err
			}
			if e == nil {
				break
			}
			entries = append(entries, e)
			prev = p
			continue
		}
		if i <= commit && !l.snapshot.empty() {
			se, err := l.snapshot.read(ctx, sess)
			if err != nil {
				return err
			}
			entries = append(entries, se)
			snapIdx = se.Index
			// resume right after the snapshotted prefix
			i = se.Index
			prev = nil
			continue
		}
		break
	}
	return fn(entries, snapIdx)
}

// Commit advances the commit index to the last durable entry
func (l *Log) Commit(ctx context.Context) (uint64, error) {
	if err := l.acquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.releaseExclusive()
	return l.commitLocked(ctx, l.state.LastIndex())
}

// CommitTo advances the commit index to end, clamped to the last
// durable entry, and returns the number of newly committed entries
func (l *Log) CommitTo(ctx context.Context, end uint64) (uint64, error) {
	if err := l.acquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.releaseExclusive()
	if last := l.state.LastIndex(); end > last {
		end = last
	}
	return l.commitLocked(ctx, end)
}

func (l *Log) commitLocked(ctx context.Context, end uint64) (uint64, error) {
	commit := l.state.CommitIndex()
	if end <= commit {
		return 0, nil
	}
	count := end - commit
	l.state.setCommitIndex(end)
	if err := l.applyLocked(ctx); err != nil {
		return 0, err
	}
	if err := l.compactLocked(ctx); err != nil {
		return 0, err
	}
	l.commit.signal()
	committedEntries.Add(float64(count))
	return count, nil
}

// run the state machine over every committed but not yet applied entry.
// commit advancement becomes visible to waiters only after the node
// state reaches disk
func (l *Log) applyLocked(ctx context.Context) error {
	// without a machine there is nothing to apply; the cursor stays put
	// so a later EnsureConsistency can replay the committed range
	if l.machine == nil {
		return l.state.flush()
	}
	commit := l.state.CommitIndex()
	for i := l.state.LastApplied() + 1; i <= commit; i++ {
		if err := ctx.Err(); err != nil {
			if ferr := l.state.flush(); ferr != nil {
				return ferr
			}
			return err
		}
		p := l.partitionFor(i)
		if p == nil {
			return api.ErrInvalidState{Reason: fmt.Sprintf("no partition holds entry %d during apply", i)}
		}
		e, err := p.read(l.writeSession, i, true, false)
		if err != nil {
			return err
		}
		if e == nil {
			return api.ErrInvalidState{Reason: fmt.Sprintf("entry %d missing during apply", i)}
		}
		if err := l.machine.Apply(ctx, e); err != nil {
			return err
		}
		l.state.setLastApplied(i)
	}
	return l.state.flush()
}

// squash every fully committed partition into the snapshot once the
// committed range outgrows a partition. runs at the tail of commit
func (l *Log) compactLocked(ctx context.Context) error {
	support, ok := l.machine.(api.SnapshotSupport)
	if !ok {
		return nil
	}
	commit := l.state.CommitIndex()
	if commit-l.snapshot.index.Load() <= uint64(l.Config.RecordsPerPartition) {
		return nil
	}
	builder := support.CreateSnapshotBuilder()
	if builder == nil {
		return nil
	}

	var squash []*partition
	for _, p := range l.partitions {
		if p.last() > commit {
			break
		}
		squash = append(squash, p)
	}
	if len(squash) == 0 {
		return nil
	}

	l.status.Store(statusCompacting)
	defer l.status.Store(statusOpen)

	// the current snapshot is part of the prefix being squashed
	if !l.snapshot.empty() {
		se, err := l.snapshot.read(ctx, l.writeSession)
		if err != nil {
			return err
		}
		if err := builder.ApplyCore(ctx, se); err != nil {
			return err
		}
	}

	var lastTerm int64
	for _, p := range squash {
		// committed state is durable at each partition boundary
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.flush(); err != nil {
			return err
		}
		for slot := uint32(0); slot < l.Config.RecordsPerPartition; slot++ {
			if p.number == 0 && slot == 0 {
				// the sentinel slot is never persisted
				continue
			}
			e, err := p.read(l.writeSession, uint64(slot), false, false)
			if err != nil {
				return err
			}
			if e == nil {
				break
			}
			if err := builder.ApplyCore(ctx, e); err != nil {
				return err
			}
			lastTerm = e.Term
		}
	}

	snapIdx := squash[len(squash)-1].last()
	payload, err := builder.Build()
	if err != nil {
		return err
	}
	entry := &api.Entry{
		Index:      snapIdx,
		Term:       lastTerm,
		Timestamp:  time.Now().UnixNano(),
		IsSnapshot: true,
		Payload:    payload,
	}
	if err := l.snapshot.write(ctx, l.writeSession, entry, snapIdx); err != nil {
		return err
	}
	if err := l.snapshot.flush(); err != nil {
		return err
	}
	l.snapIdx.Store(snapIdx)

	for _, p := range squash {
		if err := p.remove(); err != nil {
			return err
		}
	}
	l.partitions = l.partitions[len(squash):]
	compactionRuns.Inc()
	l.logger.Info("log compacted",
		zap.Uint64("snapshot_index", snapIdx),
		zap.Int("partitions", len(squash)),
	)
	return nil
}

// Drop discards every uncommitted entry at or after start and returns
// how many were removed
func (l *Log) Drop(ctx context.Context, start uint64) (uint64, error) {
	if err := l.acquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.releaseExclusive()

	if start <= l.state.CommitIndex() {
		return 0, api.ErrInvalidState{Reason: "attempt to drop committed entries"}
	}
	last := l.state.LastIndex()
	if start > last {
		return 0, nil
	}
	count := last - start + 1
	l.state.setLastIndex(start - 1)
	if err := l.state.flush(); err != nil {
		return 0, err
	}

	var kept []*partition
	for _, p := range l.partitions {
		if p.first >= start {
			if err := p.remove(); err != nil {
				return 0, err
			}
			continue
		}
		kept = append(kept, p)
	}
	l.partitions = kept
	lastIndexGauge.Set(float64(start - 1))
	l.logger.Info("log tail dropped",
		zap.Uint64("start", start),
		zap.Uint64("count", count),
	)
	return count, nil
}

// WaitForCommit suspends until the commit index reaches index, the
// timeout elapses, or ctx is cancelled. timeout 0 waits indefinitely
func (l *Log) WaitForCommit(ctx context.Context, index uint64, timeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		// grab the channel before checking so a concurrent signal
		// between check and wait is not lost
		ch := l.commit.wait()
		// check under the weak lock: a commit holds the exclusive lock
		// until its node state flush is done
		if err := l.acquireWeak(ctx); err != nil {
			return err
		}
		reached := l.state.CommitIndex() >= index
		l.releaseWeak()
		if reached {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return context.DeadlineExceeded
		}
	}
}

// EnsureConsistency forces application of every committed entry
func (l *Log) EnsureConsistency(ctx context.Context) error {
	if err := l.acquireExclusive(ctx); err != nil {
		return err
	}
	defer l.releaseExclusive()
	return l.applyLocked(ctx)
}

// Close flushes and releases every partition, the snapshot and the node
// state. the log is unusable afterwards
func (l *Log) Close() error {
	if err := l.lock.Acquire(context.Background(), l.weight); err != nil {
		return err
	}
	defer l.lock.Release(l.weight)

	if l.status.Swap(statusDisposed) == statusDisposed {
		return nil
	}
	for _, p := range l.partitions {
		if err := p.close(); err != nil {
			return err
		}
	}
	if err := l.snapshot.close(); err != nil {
		return err
	}
	if err := l.state.close(); err != nil {
		return err
	}
	l.logger.Info("audit trail closed", zap.String("dir", l.Dir))
	return nil
}

func (l *Log) acquireExclusive(ctx context.Context) error {
	if err := l.lock.Acquire(ctx, l.weight); err != nil {
		return err
	}
	if l.status.Load() == statusDisposed {
		l.lock.Release(l.weight)
		return api.ErrInvalidState{Reason: "log is closed"}
	}
	return nil
}

func (l *Log) releaseExclusive() {
	l.lock.Release(l.weight)
}

func (l *Log) acquireWeak(ctx context.Context) error {
	if err := l.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	if l.status.Load() == statusDisposed {
		l.lock.Release(1)
		return api.ErrInvalidState{Reason: "log is closed"}
	}
	return nil
}

func (l *Log) releaseWeak() {
	l.lock.Release(1)
}

// locate the partition covering the given absolute index
func (l *Log) partitionFor(index uint64) *partition {
	number := index / uint64(l.Config.RecordsPerPartition)
	i := sort.Search(len(l.partitions), func(i int) bool {
		return l.partitions[i].number >= number
	})
	if i < len(l.partitions) && l.partitions[i].number == number {
		return l.partitions[i]
	}
	return nil
}

// partitions are created lazily on append
func (l *Log) getOrCreatePartition(index uint64) (*partition, error) {
	number := index / uint64(l.Config.RecordsPerPartition)
	i := sort.Search(len(l.partitions), func(i int) bool {
		return l.partitions[i].number >= number
	})
	if i < len(l.partitions) && l.partitions[i].number == number {
		return l.partitions[i], nil
	}
	p, err := openPartition(l.Dir, number, l.Config, l.writeSession)
	if err != nil {
		return nil, err
	}
	l.partitions = append(l.partitions, nil)
	copy(l.partitions[i+1:], l.partitions[i:])
	l.partitions[i] = p
	return p, nil
}
