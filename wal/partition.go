package wal

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/pkg/errors"
)

// partition holds a contiguous range of log entries in a single file
// named by its decimal partition number. the file starts with an
// allocation table of fixed-width metadata records, followed by the
// payload region where entry data is laid out back to back
type partition struct {
	file *os.File
	// partition number, also the file name
	number uint64
	// absolute index of the partition's first slot
	first uint64
	// number of record slots
	records uint32
	// in-memory mirror of the allocation table, nil when caching is off
	cache []entryMeta
	// pending writes not yet synced to disk
	dirty bool
}

// open or create the partition file for the given partition number. a
// freshly created file is extended to cover the allocation table plus
// the configured initial payload size
func openPartition(dir string, number uint64, c Config, sess *session) (*partition, error) {
	p := &partition{
		number:  number,
		first:   number * uint64(c.RecordsPerPartition),
		records: c.RecordsPerPartition,
	}
	name := filepath.Join(dir, strconv.FormatUint(number, 10))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open partition %d", number)
	}
	p.file = f

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		if err := p.allocate(c.InitialPartitionSize); err != nil {
			return nil, err
		}
	}

	if !c.DisableCache {
		if err := p.populateCache(sess); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// byte offset where the payload region starts
func (p *partition) payloadOffset() uint64 {
	return metaWidth * uint64(p.records)
}

// absolute index of the partition's last slot
func (p *partition) last() uint64 {
	return p.first + uint64(p.records) - 1
}

// extend the file so the allocation table plus size payload bytes are
// backed by zeroed disk space
func (p *partition) allocate(size uint64) error {
	return p.file.Truncate(int64(p.payloadOffset() + size))
}

// mirror the on-disk allocation table in memory, reading it in chunks
// sized by the session buffer. a short read means the table was
// truncated and the partition is unusable
func (p *partition) populateCache(sess *session) error {
	cache := make([]entryMeta, p.records)
	chunk := sess.buf[:len(sess.buf)-len(sess.buf)%metaWidth]

	var off int64
	for slot := uint32(0); slot < p.records; {
		remaining := int(p.records-slot) * metaWidth
		b := chunk
		if remaining < len(b) {
			b = b[:remaining]
		}
		if _, err := p.file.ReadAt(b, off); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "populate metadata cache of partition %d", p.number)
		}
		for i := 0; i+metaWidth <= len(b); i += metaWidth {
			cache[slot] = unmarshalEntryMeta(b[i : i+metaWidth])
			slot++
		}
		off += int64(len(b))
	}
	p.cache = cache
	return nil
}

// read one allocation-table record, from the cache when present
func (p *partition) meta(slot uint32) (entryMeta, error) {
	if p.cache != nil {
		return p.cache[slot], nil
	}
	var b [metaWidth]byte
	if _, err := p.file.ReadAt(b[:], int64(slot)*metaWidth); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return entryMeta{}, errors.Wrapf(err, "read metadata slot %d of partition %d", slot, p.number)
	}
	return unmarshalEntryMeta(b[:]), nil
}

// read the entry at the given index, absolute or partition-relative.
// refresh synchronizes the reader's view with a concurrent writer by
// flushing pending writes first. an unused slot yields a nil entry
func (p *partition) read(sess *session, index uint64, absolute, refresh bool) (*api.Entry, error) {
	if absolute {
		index -= p.first
	}
	if index >= uint64(p.records) {
		return nil, api.ErrIndexOutOfRange{Index: p.first + index}
	}
	if refresh {
		if err := p.flush(); err != nil {
			return nil, err
		}
	}

	m, err := p.meta(uint32(index))
	if err != nil {
		return nil, err
	}
	if m.offset == 0 {
		return nil, nil
	}

	payload := make([]byte, m.length)
	if m.length > 0 {
		if _, err := p.file.ReadAt(payload, int64(m.offset)); err != nil {
			return nil, errors.Wrapf(err, "read entry %d of partition %d", index, p.number)
		}
	}
	return &api.Entry{
		Index:     p.first + index,
		Term:      m.term,
		Timestamp: m.timestamp,
		Payload:   payload,
	}, nil
}

// write the entry into the slot for the given absolute index. the
// payload lands right after the previous slot's payload; the first
// writable slot starts the payload region. does not sync, the
// coordinator batches flushes
func (p *partition) write(sess *session, e *api.Entry, index uint64) error {
	slot := uint32(index - p.first)

	var offset uint64
	if slot == 0 || (p.number == 0 && slot == 1) {
		offset = p.payloadOffset()
	} else {
		prev, err := p.meta(slot - 1)
		if err != nil {
			return err
		}
		offset = prev.offset + prev.length
	}

	if len(e.Payload) > 0 {
		if _, err := p.file.WriteAt(e.Payload, int64(offset)); err != nil {
			return errors.Wrapf(err, "write entry %d of partition %d", index, p.number)
		}
	}

	m := entryMeta{
		offset:    offset,
		length:    uint64(len(e.Payload)),
		term:      e.Term,
		timestamp: e.Timestamp,
	}
	b := sess.buf[:metaWidth]
	m.marshal(b)
	if _, err := p.file.WriteAt(b, int64(slot)*metaWidth); err != nil {
		return errors.Wrapf(err, "write metadata slot %d of partition %d", slot, p.number)
	}
	if p.cache != nil {
		p.cache[slot] = m
	}
	p.dirty = true
	return nil
}

// sync pending writes to disk
func (p *partition) flush() error {
	if !p.dirty {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

func (p *partition) close() error {
	if err := p.flush(); err != nil {
		return err
	}
	return p.file.Close()
}

// remove the partition and its backing file
func (p *partition) remove() error {
	if err := p.file.Close(); err != nil {
		return err
	}
	return os.Remove(p.file.Name())
}
