package walog

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/logger"
)

// Manager owns the shared in-memory log buffer. Append serializes a
// record, assigns its LSN and copies it in, flushing first when the
// record would not fit; Force additionally pushes the stream to stable
// storage before returning — the commit/abort durability point.
type Manager struct {
	mu         sync.Mutex
	disk       *disk.Manager
	buf        []byte
	capacity   int
	nextLSN    uint64
	flushedLSN uint64
}

// NewManager creates a log manager over the disk manager's log stream
// with the given buffer capacity in bytes.
func NewManager(dm *disk.Manager, capacity int) *Manager {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	return &Manager{disk: dm, buf: make([]byte, 0, capacity), capacity: capacity, nextLSN: 1}
}

// SetNextLSN advances the LSN counter past everything recovery found in
// the existing log stream.
func (m *Manager) SetNextLSN(lsn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn > m.nextLSN {
		m.nextLSN = lsn
		m.flushedLSN = lsn - 1
	}
}

// Append assigns the record's LSN and buffers it, flushing the buffer
// first if the record would overflow it. Returns the assigned LSN.
func (m *Manager) Append(r *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(r)
}

func (m *Manager) appendLocked(r *Record) (uint64, error) {
	r.LSN = m.nextLSN
	m.nextLSN++
	b := r.encode()
	if len(m.buf)+len(b) > m.capacity && len(m.buf) > 0 {
		if err := m.flushLocked(); err != nil {
			return 0, err
		}
	}
	m.buf = append(m.buf, b...)
	return r.LSN, nil
}

// Force appends the record and flushes the whole buffer to stable
// storage — used for COMMIT/ABORT records (spec §4.5 WAL rule).
func (m *Manager) Force(r *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn, err := m.appendLocked(r)
	if err != nil {
		return 0, err
	}
	return lsn, m.flushLocked()
}

// Flush pushes every buffered record to stable storage.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// FlushUntil guarantees the log is durable through lsn — the WAL gate
// the buffer pool calls before writing back a dirty page whose
// page-LSN is lsn.
func (m *Manager) FlushUntil(lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn <= m.flushedLSN {
		return nil
	}
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if len(m.buf) == 0 {
		m.flushedLSN = m.nextLSN - 1
		return nil
	}
	if _, err := m.disk.AppendLog(m.buf); err != nil {
		return errors.Wrap(err, "walog: append")
	}
	if err := m.disk.FlushLog(); err != nil {
		return errors.Wrap(err, "walog: sync")
	}
	m.buf = m.buf[:0]
	m.flushedLSN = m.nextLSN - 1
	logger.Debugf("walog: flushed through lsn %d", m.flushedLSN)
	return nil
}

// FlushedLSN reports the highest LSN known durable.
func (m *Manager) FlushedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// Reader iterates the on-disk log stream sequentially, tolerating a
// torn record at the tail (a crash mid-append leaves one).
type Reader struct {
	disk *disk.Manager
	off  int64
	size int64
}

// NewReader opens a sequential reader positioned at the stream start.
func NewReader(dm *disk.Manager) (*Reader, error) {
	size, err := dm.LogSize()
	if err != nil {
		return nil, errors.Wrap(err, "walog: log size")
	}
	return &Reader{disk: dm, size: size}, nil
}

// Next returns the next record plus its byte offset, or ok=false at
// end of stream.
func (r *Reader) Next() (*Record, int64, bool, error) {
	if r.off+headerSize > r.size {
		return nil, 0, false, nil
	}
	hdr, err := r.disk.ReadLogAt(r.off, 4)
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "walog: read record length")
	}
	total := int(byteOrder.Uint32(hdr))
	if total < headerSize || r.off+int64(total) > r.size {
		// torn tail record from a crash mid-append
		logger.Warnf("walog: torn record at offset %d, stopping scan", r.off)
		return nil, 0, false, nil
	}
	raw, err := r.disk.ReadLogAt(r.off, total)
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "walog: read record")
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, 0, false, err
	}
	off := r.off
	r.off += int64(total)
	return rec, off, true, nil
}

// ReadAt decodes the single record at a known offset, used by the undo
// pass to walk a transaction's prev-LSN chain.
func (r *Reader) ReadAt(off int64, size int) (*Record, error) {
	raw, err := r.disk.ReadLogAt(off, size)
	if err != nil {
		return nil, errors.Wrap(err, "walog: read record")
	}
	return decodeRecord(raw)
}
