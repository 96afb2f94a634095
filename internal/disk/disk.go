// Package disk owns the on-disk files: one per heap/index, plus the
// append-only WAL stream. It provides fixed-size page read/write by
// (file-id, page-number) and an append/read interface over the log
// stream. It is the leaf of the dependency chain (spec §2.1) — it
// depends on nothing else in this module.
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/zhukovaskychina/coredb/internal/page"
	"github.com/zhukovaskychina/coredb/logger"
)

// ErrPageNotExist is raised when a read targets a page beyond the
// file's current extent.
var ErrPageNotExist = errors.New("page-not-exist")

// File is one table-heap or index file: a flat sequence of fixed-size
// pages, growable by Extend.
type File struct {
	mu       sync.Mutex
	fs       afero.Fs
	name     string
	path     string
	f        afero.File
	pageSize int
	pages    uint32 // number of pages currently in the file
}

// Manager owns every open File plus the single shared log stream.
type Manager struct {
	mu       sync.Mutex
	fs       afero.Fs
	dataDir  string
	pageSize int
	files    map[uint32]*File // fileID -> File
	nextFile uint32

	logPath string
	logFile afero.File
	logMu   sync.Mutex
}

// NewManager creates a disk manager rooted at dataDir on fs. Passing
// afero.NewMemMapFs() gives an in-memory filesystem for tests;
// afero.NewOsFs() is used at runtime.
func NewManager(fs afero.Fs, dataDir string, pageSize int) (*Manager, error) {
	if err := fs.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	logPath := dataDir + "/wal.log"
	logFile, err := fs.OpenFile(logPath, pageModeAppend, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal file")
	}
	return &Manager{
		fs:       fs,
		dataDir:  dataDir,
		pageSize: pageSize,
		files:    make(map[uint32]*File),
		nextFile: 1,
		logPath:  logPath,
		logFile:  logFile,
	}, nil
}

// pageModeAppend opens the shared WAL stream, which is append-only.
const pageModeAppend = os.O_CREATE | os.O_RDWR | os.O_APPEND

// pageFileMode opens a heap/index data file, which needs random-access
// WriteAt for individual pages; O_APPEND is incompatible with WriteAt.
const pageFileMode = os.O_CREATE | os.O_RDWR

// OpenFile opens (creating if absent) the file backing a given name,
// returning a stable file-id used in PageIDs. Re-opening the same name
// returns the same file-id.
func (m *Manager) OpenFile(name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, f := range m.files {
		if f.name == name {
			return id, nil
		}
	}

	path := m.dataDir + "/" + name + ".dat"
	f, err := m.fs.OpenFile(path, pageFileMode, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "open file %s", name)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat file")
	}

	id := m.nextFile
	m.nextFile++
	m.files[id] = &File{
		fs:       m.fs,
		name:     name,
		path:     path,
		f:        f,
		pageSize: m.pageSize,
		pages:    uint32(info.Size() / int64(m.pageSize)),
	}
	return id, nil
}

// TruncateFile discards a file's contents, used when an index is
// rebuilt from its heap or a dropped table's file is recycled.
func (m *Manager) TruncateFile(fileID uint32) error {
	f, err := m.file(fileID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate %s", f.path)
	}
	f.pages = 0
	return nil
}

// PageCount returns the number of pages currently allocated in a file.
func (m *Manager) PageCount(fileID uint32) (uint32, error) {
	f, err := m.file(fileID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages, nil
}

// AllocatePage appends a fresh zeroed page and returns its page number.
func (m *Manager) AllocatePage(fileID uint32) (uint32, error) {
	f, err := m.file(fileID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pageNo := f.pages
	buf := make([]byte, f.pageSize)
	if _, err := f.f.WriteAt(buf, int64(pageNo)*int64(f.pageSize)); err != nil {
		return 0, errors.Wrap(err, "extend file")
	}
	f.pages++
	return pageNo, nil
}

// ReadPage reads a page's raw bytes from disk.
func (m *Manager) ReadPage(id page.ID) (*page.Page, error) {
	f, err := m.file(id.FileID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if id.PageNo >= f.pages {
		return nil, ErrPageNotExist
	}
	buf := make([]byte, f.pageSize)
	if _, err := f.f.ReadAt(buf, int64(id.PageNo)*int64(f.pageSize)); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read page %+v", id)
	}
	return page.FromBytes(id, buf), nil
}

// WritePage writes a page's bytes back to disk, growing the file if the
// target page number is beyond its current extent (used by redo, which
// may need to materialize pages a crash left un-flushed).
func (m *Manager) WritePage(p *page.Page) error {
	f, err := m.file(p.ID().FileID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.pages <= p.ID().PageNo {
		buf := make([]byte, f.pageSize)
		if _, err := f.f.WriteAt(buf, int64(f.pages)*int64(f.pageSize)); err != nil {
			return errors.Wrap(err, "grow file for write")
		}
		f.pages++
	}
	if _, err := f.f.WriteAt(p.Data(), int64(p.ID().PageNo)*int64(f.pageSize)); err != nil {
		return errors.Wrapf(err, "write page %+v", p.ID())
	}
	return nil
}

func (m *Manager) file(id uint32) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, errors.Errorf("unknown file id %d", id)
	}
	return f, nil
}

// AppendLog appends raw bytes to the shared log stream and returns the
// byte offset they were written at.
func (m *Manager) AppendLog(b []byte) (int64, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	off, err := m.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek log end")
	}
	if _, err := m.logFile.Write(b); err != nil {
		return 0, errors.Wrap(err, "append log")
	}
	return off, nil
}

// FlushLog forces the log stream to stable storage. Required by the WAL
// rule before a dirty page with a greater page-LSN reaches disk.
func (m *Manager) FlushLog() error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if s, ok := m.logFile.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return errors.Wrap(err, "sync log")
		}
	}
	return nil
}

// ReadLogAt reads n bytes from the log stream starting at offset off,
// used by recovery's sequential passes.
func (m *Manager) ReadLogAt(off int64, n int) ([]byte, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	buf := make([]byte, n)
	if _, err := m.logFile.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// LogSize returns the current length of the log stream.
func (m *Manager) LogSize() (int64, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	info, err := m.logFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes every open file and the log stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if err := f.f.Close(); err != nil {
			logger.Warnf("disk: error closing %s: %v", f.path, err)
		}
	}
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return m.logFile.Close()
}
