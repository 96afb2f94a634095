// Package buffer implements the fixed-pool buffer manager (spec §4.1):
// fetch/new_page/unpin/flush/delete_page over frames backed by the disk
// manager, with pin-count-gated eviction.
package buffer

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/internal/page"
	"github.com/zhukovaskychina/coredb/logger"
)

// ErrNoFreeFrame is returned by Fetch/NewPage when every frame is pinned.
var ErrNoFreeFrame = errors.New("buffer pool exhausted: all frames pinned")

// Frame is one resident page plus its pin-count and physical latch. The
// buffer pool guarantees frame identity for the duration of a pin; the
// latch is for callers to serialize access to the bytes themselves.
type Frame struct {
	page     *page.Page
	latch    page.Latch
	pinCount int
	dirty    bool
	elem     *list.Element // position in the LRU list when pinCount == 0
}

func (f *Frame) Page() *page.Page   { return f.page }
func (f *Frame) Latch() *page.Latch { return &f.latch }
func (f *Frame) Dirty() bool        { return f.dirty }

// Pool is the process-wide singleton frame pool (spec §5 "shared-resource
// policy"). Capacity bounds the number of resident frames; eviction never
// touches a pinned frame and prefers a non-dirty victim on ties, per
// spec §4.1.
type Pool struct {
	mu                sync.Mutex
	disk              *disk.Manager
	capacity          int
	frames            map[page.ID]*Frame
	lru               *list.List // unpinned frames, front = least recently used
	sf                singleflight.Group
	pageSizeOverride  int

	// walFlush, when set, is invoked with a dirty frame's page-LSN
	// before its bytes reach disk — the WAL rule's enforcement point
	// for both explicit flushes and evictions.
	walFlush func(lsn uint64) error
}

// SetWALHook installs the log-durability gate called before any dirty
// page write-back.
func (p *Pool) SetWALHook(fn func(lsn uint64) error) {
	p.walFlush = fn
}

// NewPool creates a pool with room for capacity resident pages.
func NewPool(dm *disk.Manager, capacity int, pageSize int) *Pool {
	return &Pool{
		disk:             dm,
		capacity:         capacity,
		frames:           make(map[page.ID]*Frame),
		lru:              list.New(),
		pageSizeOverride: pageSize,
	}
}

// Fetch pins the page identified by id, reading it from disk on a miss.
// Concurrent misses on the same id collapse into a single disk read via
// singleflight: the loader parks the frame unpinned in the pool, and
// every waiting caller takes its own pin afterwards.
func (p *Pool) Fetch(id page.ID) (*Frame, error) {
	for {
		p.mu.Lock()
		if f, ok := p.frames[id]; ok {
			p.pin(f)
			p.mu.Unlock()
			return f, nil
		}
		p.mu.Unlock()

		_, err, _ := p.sf.Do(frameKey(id), func() (interface{}, error) {
			p.mu.Lock()
			if _, ok := p.frames[id]; ok {
				p.mu.Unlock()
				return nil, nil
			}
			if err := p.ensureRoom(); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Unlock()

			pg, err := p.disk.ReadPage(id)
			if err != nil {
				return nil, err
			}

			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.frames[id]; !ok {
				f := &Frame{page: pg}
				f.elem = p.lru.PushBack(id)
				p.frames[id] = f
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// loop: the frame is resident now unless an eviction won the
		// race between the load and our pin, in which case reload
	}
}

// NewPage allocates a fresh page on disk and returns it pinned and
// zeroed, ready for the caller to lay out a heap/index header into.
func (p *Pool) NewPage(fileID uint32) (page.ID, *Frame, error) {
	p.mu.Lock()
	if err := p.ensureRoom(); err != nil {
		p.mu.Unlock()
		return page.ID{}, nil, err
	}
	p.mu.Unlock()

	pageNo, err := p.disk.AllocatePage(fileID)
	if err != nil {
		return page.ID{}, nil, err
	}
	id := page.ID{FileID: fileID, PageNo: pageNo}
	pg := page.New(id, p.pageSize())

	p.mu.Lock()
	defer p.mu.Unlock()
	f := &Frame{page: pg, pinCount: 1, dirty: true}
	p.frames[id] = f
	return id, f, nil
}

// Unpin releases one pin on id, marking the frame dirty if requested.
// Dirty is sticky: once true it is only cleared by a successful flush.
func (p *Pool) Unpin(id page.ID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return errors.Errorf("unpin: page %+v not resident", id)
	}
	if dirty {
		f.dirty = true
	}
	if f.pinCount == 0 {
		return errors.Errorf("unpin: page %+v already at pin-count 0", id)
	}
	f.pinCount--
	if f.pinCount == 0 {
		f.elem = p.lru.PushBack(id)
	}
	return nil
}

// Flush writes a frame's bytes back to disk if dirty.
func (p *Pool) Flush(id page.ID) error {
	p.mu.Lock()
	f, ok := p.frames[id]
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("flush: page %+v not resident", id)
	}
	return p.flushFrame(id, f)
}

func (p *Pool) flushFrame(id page.ID, f *Frame) error {
	f.latch.RLock()
	dirty := f.dirty
	var err error
	if dirty {
		// WAL rule: the log must be durable up to this page's page-LSN
		// before the page itself reaches disk.
		if p.walFlush != nil {
			err = p.walFlush(f.page.LSN())
		}
		if err == nil {
			err = p.disk.WritePage(f.page)
		}
	}
	f.latch.RUnlock()
	if err != nil {
		return errors.Wrapf(err, "flush page %+v", id)
	}
	if dirty {
		p.mu.Lock()
		f.dirty = false
		p.mu.Unlock()
	}
	return nil
}

// FlushAll flushes every resident dirty frame concurrently, used when
// the engine closes.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	targets := make(map[page.ID]*Frame, len(p.frames))
	for id, f := range p.frames {
		targets[id] = f
	}
	p.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	for id, f := range targets {
		id, f := id, f
		g.Go(func() error {
			return p.flushFrame(id, f)
		})
	}
	return g.Wait()
}

// DropFile discards every resident frame of one file without writing
// anything back — used when the file's on-disk contents are being
// truncated (index rebuild, table drop). Fails if any frame is pinned.
func (p *Pool) DropFile(fileID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, f := range p.frames {
		if id.FileID != fileID {
			continue
		}
		if f.pinCount > 0 {
			return errors.Errorf("drop_file: page %+v is pinned", id)
		}
		if f.elem != nil {
			p.lru.Remove(f.elem)
		}
		delete(p.frames, id)
	}
	return nil
}

// DeletePage frees a page logically. Fails if the page is still pinned.
func (p *Pool) DeletePage(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return nil
	}
	if f.pinCount > 0 {
		return errors.Errorf("delete_page: page %+v is pinned", id)
	}
	if f.elem != nil {
		p.lru.Remove(f.elem)
	}
	delete(p.frames, id)
	return nil
}

func (p *Pool) pin(f *Frame) {
	if f.pinCount == 0 && f.elem != nil {
		p.lru.Remove(f.elem)
		f.elem = nil
	}
	f.pinCount++
}

// ensureRoom evicts unpinned frames until there is space for one more
// resident frame, or fails with ErrNoFreeFrame. Must be called with mu
// held.
func (p *Pool) ensureRoom() error {
	for len(p.frames) >= p.capacity {
		victimID, ok := p.pickVictim()
		if !ok {
			return ErrNoFreeFrame
		}
		f := p.frames[victimID]
		p.mu.Unlock()
		err := p.flushFrame(victimID, f)
		p.mu.Lock()
		if err != nil {
			return errors.Wrapf(err, "evict page %+v", victimID)
		}
		cur, stillHere := p.frames[victimID]
		if !stillHere || cur != f || cur.pinCount != 0 {
			// re-pinned (or replaced) while we flushed; pick again
			continue
		}
		if f.elem != nil {
			p.lru.Remove(f.elem)
		}
		delete(p.frames, victimID)
		logger.Debugf("buffer: evicted page %+v", victimID)
	}
	return nil
}

// pickVictim scans the unpinned LRU list front-to-back (oldest first)
// and prefers a non-dirty frame on ties, per spec §4.1.
func (p *Pool) pickVictim() (page.ID, bool) {
	var fallback *list.Element
	for e := p.lru.Front(); e != nil; e = e.Next() {
		id := e.Value.(page.ID)
		f := p.frames[id]
		if f.pinCount != 0 {
			continue
		}
		if !f.dirty {
			return id, true
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback != nil {
		return fallback.Value.(page.ID), true
	}
	return page.ID{}, false
}

func (p *Pool) pageSize() int {
	if p.pageSizeOverride > 0 {
		return p.pageSizeOverride
	}
	return defaultPageSize
}

const defaultPageSize = 4096

func frameKey(id page.ID) string {
	return strconv.FormatUint(uint64(id.FileID), 10) + ":" + strconv.FormatUint(uint64(id.PageNo), 10)
}
