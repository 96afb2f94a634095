// Package engine is the composition root: it opens the disk manager,
// buffer pool, log, lock, transaction and recovery managers in
// dependency order, runs restart recovery, rebuilds indexes from the
// heaps, and tears everything down in reverse order on Close (spec §9
// design notes on lifetimes).
package engine

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/zhukovaskychina/coredb/config"
	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/recovery"
	"github.com/zhukovaskychina/coredb/internal/txn"
	"github.com/zhukovaskychina/coredb/internal/walog"
	"github.com/zhukovaskychina/coredb/logger"
)

// Database owns every subsystem of one database instance (a directory
// of heap files, index files and the log stream).
type Database struct {
	cfg  *config.Config
	fs   afero.Fs
	disk *disk.Manager
	pool *buffer.Pool
	log  *walog.Manager
	lock *lockmgr.Manager
	txns *txn.Manager
	cat  *catalog.Catalog

	mu    sync.RWMutex
	heaps map[string]*heap.HeapFile
	trees map[string]*index.BTree // "table/index" -> tree

	// dropped tombstones keep recovery's CREATE_TABLE replay from
	// resurrecting a table the user dropped (drops are not logged).
	dropped map[string]bool
}

// Open composes the engine over fs (afero.NewOsFs at runtime,
// afero.NewMemMapFs in tests), runs recovery and rebuilds every
// declared index from its heap.
func Open(cfg *config.Config, fs afero.Fs) (*Database, error) {
	dm, err := disk.NewManager(fs, cfg.DataDir, cfg.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "open disk manager")
	}
	db := &Database{
		cfg:   cfg,
		fs:    fs,
		disk:  dm,
		pool:  buffer.NewPool(dm, cfg.PoolFrames, cfg.PageSize),
		log:   walog.NewManager(dm, cfg.LogBufferSize),
		lock:  lockmgr.NewManager(cfg.LockTimeout),
		cat:   catalog.New(),
		heaps:   make(map[string]*heap.HeapFile),
		trees:   make(map[string]*index.BTree),
		dropped: make(map[string]bool),
	}
	db.pool.SetWALHook(db.log.FlushUntil)
	db.txns = txn.NewManager(db.lock, db.log, db)

	if err := db.loadMeta(); err != nil {
		return nil, err
	}

	rm := recovery.NewManager(func() (*walog.Reader, error) {
		return walog.NewReader(dm)
	}, recoveryView{db})
	res, err := rm.Run()
	if err != nil {
		return nil, errors.Wrap(err, "recovery")
	}
	db.log.SetNextLSN(res.MaxLSN + 1)
	db.txns.SetNextTxnID(res.MaxTxnID)

	if err := db.rebuildIndexes(); err != nil {
		return nil, errors.Wrap(err, "rebuild indexes")
	}
	if err := db.saveMeta(); err != nil {
		return nil, err
	}
	if err := db.pool.FlushAll(); err != nil {
		return nil, errors.Wrap(err, "post-recovery flush")
	}
	logger.Infof("engine: open, %d tables", len(db.cat.Tables()))
	return db, nil
}

// Close flushes and tears subsystems down in reverse dependency order.
func (db *Database) Close() error {
	if err := db.log.Flush(); err != nil {
		return err
	}
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	return db.disk.Close()
}

// Catalog exposes the table metadata map.
func (db *Database) Catalog() *catalog.Catalog { return db.cat }

// Txns exposes the transaction manager.
func (db *Database) Txns() *txn.Manager { return db.txns }

// Locks exposes the lock manager.
func (db *Database) Locks() *lockmgr.Manager { return db.lock }

// FS exposes the filesystem LOAD reads from.
func (db *Database) FS() afero.Fs { return db.fs }

// Config exposes the engine configuration.
func (db *Database) Config() *config.Config { return db.cfg }

// HeapOf resolves a table name to its heap file (txn.Storage).
func (db *Database) HeapOf(table string) (*heap.HeapFile, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	h, ok := db.heaps[table]
	if !ok {
		return nil, errors.Wrapf(catalog.ErrNotFound, "heap of table %q", table)
	}
	return h, nil
}

// IndexOf resolves a (table, index) pair to its B+-tree (txn.Storage).
func (db *Database) IndexOf(table, name string) (*index.BTree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tr, ok := db.trees[table+"/"+name]
	if !ok {
		return nil, errors.Wrapf(catalog.ErrNotFound, "index %q on table %q", name, table)
	}
	return tr, nil
}

// openHeap attaches a table's heap file, creating the on-disk layout
// when the file is empty.
func (db *Database) openHeap(t *catalog.Table) error {
	fileID, err := db.disk.OpenFile(t.Name)
	if err != nil {
		return err
	}
	t.FileID = fileID
	pages, err := db.disk.PageCount(fileID)
	if err != nil {
		return err
	}
	var h *heap.HeapFile
	if pages == 0 {
		h, err = heap.Create(db.pool, fileID, t.RecordSize, db.cfg.PageSize)
	} else {
		h, err = heap.Open(db.pool, fileID, db.cfg.PageSize)
	}
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.heaps[t.Name] = h
	db.mu.Unlock()
	return nil
}

// rebuildIndexes recreates every declared index from its table's heap
// — index mutations are not logged per-key, so restart always rebuilds
// (spec §4.7 note).
func (db *Database) rebuildIndexes() error {
	for _, name := range db.cat.Tables() {
		t, err := db.cat.Table(name)
		if err != nil {
			return err
		}
		for i := range t.Indexes {
			if err := db.buildIndex(t, &t.Indexes[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildIndex lays out a fresh index file and fills it from the heap.
func (db *Database) buildIndex(t *catalog.Table, idx *catalog.IndexDef) error {
	fileID, err := db.disk.OpenFile(t.Name + "." + idx.Name)
	if err != nil {
		return err
	}
	idx.FileID = fileID
	if err := db.pool.DropFile(fileID); err != nil {
		return err
	}
	if err := db.disk.TruncateFile(fileID); err != nil {
		return err
	}
	layout, err := index.NewLayout(t, idx.Columns)
	if err != nil {
		return err
	}
	tree, err := index.Create(db.pool, fileID, layout, db.cfg.PageSize)
	if err != nil {
		return err
	}

	h, err := db.HeapOf(t.Name)
	if err != nil {
		return err
	}
	scan, err := h.NewScan()
	if err != nil {
		return err
	}
	for {
		rid, rec, ok, err := scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key := index.Key(t.IndexKey(idx, rec))
		if err := tree.Insert(key, index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}); err != nil {
			return errors.Wrapf(err, "rebuild index %s of %s", idx.Name, t.Name)
		}
	}
	db.mu.Lock()
	db.trees[t.Name+"/"+idx.Name] = tree
	db.mu.Unlock()
	return nil
}

// recoveryView adapts the database to recovery.Storage: its
// CreateTable must not log (it IS the replay).
type recoveryView struct{ db *Database }

func (v recoveryView) HeapOf(table string) (*heap.HeapFile, error) { return v.db.HeapOf(table) }

func (v recoveryView) HasTable(name string) bool {
	_, err := v.db.cat.Table(name)
	return err == nil
}

func (v recoveryView) CreateTable(t *catalog.Table) error {
	if v.db.dropped[t.Name] {
		return nil
	}
	if err := v.db.cat.CreateTable(t); err != nil {
		return err
	}
	return v.db.openHeap(t)
}

func (v recoveryView) DropTable(name string) error {
	return v.db.dropTableStorage(name)
}
