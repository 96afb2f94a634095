package engine

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/txn"
	"github.com/zhukovaskychina/coredb/internal/walog"
	"github.com/zhukovaskychina/coredb/logger"
)

// CreateTable registers a new table, lays out its heap file, writes the
// CREATE_TABLE log record into the transaction's chain and persists
// the catalog.
func (db *Database) CreateTable(tr *txn.Transaction, t *catalog.Table) error {
	if err := db.cat.CreateTable(t); err != nil {
		return err
	}
	delete(db.dropped, t.Name)
	if err := db.openHeap(t); err != nil {
		return err
	}
	if err := db.lock.Lock(tr.ID(), lockmgr.TableKey(t.FileID), lockmgr.X); err != nil {
		return err
	}
	if _, err := db.txns.Log(tr, &walog.Record{
		Kind:   walog.KindCreateTable,
		Schema: catalog.EncodeTable(t),
	}); err != nil {
		return err
	}
	for i := range t.Indexes {
		if err := db.buildIndex(t, &t.Indexes[i]); err != nil {
			return err
		}
	}
	logger.Infof("engine: created table %s", t.Name)
	return db.saveMeta()
}

// DropTable removes a table's metadata and recycles its files. The
// drop is not transactional (spec's log kinds carry no DROP record);
// the catalog file is the durable source of truth for schema removal.
func (db *Database) DropTable(tr *txn.Transaction, name string) error {
	t, err := db.cat.Table(name)
	if err != nil {
		return err
	}
	if err := db.lock.Lock(tr.ID(), lockmgr.TableKey(t.FileID), lockmgr.X); err != nil {
		return err
	}
	for i := range t.Indexes {
		if err := db.dropIndexStorage(t, &t.Indexes[i]); err != nil {
			return err
		}
	}
	if err := db.dropTableStorage(name); err != nil {
		return err
	}
	db.dropped[name] = true
	logger.Infof("engine: dropped table %s", name)
	return db.saveMeta()
}

// dropTableStorage tears a table out of the in-memory maps and wipes
// its heap file. Shared by DROP TABLE and recovery's undo of an
// uncommitted CREATE_TABLE.
func (db *Database) dropTableStorage(name string) error {
	t, err := db.cat.Table(name)
	if err != nil {
		return err
	}
	db.mu.Lock()
	delete(db.heaps, name)
	db.mu.Unlock()
	if err := db.pool.DropFile(t.FileID); err != nil {
		return err
	}
	if err := db.disk.TruncateFile(t.FileID); err != nil {
		return err
	}
	return db.cat.DropTable(name)
}

// CreateIndex declares a new (unique) index over existing columns and
// builds it from the heap. Existing rows with duplicate keys fail the
// build with duplicate-key and the declaration is rolled back.
func (db *Database) CreateIndex(tr *txn.Transaction, table, idxName string, columns []string) error {
	t, err := db.cat.Table(table)
	if err != nil {
		return err
	}
	if err := db.lock.Lock(tr.ID(), lockmgr.TableKey(t.FileID), lockmgr.X); err != nil {
		return err
	}
	if _, ok := t.Index(idxName); ok {
		return errors.Errorf("index %q already exists on %q", idxName, table)
	}
	keyLen := 0
	for _, col := range columns {
		c, ok := t.Column(col)
		if !ok {
			return errors.Wrapf(catalog.ErrNotFound, "column %q on table %q", col, table)
		}
		keyLen += c.Width()
	}
	idx := catalog.IndexDef{Name: idxName, Columns: columns, KeyLength: keyLen}
	if err := db.cat.AddIndex(table, idx); err != nil {
		return err
	}
	if err := db.buildIndex(t, &t.Indexes[len(t.Indexes)-1]); err != nil {
		_ = db.cat.DropIndex(table, idxName)
		return err
	}
	logger.Infof("engine: created index %s on %s(%v)", idxName, table, columns)
	return db.saveMeta()
}

// DropIndex removes a declared index and recycles its file.
func (db *Database) DropIndex(tr *txn.Transaction, table, idxName string) error {
	t, err := db.cat.Table(table)
	if err != nil {
		return err
	}
	if err := db.lock.Lock(tr.ID(), lockmgr.TableKey(t.FileID), lockmgr.X); err != nil {
		return err
	}
	idx, ok := t.Index(idxName)
	if !ok {
		return errors.Wrapf(catalog.ErrNotFound, "index %q on table %q", idxName, table)
	}
	if err := db.dropIndexStorage(t, idx); err != nil {
		return err
	}
	if err := db.cat.DropIndex(table, idxName); err != nil {
		return err
	}
	logger.Infof("engine: dropped index %s on %s", idxName, table)
	return db.saveMeta()
}

func (db *Database) dropIndexStorage(t *catalog.Table, idx *catalog.IndexDef) error {
	db.mu.Lock()
	delete(db.trees, t.Name+"/"+idx.Name)
	db.mu.Unlock()
	if idx.FileID != 0 {
		if err := db.pool.DropFile(idx.FileID); err != nil {
			return err
		}
		return db.disk.TruncateFile(idx.FileID)
	}
	return nil
}
