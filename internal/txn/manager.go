package txn

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/walog"
	"github.com/zhukovaskychina/coredb/logger"
)

// Storage resolves table names to their physical structures — the
// engine implements it; abort needs it to issue inverse operations.
type Storage interface {
	HeapOf(table string) (*heap.HeapFile, error)
	IndexOf(table, name string) (*index.BTree, error)
}

// Manager allocates transaction ids, tracks the process-wide active
// set and drives the commit/abort protocol.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Transaction

	locks   *lockmgr.Manager
	log     *walog.Manager
	storage Storage
}

// NewManager wires the transaction manager to its collaborators.
func NewManager(locks *lockmgr.Manager, log *walog.Manager, storage Storage) *Manager {
	return &Manager{
		active:  make(map[uint64]*Transaction),
		locks:   locks,
		log:     log,
		storage: storage,
	}
}

// SetNextTxnID advances the id counter past ids recovery observed.
func (m *Manager) SetNextTxnID(id uint64) {
	for {
		cur := atomic.LoadUint64(&m.nextID)
		if id <= cur || atomic.CompareAndSwapUint64(&m.nextID, cur, id) {
			return
		}
	}
}

// Begin creates a transaction in GROWING state and writes its BEGIN
// record.
func (m *Manager) Begin() (*Transaction, error) {
	t := &Transaction{id: atomic.AddUint64(&m.nextID, 1), state: Growing}
	if _, err := m.Log(t, &walog.Record{Kind: walog.KindBegin}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active[t.id] = t
	m.mu.Unlock()
	logger.Debugf("txn %d: begin", t.id)
	return t, nil
}

// Lookup returns the active transaction with the given id, if any.
func (m *Manager) Lookup(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}

// Log stamps rec with the transaction's id and prev-LSN, appends it and
// advances the transaction's chain head. All of a transaction's log
// records must go through here so the undo chain stays linked.
func (m *Manager) Log(t *Transaction, rec *walog.Record) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.TxnID = t.id
	rec.PrevLSN = t.prevLSN
	lsn, err := m.log.Append(rec)
	if err != nil {
		return 0, err
	}
	t.prevLSN = lsn
	return lsn, nil
}

// Locks exposes the lock manager for executors acquiring table/record
// locks on this transaction's behalf.
func (m *Manager) Locks() *lockmgr.Manager { return m.locks }

// Commit forces the COMMIT record, releases every lock and clears the
// write sets.
func (m *Manager) Commit(t *Transaction) error {
	t.mu.Lock()
	if t.state != Growing && t.state != Shrinking {
		state := t.state
		t.mu.Unlock()
		return errors.Errorf("txn %d: commit in state %s", t.id, state)
	}
	rec := &walog.Record{Kind: walog.KindCommit, TxnID: t.id, PrevLSN: t.prevLSN}
	lsn, err := m.log.Force(rec)
	if err != nil {
		t.mu.Unlock()
		return errors.Wrapf(err, "txn %d: force commit", t.id)
	}
	t.prevLSN = lsn
	t.state = Committed
	t.tableWrites = nil
	t.indexWrites = nil
	t.mu.Unlock()

	m.locks.UnlockAll(t.id)
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	logger.Debugf("txn %d: committed at lsn %d", t.id, lsn)
	return nil
}

// Abort rolls the transaction back: the table-write log is walked in
// reverse issuing inverse heap operations (each logged in its own
// right), then the index-write log is inverted, then ABORT is forced
// and every lock released.
func (m *Manager) Abort(t *Transaction) error {
	t.mu.Lock()
	if t.state == Committed || t.state == Aborted {
		state := t.state
		t.mu.Unlock()
		return errors.Errorf("txn %d: abort in state %s", t.id, state)
	}
	tableWrites := t.tableWrites
	indexWrites := t.indexWrites
	t.tableWrites = nil
	t.indexWrites = nil
	t.mu.Unlock()

	for i := len(tableWrites) - 1; i >= 0; i-- {
		if err := m.undoTableWrite(t, tableWrites[i]); err != nil {
			logger.Errorf("txn %d: undo heap op on %s: %v", t.id, tableWrites[i].Table, err)
			return err
		}
	}
	for i := len(indexWrites) - 1; i >= 0; i-- {
		if err := m.undoIndexWrite(indexWrites[i]); err != nil {
			logger.Errorf("txn %d: undo index op on %s.%s: %v", t.id, indexWrites[i].Table, indexWrites[i].Index, err)
			return err
		}
	}

	t.mu.Lock()
	rec := &walog.Record{Kind: walog.KindAbort, TxnID: t.id, PrevLSN: t.prevLSN}
	lsn, err := m.log.Force(rec)
	if err != nil {
		t.mu.Unlock()
		return errors.Wrapf(err, "txn %d: force abort", t.id)
	}
	t.prevLSN = lsn
	t.state = Aborted
	t.mu.Unlock()

	m.locks.UnlockAll(t.id)
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	logger.Debugf("txn %d: aborted at lsn %d", t.id, lsn)
	return nil
}

// undoTableWrite issues the inverse heap operation for one write-set
// entry, logging the compensation and stamping the page-LSN.
func (m *Manager) undoTableWrite(t *Transaction, w TableWrite) error {
	h, err := m.storage.HeapOf(w.Table)
	if err != nil {
		return err
	}
	switch w.Kind {
	case WriteInsert:
		lsn, err := m.Log(t, &walog.Record{
			Kind: walog.KindDelete, Table: w.Table,
			PageNo: w.RID.PageNo, SlotNo: w.RID.SlotNo, Before: w.After,
		})
		if err != nil {
			return err
		}
		if err := h.Delete(w.RID); err != nil {
			return err
		}
		return h.SetPageLSN(w.RID.PageNo, lsn)
	case WriteDelete:
		lsn, err := m.Log(t, &walog.Record{
			Kind: walog.KindInsert, Table: w.Table,
			PageNo: w.RID.PageNo, SlotNo: w.RID.SlotNo, After: w.Before,
		})
		if err != nil {
			return err
		}
		if err := h.InsertAt(w.RID, w.Before); err != nil {
			return err
		}
		return h.SetPageLSN(w.RID.PageNo, lsn)
	case WriteUpdate:
		lsn, err := m.Log(t, &walog.Record{
			Kind: walog.KindUpdate, Table: w.Table,
			PageNo: w.RID.PageNo, SlotNo: w.RID.SlotNo,
			Before: w.After, After: w.Before,
		})
		if err != nil {
			return err
		}
		if err := h.Update(w.RID, w.Before); err != nil {
			return err
		}
		return h.SetPageLSN(w.RID.PageNo, lsn)
	default:
		return errors.Errorf("txn: unknown table write kind %d", w.Kind)
	}
}

// undoIndexWrite inverts one index-write entry: an inserted entry is
// deleted, a deleted entry re-inserted.
func (m *Manager) undoIndexWrite(w IndexWrite) error {
	tree, err := m.storage.IndexOf(w.Table, w.Index)
	if err != nil {
		return err
	}
	switch w.Kind {
	case IndexInsert:
		return tree.Delete(w.Key)
	case IndexDelete:
		return tree.Insert(w.Key, w.RID)
	default:
		return errors.Errorf("txn: unknown index write kind %d", w.Kind)
	}
}

// Active returns a snapshot of active transaction ids, for tests.
func (m *Manager) Active() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}
