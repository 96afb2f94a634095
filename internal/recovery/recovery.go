// Package recovery implements the three-pass ARIES-style restart
// protocol (spec §4.7): analyze rebuilds the per-transaction LSN
// chains and the redo set from the log stream, redo replays physical
// operations whose target page is stale, and undo walks each loser
// transaction's chain backward applying compensations. Recovery runs
// single-threaded before the engine accepts connections, so no locks
// are taken.
package recovery

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/walog"
	"github.com/zhukovaskychina/coredb/logger"
)

// Storage is what recovery needs from the engine: heap resolution and
// schema mutation. Index structures are not touched here — the engine
// rebuilds them from the heaps after recovery completes.
type Storage interface {
	HeapOf(table string) (*heap.HeapFile, error)
	HasTable(name string) bool
	CreateTable(t *catalog.Table) error
	DropTable(name string) error
}

// Result summarizes a recovery run so the engine can advance its LSN
// and transaction-id counters.
type Result struct {
	MaxLSN    uint64
	MaxTxnID  uint64
	Losers    []uint64
	RedoCount int
	UndoCount int
}

type recPos struct {
	off  int64
	size int
}

type analysis struct {
	positions map[uint64]recPos
	lastLSN   map[uint64]uint64
	redo      []*walog.Record
	maxLSN    uint64
	maxTxnID  uint64
}

// Manager drives one recovery run over the log stream.
type Manager struct {
	newReader func() (*walog.Reader, error)
	storage   Storage
}

// NewManager builds a recovery manager. newReader must yield a fresh
// sequential reader over the same log stream each call.
func NewManager(newReader func() (*walog.Reader, error), storage Storage) *Manager {
	return &Manager{newReader: newReader, storage: storage}
}

// Run executes analyze, redo and undo in order.
func (m *Manager) Run() (*Result, error) {
	a, err := m.analyze()
	if err != nil {
		return nil, err
	}
	res := &Result{MaxLSN: a.maxLSN, MaxTxnID: a.maxTxnID}

	if err := m.redo(a, res); err != nil {
		return nil, err
	}
	if err := m.undo(a, res); err != nil {
		return nil, err
	}

	for id := range a.lastLSN {
		res.Losers = append(res.Losers, id)
	}
	sort.Slice(res.Losers, func(i, j int) bool { return res.Losers[i] < res.Losers[j] })
	logger.Infof("recovery: maxLSN=%d redo=%d undo=%d losers=%d",
		res.MaxLSN, res.RedoCount, res.UndoCount, len(res.Losers))
	return res, nil
}

// analyze scans every record, building the lsn→position map, the
// per-transaction latest-LSN map (dropped again on COMMIT/ABORT) and
// the ordered redo list.
func (m *Manager) analyze() (*analysis, error) {
	rd, err := m.newReader()
	if err != nil {
		return nil, err
	}
	a := &analysis{
		positions: make(map[uint64]recPos),
		lastLSN:   make(map[uint64]uint64),
	}
	for {
		rec, off, ok, err := rd.Next()
		if err != nil {
			return nil, errors.Wrap(err, "recovery: analyze")
		}
		if !ok {
			break
		}
		a.positions[rec.LSN] = recPos{off: off, size: recordSize(rec)}
		if rec.LSN > a.maxLSN {
			a.maxLSN = rec.LSN
		}
		if rec.TxnID > a.maxTxnID {
			a.maxTxnID = rec.TxnID
		}
		switch rec.Kind {
		case walog.KindCommit, walog.KindAbort:
			delete(a.lastLSN, rec.TxnID)
		default:
			a.lastLSN[rec.TxnID] = rec.LSN
		}
		switch rec.Kind {
		case walog.KindInsert, walog.KindDelete, walog.KindUpdate, walog.KindCreateTable:
			a.redo = append(a.redo, rec)
		}
	}
	return a, nil
}

// redo replays each physical record in LSN order, skipping pages whose
// page-LSN shows the effect already on disk.
func (m *Manager) redo(a *analysis, res *Result) error {
	for _, rec := range a.redo {
		applied, err := m.applyRedo(rec)
		if err != nil {
			return errors.Wrapf(err, "recovery: redo lsn %d", rec.LSN)
		}
		if applied {
			res.RedoCount++
		}
	}
	return nil
}

func (m *Manager) applyRedo(rec *walog.Record) (bool, error) {
	if rec.Kind == walog.KindCreateTable {
		t, err := catalog.DecodeTable(rec.Schema)
		if err != nil {
			return false, err
		}
		if m.storage.HasTable(t.Name) {
			return false, nil
		}
		return true, m.storage.CreateTable(t)
	}

	h, err := m.storage.HeapOf(rec.Table)
	if err != nil {
		// a table dropped after this record was written; its heap is
		// gone and so is anything to replay into
		logger.Warnf("recovery: skipping lsn %d for missing table %s", rec.LSN, rec.Table)
		return false, nil
	}
	if err := h.EnsurePage(rec.PageNo); err != nil {
		return false, err
	}
	pageLSN, err := h.PageLSN(rec.PageNo)
	if err != nil {
		return false, err
	}
	if pageLSN >= rec.LSN {
		return false, nil
	}

	rid := heap.RID{PageNo: rec.PageNo, SlotNo: rec.SlotNo}
	switch rec.Kind {
	case walog.KindInsert:
		if err := h.InsertAt(rid, rec.After); err != nil {
			return false, err
		}
	case walog.KindDelete:
		if err := h.Delete(rid); err != nil {
			return false, err
		}
	case walog.KindUpdate:
		if err := h.Update(rid, rec.After); err != nil {
			return false, err
		}
	default:
		return false, errors.Errorf("recovery: unexpected redo kind %s", rec.Kind)
	}
	return true, h.SetPageLSN(rec.PageNo, rec.LSN)
}

// undo walks each loser transaction's prev-LSN chain backward applying
// the inverse of every physical record. Compensations are idempotent:
// a slot already restored by a previous (re-run) recovery is left
// alone.
func (m *Manager) undo(a *analysis, res *Result) error {
	rd, err := m.newReader()
	if err != nil {
		return err
	}
	for txnID, lsn := range a.lastLSN {
		logger.Infof("recovery: undoing loser txn %d from lsn %d", txnID, lsn)
		for lsn != walog.InvalidLSN {
			pos, ok := a.positions[lsn]
			if !ok {
				return errors.Errorf("recovery: txn %d chain references unknown lsn %d", txnID, lsn)
			}
			rec, err := rd.ReadAt(pos.off, pos.size)
			if err != nil {
				return errors.Wrapf(err, "recovery: undo txn %d lsn %d", txnID, lsn)
			}
			applied, err := m.applyUndo(rec)
			if err != nil {
				return errors.Wrapf(err, "recovery: undo txn %d lsn %d", txnID, lsn)
			}
			if applied {
				res.UndoCount++
			}
			lsn = rec.PrevLSN
		}
	}
	return nil
}

func (m *Manager) applyUndo(rec *walog.Record) (bool, error) {
	switch rec.Kind {
	case walog.KindBegin:
		return false, nil
	case walog.KindCreateTable:
		t, err := catalog.DecodeTable(rec.Schema)
		if err != nil {
			return false, err
		}
		if !m.storage.HasTable(t.Name) {
			return false, nil
		}
		return true, m.storage.DropTable(t.Name)
	}

	h, err := m.storage.HeapOf(rec.Table)
	if err != nil {
		logger.Warnf("recovery: undo skipping missing table %s", rec.Table)
		return false, nil
	}
	rid := heap.RID{PageNo: rec.PageNo, SlotNo: rec.SlotNo}
	switch rec.Kind {
	case walog.KindInsert:
		if err := h.Delete(rid); err != nil {
			if errors.Cause(err) == heap.ErrRecordNotFound || errors.Cause(err) == heap.ErrPageNotExist {
				return false, nil
			}
			return false, err
		}
	case walog.KindDelete:
		if err := h.InsertAt(rid, rec.Before); err != nil {
			if errors.Cause(err) == heap.ErrPageNotExist {
				return false, nil
			}
			// a live slot means a prior recovery already restored it
			logger.Debugf("recovery: undo insert-back at %+v: %v", rid, err)
			return false, nil
		}
	case walog.KindUpdate:
		if err := h.Update(rid, rec.Before); err != nil {
			if errors.Cause(err) == heap.ErrRecordNotFound || errors.Cause(err) == heap.ErrPageNotExist {
				return false, nil
			}
			return false, err
		}
	default:
		return false, errors.Errorf("recovery: unexpected undo kind %s", rec.Kind)
	}
	return true, nil
}

// recordSize recomputes a record's encoded length so the undo pass can
// re-read it by position.
func recordSize(rec *walog.Record) int {
	return rec.EncodedSize()
}
