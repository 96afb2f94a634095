// Package txn implements the transaction manager (spec §4.6): id
// allocation, the GROWING→COMMITTED/ABORTED state machine, per-
// transaction write sets carrying inverse physical operations, and the
// commit/abort protocol over the lock and log managers.
package txn

import (
	"sync"

	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
)

// State is a transaction's lifecycle phase.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "?"
	}
}

// WriteKind names the heap operation a write-set entry inverts.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteDelete
	WriteUpdate
)

// TableWrite is one entry of the table-write log: enough to issue the
// inverse heap operation on abort.
type TableWrite struct {
	Kind   WriteKind
	Table  string
	RID    heap.RID
	Before []byte // delete/update: the displaced image
	After  []byte // insert/update: the written image
}

// IndexWriteKind names the index operation an entry inverts.
type IndexWriteKind int

const (
	IndexInsert IndexWriteKind = iota
	IndexDelete
)

// IndexWrite is one entry of the index-write log.
type IndexWrite struct {
	Kind  IndexWriteKind
	Table string
	Index string
	Key   index.Key
	RID   index.RID
}

// Transaction carries a transaction's identity, 2PL state, lock-backed
// write sets and the head of its log-record chain.
type Transaction struct {
	mu      sync.Mutex
	id      uint64
	state   State
	prevLSN uint64

	tableWrites []TableWrite
	indexWrites []IndexWrite
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PrevLSN returns the head of this transaction's log chain.
func (t *Transaction) PrevLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevLSN
}

// RecordTableWrite appends an inverse heap operation to the write set.
func (t *Transaction) RecordTableWrite(w TableWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableWrites = append(t.tableWrites, w)
}

// RecordIndexWrite appends an inverse index operation to the write set.
func (t *Transaction) RecordIndexWrite(w IndexWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexWrites = append(t.indexWrites, w)
}

