// Package lockmgr implements the transactional lock manager (spec §4.4):
// multi-granularity S/X/IS/IX/SIX locks over table and record keys,
// deadlock avoidance by per-request wait timeout, and the S→X upgrade
// path. Locks are held until the transaction manager releases them at
// commit or abort (strict two-phase locking); latches in internal/page
// are the short-term physical counterpart.
package lockmgr

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/logger"
)

// ErrLockTimeout signals that a request could not be granted within its
// budget; the enclosing transaction must abort (spec §7 "lock-timeout").
var ErrLockTimeout = errors.New("lock-timeout")

// Mode is a transactional lock mode.
type Mode int

const (
	IS Mode = iota
	IX
	S
	SIX
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compat is the standard multi-granularity compatibility matrix.
var compat = map[Mode]map[Mode]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {IS: false, IX: false, S: false, SIX: false, X: false},
}

// covers reports whether a held mode already subsumes a new request.
func covers(held, req Mode) bool {
	if held == req || held == X {
		return true
	}
	switch held {
	case SIX:
		return req == IS || req == IX || req == S
	case S:
		return req == IS
	case IX:
		return req == IS
	default:
		return false
	}
}

// join is the least mode subsuming both, used for upgrades: S+IX = SIX,
// anything+X = X, and so on.
func join(a, b Mode) Mode {
	if covers(a, b) {
		return a
	}
	if covers(b, a) {
		return b
	}
	// the only pair neither side covers is {S,IX}
	return SIX
}

// Granularity distinguishes table keys from record keys.
type Granularity int

const (
	GranTable Granularity = iota
	GranRecord
)

// Key identifies one lockable resource: a whole table (by its file id)
// or a single record within it.
type Key struct {
	Gran   Granularity
	FileID uint32
	PageNo uint32
	SlotNo int32
}

// TableKey builds the key for table-granularity locks.
func TableKey(fileID uint32) Key {
	return Key{Gran: GranTable, FileID: fileID}
}

// RecordKey builds the key for record-granularity locks.
func RecordKey(fileID, pageNo uint32, slotNo int32) Key {
	return Key{Gran: GranRecord, FileID: fileID, PageNo: pageNo, SlotNo: slotNo}
}

// request is one queue entry. A granted entry holds `held`; a waiting
// or upgrading entry wants `want` and is signalled by closing ch.
type request struct {
	txnID     uint64
	want      Mode
	held      Mode
	granted   bool
	upgrading bool
	ch        chan struct{}
}

type lockQueue struct {
	requests []*request
}

// Manager is the process-wide lock table. One mutex guards the whole
// table; waiters park on per-request channels so grants made while the
// mutex is held wake exactly the requests that became grantable.
type Manager struct {
	mu       sync.Mutex
	queues   map[Key]*lockQueue
	txnLocks map[uint64]map[Key]struct{}
	timeout  time.Duration
}

// NewManager creates a lock manager whose requests time out after the
// given default budget when the caller does not override it.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		queues:   make(map[Key]*lockQueue),
		txnLocks: make(map[uint64]map[Key]struct{}),
		timeout:  timeout,
	}
}

// Lock acquires mode on key for txnID, blocking up to the manager's
// timeout. A request the transaction already covers returns
// immediately; a stronger request upgrades in place (S→X, S+IX→SIX).
// Timeout returns ErrLockTimeout and the caller must abort the
// transaction.
func (m *Manager) Lock(txnID uint64, key Key, mode Mode) error {
	return m.LockTimeout(txnID, key, mode, m.timeout)
}

// LockTimeout is Lock with an explicit budget.
func (m *Manager) LockTimeout(txnID uint64, key Key, mode Mode, timeout time.Duration) error {
	if key.Gran == GranRecord && mode != S && mode != X {
		return errors.Errorf("lockmgr: record locks are S or X only, got %s", mode)
	}

	m.mu.Lock()
	q := m.queues[key]
	if q == nil {
		q = &lockQueue{}
		m.queues[key] = q
	}

	var r *request
	for _, existing := range q.requests {
		if existing.txnID != txnID {
			continue
		}
		if existing.granted && covers(existing.held, mode) {
			m.mu.Unlock()
			return nil
		}
		r = existing
		break
	}

	if r != nil {
		// upgrade in place: keep the current grant for compatibility
		// against others while waiting for the joined mode
		r.want = join(r.held, mode)
		r.upgrading = true
		r.ch = make(chan struct{})
	} else {
		r = &request{txnID: txnID, want: mode, ch: make(chan struct{})}
		q.requests = append(q.requests, r)
	}
	m.grantAll(q)
	if r.granted && !r.upgrading {
		m.track(txnID, key)
		m.mu.Unlock()
		return nil
	}
	ch := r.ch
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		m.mu.Lock()
		m.track(txnID, key)
		m.mu.Unlock()
		return nil
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-ch:
		// granted while the timer fired; accept the grant
		m.track(txnID, key)
		return nil
	default:
	}
	if r.upgrading {
		// keep the original grant, abandon the upgrade
		r.upgrading = false
		r.want = r.held
	} else {
		m.removeRequest(q, r)
		if len(q.requests) == 0 {
			delete(m.queues, key)
		} else {
			m.grantAll(q)
		}
	}
	logger.Warnf("lockmgr: txn %d timed out waiting for %s on %+v", txnID, mode, key)
	return errors.Wrapf(ErrLockTimeout, "txn %d mode %s", txnID, mode)
}

// grantAll walks the queue FIFO and grants every request whose wanted
// mode is compatible with all other transactions' current grants.
// Must be called with m.mu held.
func (m *Manager) grantAll(q *lockQueue) {
	for _, r := range q.requests {
		if r.granted && !r.upgrading {
			continue
		}
		ok := true
		for _, other := range q.requests {
			if other == r || !other.granted {
				continue
			}
			if !compat[other.held][r.want] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		r.held = r.want
		r.granted = true
		r.upgrading = false
		close(r.ch)
	}
}

func (m *Manager) track(txnID uint64, key Key) {
	set := m.txnLocks[txnID]
	if set == nil {
		set = make(map[Key]struct{})
		m.txnLocks[txnID] = set
	}
	set[key] = struct{}{}
}

func (m *Manager) removeRequest(q *lockQueue, r *request) {
	for i, existing := range q.requests {
		if existing == r {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// Unlock releases txnID's grant on key and wakes any waiter that the
// release made grantable.
func (m *Manager) Unlock(txnID uint64, key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked(txnID, key)
}

func (m *Manager) unlockLocked(txnID uint64, key Key) {
	q := m.queues[key]
	if q == nil {
		return
	}
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	if set := m.txnLocks[txnID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(m.txnLocks, txnID)
		}
	}
	if len(q.requests) == 0 {
		delete(m.queues, key)
		return
	}
	m.grantAll(q)
}

// UnlockAll releases every lock txnID holds — the strict-2PL release
// point, invoked by the transaction manager at commit/abort.
func (m *Manager) UnlockAll(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.txnLocks[txnID] {
		m.unlockLocked(txnID, key)
	}
	delete(m.txnLocks, txnID)
}

// Held returns the mode txnID currently holds on key, if any — used by
// tests asserting the compatibility invariant.
func (m *Manager) Held(txnID uint64, key Key) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if q == nil {
		return 0, false
	}
	for _, r := range q.requests {
		if r.txnID == txnID && r.granted {
			return r.held, true
		}
	}
	return 0, false
}
