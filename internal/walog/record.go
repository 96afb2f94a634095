// Package walog implements the ARIES-style write-ahead log (spec §4.5):
// a single append-only stream of physical log records, an in-memory
// buffer shared by all transactions, monotonic LSN assignment and the
// force-at-commit / flush-before-page-write durability rules.
package walog

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var byteOrder = binary.LittleEndian

// Kind discriminates log record payloads (spec §3 "Log record").
type Kind uint32

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindInsert
	KindDelete
	KindUpdate
	KindCreateTable
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindAbort:
		return "ABORT"
	case KindInsert:
		return "INSERT"
	case KindDelete:
		return "DELETE"
	case KindUpdate:
		return "UPDATE"
	case KindCreateTable:
		return "CREATE_TABLE"
	default:
		return "UNKNOWN"
	}
}

// InvalidLSN terminates a transaction's prev-LSN chain; real LSNs start
// at 1.
const InvalidLSN uint64 = 0

// headerSize is the common record prefix: total-length u32, kind u32,
// lsn i64, txn-id i64, prev-lsn i64 (spec §6 "Log stream").
const headerSize = 4 + 4 + 8 + 8 + 8

// Record is one log entry. Which payload fields are meaningful depends
// on Kind: INSERT carries After, DELETE carries Before, UPDATE carries
// both images, CREATE_TABLE carries the serialized schema.
type Record struct {
	Kind    Kind
	LSN     uint64
	TxnID   uint64
	PrevLSN uint64

	Table  string
	PageNo uint32
	SlotNo int32
	Before []byte
	After  []byte
	Schema []byte
}

// EncodedSize returns the record's total on-stream length, letting
// recovery re-read a record it indexed by offset.
func (r *Record) EncodedSize() int {
	return headerSize + len(r.encodePayload())
}

func (r *Record) encode() []byte {
	payload := r.encodePayload()
	total := headerSize + len(payload)
	b := make([]byte, 0, total)
	b = byteOrder.AppendUint32(b, uint32(total))
	b = byteOrder.AppendUint32(b, uint32(r.Kind))
	b = byteOrder.AppendUint64(b, r.LSN)
	b = byteOrder.AppendUint64(b, r.TxnID)
	b = byteOrder.AppendUint64(b, r.PrevLSN)
	return append(b, payload...)
}

func (r *Record) encodePayload() []byte {
	switch r.Kind {
	case KindInsert:
		return encodeTuplePayload(r.Table, r.PageNo, r.SlotNo, r.After)
	case KindDelete:
		return encodeTuplePayload(r.Table, r.PageNo, r.SlotNo, r.Before)
	case KindUpdate:
		b := encodeTuplePayload(r.Table, r.PageNo, r.SlotNo, r.Before)
		b = byteOrder.AppendUint32(b, uint32(len(r.After)))
		return append(b, r.After...)
	case KindCreateTable:
		b := byteOrder.AppendUint32(nil, uint32(len(r.Schema)))
		return append(b, r.Schema...)
	default:
		return nil
	}
}

func encodeTuplePayload(table string, pageNo uint32, slotNo int32, image []byte) []byte {
	b := byteOrder.AppendUint16(nil, uint16(len(table)))
	b = append(b, table...)
	b = byteOrder.AppendUint32(b, pageNo)
	b = byteOrder.AppendUint32(b, uint32(slotNo))
	b = byteOrder.AppendUint32(b, uint32(len(image)))
	return append(b, image...)
}

// decodeRecord parses one full record (header plus payload).
func decodeRecord(b []byte) (*Record, error) {
	if len(b) < headerSize {
		return nil, errors.New("walog: truncated record header")
	}
	r := &Record{
		Kind:    Kind(byteOrder.Uint32(b[4:8])),
		LSN:     byteOrder.Uint64(b[8:16]),
		TxnID:   byteOrder.Uint64(b[16:24]),
		PrevLSN: byteOrder.Uint64(b[24:32]),
	}
	p := &payloadReader{b: b[headerSize:]}
	switch r.Kind {
	case KindBegin, KindCommit, KindAbort:
	case KindInsert:
		r.Table, r.PageNo, r.SlotNo, r.After = p.tuple()
	case KindDelete:
		r.Table, r.PageNo, r.SlotNo, r.Before = p.tuple()
	case KindUpdate:
		r.Table, r.PageNo, r.SlotNo, r.Before = p.tuple()
		r.After = p.bytes()
	case KindCreateTable:
		r.Schema = p.bytes()
	default:
		return nil, errors.Errorf("walog: unknown record kind %d", r.Kind)
	}
	if p.err != nil {
		return nil, errors.Wrapf(p.err, "walog: decode %s record", r.Kind)
	}
	return r, nil
}

type payloadReader struct {
	b   []byte
	off int
	err error
}

func (p *payloadReader) tuple() (string, uint32, int32, []byte) {
	table := p.str()
	pageNo := p.u32()
	slotNo := int32(p.u32())
	image := p.bytes()
	return table, pageNo, slotNo, image
}

func (p *payloadReader) str() string {
	if p.err != nil || p.off+2 > len(p.b) {
		p.fail()
		return ""
	}
	n := int(byteOrder.Uint16(p.b[p.off:]))
	p.off += 2
	if p.off+n > len(p.b) {
		p.fail()
		return ""
	}
	s := string(p.b[p.off : p.off+n])
	p.off += n
	return s
}

func (p *payloadReader) u32() uint32 {
	if p.err != nil || p.off+4 > len(p.b) {
		p.fail()
		return 0
	}
	v := byteOrder.Uint32(p.b[p.off:])
	p.off += 4
	return v
}

func (p *payloadReader) bytes() []byte {
	n := int(p.u32())
	if p.err != nil || p.off+n > len(p.b) {
		p.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, p.b[p.off:p.off+n])
	p.off += n
	return out
}

func (p *payloadReader) fail() {
	if p.err == nil {
		p.err = errors.New("truncated payload")
	}
}
