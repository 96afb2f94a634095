package engine

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/zhukovaskychina/coredb/internal/catalog"
)

// metaFile is the on-disk catalog: the durable record of table and
// index declarations, rewritten on every DDL statement. Recovery still
// replays CREATE_TABLE log records for tables a crash lost between the
// log force and the catalog write.
const metaFile = "db.meta"

func (db *Database) metaPath() string {
	return db.cfg.DataDir + "/" + metaFile
}

// saveMeta rewrites the catalog file: u32 table count, then per table a
// u32-length-prefixed EncodeTable payload.
func (db *Database) saveMeta() error {
	names := db.cat.Tables()
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(names)))
	for _, name := range names {
		t, err := db.cat.Table(name)
		if err != nil {
			return err
		}
		enc := catalog.EncodeTable(t)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(db.dropped)))
	for name := range db.dropped {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
	}
	return afero.WriteFile(db.fs, db.metaPath(), buf, 0644)
}

// loadMeta reads the catalog file (absent on a fresh database) and
// opens every table's heap.
func (db *Database) loadMeta() error {
	buf, err := afero.ReadFile(db.fs, db.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read catalog file")
	}
	if len(buf) < 4 {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(buf))
	off := 4
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return errors.New("truncated catalog file")
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return errors.New("truncated catalog file")
		}
		t, err := catalog.DecodeTable(buf[off : off+n])
		if err != nil {
			return err
		}
		off += n
		if err := db.cat.CreateTable(t); err != nil {
			return err
		}
		if err := db.openHeap(t); err != nil {
			return err
		}
	}
	if off+4 <= len(buf) {
		droppedCount := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		for i := 0; i < droppedCount && off+2 <= len(buf); i++ {
			n := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			if off+n > len(buf) {
				break
			}
			db.dropped[string(buf[off:off+n])] = true
			off += n
		}
	}
	return nil
}
