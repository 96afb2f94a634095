package engine_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/config"
	"github.com/zhukovaskychina/coredb/engine"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/exec"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/txn"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DataDir = "/db"
	cfg.PoolFrames = 64
	cfg.LockTimeout = 500 * time.Millisecond
	return cfg
}

func openDB(t *testing.T, fs afero.Fs) *engine.Database {
	t.Helper()
	db, err := engine.Open(testConfig(), fs)
	require.NoError(t, err)
	return db
}

func ctxFor(db *engine.Database, tr *txn.Transaction) *exec.Context {
	return &exec.Context{Txn: tr, Txns: db.Txns(), Locks: db.Locks(),
		Catalog: db.Catalog(), Store: db, FS: db.FS()}
}

func createT(t *testing.T, db *engine.Database) {
	t.Helper()
	tr, err := db.Txns().Begin()
	require.NoError(t, err)
	table := catalog.NewTable("t", []catalog.Column{
		{Name: "a", Type: catalog.INT32, Indexed: true},
		{Name: "b", Type: catalog.CHAR, Length: 8},
	})
	table.Indexes = append(table.Indexes, catalog.IndexDef{Name: "t_a", Columns: []string{"a"}, KeyLength: 4})
	require.NoError(t, db.CreateTable(tr, table))
	require.NoError(t, db.Txns().Commit(tr))
}

func insert(t *testing.T, db *engine.Database, tr *txn.Transaction, a int32, b string) {
	t.Helper()
	ctx := ctxFor(db, tr)
	ins := exec.NewInsert("t", []catalog.Value{catalog.NewInt32(a), catalog.NewChar(b, 8)})
	require.NoError(t, ins.Open(ctx))
	_, err := ins.Next(ctx)
	require.NoError(t, err)
}

func count(t *testing.T, db *engine.Database) int32 {
	t.Helper()
	tr, err := db.Txns().Begin()
	require.NoError(t, err)
	ctx := ctxFor(db, tr)
	agg := exec.NewAggregate(exec.NewSeqScan("t", nil), exec.AggCount, exec.ColumnRef{}, true)
	require.NoError(t, agg.Open(ctx))
	tup, err := agg.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, agg.Close(ctx))
	require.NoError(t, db.Txns().Commit(tr))
	return tup.Values[0].AsInt32()
}

func TestReopenKeepsCommittedData(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openDB(t, fs)
	createT(t, db)
	tr, err := db.Txns().Begin()
	require.NoError(t, err)
	insert(t, db, tr, 7, "seven")
	require.NoError(t, db.Txns().Commit(tr))
	require.NoError(t, db.Close())

	db2 := openDB(t, fs)
	defer db2.Close()
	assert.Equal(t, int32(1), count(t, db2))

	// the index was rebuilt from the heap at open
	tree, err := db2.IndexOf("t", "t_a")
	require.NoError(t, err)
	_, err = tree.Get(index.Key(catalog.NewInt32(7).Raw))
	require.NoError(t, err)
}

func TestCrashRecoveryUndoesLoser(t *testing.T) {
	// spec §8 scenario 5: INSERT v1; COMMIT; INSERT v2; crash before
	// commit of v2 → restart shows v1, not v2
	fs := afero.NewMemMapFs()
	db := openDB(t, fs)
	createT(t, db)

	tr1, err := db.Txns().Begin()
	require.NoError(t, err)
	insert(t, db, tr1, 1, "v1")
	require.NoError(t, db.Txns().Commit(tr1))

	tr2, err := db.Txns().Begin()
	require.NoError(t, err)
	insert(t, db, tr2, 2, "v2")
	// crash: flush everything except tr2's commit, then abandon the
	// instance without aborting tr2
	require.NoError(t, db.Close())

	db2 := openDB(t, fs)
	defer db2.Close()
	assert.Equal(t, int32(1), count(t, db2), "loser insert must be rolled back")

	tree, err := db2.IndexOf("t", "t_a")
	require.NoError(t, err)
	_, err = tree.Get(index.Key(catalog.NewInt32(1).Raw))
	require.NoError(t, err, "committed row must be indexed")
	_, err = tree.Get(index.Key(catalog.NewInt32(2).Raw))
	require.Error(t, err, "loser row must not be indexed")
}

func TestCreateAndDropIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openDB(t, fs)
	defer db.Close()
	createT(t, db)

	tr, err := db.Txns().Begin()
	require.NoError(t, err)
	insert(t, db, tr, 1, "aa")
	insert(t, db, tr, 2, "bb")
	require.NoError(t, db.Txns().Commit(tr))

	ddl, err := db.Txns().Begin()
	require.NoError(t, err)
	require.NoError(t, db.CreateIndex(ddl, "t", "t_b", []string{"b"}))
	require.NoError(t, db.Txns().Commit(ddl))

	tree, err := db.IndexOf("t", "t_b")
	require.NoError(t, err)
	_, err = tree.Get(index.Key(catalog.NewChar("bb", 8).Raw))
	require.NoError(t, err, "new index must cover existing rows")

	ddl2, err := db.Txns().Begin()
	require.NoError(t, err)
	require.NoError(t, db.DropIndex(ddl2, "t", "t_b"))
	require.NoError(t, db.Txns().Commit(ddl2))
	_, err = db.IndexOf("t", "t_b")
	require.Error(t, err)
}

func TestDropTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openDB(t, fs)
	createT(t, db)

	tr, err := db.Txns().Begin()
	require.NoError(t, err)
	require.NoError(t, db.DropTable(tr, "t"))
	require.NoError(t, db.Txns().Commit(tr))
	_, err = db.Catalog().Table("t")
	require.Error(t, err)
	require.NoError(t, db.Close())

	// the drop survives reopen even though the log still carries the
	// table's CREATE_TABLE record (the catalog file wins for schema)
	db2 := openDB(t, fs)
	defer db2.Close()
	_, err = db2.Catalog().Table("t")
	require.Error(t, err)
}
