package catalog

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is raised for a missing table, column or index.
var ErrNotFound = errors.New("not-found")

// ErrAmbiguousColumn is raised when an unqualified column name matches
// more than one table in a join.
var ErrAmbiguousColumn = errors.New("ambiguous-column")

// Column describes one table column: its type, declared length/offset
// within the fixed-width record, and whether it participates in a
// declared index.
type Column struct {
	Name    string
	Type    Type
	Length  int // declared length; meaningful for CHAR(n), else FixedLength(0)
	Offset  int
	Indexed bool
}

// Width returns the column's on-disk byte width.
func (c Column) Width() int { return c.Type.FixedLength(c.Length) }

// IndexDef names a declared index: an ordered set of columns whose raw
// bytes are concatenated into the index's composite key.
type IndexDef struct {
	Name       string
	Columns    []string
	KeyLength  int
	FileID     uint32 // backing index file, set once the index is created
	RootPageNo uint32
}

// Table is the per-table metadata: column list, record layout, and the
// indexes declared over it. Every declared index is unique (spec §9
// Open Question d).
type Table struct {
	Name       string
	Columns    []Column
	RecordSize int
	Indexes    []IndexDef
	FileID     uint32
}

// ColumnIndex returns the ordinal of a named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return Column{}, false
	}
	return t.Columns[i], true
}

// Index looks up a declared index by name.
func (t *Table) Index(name string) (*IndexDef, bool) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// NewTable lays out column offsets sequentially and computes the fixed
// record size, mirroring the teacher's schema builder.
func NewTable(name string, columns []Column) *Table {
	offset := 0
	laid := make([]Column, len(columns))
	for i, c := range columns {
		c.Offset = offset
		offset += c.Width()
		laid[i] = c
	}
	return &Table{Name: name, Columns: laid, RecordSize: offset}
}

// Catalog is the process-wide map of table name to metadata, guarded by
// a single mutex the way the teacher's schema/dictionary managers are.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

// CreateTable registers a new table. Fails if the name is already taken.
func (c *Catalog) CreateTable(t *Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[t.Name]; ok {
		return errors.Errorf("table %q already exists", t.Name)
	}
	c.tables[t.Name] = t
	return nil
}

// DropTable removes a table's metadata.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		return errors.Wrapf(ErrNotFound, "table %q", name)
	}
	delete(c.tables, name)
	return nil
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "table %q", name)
	}
	return t, nil
}

// Tables lists every registered table name, for SHOW TABLES.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	return names
}

// AddIndex declares a new index on an existing table.
func (c *Catalog) AddIndex(tableName string, idx IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableName]
	if !ok {
		return errors.Wrapf(ErrNotFound, "table %q", tableName)
	}
	for _, col := range idx.Columns {
		if t.ColumnIndex(col) < 0 {
			return errors.Wrapf(ErrNotFound, "column %q on table %q", col, tableName)
		}
	}
	t.Indexes = append(t.Indexes, idx)
	return nil
}

// DropIndex removes a declared index by name.
func (c *Catalog) DropIndex(tableName, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableName]
	if !ok {
		return errors.Wrapf(ErrNotFound, "table %q", tableName)
	}
	for i, idx := range t.Indexes {
		if idx.Name == indexName {
			t.Indexes = append(t.Indexes[:i], t.Indexes[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "index %q on table %q", indexName, tableName)
}
