package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/engine"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/exec"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/txn"
)

// session holds the shell's transaction state: statements outside an
// explicit BEGIN run autocommit.
type session struct {
	db  *engine.Database
	tr  *txn.Transaction
	out io.Writer
}

func newSession(db *engine.Database, out io.Writer) *session {
	return &session{db: db, out: out}
}

// Shutdown aborts any transaction left open by the shell.
func (s *session) Shutdown() error {
	if s.tr != nil {
		err := s.db.Txns().Abort(s.tr)
		s.tr = nil
		return err
	}
	return nil
}

// begin returns the statement's transaction plus whether it must be
// auto-committed afterwards.
func (s *session) begin() (*txn.Transaction, bool, error) {
	if s.tr != nil {
		return s.tr, false, nil
	}
	tr, err := s.db.Txns().Begin()
	return tr, true, err
}

func (s *session) ctx(tr *txn.Transaction) *exec.Context {
	return &exec.Context{
		Txn:     tr,
		Txns:    s.db.Txns(),
		Locks:   s.db.Locks(),
		Catalog: s.db.Catalog(),
		Store:   s.db,
		FS:      s.db.FS(),
	}
}

// Execute dispatches one statement. Lock timeouts abort the enclosing
// transaction per the propagation policy of spec §7.
func (s *session) Execute(stmt string) error {
	toks := tokenize(stmt)
	if len(toks) == 0 {
		return nil
	}
	err := s.dispatch(toks)
	if err != nil && errors.Cause(err) == lockmgr.ErrLockTimeout && s.tr != nil {
		_ = s.db.Txns().Abort(s.tr)
		s.tr = nil
		return errors.Wrap(err, "transaction aborted")
	}
	return err
}

func (s *session) dispatch(toks []string) error {
	switch strings.ToUpper(toks[0]) {
	case "BEGIN":
		if s.tr != nil {
			return errors.New("transaction already open")
		}
		tr, err := s.db.Txns().Begin()
		if err != nil {
			return err
		}
		s.tr = tr
		return nil
	case "COMMIT":
		if s.tr == nil {
			return errors.New("no open transaction")
		}
		err := s.db.Txns().Commit(s.tr)
		s.tr = nil
		return err
	case "ABORT", "ROLLBACK":
		if s.tr == nil {
			return errors.New("no open transaction")
		}
		err := s.db.Txns().Abort(s.tr)
		s.tr = nil
		return err
	case "CREATE":
		if len(toks) > 1 && strings.EqualFold(toks[1], "TABLE") {
			return s.autocommit(func(tr *txn.Transaction) error { return s.createTable(tr, toks) })
		}
		return s.autocommit(func(tr *txn.Transaction) error { return s.createIndex(tr, toks) })
	case "DROP":
		if len(toks) > 1 && strings.EqualFold(toks[1], "TABLE") {
			return s.autocommit(func(tr *txn.Transaction) error { return s.db.DropTable(tr, toks[2]) })
		}
		return s.autocommit(func(tr *txn.Transaction) error { return s.dropIndex(tr, toks) })
	case "SHOW":
		return s.show(toks)
	case "DESC":
		return s.desc(toks)
	case "INSERT":
		return s.autocommit(func(tr *txn.Transaction) error { return s.insert(tr, toks) })
	case "DELETE":
		return s.autocommit(func(tr *txn.Transaction) error { return s.delete(tr, toks) })
	case "UPDATE":
		return s.autocommit(func(tr *txn.Transaction) error { return s.update(tr, toks) })
	case "SELECT":
		return s.autocommit(func(tr *txn.Transaction) error { return s.query(tr, toks) })
	case "LOAD":
		return s.autocommit(func(tr *txn.Transaction) error { return s.load(tr, toks) })
	default:
		return errors.Errorf("unrecognized statement %q", toks[0])
	}
}

// autocommit runs fn in the session transaction, or in a fresh one
// committed on success and aborted on failure.
func (s *session) autocommit(fn func(*txn.Transaction) error) error {
	tr, auto, err := s.begin()
	if err != nil {
		return err
	}
	if err := fn(tr); err != nil {
		if auto {
			_ = s.db.Txns().Abort(tr)
		}
		return err
	}
	if auto {
		return s.db.Txns().Commit(tr)
	}
	return nil
}

// createTable parses CREATE TABLE t ( a INT , b CHAR ( 8 ) , ... ).
func (s *session) createTable(tr *txn.Transaction, toks []string) error {
	if len(toks) < 4 {
		return errors.New("usage: CREATE TABLE t (col TYPE, ...)")
	}
	name := toks[2]
	body := toks[3:]
	if len(body) > 0 && body[0] == "(" {
		body = body[1 : len(body)-1]
	}
	var cols []catalog.Column
	for i := 0; i < len(body); {
		col := catalog.Column{Name: body[i]}
		i++
		if i >= len(body) {
			return errors.Errorf("column %q missing type", col.Name)
		}
		switch strings.ToUpper(body[i]) {
		case "INT", "INT32":
			col.Type = catalog.INT32
		case "FLOAT", "FLOAT32":
			col.Type = catalog.FLOAT32
		case "BIGINT", "BIGINT64":
			col.Type = catalog.BIGINT64
		case "DATETIME", "DATETIME64":
			col.Type = catalog.DATETIME64
		case "CHAR":
			col.Type = catalog.CHAR
		default:
			return errors.Errorf("unknown type %q", body[i])
		}
		i++
		if col.Type == catalog.CHAR {
			if i+2 >= len(body) || body[i] != "(" {
				return errors.Errorf("CHAR column %q needs a length", col.Name)
			}
			n, err := strconv.Atoi(body[i+1])
			if err != nil {
				return errors.Errorf("bad CHAR length %q", body[i+1])
			}
			col.Length = n
			i += 3 // ( n )
		}
		cols = append(cols, col)
		if i < len(body) && body[i] == "," {
			i++
		}
	}
	return s.db.CreateTable(tr, catalog.NewTable(name, cols))
}

// createIndex parses CREATE INDEX [UNIQUE] ON t ( a , b ). Every index
// is unique regardless of the modifier.
func (s *session) createIndex(tr *txn.Transaction, toks []string) error {
	rest := toks[2:]
	if len(rest) > 0 && strings.EqualFold(rest[0], "UNIQUE") {
		rest = rest[1:]
	}
	if len(rest) > 0 && strings.EqualFold(rest[0], "ON") {
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return errors.New("usage: CREATE INDEX ON t (col, ...)")
	}
	table := rest[0]
	cols := identList(rest[1:])
	if len(cols) == 0 {
		return errors.New("index needs at least one column")
	}
	return s.db.CreateIndex(tr, table, table+"_"+strings.Join(cols, "_"), cols)
}

func (s *session) dropIndex(tr *txn.Transaction, toks []string) error {
	rest := toks[2:]
	if len(rest) > 0 && strings.EqualFold(rest[0], "ON") {
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return errors.New("usage: DROP INDEX ON t (col, ...)")
	}
	table := rest[0]
	cols := identList(rest[1:])
	return s.db.DropIndex(tr, table, table+"_"+strings.Join(cols, "_"))
}

func (s *session) show(toks []string) error {
	if len(toks) >= 2 && strings.EqualFold(toks[1], "TABLES") {
		for _, name := range s.db.Catalog().Tables() {
			fmt.Fprintln(s.out, name)
		}
		return nil
	}
	if len(toks) >= 4 && strings.EqualFold(toks[1], "INDEX") {
		t, err := s.db.Catalog().Table(toks[3])
		if err != nil {
			return err
		}
		for _, idx := range t.Indexes {
			fmt.Fprintf(s.out, "%s (%s)\n", idx.Name, strings.Join(idx.Columns, ", "))
		}
		return nil
	}
	return errors.New("usage: SHOW TABLES | SHOW INDEX FROM t")
}

func (s *session) desc(toks []string) error {
	if len(toks) < 2 {
		return errors.New("usage: DESC t")
	}
	t, err := s.db.Catalog().Table(toks[1])
	if err != nil {
		return err
	}
	for _, c := range t.Columns {
		line := fmt.Sprintf("%s %s", c.Name, c.Type)
		if c.Type == catalog.CHAR {
			line = fmt.Sprintf("%s %s(%d)", c.Name, c.Type, c.Length)
		}
		if c.Indexed {
			line += " indexed"
		}
		fmt.Fprintln(s.out, line)
	}
	return nil
}

// insert parses INSERT INTO t VALUES ( v1 , v2 , ... ).
func (s *session) insert(tr *txn.Transaction, toks []string) error {
	if len(toks) < 5 || !strings.EqualFold(toks[1], "INTO") {
		return errors.New("usage: INSERT INTO t VALUES (v, ...)")
	}
	table := toks[2]
	t, err := s.db.Catalog().Table(table)
	if err != nil {
		return err
	}
	lits := identList(toks[4:])
	if len(lits) != len(t.Columns) {
		return errors.Wrapf(catalog.ErrInvalidValueCount,
			"table %q wants %d values, got %d", table, len(t.Columns), len(lits))
	}
	values := make([]catalog.Value, len(lits))
	for i, lit := range lits {
		v, err := catalog.ParseValue(lit, t.Columns[i])
		if err != nil {
			return err
		}
		values[i] = v
	}
	ins := exec.NewInsert(table, values)
	if err := s.run(tr, ins); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d row(s) inserted\n", ins.Affected())
	return nil
}

func (s *session) delete(tr *txn.Transaction, toks []string) error {
	if len(toks) < 3 || !strings.EqualFold(toks[1], "FROM") {
		return errors.New("usage: DELETE FROM t [WHERE ...]")
	}
	table := toks[2]
	preds, err := s.parseWhere(table, toks[3:])
	if err != nil {
		return err
	}
	del := exec.NewDelete(table, exec.NewSeqScan(table, preds))
	if err := s.run(tr, del); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d row(s) deleted\n", del.Affected())
	return nil
}

// update parses UPDATE t SET c = v [, c = c + v] [WHERE ...].
func (s *session) update(tr *txn.Transaction, toks []string) error {
	if len(toks) < 6 || !strings.EqualFold(toks[2], "SET") {
		return errors.New("usage: UPDATE t SET c=v [WHERE ...]")
	}
	table := toks[1]
	t, err := s.db.Catalog().Table(table)
	if err != nil {
		return err
	}
	rest := toks[3:]
	var assigns []exec.Assignment
	for len(rest) >= 3 {
		if strings.EqualFold(rest[0], "WHERE") {
			break
		}
		colName := rest[0]
		if rest[1] != "=" {
			return errors.Errorf("expected '=' after %q", colName)
		}
		col, ok := t.Column(colName)
		if !ok {
			return errors.Wrapf(catalog.ErrNotFound, "column %q", colName)
		}
		rest = rest[2:]
		add := false
		if len(rest) >= 3 && rest[0] == colName && rest[1] == "+" {
			add = true
			rest = rest[2:]
		}
		v, err := catalog.ParseValue(rest[0], col)
		if err != nil {
			return err
		}
		assigns = append(assigns, exec.Assignment{Column: colName, Value: v, Add: add})
		rest = rest[1:]
		if len(rest) > 0 && rest[0] == "," {
			rest = rest[1:]
		}
	}
	preds, err := s.parseWhere(table, rest)
	if err != nil {
		return err
	}
	upd := exec.NewUpdate(table, assigns, exec.NewSeqScan(table, preds))
	if err := s.run(tr, upd); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d row(s) updated\n", upd.Affected())
	return nil
}

// load parses LOAD <file.csv> INTO t.
func (s *session) load(tr *txn.Transaction, toks []string) error {
	if len(toks) < 4 || !strings.EqualFold(toks[2], "INTO") {
		return errors.New("usage: LOAD file.csv INTO t")
	}
	ld := exec.NewLoad(toks[3], toks[1])
	if err := s.run(tr, ld); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d row(s) loaded\n", ld.Affected())
	return nil
}

// query parses SELECT cols FROM tabs [WHERE ...] [ORDER BY c [DESC]]
// [LIMIT n], including the single-aggregate forms.
func (s *session) query(tr *txn.Transaction, toks []string) error {
	fromAt := -1
	for i, tok := range toks {
		if strings.EqualFold(tok, "FROM") {
			fromAt = i
			break
		}
	}
	if fromAt < 0 {
		return errors.New("SELECT needs FROM")
	}
	colToks := toks[1:fromAt]
	rest := toks[fromAt+1:]

	var tables []string
	for len(rest) > 0 && !isKeyword(rest[0]) {
		if rest[0] != "," {
			tables = append(tables, rest[0])
		}
		rest = rest[1:]
	}
	if len(tables) == 0 {
		return errors.New("SELECT needs at least one table")
	}

	var orderBy []exec.SortKey
	limit := 0
	var whereToks []string
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "WHERE":
			end := 1
			for end < len(rest) && !isClauseStart(rest[end]) {
				end++
			}
			whereToks = rest[:end]
			rest = rest[end:]
		case "ORDER":
			rest = rest[2:] // ORDER BY
			for len(rest) > 0 && !isClauseStart(rest[0]) {
				key := exec.SortKey{Column: columnRef(rest[0])}
				rest = rest[1:]
				if len(rest) > 0 && strings.EqualFold(rest[0], "DESC") {
					key.Desc = true
					rest = rest[1:]
				} else if len(rest) > 0 && strings.EqualFold(rest[0], "ASC") {
					rest = rest[1:]
				}
				orderBy = append(orderBy, key)
				if len(rest) > 0 && rest[0] == "," {
					rest = rest[1:]
				}
			}
		case "LIMIT":
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return errors.Errorf("bad LIMIT %q", rest[1])
			}
			limit = n
			rest = rest[2:]
		default:
			return errors.Errorf("unexpected token %q", rest[0])
		}
	}

	preds, err := s.parseWhereMulti(tables, whereToks)
	if err != nil {
		return err
	}

	var plan exec.Operator
	if len(tables) == 1 {
		plan = exec.NewSeqScan(tables[0], preds)
	} else {
		plan = exec.NewSeqScan(tables[0], nil)
		for _, tb := range tables[1:] {
			plan = exec.NewNestedLoopJoin(plan, exec.NewSeqScan(tb, nil), nil, s.db.Config().JoinBlockSize)
		}
		plan = &filterOp{child: plan, preds: preds}
	}

	// aggregate form: single SUM|COUNT|MAX|MIN(col)
	if kind, col, star, ok := aggSpec(colToks); ok {
		plan = exec.NewAggregate(plan, kind, col, star)
	} else {
		if len(orderBy) > 0 || limit > 0 {
			plan = exec.NewSort(plan, orderBy, limit)
		}
		var refs []exec.ColumnRef
		if !(len(colToks) == 1 && colToks[0] == "*") {
			for _, c := range colToks {
				if c != "," {
					refs = append(refs, columnRef(c))
				}
			}
		}
		plan = exec.NewProject(plan, refs)
	}

	ctx := s.ctx(tr)
	if err := plan.Open(ctx); err != nil {
		return err
	}
	defer plan.Close(ctx)
	rows := 0
	for {
		tup, err := plan.Next(ctx)
		if err != nil {
			return err
		}
		if tup == nil {
			break
		}
		parts := make([]string, len(tup.Values))
		for i, v := range tup.Values {
			parts[i] = v.Format()
		}
		fmt.Fprintln(s.out, strings.Join(parts, " | "))
		rows++
	}
	fmt.Fprintf(s.out, "%d row(s)\n", rows)
	return nil
}

// filterOp applies residual predicates above a join.
type filterOp struct {
	child exec.Operator
	preds []exec.Predicate
}

func (f *filterOp) Open(ctx *exec.Context) error { return f.child.Open(ctx) }

func (f *filterOp) Next(ctx *exec.Context) (*exec.Tuple, error) {
	for {
		tup, err := f.child.Next(ctx)
		if err != nil || tup == nil {
			return nil, err
		}
		ok, err := exec.EvalPredicates(f.preds, f.child.Schema(), tup)
		if err != nil {
			return nil, err
		}
		if ok {
			return tup, nil
		}
	}
}

func (f *filterOp) Close(ctx *exec.Context) error { return f.child.Close(ctx) }

func (f *filterOp) Schema() []exec.ColumnDesc { return f.child.Schema() }

func (s *session) run(tr *txn.Transaction, op exec.Operator) error {
	ctx := s.ctx(tr)
	if err := op.Open(ctx); err != nil {
		return err
	}
	defer op.Close(ctx)
	for {
		tup, err := op.Next(ctx)
		if err != nil {
			return err
		}
		if tup == nil {
			return nil
		}
	}
}

// parseWhere parses [WHERE col op val [AND ...]] against one table.
func (s *session) parseWhere(table string, toks []string) ([]exec.Predicate, error) {
	return s.parseWhereMulti([]string{table}, toks)
}

func (s *session) parseWhereMulti(tables []string, toks []string) ([]exec.Predicate, error) {
	if len(toks) == 0 {
		return nil, nil
	}
	if !strings.EqualFold(toks[0], "WHERE") {
		return nil, errors.Errorf("expected WHERE, got %q", toks[0])
	}
	toks = toks[1:]
	var preds []exec.Predicate
	for len(toks) >= 3 {
		left := columnRef(toks[0])
		op, err := compareOp(toks[1])
		if err != nil {
			return nil, err
		}
		p := exec.Predicate{Left: left, Op: op}
		rhs := toks[2]
		if isIdent(rhs) {
			ref := columnRef(rhs)
			p.RightCol = &ref
		} else {
			col, err := s.columnOf(tables, left)
			if err != nil {
				return nil, err
			}
			v, err := catalog.ParseValue(rhs, col)
			if err != nil {
				return nil, err
			}
			p.Value = v
		}
		preds = append(preds, p)
		toks = toks[3:]
		if len(toks) > 0 && strings.EqualFold(toks[0], "AND") {
			toks = toks[1:]
		}
	}
	return preds, nil
}

func (s *session) columnOf(tables []string, ref exec.ColumnRef) (catalog.Column, error) {
	for _, tb := range tables {
		if ref.Table != "" && ref.Table != tb {
			continue
		}
		t, err := s.db.Catalog().Table(tb)
		if err != nil {
			return catalog.Column{}, err
		}
		if c, ok := t.Column(ref.Column); ok {
			return c, nil
		}
	}
	return catalog.Column{}, errors.Wrapf(catalog.ErrNotFound, "column %q", ref.Column)
}

// aggSpec recognizes SUM ( a ), COUNT ( * ), etc.
func aggSpec(toks []string) (exec.AggKind, exec.ColumnRef, bool, bool) {
	if len(toks) < 4 || toks[1] != "(" || toks[3] != ")" {
		return 0, exec.ColumnRef{}, false, false
	}
	var kind exec.AggKind
	switch strings.ToUpper(toks[0]) {
	case "COUNT":
		kind = exec.AggCount
	case "SUM":
		kind = exec.AggSum
	case "MAX":
		kind = exec.AggMax
	case "MIN":
		kind = exec.AggMin
	default:
		return 0, exec.ColumnRef{}, false, false
	}
	if toks[2] == "*" {
		return kind, exec.ColumnRef{}, true, true
	}
	return kind, columnRef(toks[2]), false, true
}

func columnRef(tok string) exec.ColumnRef {
	if i := strings.IndexByte(tok, '.'); i > 0 {
		return exec.ColumnRef{Table: tok[:i], Column: tok[i+1:]}
	}
	return exec.ColumnRef{Column: tok}
}

func compareOp(tok string) (exec.CompareOp, error) {
	switch tok {
	case "=", "==":
		return exec.OpEq, nil
	case "<>", "!=":
		return exec.OpNe, nil
	case "<":
		return exec.OpLt, nil
	case "<=":
		return exec.OpLe, nil
	case ">":
		return exec.OpGt, nil
	case ">=":
		return exec.OpGe, nil
	default:
		return 0, errors.Errorf("unknown operator %q", tok)
	}
}

func isKeyword(tok string) bool {
	switch strings.ToUpper(tok) {
	case "WHERE", "ORDER", "LIMIT", "GROUP":
		return true
	}
	return false
}

func isClauseStart(tok string) bool {
	switch strings.ToUpper(tok) {
	case "ORDER", "LIMIT":
		return true
	}
	return false
}

// isIdent reports whether a WHERE right-hand token names a column
// rather than a literal.
func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	c := tok[0]
	if c == '\'' || (c >= '0' && c <= '9') || c == '-' || c == '+' {
		return false
	}
	return true
}

// identList strips parens and commas from a token run, returning the
// bare identifiers/literals.
func identList(toks []string) []string {
	var out []string
	for _, tok := range toks {
		switch tok {
		case "(", ")", ",":
		default:
			out = append(out, tok)
		}
	}
	return out
}

// tokenize splits a statement on whitespace and punctuation, keeping
// quoted strings intact (quotes included, stripped later by
// ParseValue).
func tokenize(stmt string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	i := 0
	for i < len(stmt) {
		c := stmt[i]
		switch {
		case inQuote:
			cur.WriteByte(c)
			if c == '\'' {
				inQuote = false
				flush()
			}
			i++
		case c == '\'':
			flush()
			cur.WriteByte(c)
			inQuote = true
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == ';':
			flush()
			i++
		case c == '(' || c == ')' || c == ',':
			flush()
			toks = append(toks, string(c))
			i++
		case c == '<' || c == '>' || c == '!' || c == '=':
			flush()
			if i+1 < len(stmt) && (stmt[i+1] == '=' || stmt[i+1] == '>') {
				toks = append(toks, stmt[i:i+2])
				i += 2
			} else {
				toks = append(toks, string(c))
				i++
			}
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return toks
}
