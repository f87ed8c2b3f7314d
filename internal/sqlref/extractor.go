// Package sqlref extracts the set of tables and columns a SQL statement
// reads. The extractor walks the full parse tree produced by
// xwb1989/sqlparser rather than inspecting the query text, so joins, nested
// subqueries and aliases are resolved structurally.
//
// The extractor fails closed: any construct it cannot attribute to a table
// is a parse error, never a partial reference set. Under-reporting a
// referenced column would let an unauthorized read through.
package sqlref

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/securequery-labs/securequery/internal/errors"
)

// AllColumns is the sentinel recorded when a wildcard cannot be expanded
// against the catalog. It means "every column of the table": an unresolved
// wildcard is treated as all columns, never as none.
const AllColumns = "*"

// ColumnInfo describes one column as known to the schema catalog.
type ColumnInfo struct {
	Name      string
	Type      string
	Public    bool
	Encrypted bool
}

// SchemaCatalog resolves table names to their column sets.
// Implemented by the storage layer; the extractor only reads from it.
type SchemaCatalog interface {
	// Columns returns the columns of the named table, or ErrTableNotFound.
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
}

// Reference is the resolved reference set of one statement: every table the
// statement touches and, per table, every column it reads.
type Reference struct {
	// Tables in first-reference order.
	Tables []string

	// Columns maps each table to its referenced column names, sorted.
	// A single AllColumns entry means the whole table.
	Columns map[string][]string
}

func newReference() *Reference {
	return &Reference{Columns: make(map[string][]string)}
}

func (r *Reference) addTable(table string) {
	if _, ok := r.Columns[table]; ok {
		return
	}
	r.Columns[table] = nil
	r.Tables = append(r.Tables, table)
}

func (r *Reference) addColumn(table, column string) {
	r.addTable(table)
	for _, c := range r.Columns[table] {
		if c == column {
			return
		}
	}
	r.Columns[table] = append(r.Columns[table], column)
	sort.Strings(r.Columns[table])
}

// ColumnsOf returns the referenced columns of a table.
func (r *Reference) ColumnsOf(table string) []string {
	return r.Columns[table]
}

// Extractor turns raw SQL into a Reference using the schema catalog for
// wildcard expansion and unqualified-column attribution.
type Extractor struct {
	catalog SchemaCatalog
}

// NewExtractor creates a new Extractor backed by the given catalog.
func NewExtractor(catalog SchemaCatalog) *Extractor {
	return &Extractor{catalog: catalog}
}

// Extract parses the statement and returns its reference set.
// Only single SELECT statements (including UNION) are accepted.
func (e *Extractor) Extract(ctx context.Context, query string) (*Reference, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.NewParseError(query, "empty statement", "provide a SELECT statement")
	}

	pieces, err := sqlparser.SplitStatementToPieces(trimmed)
	if err != nil {
		return nil, errors.NewParseError(query, err.Error(), "check the statement syntax")
	}
	if len(pieces) != 1 {
		return nil, errors.NewParseError(query,
			"multiple statements in one request",
			"submit exactly one SELECT statement")
	}

	stmt, err := sqlparser.Parse(trimmed)
	if err != nil {
		return nil, errors.NewParseError(query, err.Error(), "check the statement syntax")
	}

	ref := newReference()
	switch s := stmt.(type) {
	case sqlparser.SelectStatement:
		if err := e.collectSelectStatement(ctx, s, nil, ref); err != nil {
			return nil, err
		}
	case *sqlparser.Insert:
		return nil, errors.NewUnsupportedStatement(query, "INSERT")
	case *sqlparser.Update:
		return nil, errors.NewUnsupportedStatement(query, "UPDATE")
	case *sqlparser.Delete:
		return nil, errors.NewUnsupportedStatement(query, "DELETE")
	default:
		return nil, errors.NewUnsupportedStatement(query, strings.ToUpper(strings.Fields(trimmed)[0]))
	}

	return ref, nil
}

// scope tracks the tables visible at one nesting level of the statement.
// Derived tables (subqueries in FROM) are recorded so that columns selected
// from them are not misattributed; their inner references are collected when
// the subquery itself is walked.
type scope struct {
	parent *scope
	tables []scopeTable
}

type scopeTable struct {
	alias   string
	table   string
	derived bool
}

func (s *scope) lookup(alias string) (scopeTable, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		for _, t := range sc.tables {
			if t.alias == alias {
				return t, true
			}
		}
	}
	return scopeTable{}, false
}

func (s *scope) baseTables() []scopeTable {
	var out []scopeTable
	for _, t := range s.tables {
		if !t.derived {
			out = append(out, t)
		}
	}
	return out
}

func (s *scope) hasDerived() bool {
	for sc := s; sc != nil; sc = sc.parent {
		for _, t := range sc.tables {
			if t.derived {
				return true
			}
		}
	}
	return false
}

func (s *scope) allBaseTables() []scopeTable {
	var out []scopeTable
	for sc := s; sc != nil; sc = sc.parent {
		for _, t := range sc.tables {
			if !t.derived {
				out = append(out, t)
			}
		}
	}
	return out
}

func (e *Extractor) collectSelectStatement(ctx context.Context, stmt sqlparser.SelectStatement, parent *scope, ref *Reference) error {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return e.collectSelect(ctx, s, parent, ref)
	case *sqlparser.Union:
		if err := e.collectSelectStatement(ctx, s.Left, parent, ref); err != nil {
			return err
		}
		return e.collectSelectStatement(ctx, s.Right, parent, ref)
	case *sqlparser.ParenSelect:
		return e.collectSelectStatement(ctx, s.Select, parent, ref)
	default:
		return errors.NewParseError(sqlparser.String(stmt),
			fmt.Sprintf("unsupported select form %T", stmt),
			"simplify the statement")
	}
}

func (e *Extractor) collectSelect(ctx context.Context, sel *sqlparser.Select, parent *scope, ref *Reference) error {
	sc := &scope{parent: parent}

	for _, te := range sel.From {
		if err := e.addTableExpr(ctx, te, sc, ref); err != nil {
			return err
		}
	}

	for _, se := range sel.SelectExprs {
		switch expr := se.(type) {
		case *sqlparser.StarExpr:
			if err := e.expandStar(ctx, expr, sc, ref); err != nil {
				return err
			}
		case *sqlparser.AliasedExpr:
			if err := e.collectExpr(ctx, expr.Expr, sc, ref); err != nil {
				return err
			}
		}
	}

	if sel.Where != nil {
		if err := e.collectExpr(ctx, sel.Where.Expr, sc, ref); err != nil {
			return err
		}
	}
	for _, g := range sel.GroupBy {
		if err := e.collectExpr(ctx, g, sc, ref); err != nil {
			return err
		}
	}
	if sel.Having != nil {
		if err := e.collectExpr(ctx, sel.Having.Expr, sc, ref); err != nil {
			return err
		}
	}
	for _, o := range sel.OrderBy {
		if err := e.collectExpr(ctx, o.Expr, sc, ref); err != nil {
			return err
		}
	}

	return nil
}

// addTableExpr registers a FROM-clause element in the scope. Join conditions
// are collected after both sides are in scope.
func (e *Extractor) addTableExpr(ctx context.Context, te sqlparser.TableExpr, sc *scope, ref *Reference) error {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		switch expr := t.Expr.(type) {
		case sqlparser.TableName:
			name := tableName(expr)
			alias := strings.ToLower(t.As.String())
			if alias == "" {
				alias = name
			}
			sc.tables = append(sc.tables, scopeTable{alias: alias, table: name})
			ref.addTable(name)
		case *sqlparser.Subquery:
			alias := strings.ToLower(t.As.String())
			sc.tables = append(sc.tables, scopeTable{alias: alias, derived: true})
			if err := e.collectSelectStatement(ctx, expr.Select, sc, ref); err != nil {
				return err
			}
		default:
			return errors.NewParseError(sqlparser.String(te),
				fmt.Sprintf("unsupported table expression %T", expr),
				"simplify the FROM clause")
		}
	case *sqlparser.JoinTableExpr:
		if err := e.addTableExpr(ctx, t.LeftExpr, sc, ref); err != nil {
			return err
		}
		if err := e.addTableExpr(ctx, t.RightExpr, sc, ref); err != nil {
			return err
		}
		if t.Condition.On != nil {
			if err := e.collectExpr(ctx, t.Condition.On, sc, ref); err != nil {
				return err
			}
		}
		for _, c := range t.Condition.Using {
			if err := e.resolveColumn(ctx, "", c.Lowered(), sc, ref); err != nil {
				return err
			}
		}
	case *sqlparser.ParenTableExpr:
		for _, inner := range t.Exprs {
			if err := e.addTableExpr(ctx, inner, sc, ref); err != nil {
				return err
			}
		}
	default:
		return errors.NewParseError(sqlparser.String(te),
			fmt.Sprintf("unsupported FROM element %T", te),
			"simplify the FROM clause")
	}
	return nil
}

// expandStar resolves a wildcard projection to concrete columns.
func (e *Extractor) expandStar(ctx context.Context, star *sqlparser.StarExpr, sc *scope, ref *Reference) error {
	qualifier := strings.ToLower(star.TableName.Name.String())
	if qualifier != "" {
		t, ok := sc.lookup(qualifier)
		if !ok {
			return errors.NewParseError(sqlparser.String(star),
				fmt.Sprintf("wildcard qualifier %q does not match any table in scope", qualifier),
				"check table aliases")
		}
		if t.derived {
			// The derived table's own references were collected when its
			// subquery was walked.
			return nil
		}
		return e.expandTableColumns(ctx, t.table, ref)
	}

	base := sc.baseTables()
	if len(base) == 0 && len(sc.tables) == 0 {
		return errors.NewParseError(sqlparser.String(star),
			"wildcard projection without a FROM clause",
			"name the columns explicitly")
	}
	for _, t := range base {
		if err := e.expandTableColumns(ctx, t.table, ref); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) expandTableColumns(ctx context.Context, table string, ref *Reference) error {
	cols, err := e.catalog.Columns(ctx, table)
	if err != nil {
		var notFound *errors.ErrTableNotFound
		if goerrors.As(err, &notFound) {
			// Unknown to the catalog: the wildcard still means every
			// column, so record the sentinel rather than nothing.
			ref.addColumn(table, AllColumns)
			return nil
		}
		return errors.NewParseError(table,
			fmt.Sprintf("catalog lookup failed: %v", err),
			"verify the schema catalog is reachable")
	}
	if len(cols) == 0 {
		ref.addColumn(table, AllColumns)
		return nil
	}
	for _, c := range cols {
		ref.addColumn(table, c.Name)
	}
	return nil
}

// collectExpr walks an expression tree and records every column reference.
// Subqueries get their own nested scope.
func (e *Extractor) collectExpr(ctx context.Context, expr sqlparser.Expr, sc *scope, ref *Reference) error {
	var walkErr error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			qualifier := strings.ToLower(n.Qualifier.Name.String())
			if err := e.resolveColumn(ctx, qualifier, n.Name.Lowered(), sc, ref); err != nil {
				walkErr = err
				return false, err
			}
		case *sqlparser.Subquery:
			if err := e.collectSelectStatement(ctx, n.Select, sc, ref); err != nil {
				walkErr = err
				return false, err
			}
			return false, nil
		}
		return true, nil
	}, expr)
	return walkErr
}

// resolveColumn attributes one column reference to its table(s).
func (e *Extractor) resolveColumn(ctx context.Context, qualifier, column string, sc *scope, ref *Reference) error {
	if qualifier != "" {
		t, ok := sc.lookup(qualifier)
		if !ok {
			return errors.NewParseError(fmt.Sprintf("%s.%s", qualifier, column),
				fmt.Sprintf("qualifier %q does not match any table in scope", qualifier),
				"check table aliases")
		}
		if t.derived {
			return nil
		}
		ref.addColumn(t.table, column)
		return nil
	}

	// Unqualified: a single base table in the current scope is unambiguous.
	base := sc.baseTables()
	if len(base) == 1 && len(sc.tables) == 1 {
		ref.addColumn(base[0].table, column)
		return nil
	}

	// Several candidates: ask the catalog which tables own the column and
	// attribute the reference to every owner. Over-reporting is safe;
	// under-reporting would hide a denied column.
	owners := 0
	for _, t := range sc.allBaseTables() {
		cols, err := e.catalog.Columns(ctx, t.table)
		if err != nil {
			continue
		}
		for _, c := range cols {
			if c.Name == column {
				ref.addColumn(t.table, column)
				owners++
				break
			}
		}
	}
	if owners > 0 {
		return nil
	}
	if sc.hasDerived() {
		// Output column of a derived table; its sources were collected
		// when the subquery was walked.
		return nil
	}
	if len(base) > 0 {
		// Catalog does not know the tables: attribute to all of them
		// rather than to none.
		for _, t := range base {
			ref.addColumn(t.table, column)
		}
		return nil
	}
	return errors.NewParseError(column,
		fmt.Sprintf("cannot attribute column %q to any table in scope", column),
		"qualify the column with its table name")
}

func tableName(t sqlparser.TableName) string {
	name := strings.ToLower(t.Name.String())
	if q := strings.ToLower(t.Qualifier.String()); q != "" {
		return q + "." + name
	}
	return name
}
