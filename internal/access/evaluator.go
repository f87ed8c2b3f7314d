package access

import (
	"context"
	"fmt"

	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/sqlref"
)

// Decision is the outcome of evaluating a reference set for a user.
// When not allowed, Table/Column name the first reference that failed
// and Reason explains why, without mentioning data the user cannot see.
type Decision struct {
	Allowed bool
	Table   string
	Column  string
	Reason  string
}

// Evaluator decides whether a user may read every table/column pair in a
// reference set. Access is denied unless a rule or role property allows
// it; a column-specific rule always wins over a table-wide rule, and
// deny wins over allow at equal specificity.
type Evaluator struct {
	perms   PermissionStore
	catalog sqlref.SchemaCatalog
}

// NewEvaluator creates an evaluator over the given stores.
func NewEvaluator(perms PermissionStore, catalog sqlref.SchemaCatalog) *Evaluator {
	return &Evaluator{perms: perms, catalog: catalog}
}

// tableRules is a user's rules for one table, split by specificity.
type tableRules struct {
	tableWide *Effect
	byColumn  map[string]Effect
}

// Evaluate checks every referenced pair and returns the decision. The
// evaluation is all-or-nothing: one failing pair denies the whole query.
func (e *Evaluator) Evaluate(ctx context.Context, user *auth.User, ref *sqlref.Reference) (*Decision, error) {
	if user.Role == auth.RoleAdmin {
		return &Decision{Allowed: true}, nil
	}

	perms, err := e.perms.ForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions for %s: %w", user.Username, err)
	}

	rules := make(map[string]*tableRules)
	for _, p := range perms {
		tr, ok := rules[p.Table]
		if !ok {
			tr = &tableRules{byColumn: make(map[string]Effect)}
			rules[p.Table] = tr
		}
		if p.Column == TableWide {
			effect := p.Effect
			tr.tableWide = &effect
		} else {
			tr.byColumn[p.Column] = p.Effect
		}
	}

	publicCols := make(map[string]map[string]bool)

	for _, table := range ref.Tables {
		tr := rules[table]
		if tr == nil {
			tr = &tableRules{byColumn: make(map[string]Effect)}
		}

		cols := ref.ColumnsOf(table)
		if len(cols) == 0 {
			// Table referenced without reading columns: any covering
			// grant passes, a table-wide deny does not.
			if tr.tableWide != nil && *tr.tableWide == EffectDeny {
				return deny(table, TableWide, fmt.Sprintf("access to table %s is denied", table)), nil
			}
			if tr.tableWide != nil || anyAllow(tr.byColumn) {
				continue
			}
			if user.Role == auth.RoleViewer && e.hasPublicColumn(ctx, publicCols, table) {
				continue
			}
			return deny(table, TableWide, fmt.Sprintf("no grant covers table %s", table)), nil
		}

		for _, col := range cols {
			if col == sqlref.AllColumns {
				// An unexpandable wildcard stands for every column, so
				// only a clean table-wide grant can cover it.
				if hasDeny(tr) {
					return deny(table, col, fmt.Sprintf("access to table %s is denied", table)), nil
				}
				if tr.tableWide == nil {
					return deny(table, col, fmt.Sprintf("wildcard on %s requires a table-wide grant", table)), nil
				}
				continue
			}

			if effect, ok := tr.byColumn[col]; ok {
				if effect == EffectDeny {
					return deny(table, col, fmt.Sprintf("access to %s.%s is denied", table, col)), nil
				}
				continue
			}
			if tr.tableWide != nil {
				if *tr.tableWide == EffectDeny {
					return deny(table, col, fmt.Sprintf("access to %s.%s is denied", table, col)), nil
				}
				continue
			}
			if user.Role == auth.RoleViewer && e.isPublic(ctx, publicCols, table, col) {
				continue
			}
			return deny(table, col, fmt.Sprintf("no grant covers %s.%s", table, col)), nil
		}
	}

	return &Decision{Allowed: true}, nil
}

func deny(table, column, reason string) *Decision {
	return &Decision{Table: table, Column: column, Reason: reason}
}

func anyAllow(byColumn map[string]Effect) bool {
	for _, effect := range byColumn {
		if effect == EffectAllow {
			return true
		}
	}
	return false
}

func hasDeny(tr *tableRules) bool {
	if tr.tableWide != nil && *tr.tableWide == EffectDeny {
		return true
	}
	for _, effect := range tr.byColumn {
		if effect == EffectDeny {
			return true
		}
	}
	return false
}

// isPublic reports whether the catalog marks table.column public.
// Catalog misses are treated as not public.
func (e *Evaluator) isPublic(ctx context.Context, cache map[string]map[string]bool, table, col string) bool {
	return e.publicColumns(ctx, cache, table)[col]
}

func (e *Evaluator) hasPublicColumn(ctx context.Context, cache map[string]map[string]bool, table string) bool {
	return len(e.publicColumns(ctx, cache, table)) > 0
}

func (e *Evaluator) publicColumns(ctx context.Context, cache map[string]map[string]bool, table string) map[string]bool {
	if cached, ok := cache[table]; ok {
		return cached
	}
	public := make(map[string]bool)
	if cols, err := e.catalog.Columns(ctx, table); err == nil {
		for _, col := range cols {
			if col.Public {
				public[col.Name] = true
			}
		}
	}
	cache[table] = public
	return public
}
