package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/queryir"
)

// DocumentColumns is the column list every compiled query selects, in scan
// order.
const DocumentColumns = "d.key, d.collection, d.body, d.metadata, d.version"

// SQLCompiler compiles QueryIR to parameterized SQL for the SQLite document
// store.
//
// Predicates never touch the JSON body directly. Each Equals is answered by
// the query_index table, which only reflects documents the indexer has caught
// up on. That is what makes queries eventually consistent.
//
// All queries include ORDER BY for deterministic results, and all values are
// parameterized, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a QueryIR query to parameterized SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if err := queryir.Validate(q).Err(); err != nil {
		return "", nil, err
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var sb strings.Builder
	params := []any{q.From}

	sb.WriteString("SELECT ")
	sb.WriteString(DocumentColumns)
	sb.WriteString(" FROM documents d WHERE d.collection = ?")

	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.From, q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" AND ")
		sb.WriteString(filterSQL)
		params = append(params, filterParams...)
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(stableOrderKey())

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}

	return sb.String(), params, nil
}

// stableOrderKey returns the ORDER BY clause body.
// COLLATE BINARY keeps text ordering identical across SQLite builds.
func stableOrderKey() string {
	return "d.key ASC COLLATE BINARY"
}

func (c *SQLCompiler) compilePredicate(collection string, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(collection, pred)
	case *queryir.Equals:
		return c.compileEquals(collection, *pred)
	case queryir.And:
		return c.compileAnd(collection, pred)
	case *queryir.And:
		return c.compileAnd(collection, *pred)
	case nil:
		return "1 = 1", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals matches documents through the field index. value_type takes
// part in the match so that the integer 1 never equals the string "1".
func (c *SQLCompiler) compileEquals(collection string, eq queryir.Equals) (string, []any, error) {
	param, err := IRValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", eq.Field, err)
	}

	sql := "d.key IN (SELECT qi.key FROM query_index qi" +
		" WHERE qi.collection = ? AND qi.field = ? AND qi.value_type = ? AND qi.value = ?)"
	return sql, []any{collection, eq.Field, ir.Kind(eq.Value), param}, nil
}

func (c *SQLCompiler) compileAnd(collection string, and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	parts := make([]string, 0, len(and.Predicates))
	var allParams []any
	for _, pred := range and.Predicates {
		sql, params, err := c.compilePredicate(collection, pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		allParams = append(allParams, params...)
	}

	return "(" + strings.Join(parts, " AND ") + ")", allParams, nil
}

// ShapeProbe returns a query listing the value kinds indexed for one field
// of a collection. The store compares them with a predicate literal's kind
// to detect shape mismatches.
func ShapeProbe(collection, field string) (string, []any) {
	return "SELECT DISTINCT value_type FROM query_index WHERE collection = ? AND field = ? ORDER BY value_type",
		[]any{collection, field}
}

// IRValueToParam converts a scalar ir.IRValue to the SQL parameter stored in
// query_index.value. Booleans are stored as 1/0, matching json_each's atom.
func IRValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("%s cannot be used as a query literal", ir.Kind(v))
	}
}
