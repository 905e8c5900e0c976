package querysql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/registry"
)

// TablePrefix namespaces mirror tables away from the engine's own tables.
const TablePrefix = "mirror_"

// TableName returns the quoted mirror table for entity.
func TableName(entity string) string {
	return `"` + TablePrefix + entity + `"`
}

// FieldExpr returns the SQL expression reading field from a mirror row.
// field must already be a valid identifier.
func FieldExpr(field string) string {
	return "json_extract(data, '$." + field + "')"
}

// Compile converts an entity descriptor to parameterized SQL over its
// mirror table, selecting (key, data).
//
// Every query ends with an ORDER BY whose last term is key COLLATE BINARY
// ASC, so results are deterministic. Values are always bound, never
// interpolated. Field names are checked against the identifier alphabet
// before being spliced into JSON paths.
func Compile(d query.Descriptor) (string, []any, error) {
	if d.IsProcedure() {
		return "", nil, fmt.Errorf("cannot compile procedure %q against the mirror", d.Procedure)
	}
	if err := query.Validate(d); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var params []any

	sb.WriteString("SELECT key, data FROM ")
	sb.WriteString(TableName(d.Entity))

	if d.Filter != nil {
		where, p, err := compilePredicate(d.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
		params = append(params, p...)
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy(d.OrderBy))

	switch {
	case d.Limit > 0:
		sb.WriteString(" LIMIT ?")
		params = append(params, d.Limit)
		if d.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			params = append(params, d.Offset)
		}
	case d.Offset > 0:
		// SQLite requires LIMIT before OFFSET; -1 is unbounded.
		sb.WriteString(" LIMIT -1 OFFSET ?")
		params = append(params, d.Offset)
	}

	return sb.String(), params, nil
}

func orderBy(orders []query.Order) string {
	parts := make([]string, 0, len(orders)+1)
	for _, o := range orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, FieldExpr(o.Field)+" "+dir)
	}
	parts = append(parts, "key COLLATE BINARY ASC")
	return strings.Join(parts, ", ")
}

func compilePredicate(p query.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case query.Eq:
		return compileEq(pred)
	case *query.Eq:
		return compileEq(*pred)
	case query.Cmp:
		return compileCmp(pred)
	case *query.Cmp:
		return compileCmp(*pred)
	case query.In:
		return compileIn(pred)
	case *query.In:
		return compileIn(*pred)
	case query.And:
		return compileAnd(pred)
	case *query.And:
		return compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEq(eq query.Eq) (string, []any, error) {
	if err := checkField(eq.Field); err != nil {
		return "", nil, err
	}
	if eq.Value == nil {
		return FieldExpr(eq.Field) + " IS NULL", nil, nil
	}
	param, err := toParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %s: %w", eq.Field, err)
	}
	return FieldExpr(eq.Field) + " = ?", []any{param}, nil
}

var cmpOps = map[query.Op]string{
	query.OpGt:  ">",
	query.OpGte: ">=",
	query.OpLt:  "<",
	query.OpLte: "<=",
}

func compileCmp(c query.Cmp) (string, []any, error) {
	if err := checkField(c.Field); err != nil {
		return "", nil, err
	}
	op, ok := cmpOps[c.Op]
	if !ok {
		return "", nil, fmt.Errorf("unknown operator %q", c.Op)
	}
	param, err := toParam(c.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %s: %w", c.Field, err)
	}
	return FieldExpr(c.Field) + " " + op + " ?", []any{param}, nil
}

func compileIn(in query.In) (string, []any, error) {
	if err := checkField(in.Field); err != nil {
		return "", nil, err
	}
	var params []any
	for _, v := range in.Values {
		if v == nil {
			continue
		}
		param, err := toParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("field %s: %w", in.Field, err)
		}
		params = append(params, param)
	}
	if len(params) == 0 {
		return "1 = 0", nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
	return FieldExpr(in.Field) + " IN (" + placeholders + ")", params, nil
}

func compileAnd(and query.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, p, err := compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, p...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func checkField(f string) error {
	if !registry.ValidIdentifier(f) {
		return fmt.Errorf("invalid field %q", f)
	}
	return nil
}

// toParam converts a descriptor value to what json_extract yields for the
// same JSON: integers and reals for numbers, 1/0 for booleans.
func toParam(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
