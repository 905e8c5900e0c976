package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/fibersync/internal/record"
)

// Matches evaluates the descriptor's filter against row in memory.
func (d Descriptor) Matches(row record.Row) bool {
	if d.Filter == nil {
		return true
	}
	return matches(d.Filter, row)
}

func matches(p Predicate, row record.Row) bool {
	switch pred := p.(type) {
	case Eq:
		v, ok := row[pred.Field]
		if pred.Value == nil {
			return !ok || v == nil
		}
		return ok && v != nil && compare(v, pred.Value) == 0
	case *Eq:
		return matches(*pred, row)
	case Cmp:
		v, ok := row[pred.Field]
		if !ok || v == nil {
			return false
		}
		c := compare(v, pred.Value)
		switch pred.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		}
		return false
	case *Cmp:
		return matches(*pred, row)
	case In:
		v, ok := row[pred.Field]
		if !ok || v == nil {
			return false
		}
		for _, candidate := range pred.Values {
			if candidate != nil && compare(v, candidate) == 0 {
				return true
			}
		}
		return false
	case *In:
		return matches(*pred, row)
	case And:
		for _, sub := range pred.Predicates {
			if !matches(sub, row) {
				return false
			}
		}
		return true
	case *And:
		return matches(*pred, row)
	default:
		return false
	}
}

// Apply filters, orders and pages rows in memory the same way the SQL
// compiler does against the mirror. keyOf supplies the tiebreaker.
func (d Descriptor) Apply(rows []record.Row, keyOf func(record.Row) string) []record.Row {
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		if d.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range d.OrderBy {
			c := compareNullable(out[i][o.Field], out[j][o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return keyOf(out[i]) < keyOf(out[j])
	})
	if d.Offset > 0 {
		if d.Offset >= len(out) {
			return []record.Row{}
		}
		out = out[d.Offset:]
	}
	if d.Limit > 0 && d.Limit < len(out) {
		out = out[:d.Limit]
	}
	return out
}

// compareNullable orders nulls first, as SQLite does.
func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return compare(a, b)
}

// compare orders two scalars. Numbers compare numerically, everything else
// by its string form.
func compare(a, b any) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	sa, sb := toString(a), toString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(v)
	}
}
