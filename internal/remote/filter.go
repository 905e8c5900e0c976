package remote

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
)

// encodeQuery renders a select descriptor as PostgREST query parameters.
func encodeQuery(d query.Descriptor) (url.Values, error) {
	q := url.Values{}
	q.Set("select", "*")
	if d.Filter != nil {
		if err := encodePredicate(q, d.Filter); err != nil {
			return nil, err
		}
	}
	if len(d.OrderBy) > 0 {
		terms := make([]string, len(d.OrderBy))
		for i, o := range d.OrderBy {
			// Nulls sort low, matching the mirror.
			if o.Desc {
				terms[i] = o.Field + ".desc.nullslast"
			} else {
				terms[i] = o.Field + ".asc.nullsfirst"
			}
		}
		q.Set("order", strings.Join(terms, ","))
	}
	if d.Limit > 0 {
		q.Set("limit", strconv.Itoa(d.Limit))
	}
	if d.Offset > 0 {
		q.Set("offset", strconv.Itoa(d.Offset))
	}
	return q, nil
}

// keyFilter renders key fields as eq filters.
func keyFilter(key record.Row) (url.Values, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	q := url.Values{}
	for field, v := range key {
		if v == nil {
			return nil, fmt.Errorf("key field %q is null", field)
		}
		s, err := literal(v)
		if err != nil {
			return nil, fmt.Errorf("key field %q: %w", field, err)
		}
		q.Add(field, "eq."+s)
	}
	return q, nil
}

// Conjunctions flatten into repeated parameters, which PostgREST ANDs.
func encodePredicate(q url.Values, p query.Predicate) error {
	switch pred := p.(type) {
	case query.Eq:
		if pred.Value == nil {
			q.Add(pred.Field, "is.null")
			return nil
		}
		s, err := literal(pred.Value)
		if err != nil {
			return fmt.Errorf("field %q: %w", pred.Field, err)
		}
		q.Add(pred.Field, "eq."+s)
	case query.Cmp:
		s, err := literal(pred.Value)
		if err != nil {
			return fmt.Errorf("field %q: %w", pred.Field, err)
		}
		q.Add(pred.Field, string(pred.Op)+"."+s)
	case query.In:
		items := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			s, err := literal(v)
			if err != nil {
				return fmt.Errorf("field %q: %w", pred.Field, err)
			}
			items[i] = quoteListItem(s)
		}
		q.Add(pred.Field, "in.("+strings.Join(items, ",")+")")
	case query.And:
		for _, sub := range pred.Predicates {
			if err := encodePredicate(q, sub); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported predicate %T", p)
	}
	return nil
}

func literal(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported filter value %T", v)
	}
}

func quoteListItem(s string) string {
	if !strings.ContainsAny(s, `,()" \`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
