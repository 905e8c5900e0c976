package query

import (
	"fmt"
	"strings"

	"github.com/roach88/fibersync/internal/record"
)

// Key kinds.
const (
	KindEntity    = "entity"
	KindProcedure = "rpc"
)

// Key returns the canonical identity of d: "<kind>/<name>/<digest>".
// Two descriptors have the same key iff they ask for the same rows.
func (d Descriptor) Key() (string, error) {
	body, err := d.canonicalForm()
	if err != nil {
		return "", err
	}
	digest, err := record.Hash(record.DomainQuery, body)
	if err != nil {
		return "", fmt.Errorf("query key: %w", err)
	}
	kind := KindEntity
	if d.IsProcedure() {
		kind = KindProcedure
	}
	return kind + "/" + d.Name() + "/" + digest[:16], nil
}

// MustKey is Key for descriptors known to be encodable.
func (d Descriptor) MustKey() string {
	k, err := d.Key()
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey splits a key produced by Key.
func ParseKey(key string) (kind, name string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[0] != KindEntity && parts[0] != KindProcedure {
		return "", "", false
	}
	if parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (d Descriptor) canonicalForm() (map[string]any, error) {
	out := map[string]any{
		"entity":    d.Entity,
		"procedure": d.Procedure,
		"limit":     d.Limit,
		"offset":    d.Offset,
	}
	if d.Args != nil {
		out["args"] = map[string]any(d.Args)
	}
	if d.Filter != nil {
		f, err := canonicalPredicate(d.Filter)
		if err != nil {
			return nil, err
		}
		out["filter"] = f
	}
	if len(d.OrderBy) > 0 {
		orders := make([]any, len(d.OrderBy))
		for i, o := range d.OrderBy {
			orders[i] = map[string]any{"field": o.Field, "desc": o.Desc}
		}
		out["order"] = orders
	}
	return out, nil
}

func canonicalPredicate(p Predicate) (any, error) {
	switch pred := p.(type) {
	case Eq:
		return map[string]any{"eq": []any{pred.Field, pred.Value}}, nil
	case *Eq:
		return canonicalPredicate(*pred)
	case Cmp:
		return map[string]any{string(pred.Op): []any{pred.Field, pred.Value}}, nil
	case *Cmp:
		return canonicalPredicate(*pred)
	case In:
		return map[string]any{"in": []any{pred.Field, pred.Values}}, nil
	case *In:
		return canonicalPredicate(*pred)
	case And:
		parts := make([]any, len(pred.Predicates))
		for i, sub := range pred.Predicates {
			c, err := canonicalPredicate(sub)
			if err != nil {
				return nil, err
			}
			parts[i] = c
		}
		return map[string]any{"and": parts}, nil
	case *And:
		return canonicalPredicate(*pred)
	default:
		return nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}
