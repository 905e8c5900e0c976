package remote

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
)

func TestEncodeIn(t *testing.T) {
	q, err := encodeQuery(query.Select("nodes",
		query.In{Field: "status", Values: []any{"active", "needs, review", `say "hi"`, json.Number("3"), true}},
	))
	require.NoError(t, err)
	assert.Equal(t, `in.(active,"needs, review","say \"hi\"",3,true)`, q.Get("status"))
}

func TestEncodeNestedAndFlattens(t *testing.T) {
	q, err := encodeQuery(query.Select("nodes", query.And{Predicates: []query.Predicate{
		query.Cmp{Field: "created_at", Op: query.OpGt, Value: "2025-01-01"},
		query.And{Predicates: []query.Predicate{
			query.Cmp{Field: "created_at", Op: query.OpLte, Value: "2025-02-01"},
		}},
	}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"gt.2025-01-01", "lte.2025-02-01"}, q["created_at"])
	assert.Empty(t, q.Get("limit"))
	assert.Empty(t, q.Get("order"))
}

func TestEncodeRejectsUnsupportedValues(t *testing.T) {
	_, err := encodeQuery(query.Select("nodes", query.Eq{Field: "tags", Value: []any{"a"}}))
	assert.Error(t, err)

	_, err = keyFilter(record.Row{"id": nil})
	assert.Error(t, err)
}
