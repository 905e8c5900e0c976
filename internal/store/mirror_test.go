package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
)

func TestMirrorPutGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	row := record.Row{"id": "n1", "name": "Alpha", "capacity": json.Number("48")}
	require.NoError(t, s.Put(ctx, "nodes", []record.Row{row}, testNow))

	got, ok, err := s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, row, got)

	require.NoError(t, s.Put(ctx, "nodes", []record.Row{{"id": "n1", "name": "Beta"}}, testNow))
	got, _, err = s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	assert.Equal(t, record.Row{"id": "n1", "name": "Beta"}, got, "put replaces the whole row")

	require.NoError(t, s.Delete(ctx, "nodes", "n1"))
	_, ok, err = s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "nodes", "missing"))
}

func TestMirrorCompositeKey(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	rows := []record.Row{
		{"system_id": "s1", "ring_id": "r1", "order_in_ring": json.Number("1")},
		{"system_id": "s1", "ring_id": "r2", "order_in_ring": json.Number("2")},
	}
	require.NoError(t, s.Put(ctx, "ring_based_systems", rows, testNow))

	got, ok, err := s.Get(ctx, "ring_based_systems", "s1+r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.Number("2"), got["order_in_ring"])

	keys, err := s.Keys(ctx, "ring_based_systems")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1+r1", "s1+r2"}, keys)
}

func TestMirrorRejectsRowWithoutKey(t *testing.T) {
	s := createTestStore(t)

	err := s.Put(t.Context(), "nodes", []record.Row{{"id": "n1"}, {"name": "no id"}}, testNow)
	require.ErrorIs(t, err, record.ErrMissingKey)

	n, err := s.Count(t.Context(), "nodes")
	require.NoError(t, err)
	assert.Zero(t, n, "a failed put leaves no partial rows")
}

func TestMirrorUnknownEntity(t *testing.T) {
	s := createTestStore(t)

	_, _, err := s.Get(t.Context(), "not_registered", "x")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	err = s.Put(t.Context(), "not_registered", []record.Row{{"id": "x"}}, testNow)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestMirrorQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "nodes", []record.Row{
		{"id": "n3", "name": "Gamma", "status": true, "capacity": json.Number("12")},
		{"id": "n1", "name": "Alpha", "status": true, "capacity": json.Number("96")},
		{"id": "n2", "name": "Beta", "status": false, "capacity": json.Number("48")},
	}, testNow))

	rows, err := s.Query(ctx, query.Select("nodes"))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, rowIDs(rows), "default order is by key")

	rows, err = s.Query(ctx, query.Select("nodes", query.Eq{Field: "status", Value: true}))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n3"}, rowIDs(rows))

	rows, err = s.Query(ctx, query.Descriptor{
		Entity:  "nodes",
		Filter:  query.Cmp{Field: "capacity", Op: query.OpGte, Value: 20},
		OrderBy: []query.Order{{Field: "capacity", Desc: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, rowIDs(rows))

	rows, err = s.Query(ctx, query.Descriptor{Entity: "nodes", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, rowIDs(rows))

	rows, err = s.Query(ctx, query.Select("nodes", query.Eq{Field: "name", Value: "Nobody"}))
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestBulkReplace(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "rings", []record.Row{{"id": "old1"}, {"id": "old2"}}, testNow))
	require.NoError(t, s.BulkReplace(ctx, "rings", []record.Row{{"id": "new1"}}, testNow))

	keys, err := s.Keys(ctx, "rings")
	require.NoError(t, err)
	assert.Equal(t, []string{"new1"}, keys)

	// A failing replace keeps the previous contents.
	err = s.BulkReplace(ctx, "rings", []record.Row{{"id": "x"}, {"bad": true}}, testNow)
	require.Error(t, err)
	keys, err = s.Keys(ctx, "rings")
	require.NoError(t, err)
	assert.Equal(t, []string{"new1"}, keys)
}

func TestBulkReplaceIsAtomicForReaders(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	setA := make([]record.Row, 200)
	setB := make([]record.Row, 150)
	for i := range setA {
		setA[i] = record.Row{"id": fmt.Sprintf("a%03d", i), "set": "A"}
	}
	for i := range setB {
		setB[i] = record.Row{"id": fmt.Sprintf("b%03d", i), "set": "B"}
	}
	require.NoError(t, s.BulkReplace(ctx, "rings", setA, testNow))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var mixed bool
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rows, err := s.Query(ctx, query.Select("rings"))
			if err != nil {
				continue
			}
			seen := map[any]bool{}
			for _, r := range rows {
				seen[r["set"]] = true
			}
			if len(seen) > 1 || (len(rows) != len(setA) && len(rows) != len(setB)) {
				mu.Lock()
				mixed = true
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			require.NoError(t, s.BulkReplace(ctx, "rings", setB, testNow))
		} else {
			require.NoError(t, s.BulkReplace(ctx, "rings", setA, testNow))
		}
	}
	close(stop)
	wg.Wait()

	assert.False(t, mixed, "a reader observed a partially replaced table")
}

func TestMaxValue(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, ok, err := s.MaxValue(ctx, "file_movements", "created_at")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "file_movements", []record.Row{
		{"id": "m1", "created_at": "2025-01-01T10:00:00Z"},
		{"id": "m2", "created_at": "2025-02-01T10:00:00Z"},
	}, testNow))

	v, ok, err := s.MaxValue(ctx, "file_movements", "created_at")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-02-01T10:00:00Z", v)

	_, _, err = s.MaxValue(ctx, "file_movements", "bad field")
	assert.Error(t, err)
}

func TestEnsureMirrorEvolution(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "nodes", []record.Row{{"id": "n1", "name": "A"}}, testNow))
	require.NoError(t, s.Put(ctx, "rings", []record.Row{{"id": "r1"}}, testNow))

	// New registry: nodes gains an index, rings changes its key, a new
	// entity appears, and everything else disappears.
	next, err := registry.Parse("next.cue", []byte(`
entity: nodes: {indexes: ["name", "region"]}
entity: rings: {key: ["ring_code"]}
entity: sites: {}
`))
	require.NoError(t, err)
	require.NoError(t, s.EnsureMirror(ctx, next.Entities(), testNow))

	_, ok, err := s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	assert.True(t, ok, "unchanged table keeps its rows")
	assert.True(t, indexExists(t, s, `mirror_nodes__region`))
	assert.False(t, indexExists(t, s, `mirror_nodes__status`), "dropped index is removed")

	n, err := s.Count(ctx, "rings")
	require.NoError(t, err)
	assert.Zero(t, n, "key shape change rebuilds the table")

	n, err = s.Count(ctx, "sites")
	require.NoError(t, err)
	assert.Zero(t, n)

	var employees int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'mirror_employees'`).Scan(&employees))
	assert.Equal(t, 1, employees, "tables of removed entities are kept")

	_, _, err = s.Get(ctx, "employees", "e1")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestEnsureMirrorIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "nodes", []record.Row{{"id": "n1"}}, testNow))
	require.NoError(t, s.EnsureMirror(ctx, registry.MustDefault().Entities(), testNow))

	n, err := s.Count(ctx, "nodes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func indexExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n))
	return n == 1
}

func rowIDs(rows []record.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r.String("id")
	}
	return out
}
