package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/querysql"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
)

// EnsureMirror reconciles the mirror tables with entities in a single
// transaction:
//   - a new entity gets its table and indexes
//   - an unchanged entity is left alone apart from index additions/removals
//   - an entity whose key shape changed is dropped and recreated empty
//   - tables for entities no longer listed are kept
//
// On return the store serves mirror operations for exactly these entities.
func (s *Store) EnsureMirror(ctx context.Context, entities []*registry.Entity, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("ensure mirror", err)
	}
	defer tx.Rollback()

	existing, err := readMirrorTables(ctx, tx)
	if err != nil {
		return classify("ensure mirror", err)
	}

	for _, e := range entities {
		prev, ok := existing[e.Name]
		shape := e.KeyShape()

		switch {
		case !ok:
			if err := createMirrorTable(ctx, tx, e); err != nil {
				return classify("ensure mirror "+e.Name, err)
			}
			slog.Debug("mirror table created", "entity", e.Name)
		case prev.shape != shape:
			slog.Warn("mirror key shape changed, rebuilding table",
				"entity", e.Name,
				"key", e.Key,
			)
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+querysql.TableName(e.Name)); err != nil {
				return classify("ensure mirror "+e.Name, err)
			}
			if err := createMirrorTable(ctx, tx, e); err != nil {
				return classify("ensure mirror "+e.Name, err)
			}
		default:
			if err := reconcileIndexes(ctx, tx, e, prev.indexes); err != nil {
				return classify("ensure mirror "+e.Name, err)
			}
		}

		indexesJSON, err := json.Marshal(sortedCopy(e.Indexes))
		if err != nil {
			return fmt.Errorf("ensure mirror %s: %w", e.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirror_tables (entity, key_shape, indexes, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity) DO UPDATE SET key_shape = excluded.key_shape, indexes = excluded.indexes
		`, e.Name, shape, string(indexesJSON), millis(now)); err != nil {
			return classify("ensure mirror "+e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("ensure mirror", err)
	}

	bound := make(map[string]*registry.Entity, len(entities))
	for _, e := range entities {
		bound[e.Name] = e
	}
	s.mu.Lock()
	s.entities = bound
	s.mu.Unlock()
	return nil
}

type mirrorTable struct {
	shape   string
	indexes []string
}

func readMirrorTables(ctx context.Context, tx *sql.Tx) (map[string]mirrorTable, error) {
	rows, err := tx.QueryContext(ctx, `SELECT entity, key_shape, indexes FROM mirror_tables`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]mirrorTable)
	for rows.Next() {
		var name, shape, indexesJSON string
		if err := rows.Scan(&name, &shape, &indexesJSON); err != nil {
			return nil, err
		}
		var idx []string
		if err := json.Unmarshal([]byte(indexesJSON), &idx); err != nil {
			return nil, fmt.Errorf("mirror_tables %s: %w", name, err)
		}
		out[name] = mirrorTable{shape: shape, indexes: idx}
	}
	return out, rows.Err()
}

func createMirrorTable(ctx context.Context, tx *sql.Tx, e *registry.Entity) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key       TEXT PRIMARY KEY,
		data      TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	)`, querysql.TableName(e.Name))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	for _, field := range e.Indexes {
		if err := createIndex(ctx, tx, e.Name, field); err != nil {
			return err
		}
	}
	return nil
}

func reconcileIndexes(ctx context.Context, tx *sql.Tx, e *registry.Entity, previous []string) error {
	want := make(map[string]bool, len(e.Indexes))
	for _, f := range e.Indexes {
		want[f] = true
		if err := createIndex(ctx, tx, e.Name, f); err != nil {
			return err
		}
	}
	for _, f := range previous {
		if want[f] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+indexName(e.Name, f)); err != nil {
			return err
		}
	}
	return nil
}

func createIndex(ctx context.Context, tx *sql.Tx, entity, field string) error {
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		indexName(entity, field), querysql.TableName(entity), querysql.FieldExpr(field))
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

func indexName(entity, field string) string {
	return `"` + querysql.TablePrefix + entity + "__" + field + `"`
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func (s *Store) entity(name string) (*registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEntity, name)
	}
	return e, nil
}

// Entities returns the entities the mirror is currently bound to.
func (s *Store) Entities() []*registry.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registry.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one mirror row by key.
func (s *Store) Get(ctx context.Context, entity, key string) (record.Row, bool, error) {
	if _, err := s.entity(entity); err != nil {
		return nil, false, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM "+querysql.TableName(entity)+" WHERE key = ?", key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get "+entity, err)
	}
	row, err := record.Decode([]byte(data))
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", entity, key, err)
	}
	return row, true, nil
}

// Query returns mirror rows matching d, ordered deterministically.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Query(ctx context.Context, d query.Descriptor) ([]record.Row, error) {
	if _, err := s.entity(d.Entity); err != nil {
		return nil, err
	}
	stmt, params, err := querysql.Compile(d)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", d.Entity, err)
	}
	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, classify("query "+d.Entity, err)
	}
	defer rows.Close()

	out := []record.Row{}
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, classify("query "+d.Entity, err)
		}
		row, err := record.Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", d.Entity, key, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query "+d.Entity, err)
	}
	return out, nil
}

// Put upserts rows into the entity's mirror table in one transaction.
func (s *Store) Put(ctx context.Context, entity string, rows []record.Row, syncedAt time.Time) error {
	e, err := s.entity(entity)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("put "+entity, err)
	}
	defer tx.Rollback()

	if err := putRows(ctx, tx, e, rows, syncedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("put "+entity, err)
	}
	return nil
}

// Delete removes one mirror row. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, entity, key string) error {
	if _, err := s.entity(entity); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+querysql.TableName(entity)+" WHERE key = ?", key); err != nil {
		return classify("delete "+entity, err)
	}
	return nil
}

// BulkReplace atomically replaces the whole table with rows. Concurrent
// readers see either the old set or the new set.
func (s *Store) BulkReplace(ctx context.Context, entity string, rows []record.Row, syncedAt time.Time) error {
	e, err := s.entity(entity)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("bulk replace "+entity, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+querysql.TableName(entity)); err != nil {
		return classify("bulk replace "+entity, err)
	}
	if err := putRows(ctx, tx, e, rows, syncedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("bulk replace "+entity, err)
	}
	return nil
}

// Keys returns every key in the entity's table, sorted.
func (s *Store) Keys(ctx context.Context, entity string) ([]string, error) {
	if _, err := s.entity(entity); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM "+querysql.TableName(entity)+" ORDER BY key COLLATE BINARY ASC")
	if err != nil {
		return nil, classify("keys "+entity, err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("keys "+entity, err)
		}
		keys = append(keys, k)
	}
	return keys, classify("keys "+entity, rows.Err())
}

// Count returns the number of rows in the entity's table.
func (s *Store) Count(ctx context.Context, entity string) (int, error) {
	if _, err := s.entity(entity); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+querysql.TableName(entity)).Scan(&n); err != nil {
		return 0, classify("count "+entity, err)
	}
	return n, nil
}

// MaxValue returns the largest value of field across the entity's rows,
// used as the cursor for incremental resync. ok is false for an empty table
// or when no row has the field.
func (s *Store) MaxValue(ctx context.Context, entity, field string) (value any, ok bool, err error) {
	if _, err := s.entity(entity); err != nil {
		return nil, false, err
	}
	if !registry.ValidIdentifier(field) {
		return nil, false, fmt.Errorf("max %s: invalid field %q", entity, field)
	}
	var v any
	err = s.db.QueryRowContext(ctx,
		"SELECT MAX("+querysql.FieldExpr(field)+") FROM "+querysql.TableName(entity),
	).Scan(&v)
	if err != nil {
		return nil, false, classify("max "+entity, err)
	}
	switch val := v.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return string(val), true, nil
	case int64:
		return json.Number(fmt.Sprintf("%d", val)), true, nil
	case float64:
		return json.Number(fmt.Sprintf("%v", val)), true, nil
	default:
		return val, true, nil
	}
}

func putRows(ctx context.Context, tx *sql.Tx, e *registry.Entity, rows []record.Row, syncedAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+querysql.TableName(e.Name)+` (key, data, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, synced_at = excluded.synced_at`)
	if err != nil {
		return classify("put "+e.Name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		key, err := e.RowKey(row)
		if err != nil {
			return fmt.Errorf("put %s: %w", e.Name, err)
		}
		data, err := row.Encode()
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", e.Name, key, err)
		}
		if _, err := stmt.ExecContext(ctx, key, string(data), millis(syncedAt)); err != nil {
			return classify("put "+e.Name, err)
		}
	}
	return nil
}
