package store

import (
	"context"
	"database/sql"
	"time"
)

// SyncState is the state of an entity's last resync.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSyncing SyncState = "syncing"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// SyncStatus records the outcome of the most recent resync of one entity.
// It is observational only; nothing in the engine branches on it.
type SyncStatus struct {
	Entity       string
	State        SyncState
	LastSyncedAt time.Time
	Error        string
	RowCount     int
}

// PutSyncStatus upserts the status record for st.Entity.
func (s *Store) PutSyncStatus(ctx context.Context, st SyncStatus) error {
	var lastSynced sql.NullInt64
	if !st.LastSyncedAt.IsZero() {
		lastSynced = sql.NullInt64{Int64: millis(st.LastSyncedAt), Valid: true}
	}
	var errMsg sql.NullString
	if st.Error != "" {
		errMsg = sql.NullString{String: st.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (entity, state, last_synced_at, error, row_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET
			state = excluded.state,
			last_synced_at = COALESCE(excluded.last_synced_at, sync_status.last_synced_at),
			error = excluded.error,
			row_count = excluded.row_count
	`, st.Entity, string(st.State), lastSynced, errMsg, st.RowCount)
	return classify("put sync status", err)
}

// GetSyncStatus returns the status record for entity; ok is false if the
// entity has never been synced.
func (s *Store) GetSyncStatus(ctx context.Context, entity string) (SyncStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, state, last_synced_at, error, row_count FROM sync_status WHERE entity = ?
	`, entity)
	st, err := scanSyncStatus(row)
	if err == sql.ErrNoRows {
		return SyncStatus{}, false, nil
	}
	if err != nil {
		return SyncStatus{}, false, classify("get sync status", err)
	}
	return st, true, nil
}

// ListSyncStatus returns all status records ordered by entity.
func (s *Store) ListSyncStatus(ctx context.Context) ([]SyncStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, state, last_synced_at, error, row_count FROM sync_status
		ORDER BY entity COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, classify("list sync status", err)
	}
	defer rows.Close()

	out := []SyncStatus{}
	for rows.Next() {
		st, err := scanSyncStatus(rows)
		if err != nil {
			return nil, classify("list sync status", err)
		}
		out = append(out, st)
	}
	return out, classify("list sync status", rows.Err())
}

func scanSyncStatus(r rowScanner) (SyncStatus, error) {
	var (
		st         SyncStatus
		state      string
		lastSynced sql.NullInt64
		errMsg     sql.NullString
	)
	if err := r.Scan(&st.Entity, &state, &lastSynced, &errMsg, &st.RowCount); err != nil {
		return SyncStatus{}, err
	}
	st.State = SyncState(state)
	st.LastSyncedAt = nullMillis(lastSynced)
	st.Error = errMsg.String
	return st, nil
}
