// Package syncer refreshes mirror tables from the server.
//
// Entities with the full strategy are paged through the get_paged_data
// procedure and replace their mirror table atomically. Incremental entities
// fetch only rows whose timestamp column is newer than the newest mirrored
// value and upsert them. Every run records a sync status.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/fibersync/internal/clock"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/store"
)

const (
	// PagedProcedure is the server procedure that pages any table or view.
	PagedProcedure = "get_paged_data"
	DefaultBatch   = 2500
)

// Result describes one entity's resync.
type Result struct {
	Entity   string
	Strategy registry.Strategy
	// Rows is the number of rows written to the mirror.
	Rows int
	Err  error
}

// Summary describes a SyncAll run.
type Summary struct {
	Results []Result
	Failed  int
}

type Syncer struct {
	store    *store.Store
	remote   remote.Service
	reg      *registry.Registry
	clock    clock.Clock
	logger   *slog.Logger
	batch    int
	onSynced func(Result)
}

type Option func(*Syncer)

func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithBatchSize sets the page size.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithOnSynced registers a callback run after each successful entity sync.
func WithOnSynced(fn func(Result)) Option {
	return func(s *Syncer) { s.onSynced = fn }
}

func New(st *store.Store, svc remote.Service, reg *registry.Registry, opts ...Option) *Syncer {
	s := &Syncer{
		store:  st,
		remote: svc,
		reg:    reg,
		clock:  clock.Real(),
		logger: slog.Default(),
		batch:  DefaultBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncEntity resyncs one entity with its registry strategy.
func (s *Syncer) SyncEntity(ctx context.Context, entity string) Result {
	e, ok := s.reg.Entity(entity)
	if !ok {
		return Result{Entity: entity, Err: fmt.Errorf("sync %s: %w", entity, store.ErrUnknownEntity)}
	}
	res := Result{Entity: entity, Strategy: e.Sync}

	before, err := s.store.Count(ctx, entity)
	if err != nil {
		res.Err = fmt.Errorf("sync %s: %w", entity, err)
		return res
	}
	status := store.SyncStatus{Entity: entity, State: store.SyncSyncing, RowCount: before}
	if err := s.store.PutSyncStatus(ctx, status); err != nil {
		res.Err = fmt.Errorf("sync %s: %w", entity, err)
		return res
	}

	start := s.clock.Now()
	if e.Sync == registry.StrategyIncremental {
		res.Rows, err = s.incremental(ctx, e)
	} else {
		res.Rows, err = s.full(ctx, e)
	}

	// The outcome is recorded even if ctx was canceled mid-run.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		res.Err = fmt.Errorf("sync %s: %w", entity, err)
		status.State = store.SyncError
		status.Error = err.Error()
		if perr := s.store.PutSyncStatus(bg, status); perr != nil {
			res.Err = multierr.Append(res.Err, perr)
		}
		s.logger.Warn("entity sync failed", "entity", entity, "strategy", e.Sync, "error", err)
		return res
	}

	count, err := s.store.Count(bg, entity)
	if err != nil {
		res.Err = fmt.Errorf("sync %s: %w", entity, err)
		return res
	}
	status.State = store.SyncSuccess
	status.LastSyncedAt = s.clock.Now()
	status.RowCount = count
	if err := s.store.PutSyncStatus(bg, status); err != nil {
		res.Err = fmt.Errorf("sync %s: %w", entity, err)
		return res
	}
	s.logger.Info("entity synced",
		"entity", entity, "strategy", e.Sync, "rows", res.Rows,
		"total", count, "duration", s.clock.Now().Sub(start))
	if s.onSynced != nil {
		s.onSynced(res)
	}
	return res
}

// SyncAll resyncs entities, or every registered entity when none are
// named. It continues past failures; the returned error combines them.
func (s *Syncer) SyncAll(ctx context.Context, entities ...string) (Summary, error) {
	if len(entities) == 0 {
		for _, e := range s.reg.Entities() {
			entities = append(entities, e.Name)
		}
	}
	var (
		sum  Summary
		errs error
	)
	for _, name := range entities {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		res := s.SyncEntity(ctx, name)
		sum.Results = append(sum.Results, res)
		if res.Err != nil {
			sum.Failed++
			errs = multierr.Append(errs, res.Err)
		}
	}
	return sum, errs
}

// full pages every row and replaces the mirror table in one transaction.
// Nothing is written unless every page arrives.
func (s *Syncer) full(ctx context.Context, e *registry.Entity) (int, error) {
	var all []record.Row
	for offset := 0; ; offset += s.batch {
		page, err := s.page(ctx, e, map[string]any{
			"p_view_name": e.Name,
			"p_limit":     s.batch,
			"p_offset":    offset,
			"p_filters":   map[string]any{},
		})
		if err != nil {
			return 0, err
		}
		all = append(all, page...)
		if len(page) < s.batch {
			break
		}
	}
	if err := s.store.BulkReplace(ctx, e.Name, all, s.clock.Now()); err != nil {
		return 0, err
	}
	return len(all), nil
}

// incremental fetches rows newer than the mirror's newest timestamp. The
// cursor is fixed for the whole run so offset paging stays consistent.
func (s *Syncer) incremental(ctx context.Context, e *registry.Entity) (int, error) {
	col := e.TimestampColumn
	filters := map[string]any{}
	cursor, ok, err := s.store.MaxValue(ctx, e.Name, col)
	if err != nil {
		return 0, err
	}
	if ok {
		filters[col] = map[string]any{"operator": ">", "value": cursor}
	}

	total := 0
	for offset := 0; ; offset += s.batch {
		page, err := s.page(ctx, e, map[string]any{
			"p_view_name": e.Name,
			"p_limit":     s.batch,
			"p_offset":    offset,
			"p_filters":   filters,
			"p_order_by":  col,
			"p_order_dir": "asc",
		})
		if err != nil {
			return total, err
		}
		if len(page) > 0 {
			if err := s.store.Put(ctx, e.Name, page, s.clock.Now()); err != nil {
				return total, err
			}
			total += len(page)
		}
		if len(page) < s.batch {
			return total, nil
		}
	}
}

type pagedResponse struct {
	Data       json.RawMessage `json:"data"`
	TotalCount int             `json:"total_count"`
}

func (s *Syncer) page(ctx context.Context, e *registry.Entity, args map[string]any) ([]record.Row, error) {
	raw, err := s.remote.Call(ctx, PagedProcedure, args)
	if err != nil {
		return nil, err
	}
	var resp pagedResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, &remote.MalformedError{Entity: e.Name, Err: fmt.Errorf("paged response: %w", err)}
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}
	rows, err := record.DecodeRows(resp.Data)
	if err != nil {
		return nil, &remote.MalformedError{Entity: e.Name, Err: err}
	}
	for _, r := range rows {
		if _, err := e.RowKey(r); err != nil {
			return nil, &remote.MalformedError{Entity: e.Name, Err: err}
		}
		if err := s.reg.ValidateRow(e.Name, r); err != nil {
			return nil, &remote.MalformedError{Entity: e.Name, Err: err}
		}
	}
	return rows, nil
}

// Since reports how long ago entity last synced successfully. ok is false
// if it never has.
func (s *Syncer) Since(ctx context.Context, entity string) (time.Duration, bool, error) {
	st, found, err := s.store.GetSyncStatus(ctx, entity)
	if err != nil || !found || st.LastSyncedAt.IsZero() {
		return 0, false, err
	}
	return s.clock.Now().Sub(st.LastSyncedAt), true, nil
}
