package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/mapper"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/storedb"
	"hub-sync-service/internal/syncerr"
)

// ErrCycleRunning rejects a cycle started while another one is in progress
// on the same manager.
var ErrCycleRunning = errors.New("sync cycle is already running")

const (
	statusIdle    = "idle"
	statusRunning = "running"
)

// StoreClient is the engine's view of the Store's entity tables.
type StoreClient interface {
	EnsureTables(ctx context.Context, schemas []*entity.Schema) error
	ListChanged(ctx context.Context, s *entity.Schema, since time.Time, cursor string) (*storedb.Page, error)
	Get(ctx context.Context, s *entity.Schema, id string) (*storedb.Row, error)
	GetByHubID(ctx context.Context, s *entity.Schema, hubID string) (*storedb.Row, error)
	Upsert(ctx context.Context, s *entity.Schema, row storedb.Row) (*storedb.Row, error)
	LinkHubID(ctx context.Context, s *entity.Schema, id, hubID string) error
}

// CycleOptions selects what one cycle synchronizes.
type CycleOptions struct {
	Direction entity.Direction
	// EntityTypes limits the cycle; empty means every registered type.
	EntityTypes []entity.EntityType
	// Since replaces the stored watermarks for this cycle when set.
	Since time.Time
}

type Manager struct {
	cfg      config.SyncConfig
	registry *entity.Registry
	hub      hub.Client
	rows     StoreClient
	store    store.Store
	mapper   *mapper.Mapper
	resolver *Resolver
	ledger   *Ledger
	pool     *WorkerPool
	now      func() time.Time

	mu         sync.Mutex
	status     string
	cancel     context.CancelFunc
	lastReport *Report
}

type Option func(*Manager)

// WithClock replaces the wall clock. Times should be UTC.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg config.SyncConfig, reg *entity.Registry, hubClient hub.Client, rows StoreClient, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: reg,
		hub:      hubClient,
		rows:     rows,
		store:    st,
		mapper:   mapper.New(st),
		pool:     NewWorkerPool(cfg.Workers),
		status:   statusIdle,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resolver = NewResolver(st, m.now)
	m.ledger = NewLedger(st, m.now)
	if m.cfg.RecordConcurrency < 1 {
		m.cfg.RecordConcurrency = 1
	}
	return m
}

// Prepare creates the bookkeeping and entity tables when missing.
func (m *Manager) Prepare(ctx context.Context) error {
	if err := m.store.Migrate(ctx); err != nil {
		return syncerr.Config("migrate", err)
	}
	var schemas []*entity.Schema
	for _, et := range m.registry.Types() {
		s, _ := m.registry.Schema(et)
		schemas = append(schemas, s)
	}
	return m.rows.EnsureTables(ctx, schemas)
}

// RunCycle runs one synchronization cycle. Entity types are processed in
// dependency levels; the types of a level run concurrently and a level
// starts only when the previous one is done. Failures are contained per
// record and per type and reported; only auth and configuration errors
// stop the whole cycle, which is then reported through Report.Fatal.
func (m *Manager) RunCycle(ctx context.Context, opts CycleOptions) (*Report, error) {
	if opts.Direction == "" {
		opts.Direction = entity.Bidirectional
	}
	if _, err := entity.ParseDirection(string(opts.Direction)); err != nil {
		return nil, syncerr.Config("run cycle", err)
	}
	levels, err := m.registry.Levels(opts.EntityTypes)
	if err != nil {
		return nil, syncerr.Config("run cycle", err)
	}

	m.mu.Lock()
	if m.status == statusRunning {
		m.mu.Unlock()
		return nil, ErrCycleRunning
	}
	var cycleCtx context.Context
	var cancel context.CancelFunc
	if timeout := m.cfg.GetCycleTimeout(); timeout > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cycleCtx, cancel = context.WithCancel(ctx)
	}
	m.status = statusRunning
	m.cancel = cancel
	m.mu.Unlock()

	report := &Report{
		CycleID:   uuid.New().String(),
		Direction: opts.Direction,
		StartedAt: m.now(),
	}
	defer func() {
		cancel()
		m.mu.Lock()
		m.status = statusIdle
		m.cancel = nil
		m.lastReport = report
		m.mu.Unlock()
	}()

	abortCtx, abort := context.WithCancelCause(cycleCtx)
	defer abort(nil)

	logger.Log.Info("Starting sync cycle",
		zap.String("cycle_id", report.CycleID),
		zap.String("direction", string(opts.Direction)),
		zap.Int("levels", len(levels)),
	)
	history := m.startHistory(ctx, report, levels)

	for i, level := range levels {
		jobs := make([]func(), 0, len(level))
		for _, et := range level {
			et := et
			tr := &TypeReport{EntityType: et}
			report.Types = append(report.Types, tr)
			jobs = append(jobs, func() {
				m.runType(abortCtx, abort, et, opts, tr)
			})
		}
		logger.Log.Debug("Running level", zap.Int("level", i), zap.Int("types", len(level)))
		m.pool.Run(jobs)
	}

	if cause := context.Cause(abortCtx); cause != nil && syncerr.IsFatal(cause) {
		report.Fatal = cause.Error()
	}
	report.FinishedAt = m.now()
	m.finishHistory(ctx, history, report)

	totals := report.Totals()
	logger.Log.Info("Sync cycle finished",
		zap.String("cycle_id", report.CycleID),
		zap.Int("completed_types", report.Completed()),
		zap.Int("created", totals.Created),
		zap.Int("updated", totals.Updated),
		zap.Int("conflicts", totals.ConflictsResolved),
		zap.Int("failed", totals.Failed),
		zap.Int("deferred", totals.Deferred),
		zap.String("fatal", report.Fatal),
	)
	return report, nil
}

// runType is the isolation boundary of one entity type: errors and panics
// end up on its report and nowhere else, except fatal ones which abort the
// cycle.
func (m *Manager) runType(ctx context.Context, abort context.CancelCauseFunc, et entity.EntityType, opts CycleOptions, tr *TypeReport) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if syncerr.IsFatal(cause) {
			tr.Status = StatusAborted
			tr.Error = cause.Error()
		} else {
			tr.Status = StatusDeferred
		}
		return
	}

	tr.StartedAt = m.now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while syncing %s: %v", et, r)
			}
		}()
		schema, _ := m.registry.Schema(et)
		t := newTypeSync(m, schema, opts.Since, tr)
		switch opts.Direction {
		case entity.Pull:
			return t.pull(ctx)
		case entity.Push:
			return t.push(ctx)
		default:
			return t.bidirectional(ctx)
		}
	}()
	tr.FinishedAt = m.now()

	switch {
	case err == nil:
		tr.Status = StatusCompleted
	case errors.Is(err, errInterrupted):
		tr.Status = StatusInterrupted
	default:
		tr.Status = StatusFailed
		tr.Error = err.Error()
		if syncerr.IsFatal(err) {
			abort(err)
		}
	}

	logger.Log.Info("Entity type synced",
		zap.String("entity_type", string(et)),
		zap.String("status", string(tr.Status)),
		zap.Int("created", tr.Created),
		zap.Int("updated", tr.Updated),
		zap.Int("conflicts", tr.ConflictsResolved),
		zap.Int("failed", tr.Failed),
		zap.Int("deferred", tr.Deferred),
		zap.Int("skipped", tr.Skipped),
		zap.String("error", tr.Error),
	)
}

func (m *Manager) startHistory(ctx context.Context, report *Report, levels [][]entity.EntityType) *store.SyncHistory {
	var names []string
	for _, level := range levels {
		for _, et := range level {
			names = append(names, string(et))
		}
	}
	h := &store.SyncHistory{
		ID:          report.CycleID,
		StartedAt:   report.StartedAt,
		Direction:   string(report.Direction),
		EntityTypes: strings.Join(names, ","),
		Status:      statusRunning,
	}
	if err := m.store.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Error("Failed to record sync history", zap.Error(err))
		return nil
	}
	return h
}

func (m *Manager) finishHistory(ctx context.Context, h *store.SyncHistory, report *Report) {
	if h == nil {
		return
	}
	totals := report.Totals()
	h.CompletedAt = sql.NullTime{Time: report.FinishedAt, Valid: true}
	h.TotalRecords = int64(totals.Writes())
	h.ConflictsResolved = totals.ConflictsResolved
	h.FailedRecords = totals.Failed
	switch {
	case report.Fatal != "":
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: report.Fatal, Valid: true}
	case report.Clean():
		h.Status = "completed"
	default:
		h.Status = "partial"
	}
	if err := m.store.UpdateSyncHistory(context.WithoutCancel(ctx), h); err != nil {
		logger.Log.Error("Failed to update sync history", zap.Error(err))
	}
}

// Stop cancels the running cycle, if any. In-flight pages still finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != statusRunning || m.cancel == nil {
		return
	}

	logger.Log.Info("Stopping sync cycle")
	m.cancel()
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastReport returns the report of the last finished cycle, or nil.
func (m *Manager) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// Store exposes the bookkeeping store for read-only endpoints.
func (m *Manager) Store() store.Store {
	return m.store
}

// Registry returns the schemas the manager syncs.
func (m *Manager) Registry() *entity.Registry {
	return m.registry
}
