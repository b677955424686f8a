package sync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
)

const defaultDebounce = 2 * time.Second

// TriggerFunc starts a push cycle for the given entity types.
type TriggerFunc func(ctx context.Context, types []entity.EntityType) error

// ChangeWatcher follows the Store's binlog and turns row changes on entity
// tables into push cycles. Events are coalesced per entity type for one
// debounce interval, so a burst of writes costs one cycle.
type ChangeWatcher struct {
	database string
	canal    *canal.Canal
	tables   map[string]entity.EntityType
	events   chan ChangeEvent
	debounce time.Duration
	trigger  TriggerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChangeWatcher connects to a MySQL Store as a replica. The replication
// user needs REPLICATION SLAVE and REPLICATION CLIENT.
func NewChangeWatcher(storeCfg config.StoreConfig, syncCfg config.SyncConfig, reg *entity.Registry, trigger TriggerFunc) (*ChangeWatcher, error) {
	if storeCfg.Driver != "mysql" {
		return nil, fmt.Errorf("change watching needs a mysql store, got %q", storeCfg.Driver)
	}

	w := newChangeWatcher(storeCfg.Database, reg, syncCfg.GetDebounce(), trigger)

	var tableRegex []string
	for table := range w.tables {
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(storeCfg.Database), regexp.QuoteMeta(table)))
	}
	slices.Sort(tableRegex)

	serverID := syncCfg.ServerID
	if serverID == 0 {
		serverID = 1001
	}
	user, password := storeCfg.ReplicationUser, storeCfg.ReplicationPassword
	if user == "" {
		user, password = storeCfg.User, storeCfg.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", storeCfg.Host, storeCfg.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}
	w.canal = c
	c.SetEventHandler(&eventHandler{watcher: w})
	return w, nil
}

func newChangeWatcher(database string, reg *entity.Registry, debounce time.Duration, trigger TriggerFunc) *ChangeWatcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	tables := make(map[string]entity.EntityType)
	for _, et := range reg.Types() {
		s, _ := reg.Schema(et)
		tables[s.Table()] = et
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChangeWatcher{
		database: database,
		tables:   tables,
		events:   make(chan ChangeEvent, 10000),
		debounce: debounce,
		trigger:  trigger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start follows the binlog from the current master position. Changes made
// while the watcher was down are picked up by the next scheduled cycle
// through the watermarks.
func (w *ChangeWatcher) Start() error {
	pos, err := w.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}
	logger.Log.Info("Starting change watcher",
		zap.String("database", w.database),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.canal.RunFrom(pos); err != nil && w.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

func (w *ChangeWatcher) Stop() {
	w.cancel()
	if w.canal != nil {
		w.canal.Close()
	}
	w.wg.Wait()
	logger.Log.Info("Stopped change watcher")
}

// loop collects changed entity types and fires the trigger once per
// debounce interval. Types whose cycle could not start stay pending.
func (w *ChangeWatcher) loop() {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	pending := make(map[entity.EntityType]struct{})
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.events:
			logger.Log.Debug("Store change", zap.String("event", ev.String()))
			pending[ev.EntityType] = struct{}{}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			types := make([]entity.EntityType, 0, len(pending))
			for et := range pending {
				types = append(types, et)
			}
			slices.Sort(types)

			err := w.trigger(w.ctx, types)
			if errors.Is(err, ErrCycleRunning) {
				continue
			}
			if err != nil {
				logger.Log.Error("Change-triggered sync failed", zap.Error(err))
			}
			clear(pending)
		}
	}
}

// enqueue blocks when the buffer is full, holding the binlog reader back.
func (w *ChangeWatcher) enqueue(ev ChangeEvent) error {
	select {
	case w.events <- ev:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	watcher *ChangeWatcher
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	et, ok := h.watcher.tables[e.Table.Name]
	if !ok || e.Table.Schema != h.watcher.database {
		return nil
	}

	var eventType EventType
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
	case canal.UpdateAction:
		eventType = Update
	case canal.DeleteAction:
		eventType = Delete
	default:
		return nil
	}

	ev := ChangeEvent{
		Type:       eventType,
		Schema:     e.Table.Schema,
		Table:      e.Table.Name,
		EntityType: et,
		Rows:       e.Rows,
	}
	if e.Header != nil {
		ev.Timestamp = e.Header.Timestamp
	}
	if h.watcher.canal != nil {
		pos := h.watcher.canal.SyncedPosition()
		ev.BinlogFile, ev.BinlogPos = pos.Name, pos.Pos
	}
	return h.watcher.enqueue(ev)
}

func (h *eventHandler) String() string {
	return "ChangeWatcherEventHandler"
}
