package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
)

// Cycler runs sync cycles. *Manager implements it.
type Cycler interface {
	RunCycle(ctx context.Context, opts CycleOptions) (*Report, error)
	GetStatus() string
}

// Scheduler triggers cycles on a cron schedule. A tick that finds a cycle
// still running is skipped.
type Scheduler struct {
	cfg     config.SchedulerConfig
	filter  []entity.EntityType
	manager Cycler
	// direction is parsed once; dirErr keeps the scheduler from starting.
	direction entity.Direction
	dirErr    error
	cron      *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(cfg config.SchedulerConfig, filter []entity.EntityType, manager Cycler) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	direction, err := entity.ParseDirection(cfg.Direction)
	if err != nil {
		err = fmt.Errorf("scheduler direction: %w", err)
	}
	return &Scheduler{
		cfg:       cfg,
		filter:    filter,
		manager:   manager,
		direction: direction,
		dirErr:    err,
		cron:      cron.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	if s.dirErr != nil {
		return s.dirErr
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync()
	})
	if err != nil {
		return err
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	if s.manager.GetStatus() == statusRunning {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	if s.dirErr != nil {
		logger.Log.Error("Skipping scheduled sync", zap.Error(s.dirErr))
		return
	}

	logger.Log.Info("Triggering scheduled sync")
	_, err := s.manager.RunCycle(s.ctx, CycleOptions{Direction: s.direction, EntityTypes: s.filter})
	if errors.Is(err, ErrCycleRunning) {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}
	if err != nil {
		logger.Log.Error("Scheduled sync failed", zap.Error(err))
	}
}
