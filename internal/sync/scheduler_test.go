package sync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
)

type fakeCycler struct {
	mu     sync.Mutex
	status string
	runs   []CycleOptions
	err    error
}

func (f *fakeCycler) RunCycle(ctx context.Context, opts CycleOptions) (*Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	return &Report{Direction: opts.Direction}, f.err
}

func (f *fakeCycler) GetStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func TestSchedulerRunsConfiguredCycle(t *testing.T) {
	c := &fakeCycler{status: statusIdle}
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1m", Direction: "pull"},
		[]entity.EntityType{entity.Contacts}, c)

	s.triggerSync()
	assert.Len(t, c.runs, 1)
	assert.Equal(t, entity.Pull, c.runs[0].Direction)
	assert.Equal(t, []entity.EntityType{entity.Contacts}, c.runs[0].EntityTypes)
}

func TestSchedulerSkipsWhileRunning(t *testing.T) {
	c := &fakeCycler{status: statusRunning}
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1m"}, nil, c)

	s.triggerSync()
	assert.Empty(t, c.runs)
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "every now and then"}, nil, &fakeCycler{})
	assert.Error(t, s.Start())
}

func TestDisabledSchedulerDoesNothing(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{Enabled: false}, nil, &fakeCycler{})
	assert.NoError(t, s.Start())
	s.Stop()
}

func TestSchedulerRejectsBadDirection(t *testing.T) {
	c := &fakeCycler{status: statusIdle}
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1m", Direction: "sideways"}, nil, c)

	err := s.Start()
	assert.ErrorContains(t, err, "scheduler direction")

	s.triggerSync()
	assert.Empty(t, c.runs)
}
