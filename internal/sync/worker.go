package sync

import (
	"sync"

	"go.uber.org/zap"

	"hub-sync-service/internal/logger"
)

// WorkerPool runs the entity types of one dependency level. A level is
// handed over as a batch and Run returns once every job in it finished, so
// the next level never overlaps the previous one.
type WorkerPool struct {
	size int
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{size: size}
}

func (p *WorkerPool) Run(jobs []func()) {
	if len(jobs) == 0 {
		return
	}

	jobChan := make(chan func())
	var wg sync.WaitGroup

	n := min(p.size, len(jobs))
	for i := 0; i < n; i++ {
		wg.Add(1)
		w := newWorker(i, jobChan)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}

	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)
	wg.Wait()
}

type Worker struct {
	id   int
	jobs <-chan func()
}

func newWorker(id int, jobs <-chan func()) *Worker {
	return &Worker{
		id:   id,
		jobs: jobs,
	}
}

func (w *Worker) run() {
	for job := range w.jobs {
		w.runJob(job)
	}
}

// runJob keeps a panicking job from taking the worker, and with it the rest
// of the level, down.
func (w *Worker) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Worker job panicked", zap.Int("workerID", w.id), zap.Any("panic", r))
		}
	}()
	job()
}
