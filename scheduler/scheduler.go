// Package scheduler runs named jobs on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type Job func(ctx context.Context) error

type Scheduler struct {
	ctx    context.Context
	mutex  sync.Mutex
	jobs   map[string]time.Duration
	wg     sync.WaitGroup
	logger *log.Entry
}

// New returns a scheduler whose jobs stop when ctx is done.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		jobs:   make(map[string]time.Duration),
		logger: log.WithFields(log.Fields{"module": "scheduler"}),
	}
}

// Schedule runs job now and then every interval. A job already scheduled
// under name is kept and the new one is discarded; the return value reports
// whether job was scheduled.
func (s *Scheduler) Schedule(name string, interval time.Duration, job Job) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.jobs[name]; ok {
		s.logger.Debugf("job %s already scheduled, keeping it", name)
		return false
	}
	if s.ctx.Err() != nil {
		return false
	}
	s.jobs[name] = interval
	s.wg.Add(1)
	go s.loop(name, interval, job)
	s.logger.Infof("scheduled %s every %s", name, interval)
	return true
}

func (s *Scheduler) loop(name string, interval time.Duration, job Job) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.jobs, name)
		s.mutex.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.run(name, job)
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(name string, job Job) {
	start := time.Now()
	if err := job(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Errorf("job %s failed: %v", name, err)
		sentry.CaptureException(err)
		return
	}
	s.logger.Tracef("job %s finished in %s", name, time.Since(start))
}

// Jobs lists the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
