// Package scheduler runs the gateway's periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled task. Spec is a standard five-field cron
// expression or a descriptor such as "@every 10s" or "@hourly".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// JobStatus is the last known outcome of a job.
type JobStatus struct {
	Name     string
	Spec     string
	Runs     int
	LastRun  time.Time
	LastErr  string
	Duration time.Duration
	NextRun  time.Time
}

type Config struct {
	// StopTimeout bounds how long Stop waits for running jobs.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

type Scheduler struct {
	cron        *cron.Cron
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	status  map[string]JobStatus
	ctx     context.Context
	running bool
}

func New(cfg Config) *Scheduler {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Scheduler{
		cron:        cron.New(),
		stopTimeout: cfg.StopTimeout,
		logger:      cfg.Logger,
		jobs:        make(map[string]Job),
		entries:     make(map[string]cron.EntryID),
		status:      make(map[string]JobStatus),
		ctx:         context.Background(),
	}
}

// Add schedules job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduler: job %s already added", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.execute(s.runContext(), job) })
	if err != nil {
		return fmt.Errorf("scheduler: job %s: bad schedule %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.status[job.Name] = JobStatus{Name: job.Name, Spec: job.Spec}
	s.logger.Debug("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Start begins firing jobs. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx = ctx
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop prevents new runs and waits for running ones, up to the stop
// timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-time.After(s.stopTimeout):
		s.logger.Warn("scheduler stop timed out", "timeout", s.stopTimeout)
	}
}

// RunNow executes the named job immediately on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: job %s not found", name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := time.Since(start)
		s.mu.Lock()
		st := s.status[job.Name]
		st.Runs++
		st.LastRun = start
		st.Duration = elapsed
		st.LastErr = ""
		if err != nil {
			st.LastErr = err.Error()
		}
		s.status[job.Name] = st
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("job failed", "job", job.Name, "err", err, "duration", elapsed)
		} else {
			s.logger.Debug("job done", "job", job.Name, "duration", elapsed)
		}
	}()
	return job.Run(ctx)
}

// Status returns every job's status sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for name, st := range s.status {
		st.NextRun = s.cron.Entry(s.entries[name]).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
