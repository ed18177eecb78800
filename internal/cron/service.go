// Package cron runs the periodic housekeeping jobs of the gateway.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/logging"
)

// JobFunc does one round of work and returns a short result for the log.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus string    `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

// Job describes one registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type job struct {
	Job
	run JobFunc
}

type Service struct {
	mu       sync.Mutex
	jobs     []*job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	log      zerolog.Logger
	now      func() time.Time
}

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

func NewService(log zerolog.Logger) *Service {
	return &Service{
		entryMap: make(map[string]rcron.EntryID),
		ctx:      context.Background(),
		log:      logging.Component(log, "cron"),
		now:      time.Now,
	}
}

// Every returns the schedule expression for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// AddJob registers run under name. schedule is a cron expression (seconds
// optional) or a descriptor such as "@every 1m".
func (s *Service) AddJob(name, schedule string, run JobFunc) error {
	if name == "" || run == nil {
		return fmt.Errorf("job name and func are required")
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(name) != nil {
		return fmt.Errorf("job %s already exists", name)
	}
	j := &job{Job: Job{Name: name, Schedule: schedule, Enabled: true}, run: run}
	s.jobs = append(s.jobs, j)
	if s.cron != nil {
		s.registerJob(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	logger := cronLogger{s.log}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron already started")
	}
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		if j.Enabled {
			s.registerJob(j)
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Int("jobs", n).Msg("started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) registerJob(j *job) {
	name := j.Name
	id, err := s.cron.AddFunc(j.Schedule, func() { s.executeJob(name) })
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Str("schedule", j.Schedule).Msg("failed to register job")
		return
	}
	s.entryMap[name] = id
}

func (s *Service) executeJob(name string) {
	s.mu.Lock()
	j := s.find(name)
	ctx := s.ctx
	s.mu.Unlock()
	if j == nil {
		return
	}

	result, err := j.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.State.LastRunAt = s.now()
	j.State.Runs++
	if err != nil {
		j.State.LastStatus = "error"
		j.State.LastError = err.Error()
		s.log.Warn().Err(err).Str("job", name).Msg("job failed")
		return
	}
	j.State.LastStatus = "ok"
	j.State.LastError = ""
	s.log.Debug().Str("job", name).Str("result", result).Msg("job done")
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j := s.find(name)
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("job %s not found", name)
	}
	s.executeJob(name)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running jobs")
		}
	}
	s.log.Info().Msg("stopped")
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.jobs {
		if j.Name == name {
			s.unregister(name)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) EnableJob(name string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.find(name)
	if j == nil {
		return nil, fmt.Errorf("job %s not found", name)
	}
	j.Enabled = enabled
	if s.cron != nil {
		if enabled {
			if _, ok := s.entryMap[name]; !ok {
				s.registerJob(j)
			}
		} else {
			s.unregister(name)
		}
	}
	out := j.Job
	return &out, nil
}

// ListJobs returns a snapshot of all jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) find(name string) *job {
	for _, j := range s.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

func (s *Service) unregister(name string) {
	if id, ok := s.entryMap[name]; ok && s.cron != nil {
		s.cron.Remove(id)
		delete(s.entryMap, name)
	}
}

// cronLogger adapts zerolog to the scheduler's logger interface.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
