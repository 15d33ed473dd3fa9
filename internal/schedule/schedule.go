// Package schedule fires configured subtasks on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/config"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spawner starts a detached subtask and returns an acknowledgment.
// *orchestrator.Orchestrator implements it.
type Spawner interface {
	SpawnSubtask(parentThreadID, task string, timeout time.Duration) string
}

// Job is one scheduled subtask.
type Job struct {
	Name    string
	Spec    string // 5-field cron expression
	Thread  string // parent thread the subtask reports to
	Task    string
	Timeout time.Duration

	// Schedule overrides Spec when set.
	Schedule cron.Schedule
}

// JobsFromConfig converts the schedules section of the config file.
func JobsFromConfig(cfgs []config.ScheduleConfig) []Job {
	jobs := make([]Job, 0, len(cfgs))
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i)
		}
		jobs = append(jobs, Job{
			Name:    name,
			Spec:    c.Cron,
			Thread:  c.Thread,
			Task:    c.Task,
			Timeout: time.Duration(c.TimeoutSec) * time.Second,
		})
	}
	return jobs
}

// EntryInfo describes a job's next and previous firing.
type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Scheduler runs Jobs against a Spawner on a cron.Cron. Each firing spawns
// one subtask; a firing missed while the process was down is not replayed.
type Scheduler struct {
	spawner Spawner
	logger  *zap.Logger
	cron    *cron.Cron
	jobs    []Job
	ids     map[string]cron.EntryID

	mu   sync.Mutex
	prev map[string]time.Time
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Spawner  Spawner
	Jobs     []Job
	Logger   *zap.Logger
	Location *time.Location // defaults to time.Local
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

// New validates the jobs and creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("schedule: spawner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	cl := cronLogger{s: logger.Sugar()}
	s := &Scheduler{
		spawner: opts.Spawner,
		logger:  logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		ids:  make(map[string]cron.EntryID),
		prev: make(map[string]time.Time),
	}

	seen := make(map[string]bool)
	var errs []string
	for _, job := range opts.Jobs {
		if seen[job.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate name", job.Name))
			continue
		}
		seen[job.Name] = true
		if job.Thread == "" || strings.TrimSpace(job.Task) == "" {
			errs = append(errs, fmt.Sprintf("%s: thread and task are required", job.Name))
			continue
		}
		if job.Schedule == nil {
			sched, err := cronParser.Parse(job.Spec)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", job.Name, err))
				continue
			}
			job.Schedule = sched
		}
		s.ids[job.Name] = s.cron.Schedule(job.Schedule, cron.FuncJob(func() {
			ack := s.fire(job)
			s.logger.Info("job fired",
				zap.String("job", job.Name),
				zap.String("thread", job.Thread),
				zap.String("ack", ack))
		}))
		s.jobs = append(s.jobs, job)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("schedule: invalid jobs: %s", strings.Join(errs, "; "))
	}
	return s, nil
}

// Run fires jobs until ctx is cancelled, then waits for in-flight firings.
// It returns immediately when there are no jobs.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		return
	}
	s.cron.Start()
	for _, e := range s.Entries() {
		s.logger.Info("job scheduled", zap.String("job", e.Name), zap.Time("next", e.Next))
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(job Job) string {
	s.mu.Lock()
	s.prev[job.Name] = time.Now()
	s.mu.Unlock()
	return s.spawner.SpawnSubtask(job.Thread, job.Task, job.Timeout)
}

// Trigger fires the named job immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) (string, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			ack := s.fire(job)
			s.logger.Info("job triggered", zap.String("job", name), zap.String("ack", ack))
			return ack, nil
		}
	}
	return "", fmt.Errorf("schedule: unknown job %q", name)
}

// Entries lists the jobs sorted by name. Next is zero until Run starts.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		e := s.cron.Entry(s.ids[job.Name])
		out = append(out, EntryInfo{Name: job.Name, Spec: job.Spec, Next: e.Next, Prev: s.prev[job.Name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextAfter reports when a 5-field cron expression next fires after t.
func NextAfter(spec string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	return sched.Next(t), nil
}
