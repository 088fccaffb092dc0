package cron

import (
	"context"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// FireFunc is invoked each time a job's timer fires.
type FireFunc func(ctx context.Context, cronID, ownerID string) error

// RescheduleFunc receives a job's next firing after it fired; nil means the
// job has passed its end time and was disarmed.
type RescheduleFunc func(ctx context.Context, cronID string, next *time.Time)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Fire       FireFunc
	Reschedule RescheduleFunc
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// JobInfo describes an armed job.
type JobInfo struct {
	CronID  string
	OwnerID string
	NextRun time.Time
	EndTime *time.Time
}

// Scheduler keeps at most one armed timer per cron id. All timers share one
// robfig cron runner. It is safe for concurrent use.
type Scheduler struct {
	runner     *robfig.Cron
	fire       FireFunc
	reschedule RescheduleFunc
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*armed
	running bool
}

type armed struct {
	entry    robfig.EntryID
	cronID   string
	ownerID  string
	schedule robfig.Schedule
	endTime  *time.Time
}

// bounded stops producing firings after the job's end time.
type bounded struct {
	robfig.Schedule
	end *time.Time
}

func (b bounded) Next(t time.Time) time.Time {
	next := b.Schedule.Next(t)
	if b.end != nil && next.After(*b.end) {
		return time.Time{}
	}
	return next
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	fire := opts.Fire
	if fire == nil {
		fire = func(context.Context, string, string) error { return nil }
	}

	cronLogger := zapCronLogger{logger.Sugar()}
	s := &Scheduler{
		runner: robfig.New(
			robfig.WithLocation(time.UTC),
			robfig.WithParser(parser),
			robfig.WithLogger(cronLogger),
			robfig.WithChain(robfig.Recover(cronLogger)),
		),
		fire:       fire,
		reschedule: opts.Reschedule,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		jobs:       make(map[string]*armed),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins firing armed jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.runner.Start()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Running reports whether Start was called and Shutdown was not.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown disarms every job and stops the runner. Firings in progress are
// not waited for. The scheduler can be started again afterwards.
func (s *Scheduler) Shutdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runner.Stop()
	s.cancel()
	n := len(s.jobs)
	for id, a := range s.jobs {
		s.runner.Remove(a.entry)
		delete(s.jobs, id)
	}
	s.running = false
	s.metrics.SetCronJobsArmed(0)
	s.logger.Info("scheduler stopped", zap.Int("disarmed", n))
	return n
}

// AddJob arms job, replacing any timer already armed for its id. It returns
// false without error when the job's end time leaves no future firing; such
// a job is simply not armed. The second result is the next firing.
func (s *Scheduler) AddJob(job *storage.CronJob) (bool, *time.Time, error) {
	sched, err := Parse(job.Schedule)
	if err != nil {
		return false, nil, err
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(job.CronID)

	if job.EndTime != nil && !job.EndTime.After(now) {
		s.logger.Debug("cron job expired, not armed", zap.String("cron_id", job.CronID))
		return false, nil, nil
	}
	next := sched.Next(now)
	if next.IsZero() || (job.EndTime != nil && next.After(*job.EndTime)) {
		s.logger.Debug("cron job has no firing before its end time", zap.String("cron_id", job.CronID))
		return false, nil, nil
	}

	var end *time.Time
	if job.EndTime != nil {
		t := *job.EndTime
		end = &t
	}
	a := &armed{
		cronID:   job.CronID,
		ownerID:  job.OwnerID,
		schedule: sched,
		endTime:  end,
	}
	cronID := job.CronID
	a.entry = s.runner.Schedule(bounded{Schedule: sched, end: end}, robfig.FuncJob(func() { s.run(cronID) }))
	s.jobs[cronID] = a
	s.metrics.SetCronJobsArmed(len(s.jobs))

	s.logger.Debug("cron job armed", zap.String("cron_id", cronID), zap.Time("next_run", next))
	return true, &next, nil
}

// RemoveJob disarms a job and reports whether it was armed.
func (s *Scheduler) RemoveJob(cronID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(cronID)
}

func (s *Scheduler) removeLocked(cronID string) bool {
	a, ok := s.jobs[cronID]
	if !ok {
		return false
	}
	s.runner.Remove(a.entry)
	delete(s.jobs, cronID)
	s.metrics.SetCronJobsArmed(len(s.jobs))
	return true
}

// JobInfo describes an armed job, or returns nil.
func (s *Scheduler) JobInfo(cronID string) *JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.jobs[cronID]
	if !ok {
		return nil
	}
	next := s.runner.Entry(a.entry).Next
	if next.IsZero() {
		next = a.schedule.Next(s.now().UTC())
	}
	return &JobInfo{CronID: a.cronID, OwnerID: a.ownerID, NextRun: next, EndTime: a.endTime}
}

// ActiveJobCount reports the number of armed jobs.
func (s *Scheduler) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// run handles one firing. A failing fire callback is logged and counted;
// the job stays armed for its next firing.
func (s *Scheduler) run(cronID string) {
	s.mu.Lock()
	a, ok := s.jobs[cronID]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	log := s.logger.With(zap.String("cron_id", cronID))

	if err := s.fire(ctx, a.cronID, a.ownerID); err != nil {
		log.Warn("cron firing failed", zap.Error(err))
		s.metrics.RecordCronFire("error")
	} else {
		log.Debug("cron fired")
		s.metrics.RecordCronFire("ok")
	}

	now := s.now().UTC()
	var next *time.Time
	if a.endTime == nil || now.Before(*a.endTime) {
		if n := a.schedule.Next(now); a.endTime == nil || !n.After(*a.endTime) {
			next = &n
		}
	}
	if next == nil {
		s.mu.Lock()
		if s.jobs[cronID] == a {
			s.removeLocked(cronID)
		}
		s.mu.Unlock()
		s.metrics.RecordCronFire("expired")
		log.Info("cron job reached its end time, disarmed")
	}
	if s.reschedule != nil {
		s.reschedule(ctx, cronID, next)
	}
}

// zapCronLogger adapts zap to the robfig runner's logger.
type zapCronLogger struct {
	s *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
