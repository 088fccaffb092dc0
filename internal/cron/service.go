package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/internal/registry"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// on_run_completed values.
const (
	OnRunCompletedDelete = "delete"
	OnRunCompletedKeep   = "keep"
)

// Search bounds.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 1000
)

// Runs is the part of the thread/run registry the cron service drives.
type Runs interface {
	GetThread(ctx context.Context, owner, threadID string) (*storage.Thread, error)
	CreateThread(ctx context.Context, owner string, req registry.CreateThreadRequest) (*storage.Thread, error)
	CreateRun(ctx context.Context, owner, threadID string, req registry.RunRequest) (*registry.RunHandle, error)
	OnThreadDeleted(hook registry.DeleteHook)
}

// Options configures a Service.
type Options struct {
	WebhookValidator registry.URLValidator
	Metrics          *observability.Metrics
	Logger           *zap.Logger
}

// Service stores cron jobs and creates a run every time one fires.
type Service struct {
	backend    storage.Backend
	runs       Runs
	assistants *agent.Registry
	validator  registry.URLValidator
	scheduler  *Scheduler
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a cron service with its own stopped scheduler and
// subscribes to thread deletions so thread-scoped jobs go with their thread.
func NewService(backend storage.Backend, runs Runs, assistants *agent.Registry, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		backend:    backend,
		runs:       runs,
		assistants: assistants,
		validator:  opts.WebhookValidator,
		logger:     logger.Named("cron"),
		now:        time.Now,
	}
	s.scheduler = NewScheduler(SchedulerOptions{
		Fire:       s.fire,
		Reschedule: s.reschedule,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	runs.OnThreadDeleted(s.threadDeleted)
	return s
}

// Scheduler exposes the job timers.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Start re-arms every stored job that can still fire and starts the timers.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.backend.ListCrons(ctx, "")
	if err != nil {
		return fmt.Errorf("list cron jobs: %w", err)
	}
	armedCount := 0
	for _, job := range jobs {
		ok, next, err := s.scheduler.AddJob(job)
		if err != nil {
			s.logger.Warn("skip stored cron job", zap.String("cron_id", job.CronID), zap.Error(err))
			continue
		}
		if ok {
			armedCount++
		}
		job.NextRunDate = next
		if err := s.backend.PutCron(ctx, job); err != nil {
			s.logger.Warn("store next run date", zap.String("cron_id", job.CronID), zap.Error(err))
		}
	}
	s.scheduler.Start()
	s.logger.Info("cron jobs restored", zap.Int("stored", len(jobs)), zap.Int("armed", armedCount))
	return nil
}

// Shutdown disarms every timer. Runs already created keep going.
func (s *Service) Shutdown() {
	s.scheduler.Shutdown()
}

// CreateRequest describes a new cron job.
type CreateRequest struct {
	Schedule        string
	AssistantID     string
	ThreadID        string
	EndTime         *time.Time
	Input           json.RawMessage
	Metadata        map[string]any
	Config          map[string]any
	Context         map[string]any
	Webhook         string
	InterruptBefore []string
	InterruptAfter  []string
	OnRunCompleted  string
}

func (s *Service) validate(ctx context.Context, owner string, req *CreateRequest) error {
	if strings.TrimSpace(req.Schedule) == "" {
		return apperr.Validation("schedule is required")
	}
	if _, err := Parse(req.Schedule); err != nil {
		return err
	}
	if req.AssistantID == "" {
		return apperr.Validation("assistant_id is required")
	}
	if req.EndTime != nil && !req.EndTime.After(s.now()) {
		return apperr.Validation("end_time %s is in the past", req.EndTime.Format(time.RFC3339))
	}
	switch req.OnRunCompleted {
	case "", OnRunCompletedKeep:
	case OnRunCompletedDelete:
		if req.ThreadID != "" {
			return apperr.Validation("on_run_completed=delete is only allowed for crons without a thread")
		}
	default:
		return apperr.Validation("invalid on_run_completed %q: must be delete or keep", req.OnRunCompleted)
	}
	if _, err := executor.DecodeInput(req.Input); err != nil {
		return apperr.Validation("invalid input: %v", err)
	}
	if req.Webhook != "" && s.validator != nil {
		if err := s.validator.ValidateURL(req.Webhook); err != nil {
			return apperr.Validation("invalid webhook: %v", err)
		}
	}
	if req.ThreadID != "" {
		if _, err := s.runs.GetThread(ctx, owner, req.ThreadID); err != nil {
			return err
		}
	}
	return nil
}

// Create stores a cron job for owner and arms it. A job whose end time
// leaves no future firing is stored but not armed.
func (s *Service) Create(ctx context.Context, owner string, req CreateRequest) (*storage.CronJob, error) {
	if err := s.validate(ctx, owner, &req); err != nil {
		return nil, err
	}
	assistant, _, err := s.assistants.Resolve(req.AssistantID)
	if err != nil {
		return nil, apperr.NotFound("Assistant %s not found", req.AssistantID)
	}

	now := s.now().UTC()
	job := &storage.CronJob{
		CronID:      uuid.New().String(),
		Schedule:    strings.Join(strings.Fields(req.Schedule), " "),
		AssistantID: assistant.AssistantID,
		ThreadID:    req.ThreadID,
		Payload: storage.CronPayload{
			Input:           req.Input,
			Metadata:        req.Metadata,
			Config:          req.Config,
			Context:         req.Context,
			Webhook:         req.Webhook,
			InterruptBefore: req.InterruptBefore,
			InterruptAfter:  req.InterruptAfter,
			OnRunCompleted:  req.OnRunCompleted,
		},
		EndTime:   utc(req.EndTime),
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sched, err := Parse(job.Schedule); err == nil {
		next := sched.Next(now)
		job.NextRunDate = &next
	}
	if err := s.backend.PutCron(ctx, job); err != nil {
		return nil, fmt.Errorf("store cron job: %w", err)
	}

	armed, next, err := s.scheduler.AddJob(job)
	if err != nil {
		return nil, err
	}
	if !armed || !next.Equal(*job.NextRunDate) {
		job.NextRunDate = next
		if err := s.backend.PutCron(ctx, job); err != nil {
			return nil, fmt.Errorf("store cron job: %w", err)
		}
	}
	s.logger.Info("cron job created",
		zap.String("cron_id", job.CronID),
		zap.String("schedule", job.Schedule),
		zap.String("thread_id", job.ThreadID),
		zap.Bool("armed", armed),
	)
	return job, nil
}

// Get returns a cron job of owner.
func (s *Service) Get(ctx context.Context, owner, cronID string) (*storage.CronJob, error) {
	job, err := s.backend.GetCron(ctx, cronID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Cron %s not found", cronID)
	}
	if err != nil {
		return nil, fmt.Errorf("load cron job: %w", err)
	}
	if job.OwnerID != owner {
		return nil, apperr.NotFound("Cron %s not found", cronID)
	}
	return job, nil
}

// Delete disarms and removes a cron job of owner.
func (s *Service) Delete(ctx context.Context, owner, cronID string) error {
	if _, err := s.Get(ctx, owner, cronID); err != nil {
		return err
	}
	s.scheduler.RemoveJob(cronID)
	if err := s.backend.DeleteCron(ctx, cronID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete cron job: %w", err)
	}
	s.logger.Info("cron job deleted", zap.String("cron_id", cronID))
	return nil
}

// SearchRequest filters and orders cron jobs.
type SearchRequest struct {
	AssistantID string
	ThreadID    string
	Limit       int
	Offset      int
	SortBy      string
	SortOrder   string
}

func timeLess(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	}
	return a.Before(*b)
}

var cronSortFields = map[string]func(a, b *storage.CronJob) bool{
	"cron_id":       func(a, b *storage.CronJob) bool { return a.CronID < b.CronID },
	"assistant_id":  func(a, b *storage.CronJob) bool { return a.AssistantID < b.AssistantID },
	"thread_id":     func(a, b *storage.CronJob) bool { return a.ThreadID < b.ThreadID },
	"next_run_date": func(a, b *storage.CronJob) bool { return timeLess(a.NextRunDate, b.NextRunDate) },
	"end_time":      func(a, b *storage.CronJob) bool { return timeLess(a.EndTime, b.EndTime) },
	"created_at":    func(a, b *storage.CronJob) bool { return a.CreatedAt.Before(b.CreatedAt) },
	"updated_at":    func(a, b *storage.CronJob) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
}

func (req *SearchRequest) validate() error {
	if req.SortBy != "" {
		if _, ok := cronSortFields[req.SortBy]; !ok {
			return apperr.Validation("invalid sort_by %q", req.SortBy)
		}
	}
	switch strings.ToLower(req.SortOrder) {
	case "", "asc", "desc":
	default:
		return apperr.Validation("invalid sort_order %q: must be asc or desc", req.SortOrder)
	}
	if req.Offset < 0 {
		return apperr.Validation("offset must not be negative")
	}
	return nil
}

// Search lists owner's cron jobs, oldest first unless sorted otherwise.
func (s *Service) Search(ctx context.Context, owner string, req SearchRequest) ([]*storage.CronJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	jobs, err := s.filter(ctx, owner, req)
	if err != nil {
		return nil, err
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	less := cronSortFields[sortBy]
	desc := strings.EqualFold(req.SortOrder, "desc")
	sort.SliceStable(jobs, func(i, j int) bool {
		if desc {
			return less(jobs[j], jobs[i])
		}
		return less(jobs[i], jobs[j])
	})

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	if req.Offset >= len(jobs) {
		return []*storage.CronJob{}, nil
	}
	jobs = jobs[req.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Count counts owner's cron jobs matching the filters of req.
func (s *Service) Count(ctx context.Context, owner string, req SearchRequest) (int, error) {
	jobs, err := s.filter(ctx, owner, req)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *Service) filter(ctx context.Context, owner string, req SearchRequest) ([]*storage.CronJob, error) {
	all, err := s.backend.ListCrons(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	out := all[:0]
	for _, job := range all {
		if req.AssistantID != "" && job.AssistantID != req.AssistantID {
			continue
		}
		if req.ThreadID != "" && job.ThreadID != req.ThreadID {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// fire creates one run from a stored job. Jobs without a thread get a fresh
// thread per firing, deleted after the run unless on_run_completed is keep.
func (s *Service) fire(ctx context.Context, cronID, ownerID string) error {
	job, err := s.backend.GetCron(ctx, cronID)
	if errors.Is(err, storage.ErrNotFound) {
		s.scheduler.RemoveJob(cronID)
		return fmt.Errorf("cron %s no longer stored", cronID)
	}
	if err != nil {
		return fmt.Errorf("load cron job: %w", err)
	}
	if job.OwnerID != ownerID {
		return fmt.Errorf("cron %s owner changed", cronID)
	}

	threadID := job.ThreadID
	onCompletion := job.Payload.OnRunCompleted
	if threadID == "" {
		thread, err := s.runs.CreateThread(ctx, ownerID, registry.CreateThreadRequest{
			Metadata: map[string]any{"cron_id": cronID},
		})
		if err != nil {
			return fmt.Errorf("create cron thread: %w", err)
		}
		threadID = thread.ThreadID
		if onCompletion == "" {
			onCompletion = OnRunCompletedDelete
		}
	}

	metadata := copyMeta(job.Payload.Metadata)
	metadata["cron_id"] = cronID
	handle, err := s.runs.CreateRun(ctx, ownerID, threadID, registry.RunRequest{
		AssistantID:       job.AssistantID,
		MultitaskStrategy: storage.MultitaskEnqueue,
		Input:             job.Payload.Input,
		Metadata:          metadata,
		Config:            job.Payload.Config,
		Context:           job.Payload.Context,
		InterruptBefore:   job.Payload.InterruptBefore,
		InterruptAfter:    job.Payload.InterruptAfter,
		Webhook:           job.Payload.Webhook,
		OnCompletion:      onCompletion,
	})
	if err != nil {
		return fmt.Errorf("create cron run: %w", err)
	}
	s.logger.Info("cron run created",
		zap.String("cron_id", cronID),
		zap.String("run_id", handle.Run.RunID),
		zap.String("thread_id", threadID),
	)
	return nil
}

func (s *Service) reschedule(ctx context.Context, cronID string, next *time.Time) {
	job, err := s.backend.GetCron(ctx, cronID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("load cron job for reschedule", zap.String("cron_id", cronID), zap.Error(err))
		}
		return
	}
	job.NextRunDate = next
	job.UpdatedAt = s.now().UTC()
	if err := s.backend.PutCron(ctx, job); err != nil {
		s.logger.Warn("store next run date", zap.String("cron_id", cronID), zap.Error(err))
	}
}

// threadDeleted removes the jobs scoped to a deleted thread.
func (s *Service) threadDeleted(ctx context.Context, threadID string) {
	jobs, err := s.backend.ListCrons(ctx, "")
	if err != nil {
		s.logger.Warn("list cron jobs for deleted thread", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.ThreadID != threadID {
			continue
		}
		s.scheduler.RemoveJob(job.CronID)
		if err := s.backend.DeleteCron(ctx, job.CronID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("delete cron job of deleted thread", zap.String("cron_id", job.CronID), zap.Error(err))
		}
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
