package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// TickStatus represents the lifecycle state of one ingester tick, per
// spec.md §4.9's Idle -> Claimed -> Collecting -> Transforming ->
// Storing -> Published -> Idle state machine. The scheduler only
// distinguishes the coarse states it needs for status reporting; the
// fine-grained transitions live in Orchestrator.tick.
type TickStatus int

const (
	TickPending   TickStatus = 1
	TickRunning   TickStatus = 2
	TickCompleted TickStatus = 3
	TickFailed    TickStatus = 4
)

// TickProgress tracks progress counters and errors for one ingester's
// most recent tick. Methods are safe for concurrent use.
type TickProgress struct {
	mu              sync.RWMutex
	Status          TickStatus
	FieldsTotal     int
	FieldsSucceeded int
	Error           string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// SetRunning transitions the tick to Running.
func (p *TickProgress) SetRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = TickRunning
}

// Complete transitions the tick to Completed, recording how many of the
// ingester's fields transformed successfully (spec.md §4.5: a tick that
// transforms zero fields skips the store step but is not a failure).
func (p *TickProgress) Complete(now time.Time, succeeded, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = TickCompleted
	p.FieldsSucceeded = succeeded
	p.FieldsTotal = total
	p.CompletedAt = now
}

// Fail transitions the tick to Failed with an error message. Per
// spec.md §4.9, a failed tick rolls the ingester back to Idle without
// releasing its claim — hand-off to another worker waits for the TTL.
func (p *TickProgress) Fail(now time.Time, err string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = TickFailed
	p.Error = err
	p.CompletedAt = now
}

// JobInfo describes a registered job for external inspection.
type JobInfo struct {
	ID          string
	Name        string
	Description string
	Schedule    string // cron expression, or "once" for one-time jobs
	LastRun     time.Time
	NextRun     time.Time
	Progress    *TickProgress
}

// Snapshot returns a read-consistent copy of the JobInfo's progress fields.
func (info JobInfo) Snapshot() JobInfo {
	if info.Progress == nil {
		return info
	}
	p := info.Progress
	p.mu.RLock()
	defer p.mu.RUnlock()
	info.Progress = &TickProgress{
		Status:          p.Status,
		FieldsTotal:     p.FieldsTotal,
		FieldsSucceeded: p.FieldsSucceeded,
		Error:           p.Error,
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
	}
	return info
}

// cronEntry remembers a cron job's definition so it can be re-registered
// when the scheduler is rebuilt (e.g. to change the concurrency limit).
type cronEntry struct {
	name        string
	cron        string
	withSeconds bool
	taskFn      any
	args        []any
}

// Scheduler is the shared cron scheduler for the orchestrator: one
// gocron job per ingester, named by ingester id and driven by the cron
// expression derived from the ingester's interval symbol (spec.md §4.7).
type Scheduler struct {
	mu            sync.Mutex
	scheduler     gocron.Scheduler
	jobs          map[string]gocron.Job   // name -> job
	schedules     map[string]string       // name -> cron expression (for ListJobs)
	descriptions  map[string]string       // name -> human-readable description
	cronEntries   map[string]cronEntry    // name -> definition (for rebuild)
	progress      map[string]*TickProgress // gocron job ID -> progress (one-time jobs)
	completed     map[string]JobInfo       // gocron job ID -> info (retained after gocron removes one-time jobs)
	maxConcurrent int
	now           func() time.Time
	logger        *slog.Logger
}

func newScheduler(logger *slog.Logger, maxConcurrent int, now func() time.Time) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	sched := &Scheduler{
		scheduler:     s,
		jobs:          make(map[string]gocron.Job),
		schedules:     make(map[string]string),
		descriptions:  make(map[string]string),
		cronEntries:   make(map[string]cronEntry),
		progress:      make(map[string]*TickProgress),
		completed:     make(map[string]JobInfo),
		maxConcurrent: maxConcurrent,
		now:           now,
		logger:        logger,
	}
	// Start immediately so RunOnce jobs execute even without explicit Start().
	s.Start()
	return sched, nil
}

// MaxConcurrent returns the current concurrency limit.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// Rebuild recreates the gocron scheduler with a new concurrency limit,
// re-registering all cron jobs. One-time jobs are ephemeral and not preserved.
func (s *Scheduler) Rebuild(maxConcurrent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("error shutting down old scheduler during rebuild", "error", err)
	}

	gs, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait),
	)
	if err != nil {
		return fmt.Errorf("rebuild scheduler: %w", err)
	}

	s.scheduler = gs
	s.maxConcurrent = maxConcurrent
	s.jobs = make(map[string]gocron.Job, len(s.cronEntries))
	s.schedules = make(map[string]string, len(s.cronEntries))
	oldDescs := s.descriptions
	s.descriptions = make(map[string]string, len(s.cronEntries))

	for _, entry := range s.cronEntries {
		j, err := gs.NewJob(
			gocron.CronJob(entry.cron, entry.withSeconds),
			gocron.NewTask(entry.taskFn, entry.args...),
			gocron.WithName(entry.name),
		)
		if err != nil {
			s.logger.Error("failed to re-register job during rebuild", "name", entry.name, "error", err)
			continue
		}
		s.jobs[entry.name] = j
		s.schedules[entry.name] = entry.cron
		if desc, ok := oldDescs[entry.name]; ok {
			s.descriptions[entry.name] = desc
		}
	}

	gs.Start()
	s.logger.Info("scheduler rebuilt", "max_concurrent", maxConcurrent, "jobs", len(s.jobs))
	return nil
}

// AddJob registers a named cron job. name must be unique — spec.md §4.7
// treats a duplicate ingester id as a bootstrap error. withSeconds
// enables sub-minute precision for the "sN" interval symbols
// (internal/interval.HasSeconds decides this per caller).
func (s *Scheduler) AddJob(name, cronExpr string, withSeconds bool, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, withSeconds),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = cronExpr
	s.cronEntries[name] = cronEntry{name: name, cron: cronExpr, withSeconds: withSeconds, taskFn: taskFn, args: args}
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(s.jobs, name)
	delete(s.schedules, name)
	delete(s.descriptions, name)
	delete(s.cronEntries, name)
	s.logger.Info("scheduled job removed", "name", name)
}

// UpdateJob replaces a named job with a new schedule. If the job doesn't exist,
// it is created.
func (s *Scheduler) UpdateJob(name, cronExpr string, withSeconds bool, taskFn any, args ...any) error {
	s.RemoveJob(name)
	return s.AddJob(name, cronExpr, withSeconds, taskFn, args...)
}

// HasJob returns true if a job with the given name exists.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Describe sets a human-readable description for a named job.
func (s *Scheduler) Describe(name, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptions[name] = description
}

// ListJobs returns info about all registered cron and one-time jobs,
// plus recently completed one-time jobs retained for status polling.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupCompletedLocked()

	infos := make([]JobInfo, 0, len(s.jobs)+len(s.completed))

	for name, j := range s.jobs {
		id := j.ID().String()
		info := JobInfo{
			ID:          id,
			Name:        name,
			Description: s.descriptions[name],
			Schedule:    s.schedules[name],
			Progress:    s.progress[id],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}

	for _, info := range s.completed {
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b JobInfo) int {
		aScheduled := a.Schedule != "" && a.Schedule != "once"
		bScheduled := b.Schedule != "" && b.Schedule != "once"
		if aScheduled != bScheduled {
			if aScheduled {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Name, b.Name)
	})

	return infos
}

// GetJob returns info about a single job by gocron ID.
func (s *Scheduler) GetJob(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.completed[id]; ok {
		return info, true
	}

	for name, j := range s.jobs {
		jID := j.ID().String()
		if jID == id {
			info := JobInfo{
				ID:          jID,
				Name:        name,
				Description: s.descriptions[name],
				Schedule:    s.schedules[name],
				Progress:    s.progress[jID],
			}
			if lr, err := j.LastRun(); err == nil {
				info.LastRun = lr
			}
			if nr, err := j.NextRun(); err == nil {
				info.NextRun = nr
			}
			return info, true
		}
	}

	return JobInfo{}, false
}

// JobSchedule returns the cron expression for a named job, or "" if not found.
func (s *Scheduler) JobSchedule(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules[name]
}

// Start is a no-op — the scheduler starts eagerly at creation time so that
// RunOnce jobs can execute without requiring an explicit Start() call.
func (s *Scheduler) Start() {}

// RunOnce schedules a one-time job that runs immediately, e.g. an
// ingester's first tick without waiting for its next cron match.
func (s *Scheduler) RunOnce(name string, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(_ uuid.UUID, jobName string) {
				s.completeOneTimeJob(jobName)
			}),
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, _ error) {
				s.completeOneTimeJob(jobName)
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("create one-time job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = "once"
	s.logger.Info("one-time job scheduled", "name", name)
	return nil
}

// Submit schedules a one-time job with progress tracking. Returns the
// gocron job ID. fn receives a context detached from the caller and a
// TickProgress for reporting progress.
func (s *Scheduler) Submit(name string, fn func(context.Context, *TickProgress)) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog := &TickProgress{
		Status:    TickPending,
		StartedAt: s.now(),
	}

	wrapper := func() {
		prog.SetRunning()
		ctx := context.WithoutCancel(context.Background())
		fn(ctx, prog)
		prog.mu.RLock()
		status := prog.Status
		prog.mu.RUnlock()
		if status == TickRunning {
			prog.Complete(s.now(), 0, 0)
		}
		s.logger.Info("job finished", "name", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(wrapper),
		gocron.WithName(name),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(_ uuid.UUID, jobName string) {
				s.completeOneTimeJob(jobName)
			}),
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, _ error) {
				s.completeOneTimeJob(jobName)
			}),
		),
	)
	if err != nil {
		s.logger.Error("failed to schedule job", "name", name, "error", err)
		prog.Fail(s.now(), "failed to schedule: "+err.Error())
		failedID := uuid.Must(uuid.NewV7()).String()
		s.completed[failedID] = JobInfo{
			ID:          failedID,
			Name:        name,
			Description: s.descriptions[name],
			Schedule:    "once",
			Progress:    prog,
		}
		return failedID
	}

	id := j.ID().String()
	s.jobs[name] = j
	s.schedules[name] = "once"
	s.progress[id] = prog
	s.logger.Info("job submitted", "name", name, "id", id)
	return id
}

// completeOneTimeJob moves a finished one-time job from the active maps
// to the completed map so its progress remains available for polling.
func (s *Scheduler) completeOneTimeJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}

	id := j.ID().String()
	info := JobInfo{
		ID:          id,
		Name:        name,
		Description: s.descriptions[name],
		Schedule:    "once",
		Progress:    s.progress[id],
	}
	if lr, err := j.LastRun(); err == nil {
		info.LastRun = lr
	}

	s.completed[id] = info
	delete(s.jobs, name)
	delete(s.schedules, name)
	delete(s.descriptions, name)
	delete(s.progress, id)
}

// cleanupCompletedLocked removes completed jobs older than 1 hour.
// Must be called with s.mu held.
func (s *Scheduler) cleanupCompletedLocked() {
	cutoff := s.now().Add(-1 * time.Hour)
	for id, info := range s.completed {
		if info.Progress == nil {
			delete(s.completed, id)
			continue
		}
		info.Progress.mu.RLock()
		completedAt := info.Progress.CompletedAt
		info.Progress.mu.RUnlock()
		if !completedAt.IsZero() && completedAt.Before(cutoff) {
			delete(s.completed, id)
		}
	}
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
