// Package cron runs stored snapshot jobs on their schedules.
package cron

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"

	"github.com/FulgerX2007/chartsnap/pkg/export"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/source"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

// checkSpec fires the due-job check every minute at second 0
const checkSpec = "0 * * * * *"

// Renderer turns a request into image bytes. *render.Manager implements it.
type Renderer interface {
	Render(ctx context.Context, req *model.RenderRequest, deadline time.Duration) ([]byte, error)
}

// Options configures a Scheduler
type Options struct {
	MaxConcurrent int
	MaxRetries    int
	// Deadline is passed to every render; zero uses the renderer default
	Deadline time.Duration
	Logger   *log.Logger
}

// Scheduler executes due snapshot jobs
type Scheduler struct {
	store      *store.Store
	renderer   Renderer
	source     source.Source
	cron       *cron.Cron
	workerPool chan struct{}
	maxRetries int
	deadline   time.Duration
	backoff    func(attempt int) time.Duration
	logger     *log.Logger

	baseCtx context.Context
	running sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(st *store.Store, renderer Renderer, src source.Source, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:      st,
		renderer:   renderer,
		source:     src,
		cron:       cron.New(cron.WithSeconds()),
		workerPool: make(chan struct{}, opts.MaxConcurrent),
		maxRetries: opts.MaxRetries,
		deadline:   opts.Deadline,
		backoff:    quadraticBackoff,
		logger:     logger.WithPrefix("cron"),
		baseCtx:    context.Background(),
	}
}

func quadraticBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

// Start begins checking for due jobs. Executions inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx
	entryID, err := s.cron.AddFunc(checkSpec, s.checkDueJobs)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "spec", checkSpec, "entry", entryID, "max_concurrent", cap(s.workerPool))
	return nil
}

// Stop stops the ticker and waits for executions in flight
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

// checkDueJobs executes every job whose next run has passed
func (s *Scheduler) checkDueJobs() {
	now := time.Now()
	jobs, err := s.store.GetDueJobs(now)
	if err != nil {
		s.logger.Error("failed to get due jobs", "err", err)
		return
	}
	if len(jobs) == 0 {
		s.logger.Debug("no due jobs")
		return
	}

	s.logger.Info("found due jobs", "count", len(jobs))
	for _, job := range jobs {
		// Advance next run first so a slow execution is never picked up twice
		nextRun := NextRun(job, now)
		job.NextRunAt = &nextRun
		if err := s.store.UpdateJob(job); err != nil {
			s.logger.Error("failed to advance next run", "job", job.ID, "err", err)
			continue
		}
		s.logger.Debug("advanced next run", "job", job.ID, "next_run", nextRun.Format(time.RFC3339))

		s.ExecuteJob(job)
	}
}

// ExecuteJob runs a job in the background (manual runs and due jobs)
func (s *Scheduler) ExecuteJob(job *model.SnapshotJob) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.executeJob(s.baseCtx, job)
	}()
}

// RunNow executes a job synchronously and returns its finished run record
func (s *Scheduler) RunNow(ctx context.Context, job *model.SnapshotJob) (*model.Run, error) {
	return s.executeJob(ctx, job)
}

// executeJob executes a single job and records the outcome
func (s *Scheduler) executeJob(ctx context.Context, job *model.SnapshotJob) (*model.Run, error) {
	select {
	case s.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.workerPool }()

	format := job.Format
	if format == "" {
		format = model.FormatPNG
	}
	run := &model.Run{
		JobID:     job.ID,
		RequestID: uuid.NewString(),
		StartedAt: time.Now(),
		Status:    model.RunRunning,
		Format:    format,
	}
	if err := s.store.CreateRun(run); err != nil {
		s.logger.Error("failed to create run record", "job", job.ID, "err", err)
		return nil, err
	}

	logger := s.logger.With("job", job.ID, "run", run.ID)
	logger.Info("executing job", "name", job.Name)

	err := s.executeWithRetry(ctx, job, run, logger)

	now := time.Now()
	run.FinishedAt = &now
	if err != nil {
		run.Status = model.RunFailed
		run.ErrorKind = model.KindOf(err).String()
		run.ErrorText = err.Error()
		logger.Warn("job failed", "kind", run.ErrorKind, "err", err)
	} else {
		run.Status = model.RunCompleted
		logger.Info("job completed", "size", humanize.Bytes(uint64(run.Bytes)), "elapsed", now.Sub(run.StartedAt).Round(time.Millisecond))
	}

	if err := s.store.UpdateRun(run); err != nil {
		logger.Error("failed to update run record", "err", err)
	}

	job.LastRunAt = &run.StartedAt
	if err := s.store.UpdateJob(job); err != nil {
		logger.Error("failed to update job last run time", "err", err)
	}
	return run, nil
}

// executeWithRetry retries only failures a fresh worker might not repeat
func (s *Scheduler) executeWithRetry(ctx context.Context, job *model.SnapshotJob, run *model.Run, logger *log.Logger) error {
	var lastErr error

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt)
			logger.Info("retrying job", "attempt", attempt+1, "max", s.maxRetries, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("retry abandoned: %w", lastErr)
			}
		}

		err := s.executeJobOnce(ctx, job, run)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("attempt failed", "attempt", attempt+1, "kind", model.KindOf(err), "err", err)

		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", s.maxRetries, lastErr)
}

func retryable(err error) bool {
	switch model.KindOf(err) {
	case model.KindSpawn, model.KindTimeout, model.KindWorker:
		return true
	}
	return false
}

// executeJobOnce fetches the job's data, renders it and stores the artifact on run
func (s *Scheduler) executeJobOnce(ctx context.Context, job *model.SnapshotJob, run *model.Run) error {
	to := time.Now().UTC()
	from := to.Add(-job.LookbackDuration())

	data, err := s.source.Fetch(ctx, job.Query, from, to)
	if err != nil {
		return model.Wrap(model.KindInput, "failed to fetch data", err)
	}

	img, err := s.renderer.Render(ctx, model.NewDataRequest(data, job.Config), s.deadline)
	if err != nil {
		return err
	}

	artifact, _, err := export.Convert(img, run.Format, job.Config.Title)
	if err != nil {
		return model.Wrap(model.KindWorker, "failed to export artifact", err)
	}

	run.ArtifactData = artifact
	run.Bytes = int64(len(artifact))
	run.Checksum = fmt.Sprintf("%x", sha256.Sum256(artifact))
	return nil
}

// NextRun returns the first firing of job's schedule after now, in UTC.
// An empty cron expression is derived from the interval type.
func NextRun(job *model.SnapshotJob, now time.Time) time.Time {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now = now.In(loc)

	expr, err := cronexpr.Parse(CronFor(job))
	if err != nil {
		return now.Add(1 * time.Hour).UTC().Truncate(time.Second)
	}

	// Truncation also strips the monotonic clock reading
	return expr.Next(now).UTC().Truncate(time.Second)
}

// CronFor returns the job's cron expression, generating one from its interval type when unset
func CronFor(job *model.SnapshotJob) string {
	if job.CronExpr != "" {
		return job.CronExpr
	}
	switch job.IntervalType {
	case "weekly":
		return "0 0 * * 1"
	case "monthly":
		return "0 0 1 * *"
	default:
		return "0 0 * * *"
	}
}
