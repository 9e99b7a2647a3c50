package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	slackintegration "chatarchive/internal/integrations/slack"
	"chatarchive/internal/logging"
	"chatarchive/internal/metrics"

	"github.com/robfig/cron/v3"
)

// ErrSyncInProgress is returned when a sync is requested while one runs.
var ErrSyncInProgress = errors.New("workspace sync already in progress")

// WorkspaceSyncer runs one full import of a workspace.
type WorkspaceSyncer interface {
	SyncWorkspace(ctx context.Context, cred slackintegration.Credential) error
}

// SyncJob runs workspace syncs on a cron schedule and on demand. At most one
// sync runs at a time.
type SyncJob struct {
	syncer  WorkspaceSyncer
	cred    slackintegration.Credential
	timeout time.Duration

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error

	cron *cron.Cron
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewSyncJob(syncer WorkspaceSyncer, cred slackintegration.Credential, timeout time.Duration) *SyncJob {
	if timeout <= 0 {
		timeout = 6 * time.Hour
	}
	base, stop := context.WithCancel(context.Background())
	return &SyncJob{
		syncer:  syncer,
		cred:    cred,
		timeout: timeout,
		base:    base,
		stop:    stop,
	}
}

// Start schedules syncs. The schedule uses standard cron syntax or
// descriptors like "@every 1h".
func (j *SyncJob) Start(schedule string) error {
	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	j.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := j.cron.AddFunc(schedule, func() {
		if err := j.Run(j.base, "schedule"); err != nil && !errors.Is(err, ErrSyncInProgress) {
			slog.Error("Scheduled workspace sync failed", "error", err)
		}
	}); err != nil {
		return err
	}

	slog.Info("Starting sync scheduler", slog.String("schedule", schedule))
	j.cron.Start()
	return nil
}

// Trigger starts a sync in the background unless one is already running.
func (j *SyncJob) Trigger(trigger string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return ErrSyncInProgress
	}
	j.running = true

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if err := j.run(j.base, trigger); err != nil {
			slog.Error("Workspace sync failed", "trigger", trigger, "error", err)
		}
	}()
	return nil
}

// Run performs a sync synchronously.
func (j *SyncJob) Run(ctx context.Context, trigger string) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return ErrSyncInProgress
	}
	j.running = true
	j.mu.Unlock()

	return j.run(ctx, trigger)
}

func (j *SyncJob) run(ctx context.Context, trigger string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	logger := logging.LoggerFromContext(ctx).With(slog.String("trigger", trigger))
	ctx = logging.ContextWithLogger(ctx, logger)
	logger.Info("Starting workspace sync")

	err := j.syncer.SyncWorkspace(ctx, j.cred)

	duration := time.Since(start)
	metrics.SyncDuration.Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SyncRuns.WithLabelValues(trigger, status).Inc()

	j.mu.Lock()
	j.running = false
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	logger.Info("Completed workspace sync", slog.String("status", status), slog.Duration("duration", duration))
	return err
}

// Status reports whether a sync is running and how the last one ended.
func (j *SyncJob) Status() (running bool, lastRun time.Time, lastErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running, j.lastRun, j.lastErr
}

// Stop cancels any sync in flight, halts the scheduler and waits for
// running syncs to return.
func (j *SyncJob) Stop() {
	j.stop()
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.wg.Wait()
}
