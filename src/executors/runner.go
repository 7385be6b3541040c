// Package executors runs periodic jobs: cron-scheduled tasks gated by an optional
// predicate, and plain ticker loops.
package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/apperrors"
	"brokerledger/src/utils"
)

// Job is a named task on a five-field cron schedule. When Gate is set the job only runs
// at instants it accepts.
type Job struct {
	Name     string
	Schedule string
	Gate     func(time.Time) bool
	Run      func(ctx context.Context) error
}

// cronLogger routes cron's own messages to logrus.
type cronLogger struct {
	entry *logger.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	fields := logger.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

type Runner struct {
	cron       *cron.Cron
	timeout    time.Duration
	exceptions utils.ExceptionRecorder
	log        *logger.Entry

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// NewRunner creates a runner evaluating schedules in loc. Overlapping runs of the same job are skipped
// and panics are recovered.
func NewRunner(loc *time.Location, timeout time.Duration) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	entry := logger.WithField("component", "JobRunner")
	cl := cronLogger{entry: entry}

	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		log:     entry,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// NewRunnerFromConfig builds a runner from the environment.
func NewRunnerFromConfig() (*Runner, error) {
	cfg := GetConfig()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Timezone, err)
	}
	return NewRunner(loc, cfg.JobTimeout), nil
}

// SetExceptionRecorder persists job failures.
func (r *Runner) SetExceptionRecorder(rec utils.ExceptionRecorder) {
	r.exceptions = rec
}

// Add registers a job. Names must be unique and schedules valid.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return apperrors.Validation("job needs a name and a run function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entries[job.Name]; dup {
		return apperrors.Validation("job %q already registered", job.Name)
	}

	id, err := r.cron.AddFunc(job.Schedule, func() { r.runJob(job) })
	if err != nil {
		return apperrors.Validation("job %q: invalid schedule %q: %v", job.Name, job.Schedule, err)
	}
	r.entries[job.Name] = id

	r.log.WithFields(map[string]interface{}{
		"job":      job.Name,
		"schedule": job.Schedule,
	}).Info("Job registered")
	return nil
}

// Next returns the next activation of a registered job.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

func (r *Runner) baseContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// runJob executes one activation with the configured timeout.
func (r *Runner) runJob(job Job) {
	now := time.Now()
	entry := r.log.WithField("job", job.Name)

	if job.Gate != nil && !job.Gate(now) {
		entry.Debug("Job gated off")
		return
	}

	ctx := r.baseContext()
	if ctx.Err() != nil {
		return
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err := job.Run(ctx)
	elapsed := time.Since(now)

	switch {
	case err == nil:
		entry.WithField("elapsed", elapsed.String()).Debug("Job finished")
	case errors.Is(err, apperrors.ErrCircuitOpen):
		entry.Debug("Job skipped, circuit open")
	default:
		entry.WithError(err).WithField("elapsed", elapsed.String()).Error("Job failed")
		utils.Capture(ctx, r.exceptions, "executors", job.Name, "error", err, nil)
	}
}

// RunNow executes a registered-style job immediately, honoring its gate.
func (r *Runner) RunNow(job Job) {
	r.runJob(job)
}

// Start runs the schedule until ctx is done, then waits for running jobs to finish.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.log.WithField("jobs", len(r.cron.Entries())).Info("Job runner started")

	<-ctx.Done()

	stopped := r.cron.Stop()
	<-stopped.Done()
	r.log.Info("Job runner stopped")
	return nil
}
