package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/queue"
)

// CycleHook runs after every daemon cycle, e.g. to write a snapshot
type CycleHook func(ctx context.Context, result CycleResult)

// Daemon runs PollOnce on a cron cadence. A cycle that is still running when
// the next one is due, including the one Start runs, causes that tick to be skipped.
type Daemon struct {
	worker   *Worker
	store    *queue.Store
	metrics  *Metrics
	schedule cron.Schedule
	spec     string
	cron     *cron.Cron
	job      cron.Job // tick behind Recover and SkipIfStillRunning
	hooks    []CycleHook

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu        sync.Mutex
	lastCycle CycleResult
	lastErr   error
	cycles    int64
}

// NewDaemon parses spec ("@every 1m", "*/5 * * * *") and prepares a daemon
func NewDaemon(ctx context.Context, worker *Worker, spec string, metrics *Metrics, log *zap.SugaredLogger) (*Daemon, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "invalid dispatch cron %q", spec), errors.ErrInvalidInput),
			"use a 5-field cron expression or a descriptor such as @every 1m")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	daemonCtx, cancel := context.WithCancel(ctx)
	d := &Daemon{
		worker:   worker,
		store:    worker.store,
		metrics:  metrics,
		schedule: schedule,
		spec:     spec,
		ctx:      daemonCtx,
		cancel:   cancel,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}

	// One wrapped job shared by Start and the cron entry, so both go through
	// the same SkipIfStillRunning gate
	cronLog := cronLogger{log: log.Named("cron")}
	d.job = cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(d.tick))
	d.cron = cron.New(cron.WithLogger(cronLog))
	d.cron.Schedule(schedule, d.job)
	return d, nil
}

// OnCycle registers a hook run after each cycle
func (d *Daemon) OnCycle(hook CycleHook) {
	d.hooks = append(d.hooks, hook)
}

// Start reports stale claims left by a previous process, runs one cycle
// immediately, then hands over to the cron cadence.
func (d *Daemon) Start() {
	d.reportStaleClaims()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.job.Run()
	}()

	d.cron.Start()
	d.pulseLog.Infow("Dispatch daemon started", "cron", d.spec, "next", d.schedule.Next(time.Now()))
}

// Stop cancels in-flight cycles and waits for them to record their outcomes
func (d *Daemon) Stop() {
	d.cancel()
	<-d.cron.Stop().Done()
	d.wg.Wait()
	logger.AddPulseCloseSymbol(d.logger).Infow("Dispatch daemon stopped", "cycles", d.Cycles())
}

// Cycles returns how many cycles have run
func (d *Daemon) Cycles() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

// LastCycle returns the most recent cycle result and error
func (d *Daemon) LastCycle() (CycleResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCycle, d.lastErr
}

func (d *Daemon) tick() {
	if d.ctx.Err() != nil {
		return
	}

	result, err := d.worker.PollOnce(logger.WithComponent(d.ctx, "daemon"))

	d.mu.Lock()
	d.cycles++
	d.lastCycle, d.lastErr = result, err
	cycles := d.cycles
	d.mu.Unlock()

	if err != nil {
		// Don't spam logs - log errors at warn level
		d.pulseLog.Warnw("Dispatch cycle error", logger.FieldError, err, "cycle", cycles)
	}

	if counts, err := d.store.CountByStatus(d.ctx); err == nil {
		d.metrics.SetJobCounts(counts)
	} else if d.ctx.Err() == nil {
		d.pulseLog.Warnw("Failed to count jobs", logger.FieldError, err)
	}

	for _, hook := range d.hooks {
		hook(d.ctx, result)
	}
}

// reportStaleClaims logs jobs left dispatching by a crashed process. The next
// ClaimDue reclaims them once they pass stale_after.
func (d *Daemon) reportStaleClaims() {
	openLog := logger.AddPulseOpenSymbol(d.logger)
	jobs, err := d.store.List(d.ctx, queue.Filter{Status: queue.StatusDispatching})
	if err != nil {
		openLog.Warnw("Failed to list in-flight jobs", logger.FieldError, err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	staleBefore := d.store.Now().Add(-d.store.Config().StaleAfter)
	stale := 0
	for _, job := range jobs {
		if job.ClaimedAt != nil && !job.ClaimedAt.After(staleBefore) {
			stale++
		}
	}
	openLog.Infow("Found in-flight jobs from a previous run",
		logger.FieldCount, len(jobs),
		"stale", stale,
		"stale_after", d.store.Config().StaleAfter)
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
