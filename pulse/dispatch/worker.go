package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/budget"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/sym"
)

// Config bounds one poll cycle
type Config struct {
	BatchSize     int           // jobs claimed per cycle
	Workers       int           // concurrent Poster calls
	PosterTimeout time.Duration // per Post call, including any rate-limit wait
}

// DefaultConfig matches the shipped configuration
func DefaultConfig() Config {
	return Config{BatchSize: 10, Workers: 1, PosterTimeout: 30 * time.Second}
}

// CycleResult summarises one PollOnce
type CycleResult struct {
	CycleID  string        `json:"cycle_id"`
	Claimed  int           `json:"claimed"`
	Posted   int           `json:"posted"`
	Retrying int           `json:"retrying"`
	Review   int           `json:"review"`
	Errors   int           `json:"errors"` // outcomes that could not be recorded
	Duration time.Duration `json:"duration_ns"`
}

// Worker runs poll cycles against a store
type Worker struct {
	store    *queue.Store
	poster   Poster
	limiter  *budget.Limiter
	metrics  *Metrics
	cfg      Config
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithLimiter paces Poster calls; nil means unlimited
func WithLimiter(l *budget.Limiter) WorkerOption {
	return func(w *Worker) { w.limiter = l }
}

// WithMetrics records dispatch metrics
func WithMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a Worker
func NewWorker(store *queue.Store, poster Poster, cfg Config, log *zap.SugaredLogger, opts ...WorkerOption) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PosterTimeout <= 0 {
		cfg.PosterTimeout = def.PosterTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	w := &Worker{
		store:    store,
		poster:   poster,
		cfg:      cfg,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PollOnce claims due jobs and dispatches them, up to Workers at a time.
// It returns an error only when claiming fails; every job outcome, including
// a panicking Poster, is recorded on the job instead.
func (w *Worker) PollOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	result := CycleResult{CycleID: uuid.NewString()}
	ctx = logger.WithCycleID(ctx, result.CycleID)

	jobs, err := w.store.ClaimDue(ctx, w.store.Now(), w.cfg.BatchSize)
	if err != nil {
		return result, errors.Wrap(err, "failed to claim due jobs")
	}
	result.Claimed = len(jobs)
	if len(jobs) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			outcome := w.dispatch(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomePosted:
				result.Posted++
			case OutcomeRetry:
				result.Retrying++
			case OutcomeReview:
				result.Review++
			default:
				result.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	w.pulseLog.Infow("Dispatch cycle complete",
		logger.FieldCycleID, result.CycleID,
		"claimed", result.Claimed,
		"posted", result.Posted,
		"retrying", result.Retrying,
		"review", result.Review,
		"errors", result.Errors,
		logger.FieldDurationMS, result.Duration.Milliseconds())
	return result, nil
}

// dispatch posts one claimed job and records what happened
func (w *Worker) dispatch(ctx context.Context, job *queue.Job) string {
	log := logger.FromContext(logger.WithJobID(ctx, job.ID), w.logger)
	start := time.Now()
	externalID, postErr := w.post(ctx, job)
	took := time.Since(start)

	// Shutdown must not strand a claimed job, so outcomes are recorded even
	// after ctx is cancelled.
	recordCtx := context.WithoutCancel(ctx)

	if postErr == nil {
		if _, err := w.store.RecordSuccess(recordCtx, job.ID, externalID); err != nil {
			log.Errorw("Posted but failed to record success",
				logger.FieldExternalID, externalID,
				logger.FieldError, err)
			w.metrics.ObserveDispatch(OutcomeRecordError, took)
			return OutcomeRecordError
		}
		log.Debugw("Posted", logger.FieldExternalID, externalID, logger.FieldDurationMS, took.Milliseconds())
		w.metrics.ObserveDispatch(OutcomePosted, took)
		return OutcomePosted
	}

	c := Classify(postErr)
	cause := c.Code + ": " + c.Message
	updated, err := w.store.RecordFailure(recordCtx, job.ID, cause, c.Retryable)
	if err != nil {
		log.Errorw("Failed to record dispatch failure",
			logger.FieldErrorCode, c.Code,
			"cause", c.Message,
			logger.FieldError, err)
		w.metrics.ObserveDispatch(OutcomeRecordError, took)
		return OutcomeRecordError
	}

	if updated.Status == queue.StatusReview {
		logger.AddReviewSymbol(log).Warnw("Job moved to review",
			logger.FieldErrorCode, c.Code,
			logger.FieldAttempt, updated.AttemptCount,
			logger.FieldRetryable, c.Retryable,
			logger.FieldError, c.Message)
		w.metrics.ObserveDispatch(OutcomeReview, took)
		return OutcomeReview
	}

	log.Infow("Post failed, will retry",
		logger.FieldErrorCode, c.Code,
		logger.FieldAttempt, updated.AttemptCount,
		logger.FieldNextRetryAt, updated.NextRetryAt,
		logger.FieldError, c.Message)
	w.metrics.ObserveDispatch(OutcomeRetry, took)
	return OutcomeRetry
}

// post calls the Poster under the per-call timeout. A panic becomes a
// non-retryable PostError; an empty id counts as rejected because the post
// may already be public.
func (w *Worker) post(ctx context.Context, job *queue.Job) (externalID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pulseLog.Errorw("Poster panicked",
				logger.FieldJobID, job.ID,
				"panic", r,
				logger.FieldSymbol, sym.Review)
			externalID = ""
			err = &PostError{Code: CodePanic, Retryable: false, Err: errors.Newf("poster panicked: %v", r)}
		}
	}()

	postCtx, cancel := context.WithTimeout(ctx, w.cfg.PosterTimeout)
	defer cancel()

	if err := w.limiter.Wait(postCtx); err != nil {
		return "", errors.Wrap(err, "waiting for rate limit")
	}

	externalID, err = w.poster.Post(postCtx, job.ContentText)
	if err != nil {
		if errors.Is(postCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &PostError{Code: CodeTimeout, Retryable: true,
				Err: errors.Wrapf(err, "poster exceeded %s", w.cfg.PosterTimeout)}
		}
		return "", err
	}
	if strings.TrimSpace(externalID) == "" {
		return "", &PostError{Code: CodeRejected, Retryable: false,
			Err: errors.New("poster returned no post id")}
	}
	return externalID, nil
}
