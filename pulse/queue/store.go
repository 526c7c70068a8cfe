package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/internal/util"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/sym"
)

// Defaults used when Config leaves a field at zero
const (
	DefaultMaxLength   = 280
	DefaultMaxAttempts = 5
	DefaultStaleAfter  = 10 * time.Minute
)

// Config bounds what the store accepts and how long work may stay in flight
type Config struct {
	MaxLength   int           // rune limit on content_text
	MaxAttempts int           // attempts before a job goes to review
	StaleAfter  time.Duration // dispatching claims older than this are reclaimable
}

// ScheduleCheck validates a proposed slot for a job inside the Schedule transaction.
// Implementations read through store and must not write.
type ScheduleCheck interface {
	CheckSchedule(ctx context.Context, store *Store, job *Job, at time.Time) error
}

// BackoffFunc returns the delay before the next attempt, given how many attempts
// the job had made before the one that just failed.
type BackoffFunc func(priorAttempts int) time.Duration

// FingerprintFunc maps content text to its dedup hash
type FingerprintFunc func(text string) string

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles persistence of post jobs
type Store struct {
	db          *sql.DB
	q           querier
	tx          *sql.Tx
	cfg         Config
	checks      []ScheduleCheck
	backoff     BackoffFunc
	fingerprint FingerprintFunc
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// Option configures a Store
type Option func(*Store)

// WithChecks registers validators run by Schedule, in order
func WithChecks(checks ...ScheduleCheck) Option {
	return func(s *Store) { s.checks = append(s.checks, checks...) }
}

// WithBackoff sets the retry delay policy used by RecordFailure
func WithBackoff(fn BackoffFunc) Option {
	return func(s *Store) { s.backoff = fn }
}

// WithFingerprint sets how Enqueue computes content_hash
func WithFingerprint(fn FingerprintFunc) Option {
	return func(s *Store) { s.fingerprint = fn }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a queue store over an open, migrated database
func NewStore(db *sql.DB, cfg Config, opts ...Option) *Store {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	s := &Store{
		db:          db,
		q:           db,
		cfg:         cfg,
		backoff:     doublingBackoff,
		fingerprint: func(string) string { return "" },
		now:         time.Now,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use adds schedule checks after construction. The allocator and dedup guard
// need the store to exist before they can be built, so wiring goes through here.
func (s *Store) Use(checks ...ScheduleCheck) {
	s.checks = append(s.checks, checks...)
}

// Config returns the limits the store enforces
func (s *Store) Config() Config {
	return s.cfg
}

// Now returns the store's clock reading, in UTC
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Fingerprint hashes text with the store's configured fingerprint
func (s *Store) Fingerprint(text string) string {
	return s.fingerprint(text)
}

func doublingBackoff(prior int) time.Duration {
	if prior > 10 {
		prior = 10
	}
	return time.Minute << prior
}

// InTx runs fn against a store bound to one immediate transaction.
// Nested calls reuse the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	bound := *s
	bound.q = tx
	bound.tx = tx

	if err := fn(&bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warnw("Rollback failed", logger.FieldError, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Enqueue validates text and stores it as a draft
func (s *Store) Enqueue(ctx context.Context, nj NewJob) (*Job, error) {
	text := strings.TrimSpace(nj.Text)
	if text == "" {
		return nil, errors.WithStack(&ValidationError{Field: "content_text", Reason: "empty"})
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxLength {
		return nil, errors.WithHintf(
			errors.WithStack(&ValidationError{Field: "content_text", Reason: "too long"}),
			"%d characters, limit is %d", n, s.cfg.MaxLength)
	}

	now := normalizeTime(s.Now())
	job := &Job{
		ID:          uuid.NewString(),
		ContentText: text,
		ContentHash: s.fingerprint(text),
		Topic:       strings.TrimSpace(nj.Topic),
		Notes:       strings.TrimSpace(nj.Notes),
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO posts (id, content_text, content_hash, topic, notes, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.ContentText, job.ContentHash,
		nullString(job.Topic), nullString(job.Notes),
		job.Status, toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}

	s.logger.Infow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldSymbol, sym.Draft)
	return job, nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM posts WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// Schedule moves a draft to scheduled at the given slot.
// Registered checks run inside the same transaction as the write.
func (s *Store) Schedule(ctx context.Context, id string, at time.Time) (*Job, error) {
	at = normalizeTime(at)

	var scheduled *Job
	err := s.InTx(ctx, func(tx *Store) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusDraft {
			return stateError(job, "schedule", StatusDraft)
		}

		for _, check := range tx.checks {
			if err := check.CheckSchedule(ctx, tx, job, at); err != nil {
				return err
			}
		}

		now := normalizeTime(tx.Now())
		res, err := tx.q.ExecContext(ctx, `
			UPDATE posts
			SET status = ?, scheduled_at = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?`,
			StatusScheduled, toMillis(at), toMillis(now),
			job.ID, StatusDraft, job.Version,
		)
		if err := expectOneRow(res, err, job.ID, "schedule"); err != nil {
			return err
		}

		job.Status = StatusScheduled
		job.ScheduledAt = util.Ptr(at)
		job.Version++
		job.UpdatedAt = now
		scheduled = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Job scheduled",
		logger.FieldJobID, id,
		logger.FieldScheduledAt, at,
		logger.FieldSymbol, sym.Scheduled)
	return scheduled, nil
}

// MoveSlot reassigns a scheduled job's slot, conditional on the version the
// caller read. Only the slot allocator's reflow uses it.
func (s *Store) MoveSlot(ctx context.Context, job *Job, at time.Time) error {
	at = normalizeTime(at)
	now := normalizeTime(s.Now())

	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		SET scheduled_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		toMillis(at), toMillis(now), job.ID, StatusScheduled, job.Version,
	)
	if err := expectOneRow(res, err, job.ID, "move"); err != nil {
		return err
	}

	job.ScheduledAt = util.Ptr(at)
	job.Version++
	job.UpdatedAt = now
	return nil
}

// List returns jobs matching the filter, ordered by scheduled_at then created_at.
// Drafts, which have no slot, sort last.
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_at < ?")
		args = append(args, toMillis(f.To))
	}

	query := `SELECT ` + jobColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at IS NULL, scheduled_at, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryJobs(ctx, "jobs", query, args...)
}

// CountByStatus returns the number of jobs per status, with every status present
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return counts, nil
}

// SlotsBetween returns the scheduled_at of every slot-holding job in [from, to],
// ordered ascending, skipping excludeID.
func (s *Store) SlotsBetween(ctx context.Context, from, to time.Time, excludeID string) ([]time.Time, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT scheduled_at FROM posts
		WHERE status IN `+slotHoldingStatuses+`
		  AND scheduled_at >= ? AND scheduled_at <= ?
		  AND id != ?
		ORDER BY scheduled_at`,
		toMillis(from), toMillis(to), excludeID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load occupied slots")
	}
	defer rows.Close()

	var slots []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan slot")
		}
		slots = append(slots, fromMillis(ms))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating slots")
	}
	return slots, nil
}

// FindByHash returns slot-holding jobs with the given content hash whose
// scheduled_at lies strictly inside (from, to), skipping excludeID.
func (s *Store) FindByHash(ctx context.Context, hash string, from, to time.Time, excludeID string) ([]*Job, error) {
	return s.queryJobs(ctx, "jobs by hash", `
		SELECT `+jobColumns+` FROM posts
		WHERE content_hash = ?
		  AND status IN `+slotHoldingStatuses+`
		  AND scheduled_at > ? AND scheduled_at < ?
		  AND id != ?
		ORDER BY scheduled_at`,
		hash, toMillis(from), toMillis(to), excludeID,
	)
}

// ScheduledFrom returns scheduled jobs with scheduled_at >= from in creation order
func (s *Store) ScheduledFrom(ctx context.Context, from time.Time) ([]*Job, error) {
	return s.queryJobs(ctx, "scheduled jobs", `
		SELECT `+jobColumns+` FROM posts
		WHERE status = ? AND scheduled_at >= ?
		ORDER BY created_at, id`,
		StatusScheduled, toMillis(from),
	)
}

// Drafts returns every draft in creation order
func (s *Store) Drafts(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, "drafts", `
		SELECT `+jobColumns+` FROM posts
		WHERE status = ?
		ORDER BY created_at, id`,
		StatusDraft,
	)
}

// Requeue sends a job in review back to draft with its attempt history cleared
func (s *Store) Requeue(ctx context.Context, id string) (*Job, error) {
	var requeued *Job
	err := s.InTx(ctx, func(tx *Store) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusReview {
			return stateError(job, "requeue", StatusReview)
		}

		now := normalizeTime(tx.Now())
		res, err := tx.q.ExecContext(ctx, `
			UPDATE posts
			SET status = ?, scheduled_at = NULL, attempt_count = 0,
			    last_attempt_at = NULL, next_retry_at = NULL, claimed_at = NULL,
			    last_error = NULL, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?`,
			StatusDraft, toMillis(now), job.ID, StatusReview, job.Version,
		)
		if err := expectOneRow(res, err, job.ID, "requeue"); err != nil {
			return err
		}

		job.Status = StatusDraft
		job.ScheduledAt = nil
		job.AttemptCount = 0
		job.LastAttemptAt = nil
		job.NextRetryAt = nil
		job.ClaimedAt = nil
		job.LastError = ""
		job.Version++
		job.UpdatedAt = now
		requeued = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Job requeued from review", logger.FieldJobID, id)
	return requeued, nil
}

// Discard deletes a job in review or draft
func (s *Store) Discard(ctx context.Context, id string) error {
	err := s.InTx(ctx, func(tx *Store) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusReview && job.Status != StatusDraft {
			return stateError(job, "discard", StatusReview, StatusDraft)
		}
		res, err := tx.q.ExecContext(ctx,
			`DELETE FROM posts WHERE id = ? AND version = ?`, job.ID, job.Version)
		return expectOneRow(res, err, job.ID, "discard")
	})
	if err != nil {
		return err
	}

	s.logger.Infow("Job discarded", logger.FieldJobID, id)
	return nil
}

// queryJobs runs a SELECT of jobColumns and scans every row
func (s *Store) queryJobs(ctx context.Context, what, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", what)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// expectOneRow turns a conditional write that matched nothing into a StateError
func expectOneRow(res sql.Result, err error, id, op string) error {
	if err != nil {
		return errors.Wrapf(err, "failed to %s job %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n != 1 {
		return lostRace(id, op)
	}
	return nil
}
