package queue

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/internal/util"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/sym"
)

// staleClaimError is recorded when a claim outlives stale_after without an outcome
const staleClaimError = "claim expired before an outcome was recorded"

// ClaimDue claims up to limit due jobs for dispatch, oldest slot first.
//
// Due means: scheduled with scheduled_at <= now, failed_retryable with
// next_retry_at <= now, or dispatching with a claim older than stale_after.
// Each claim is a single-row conditional update, so concurrent callers in
// any number of processes never return the same job twice. Jobs whose claim
// another caller won are skipped. A stale reclaim counts the abandoned attempt;
// when that exhausts max_attempts the job goes to review instead.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = normalizeTime(now)
	staleBefore := now.Add(-s.cfg.StaleAfter)

	// Collect candidates first: with a single-connection pool the rows must be
	// closed before the claim updates can run.
	candidates, err := s.queryJobs(ctx, "due jobs", `
		SELECT `+jobColumns+` FROM posts
		WHERE (status = ? AND scheduled_at <= ?)
		   OR (status = ? AND next_retry_at <= ?)
		   OR (status = ? AND claimed_at <= ?)
		ORDER BY scheduled_at, created_at, id
		LIMIT ?`,
		StatusScheduled, toMillis(now),
		StatusFailedRetryable, toMillis(now),
		StatusDispatching, toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, err
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, job := range candidates {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}

		var ok bool
		if job.Status == StatusDispatching {
			ok, err = s.reclaimStale(ctx, job, now)
		} else {
			ok, err = s.claim(ctx, job, now)
		}
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

func (s *Store) claim(ctx context.Context, job *Job, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		SET status = ?, claimed_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		StatusDispatching, toMillis(now), toMillis(now),
		job.ID, job.Status, job.Version,
	)
	if err := expectOneRow(res, err, job.ID, "claim"); err != nil {
		if errors.Is(err, ErrStateConflict) {
			s.logger.Debugw("Lost claim race", logger.FieldJobID, job.ID)
			return false, nil
		}
		return false, err
	}

	job.Status = StatusDispatching
	job.ClaimedAt = util.Ptr(now)
	job.Version++
	job.UpdatedAt = now
	return true, nil
}

// reclaimStale takes over a claim abandoned by a crashed worker
func (s *Store) reclaimStale(ctx context.Context, job *Job, now time.Time) (bool, error) {
	attempts := job.AttemptCount + 1
	lastAttempt := job.ClaimedAt

	if attempts >= s.cfg.MaxAttempts {
		res, err := s.q.ExecContext(ctx, `
			UPDATE posts
			SET status = ?, attempt_count = ?, last_attempt_at = ?, claimed_at = NULL,
			    last_error = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?`,
			StatusReview, attempts, nullMillis(lastAttempt), staleClaimError, toMillis(now),
			job.ID, StatusDispatching, job.Version,
		)
		if err := expectOneRow(res, err, job.ID, "review"); err != nil {
			if errors.Is(err, ErrStateConflict) {
				return false, nil
			}
			return false, err
		}
		s.logger.Warnw("Stale claim exhausted attempts, moved to review",
			logger.FieldJobID, job.ID,
			logger.FieldAttempt, attempts,
			logger.FieldSymbol, sym.Review)
		return false, nil
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		SET claimed_at = ?, attempt_count = ?, last_attempt_at = ?, last_error = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		toMillis(now), attempts, nullMillis(lastAttempt), staleClaimError, toMillis(now),
		job.ID, StatusDispatching, job.Version,
	)
	if err := expectOneRow(res, err, job.ID, "reclaim"); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	s.logger.Warnw("Reclaimed stale dispatch",
		logger.FieldJobID, job.ID,
		logger.FieldAttempt, attempts)

	job.AttemptCount = attempts
	job.LastAttemptAt = lastAttempt
	job.LastError = staleClaimError
	job.ClaimedAt = util.Ptr(now)
	job.Version++
	job.UpdatedAt = now
	return true, nil
}

// RecordSuccess marks a dispatching job posted with the publisher's id.
// Recording the same id again is a no-op; a different id is a StateError.
func (s *Store) RecordSuccess(ctx context.Context, id, externalID string) (*Job, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, errors.WithStack(&ValidationError{Field: "external_post_id", Reason: "empty"})
	}

	var posted *Job
	var already bool
	err := s.InTx(ctx, func(tx *Store) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		if job.Status == StatusPosted {
			if job.ExternalPostID == externalID {
				posted, already = job, true
				return nil
			}
			return errors.WithDetailf(stateError(job, "record success on", StatusDispatching),
				"already posted as %s", job.ExternalPostID)
		}
		if job.Status != StatusDispatching {
			return stateError(job, "record success on", StatusDispatching)
		}

		now := normalizeTime(tx.Now())
		res, err := tx.q.ExecContext(ctx, `
			UPDATE posts
			SET status = ?, external_post_id = ?, posted_at = ?,
			    attempt_count = attempt_count + 1, last_attempt_at = ?,
			    claimed_at = NULL, next_retry_at = NULL, last_error = NULL,
			    version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?`,
			StatusPosted, externalID, toMillis(now), toMillis(now), toMillis(now),
			job.ID, StatusDispatching, job.Version,
		)
		if err := expectOneRow(res, err, job.ID, "record success on"); err != nil {
			return err
		}

		job.Status = StatusPosted
		job.ExternalPostID = externalID
		job.PostedAt = util.Ptr(now)
		job.AttemptCount++
		job.LastAttemptAt = util.Ptr(now)
		job.ClaimedAt = nil
		job.NextRetryAt = nil
		job.LastError = ""
		job.Version++
		job.UpdatedAt = now
		posted = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !already {
		s.logger.Infow("Job posted",
			logger.FieldJobID, id,
			logger.FieldExternalID, externalID,
			logger.FieldSymbol, sym.Posted)
	}
	return posted, nil
}

// RecordFailure counts a failed attempt. A retryable failure with attempts left
// becomes failed_retryable with next_retry_at from the backoff policy; anything
// else goes to review.
func (s *Store) RecordFailure(ctx context.Context, id, cause string, retryable bool) (*Job, error) {
	var failed *Job
	err := s.InTx(ctx, func(tx *Store) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusDispatching {
			return stateError(job, "record failure on", StatusDispatching)
		}

		now := normalizeTime(tx.Now())
		prior := job.AttemptCount
		attempts := prior + 1

		next := StatusReview
		var nextRetry *time.Time
		if retryable && attempts < tx.cfg.MaxAttempts {
			next = StatusFailedRetryable
			nextRetry = util.Ptr(normalizeTime(now.Add(tx.backoff(prior))))
		}

		res, err := tx.q.ExecContext(ctx, `
			UPDATE posts
			SET status = ?, attempt_count = ?, last_attempt_at = ?, next_retry_at = ?,
			    claimed_at = NULL, last_error = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?`,
			next, attempts, toMillis(now), nullMillis(nextRetry),
			nullString(cause), toMillis(now),
			job.ID, StatusDispatching, job.Version,
		)
		if err := expectOneRow(res, err, job.ID, "record failure on"); err != nil {
			return err
		}

		job.Status = next
		job.AttemptCount = attempts
		job.LastAttemptAt = util.Ptr(now)
		job.NextRetryAt = nextRetry
		job.ClaimedAt = nil
		job.LastError = cause
		job.Version++
		job.UpdatedAt = now
		failed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	if failed.Status == StatusReview {
		s.logger.Warnw("Job moved to review",
			logger.FieldJobID, id,
			logger.FieldAttempt, failed.AttemptCount,
			logger.FieldMaxAttempts, s.cfg.MaxAttempts,
			logger.FieldRetryable, retryable,
			logger.FieldError, cause,
			logger.FieldSymbol, sym.Review)
	} else {
		s.logger.Infow("Job will retry",
			logger.FieldJobID, id,
			logger.FieldAttempt, failed.AttemptCount,
			logger.FieldNextRetryAt, failed.NextRetryAt)
	}
	return failed, nil
}
