package queue

import (
	"database/sql"
	"time"
)

// jobScanArgs holds the nullable columns scanned alongside a Job
type jobScanArgs struct {
	Topic          sql.NullString
	Notes          sql.NullString
	ScheduledAt    sql.NullInt64
	LastAttemptAt  sql.NullInt64
	NextRetryAt    sql.NullInt64
	ClaimedAt      sql.NullInt64
	ExternalPostID sql.NullString
	PostedAt       sql.NullInt64
	LastError      sql.NullString
	CreatedAt      int64
	UpdatedAt      int64
}

// jobColumns is the column list every SELECT uses, in scan order
const jobColumns = `id, content_text, content_hash, topic, notes, status,
		scheduled_at, attempt_count, last_attempt_at, next_retry_at, claimed_at,
		external_post_id, posted_at, last_error, version, created_at, updated_at`

func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.ContentText,
		&job.ContentHash,
		&args.Topic,
		&args.Notes,
		&job.Status,
		&args.ScheduledAt,
		&job.AttemptCount,
		&args.LastAttemptAt,
		&args.NextRetryAt,
		&args.ClaimedAt,
		&args.ExternalPostID,
		&args.PostedAt,
		&args.LastError,
		&job.Version,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *Job) {
	job.Topic = args.Topic.String
	job.Notes = args.Notes.String
	job.ScheduledAt = millisPtr(args.ScheduledAt)
	job.LastAttemptAt = millisPtr(args.LastAttemptAt)
	job.NextRetryAt = millisPtr(args.NextRetryAt)
	job.ClaimedAt = millisPtr(args.ClaimedAt)
	job.ExternalPostID = args.ExternalPostID.String
	job.PostedAt = millisPtr(args.PostedAt)
	job.LastError = args.LastError.String
	job.CreatedAt = fromMillis(args.CreatedAt)
	job.UpdatedAt = fromMillis(args.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
