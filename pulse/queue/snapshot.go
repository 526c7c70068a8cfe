package queue

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/internal/util"
	"github.com/teranos/autopost/logger"
)

// Export formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Snapshot is the document Export writes
type Snapshot struct {
	ExportedAt time.Time      `json:"exported_at" yaml:"exported_at"`
	Counts     map[Status]int `json:"counts" yaml:"counts"`
	Jobs       []*Job         `json:"jobs" yaml:"jobs"`
}

// Export writes every job as a JSON or YAML snapshot
func (s *Store) Export(ctx context.Context, w io.Writer, format string) error {
	jobs, err := s.List(ctx, Filter{})
	if err != nil {
		return err
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return err
	}
	snap := Snapshot{ExportedAt: normalizeTime(s.Now()), Counts: counts, Jobs: jobs}

	switch strings.ToLower(format) {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return errors.Wrap(err, "failed to encode JSON snapshot")
		}
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return errors.Wrap(err, "failed to encode YAML snapshot")
		}
		if err := enc.Close(); err != nil {
			return errors.Wrap(err, "failed to flush YAML snapshot")
		}
	default:
		return errors.WithStack(&ValidationError{Field: "format", Reason: "must be json or yaml, got " + format})
	}
	return nil
}

// legacyEntry is one item of the JSON queue file the database replaces
type legacyEntry struct {
	ID            string          `json:"id"`
	Text          string          `json:"text"`
	Topic         string          `json:"topic"`
	Notes         string          `json:"notes"`
	ScheduledTime string          `json:"scheduled_time"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result"`
	AttemptCount  int             `json:"attempt_count"`
}

type legacyResult struct {
	TweetID  string `json:"tweet_id"`
	PostedAt string `json:"posted_at"`
	Error    string `json:"error"`
}

// Import seeds an empty database from a legacy JSON queue file.
// Nothing is imported when the posts table already has rows; the count of
// imported jobs is returned. Naive timestamps are read in loc. Imported rows
// carry no content hash until BackfillHashes runs.
func (s *Store) Import(ctx context.Context, r io.Reader, loc *time.Location) (int, error) {
	var entries []legacyEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, errors.Wrap(err, "failed to parse legacy queue")
	}

	imported := 0
	err := s.InTx(ctx, func(tx *Store) error {
		var existing int
		if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&existing); err != nil {
			return errors.Wrap(err, "failed to count jobs")
		}
		if existing > 0 {
			tx.logger.Infow("Skipping legacy import, queue is not empty", logger.FieldCount, existing)
			return nil
		}

		now := normalizeTime(tx.Now())
		for i, entry := range entries {
			job, err := legacyToJob(entry, loc, now)
			if err != nil {
				return errors.Wrapf(err, "legacy entry %d", i)
			}
			if err := tx.insert(ctx, job); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if imported > 0 {
		s.logger.Infow("Imported legacy queue", logger.FieldCount, imported)
	}
	return imported, nil
}

func legacyToJob(e legacyEntry, loc *time.Location, now time.Time) (*Job, error) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return nil, errors.WithStack(&ValidationError{Field: "text", Reason: "empty"})
	}

	job := &Job{
		ID:           e.ID,
		ContentText:  text,
		Topic:        e.Topic,
		Notes:        e.Notes,
		AttemptCount: e.AttemptCount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if e.ScheduledTime != "" {
		at, err := parseLegacyTime(e.ScheduledTime, loc)
		if err != nil {
			return nil, err
		}
		job.ScheduledAt = util.Ptr(at)
	}

	var result legacyResult
	if len(e.Result) > 0 && string(e.Result) != "null" {
		if err := json.Unmarshal(e.Result, &result); err != nil {
			return nil, errors.Wrap(err, "failed to parse result")
		}
	}

	switch e.Status {
	case "", "pending", "scheduled":
		job.Status = StatusScheduled
	case "posted":
		job.Status = StatusPosted
		job.ExternalPostID = result.TweetID
		if job.ExternalPostID == "" {
			// posted rows always carry an id; the legacy file did not record one
			job.ExternalPostID = "legacy:" + job.ID
		}
		if result.PostedAt != "" {
			if at, err := parseLegacyTime(result.PostedAt, time.UTC); err == nil {
				job.PostedAt = util.Ptr(at)
			}
		}
	case "failed":
		job.Status = StatusReview
		job.LastError = result.Error
	default:
		job.Status = StatusReview
		job.LastError = "unknown legacy status " + e.Status
	}

	if job.Status == StatusScheduled && job.ScheduledAt == nil {
		job.Status = StatusDraft
	}
	return job, nil
}

func parseLegacyTime(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return normalizeTime(t), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, strings.TrimSuffix(value, "Z"), loc); err == nil {
			return normalizeTime(t), nil
		}
	}
	return time.Time{}, errors.Mark(errors.Newf("unrecognised timestamp %q", value), errors.ErrInvalidInput)
}

func (s *Store) insert(ctx context.Context, job *Job) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO posts (
			id, content_text, content_hash, topic, notes, status,
			scheduled_at, attempt_count, external_post_id, posted_at, last_error,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.ContentText, job.ContentHash,
		nullString(job.Topic), nullString(job.Notes), job.Status,
		nullMillis(job.ScheduledAt), job.AttemptCount,
		nullString(job.ExternalPostID), nullMillis(job.PostedAt), nullString(job.LastError),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %s", job.ID)
	}
	return nil
}

// BackfillHashes fills content_hash for rows that have none, using fn or the
// store's fingerprint when fn is nil. Returns how many rows were updated.
func (s *Store) BackfillHashes(ctx context.Context, fn FingerprintFunc) (int, error) {
	if fn == nil {
		fn = s.fingerprint
	}

	updated := 0
	err := s.InTx(ctx, func(tx *Store) error {
		rows, err := tx.q.QueryContext(ctx, `SELECT id, content_text FROM posts WHERE content_hash = ''`)
		if err != nil {
			return errors.Wrap(err, "failed to find jobs without hash")
		}
		type pending struct{ id, text string }
		var todo []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.text); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan job")
			}
			todo = append(todo, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "error iterating jobs without hash")
		}

		now := toMillis(tx.Now())
		for _, p := range todo {
			hash := fn(p.text)
			if hash == "" {
				continue
			}
			if _, err := tx.q.ExecContext(ctx,
				`UPDATE posts SET content_hash = ?, version = version + 1, updated_at = ? WHERE id = ? AND content_hash = ''`,
				hash, now, p.id); err != nil {
				return errors.Wrapf(err, "failed to backfill hash for %s", p.id)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if updated > 0 {
		s.logger.Infow("Backfilled content hashes", logger.FieldCount, updated)
	}
	return updated, nil
}
