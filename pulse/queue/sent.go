package queue

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
)

// SentPost is a post already published on the account, whether or not this
// queue sent it
type SentPost struct {
	ExternalPostID string
	ContentText    string
	ContentHash    string
	PostedAt       time.Time
}

// SentResult counts what RecordSent did, or would do on a dry run
type SentResult struct {
	Scanned int
	Added   int
	Skipped int
}

// RecordSent adds published posts to sent_history so dedup treats their text
// as taken. Posts with no text, or whose external id is already known either
// in sent_history or as a posted job, are skipped. A dry run counts without writing.
func (s *Store) RecordSent(ctx context.Context, posts []SentPost, dryRun bool) (SentResult, error) {
	var res SentResult
	err := s.InTx(ctx, func(tx *Store) error {
		seen := make(map[string]bool, len(posts))
		now := toMillis(tx.Now())

		for _, p := range posts {
			res.Scanned++
			if strings.TrimSpace(p.ContentText) == "" || p.ExternalPostID == "" || seen[p.ExternalPostID] {
				res.Skipped++
				continue
			}
			seen[p.ExternalPostID] = true

			known, err := tx.knownExternalID(ctx, p.ExternalPostID)
			if err != nil {
				return err
			}
			if known {
				res.Skipped++
				continue
			}

			hash := p.ContentHash
			if hash == "" {
				hash = tx.fingerprint(p.ContentText)
			}
			if hash == "" {
				res.Skipped++
				continue
			}

			res.Added++
			if dryRun {
				continue
			}
			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO sent_history (external_post_id, content_text, content_hash, posted_at, recorded_at)
				VALUES (?, ?, ?, ?, ?)`,
				p.ExternalPostID, p.ContentText, hash, toMillis(p.PostedAt), now,
			); err != nil {
				return errors.Wrapf(err, "failed to record sent post %s", p.ExternalPostID)
			}
		}
		return nil
	})
	if err != nil {
		return SentResult{}, err
	}

	s.logger.Infow("Recorded sent history",
		"dry_run", dryRun,
		"scanned", res.Scanned,
		logger.FieldCount, res.Added,
		"skipped", res.Skipped)
	return res, nil
}

func (s *Store) knownExternalID(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sent_history WHERE external_post_id = ?)
		     + (SELECT COUNT(*) FROM posts WHERE external_post_id = ?)`,
		id, id,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up external post %s", id)
	}
	return n > 0, nil
}

// FindSentByHash returns sent_history entries with the given hash whose
// posted_at lies strictly inside (from, to), oldest first.
func (s *Store) FindSentByHash(ctx context.Context, hash string, from, to time.Time) ([]SentPost, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT external_post_id, content_text, content_hash, posted_at FROM sent_history
		WHERE content_hash = ? AND posted_at > ? AND posted_at < ?
		ORDER BY posted_at`,
		hash, toMillis(from), toMillis(to),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sent history")
	}
	defer rows.Close()

	var out []SentPost
	for rows.Next() {
		var p SentPost
		var ms int64
		if err := rows.Scan(&p.ExternalPostID, &p.ContentText, &p.ContentHash, &ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan sent post")
		}
		p.PostedAt = fromMillis(ms)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sent history")
	}
	return out, nil
}
