// Package dedup rejects posts whose normalised text was already scheduled or
// posted close to the requested slot.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/queue"
)

// Rule selects the normalisation steps applied before hashing
type Rule struct {
	NFKC               bool // compatibility decomposition + composition, folds "ﬁ" to "fi" and full-width forms
	CaseFold           bool
	StripPunctuation   bool
	StripSymbols       bool // emoji, currency and math symbols
	CollapseWhitespace bool
}

// DefaultRule is every step except symbol stripping
func DefaultRule() Rule {
	return Rule{
		NFKC:               true,
		CaseFold:           true,
		StripPunctuation:   true,
		CollapseWhitespace: true,
	}
}

// Normalizer turns post text into its comparison form
type Normalizer struct {
	rule Rule
}

// NewNormalizer creates a Normalizer for rule
func NewNormalizer(rule Rule) *Normalizer {
	return &Normalizer{rule: rule}
}

// Rule returns the normaliser's configuration
func (n *Normalizer) Rule() Rule {
	return n.rule
}

// Normalize applies the configured steps in a fixed order.
// Surrounding whitespace is always trimmed.
func (n *Normalizer) Normalize(text string) string {
	if n.rule.NFKC {
		text = norm.NFKC.String(text)
	}
	if n.rule.CaseFold {
		// A Caser holds state, so one is made per call
		text = cases.Fold().String(text)
	}
	if n.rule.StripPunctuation || n.rule.StripSymbols {
		text = strings.Map(func(r rune) rune {
			if n.rule.StripPunctuation && unicode.IsPunct(r) {
				return -1
			}
			if n.rule.StripSymbols && unicode.IsSymbol(r) {
				return -1
			}
			return r
		}, text)
	}
	if n.rule.CollapseWhitespace {
		return strings.Join(strings.Fields(text), " ")
	}
	return strings.TrimSpace(text)
}

// Fingerprint is the hex sha256 of the normalised text
func (n *Normalizer) Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(n.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Guard is the schedule check that enforces the lookback window
type Guard struct {
	normalizer *Normalizer
	lookback   time.Duration
	logger     *zap.SugaredLogger
}

// NewGuard creates a guard. A lookback of zero disables the check.
func NewGuard(normalizer *Normalizer, lookback time.Duration, log *zap.SugaredLogger) *Guard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{normalizer: normalizer, lookback: lookback, logger: log}
}

// Lookback returns the rolling window either side of a slot
func (g *Guard) Lookback() time.Duration {
	return g.lookback
}

// CheckSchedule fails with a DuplicateContentError when another job holding a
// slot, or a post recorded in sent history, has the same fingerprint and lies
// less than lookback away from at. It only reads.
func (g *Guard) CheckSchedule(ctx context.Context, store *queue.Store, job *queue.Job, at time.Time) error {
	if g.lookback <= 0 {
		return nil
	}

	hash := job.ContentHash
	if hash == "" {
		hash = g.normalizer.Fingerprint(job.ContentText)
	}

	duplicateOf, err := g.nearest(ctx, store, hash, at, job.ID)
	if err != nil {
		return err
	}
	if duplicateOf == "" {
		return nil
	}

	g.logger.Infow("Rejected duplicate content",
		logger.FieldJobID, job.ID,
		"duplicate_of", duplicateOf,
		logger.FieldSlot, at)

	return errors.WithStack(&queue.DuplicateContentError{
		JobID:       job.ID,
		DuplicateOf: duplicateOf,
		Hash:        hash,
		Lookback:    g.lookback,
	})
}

// nearest returns the id of a job, or the external id of a sent post, sharing
// hash within lookback of at. Jobs win over sent history.
func (g *Guard) nearest(ctx context.Context, store *queue.Store, hash string, at time.Time, excludeID string) (string, error) {
	from, to := at.Add(-g.lookback), at.Add(g.lookback)

	dups, err := store.FindByHash(ctx, hash, from, to, excludeID)
	if err != nil {
		return "", errors.Wrap(err, "failed to check for duplicate content")
	}
	if len(dups) > 0 {
		return dups[0].ID, nil
	}

	sent, err := store.FindSentByHash(ctx, hash, from, to)
	if err != nil {
		return "", errors.Wrap(err, "failed to check sent history")
	}
	if len(sent) > 0 {
		return sent[0].ExternalPostID, nil
	}
	return "", nil
}
