// Package queue is the durable post queue. It is the only code that writes job
// rows; the slot allocator and dedup guard read through a *Store handed to them.
package queue

import (
	"time"
)

// Status is the lifecycle state of a post job
type Status string

const (
	StatusDraft           Status = "draft"
	StatusScheduled       Status = "scheduled"
	StatusDispatching     Status = "dispatching"
	StatusPosted          Status = "posted"
	StatusFailedRetryable Status = "failed_retryable"
	StatusReview          Status = "review"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusDraft,
	StatusScheduled,
	StatusDispatching,
	StatusFailedRetryable,
	StatusPosted,
	StatusReview,
}

// IsValidStatus returns true if the string names a known Status
func IsValidStatus(s string) bool {
	for _, st := range AllStatuses {
		if string(st) == s {
			return true
		}
	}
	return false
}

// HoldsSlot reports whether a job in this status occupies its scheduled_at.
// In-flight jobs keep their slot so a retry cannot collide with a newer post.
func (s Status) HoldsSlot() bool {
	switch s {
	case StatusScheduled, StatusDispatching, StatusFailedRetryable, StatusPosted:
		return true
	default:
		return false
	}
}

// slotHoldingStatuses is HoldsSlot as a SQL list
const slotHoldingStatuses = `('scheduled', 'dispatching', 'failed_retryable', 'posted')`

// Job is one post moving through the queue
type Job struct {
	ID             string     `json:"id" yaml:"id"`
	ContentText    string     `json:"content_text" yaml:"content_text"`
	ContentHash    string     `json:"content_hash" yaml:"content_hash"`
	Topic          string     `json:"topic,omitempty" yaml:"topic,omitempty"`
	Notes          string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	Status         Status     `json:"status" yaml:"status"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
	AttemptCount   int        `json:"attempt_count" yaml:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty" yaml:"claimed_at,omitempty"`
	ExternalPostID string     `json:"external_post_id,omitempty" yaml:"external_post_id,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty" yaml:"posted_at,omitempty"`
	LastError      string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Version        int64      `json:"version" yaml:"version"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
}

// NewJob is what a content producer hands to Enqueue
type NewJob struct {
	Text  string
	Topic string
	Notes string
}

// Filter narrows List. Zero values mean "no constraint".
// From and To bound scheduled_at as [From, To).
type Filter struct {
	Status Status
	From   time.Time
	To     time.Time
	Limit  int
}

// Millisecond precision matches what the posts table stores.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// normalizeTime truncates to what survives a round trip through the database
func normalizeTime(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}
