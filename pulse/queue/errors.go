package queue

import (
	"fmt"
	"time"

	"github.com/teranos/autopost/errors"
)

// Sentinels for each error class. Every typed error below matches its own
// sentinel and one of the shared classes in the errors package.
var (
	ErrValidation       = errors.New("queue: validation failed")
	ErrStateConflict    = errors.New("queue: job not in expected state")
	ErrSlotConflict     = errors.New("queue: slot conflict")
	ErrNoSlotAvailable  = errors.New("queue: no slot available")
	ErrDuplicateContent = errors.New("queue: duplicate content")
)

// ValidationError rejects input before anything is persisted
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == errors.ErrInvalidInput
}

// StateError reports an operation on a job in the wrong status
type StateError struct {
	JobID    string
	Op       string
	Status   Status
	Expected []Status
}

func (e *StateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("cannot %s job %s: it changed concurrently", e.Op, e.JobID)
	}
	return fmt.Sprintf("cannot %s job %s in status %s (expected %v)", e.Op, e.JobID, e.Status, e.Expected)
}

func (e *StateError) Is(target error) bool {
	return target == ErrStateConflict || target == errors.ErrConflict
}

// ErrorHint implements the hint interface of the errors package
func (e *StateError) ErrorHint() string {
	if e.Status == StatusReview {
		return "requeue the job from review first"
	}
	return ""
}

// SlotConflictError rejects a schedule time that is not a free window anchor
type SlotConflictError struct {
	At       time.Time
	Reason   string
	Conflict *time.Time // the occupied slot that caused it, if any
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %s rejected: %s", e.At.Format(time.RFC3339), e.Reason)
}

func (e *SlotConflictError) Is(target error) bool {
	return target == ErrSlotConflict || target == errors.ErrConflict
}

func (e *SlotConflictError) ErrorDetail() string {
	if e.Conflict == nil {
		return ""
	}
	return "conflicts with slot " + e.Conflict.Format(time.RFC3339)
}

// NoSlotAvailableError means the horizon was exhausted
type NoSlotAvailableError struct {
	Earliest time.Time
	Horizon  time.Duration
}

func (e *NoSlotAvailableError) Error() string {
	return fmt.Sprintf("no free slot between %s and %s",
		e.Earliest.Format(time.RFC3339), e.Earliest.Add(e.Horizon).Format(time.RFC3339))
}

func (e *NoSlotAvailableError) Is(target error) bool {
	return target == ErrNoSlotAvailable || target == errors.ErrUnavailable
}

func (e *NoSlotAvailableError) ErrorHint() string {
	return "add posting windows, lower schedule.min_gap or raise schedule.horizon_days"
}

// DuplicateContentError rejects a slot near a job with the same fingerprint
type DuplicateContentError struct {
	JobID       string
	DuplicateOf string
	Hash        string
	Lookback    time.Duration
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("job %s duplicates job %s within %s", e.JobID, e.DuplicateOf, e.Lookback)
}

func (e *DuplicateContentError) Is(target error) bool {
	return target == ErrDuplicateContent || target == errors.ErrConflict
}

func (e *DuplicateContentError) ErrorDetail() string {
	return "content hash " + e.Hash
}

func stateError(job *Job, op string, expected ...Status) error {
	return errors.WithStack(&StateError{JobID: job.ID, Op: op, Status: job.Status, Expected: expected})
}

// lostRace reports a conditional write that matched no row
func lostRace(id, op string) error {
	return errors.WithStack(&StateError{JobID: id, Op: op})
}
