// Package schedule places drafts into slots. It composes the slot allocator
// with the queue's Schedule, whose registered checks (slot validity and
// duplicate content) run in the same transaction as the write.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/pulse/slot"
)

// Planner assigns slots to drafts
type Planner struct {
	store  *queue.Store
	alloc  *slot.Allocator
	logger *zap.SugaredLogger
}

// NewPlanner creates a Planner
func NewPlanner(store *queue.Store, alloc *slot.Allocator, log *zap.SugaredLogger) *Planner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Planner{store: store, alloc: alloc, logger: log}
}

// ScheduleNext puts a draft into the first free slot no earlier than
// now + lead time, or notBefore if that is later. Finding the slot and
// writing it happen in one transaction, so two planners cannot pick the same slot.
func (p *Planner) ScheduleNext(ctx context.Context, id string, notBefore time.Time) (*queue.Job, error) {
	var job *queue.Job
	err := p.store.InTx(ctx, func(tx *queue.Store) error {
		earliest := p.alloc.Earliest(tx.Now())
		if notBefore.After(earliest) {
			earliest = notBefore
		}

		at, err := p.alloc.Next(ctx, tx, earliest, id)
		if err != nil {
			return err
		}
		job, err = tx.Schedule(ctx, id, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PlanResult reports what PlanDrafts did
type PlanResult struct {
	Scheduled  []*queue.Job
	Duplicates map[string]error // draft id -> DuplicateContentError, left as draft
}

// PlanDrafts schedules every draft in creation order. Drafts rejected as
// duplicates stay drafts and are reported; running out of slots stops planning
// and returns what was scheduled so far along with the error.
func (p *Planner) PlanDrafts(ctx context.Context) (*PlanResult, error) {
	drafts, err := p.store.Drafts(ctx)
	if err != nil {
		return nil, err
	}

	result := &PlanResult{Duplicates: make(map[string]error)}
	for _, draft := range drafts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		job, err := p.ScheduleNext(ctx, draft.ID, time.Time{})
		switch {
		case err == nil:
			result.Scheduled = append(result.Scheduled, job)
		case errors.Is(err, queue.ErrDuplicateContent):
			result.Duplicates[draft.ID] = err
			p.logger.Infow("Draft left unscheduled as duplicate",
				logger.FieldJobID, draft.ID,
				logger.FieldError, err)
		default:
			return result, errors.Wrapf(err, "failed to plan job %s", draft.ID)
		}
	}

	p.logger.Infow("Planned drafts",
		logger.FieldCount, len(result.Scheduled),
		"duplicates", len(result.Duplicates))
	return result, nil
}
