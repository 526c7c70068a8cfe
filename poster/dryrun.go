// Package poster holds the publishing clients the dispatch worker posts through.
package poster

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/autopost/logger"
)

// DryRun logs posts instead of publishing them
type DryRun struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	posts []string
}

// NewDryRun creates a DryRun poster
func NewDryRun(log *zap.SugaredLogger) *DryRun {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DryRun{logger: log}
}

// Post records text and returns a synthetic id
func (d *DryRun) Post(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "dryrun:" + uuid.NewString()

	d.mu.Lock()
	d.posts = append(d.posts, text)
	d.mu.Unlock()

	d.logger.Infow("Dry run post",
		logger.FieldExternalID, id,
		"text", text)
	return id, nil
}

// Posts returns everything posted so far
func (d *DryRun) Posts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.posts...)
}
