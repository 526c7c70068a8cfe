package poster

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/pulse/dispatch"
)

// New builds the poster selected by cfg.Mode
func New(cfg am.PosterConfig, timeout time.Duration, log *zap.SugaredLogger) (dispatch.Poster, error) {
	switch cfg.Mode {
	case am.PosterModeDryRun, "":
		return NewDryRun(log), nil
	case am.PosterModeBluesky:
		return NewBluesky(BlueskyConfig{
			PDSHost:          cfg.PDSHost,
			Identifier:       cfg.Identifier,
			AppPassword:      cfg.AppPassword,
			AllowPrivateHost: cfg.AllowPrivateHost,
			Timeout:          timeout,
		}, log)
	default:
		return nil, errors.Mark(errors.Newf("unknown poster mode %q", cfg.Mode), errors.ErrInvalidInput)
	}
}
