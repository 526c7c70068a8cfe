package poster

import (
	"context"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"go.uber.org/zap"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/pulse/queue"
)

// feedPageSize is the largest page app.bsky.feed.getAuthorFeed serves
const feedPageSize = 100

// TimelineOptions selects which published posts Timeline returns
type TimelineOptions struct {
	Limit          int // stop after this many feed items; zero means 200
	IncludeReplies bool
	IncludeReposts bool
}

// TimelineReader lists posts already published on the account
type TimelineReader interface {
	Timeline(ctx context.Context, opts TimelineOptions) ([]queue.SentPost, error)
}

// NewTimeline returns the reader for the configured account. Only the bluesky
// poster has a timeline to read.
func NewTimeline(cfg am.PosterConfig, timeout time.Duration, log *zap.SugaredLogger) (TimelineReader, error) {
	if cfg.Mode != am.PosterModeBluesky {
		return nil, errors.WithHint(
			errors.Mark(errors.Newf("poster mode %q has no published timeline", cfg.Mode), errors.ErrInvalidInput),
			"set poster.mode = \"bluesky\" with the account's credentials")
	}
	return NewBluesky(BlueskyConfig{
		PDSHost:          cfg.PDSHost,
		Identifier:       cfg.Identifier,
		AppPassword:      cfg.AppPassword,
		AllowPrivateHost: cfg.AllowPrivateHost,
		Timeout:          timeout,
	}, log)
}

// Timeline pages through the account's author feed, newest first, until
// opts.Limit items were seen or the feed ends. Reposts of other accounts and
// replies are dropped unless asked for. PostedAt is the record's createdAt,
// falling back to when the AppView indexed it.
func (b *Bluesky) Timeline(ctx context.Context, opts TimelineOptions) ([]queue.SentPost, error) {
	if opts.Limit <= 0 {
		opts.Limit = 200
	}
	filter := "posts_no_replies"
	if opts.IncludeReplies {
		filter = "posts_with_replies"
	}

	var out []queue.SentPost
	seen := 0
	cursor := ""
	for seen < opts.Limit {
		pageSize := opts.Limit - seen
		if pageSize > feedPageSize {
			pageSize = feedPageSize
		}

		var page *appbsky.FeedGetAuthorFeed_Output
		err := b.call(ctx, func(client *xrpc.Client) (err error) {
			page, err = appbsky.FeedGetAuthorFeed(ctx, client, client.Auth.Did, cursor, filter, false, int64(pageSize))
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read author feed of %s", b.cfg.Identifier)
		}

		for _, item := range page.Feed {
			seen++
			if p, ok := sentPost(item, opts); ok {
				out = append(out, p)
			}
			if seen >= opts.Limit {
				break
			}
		}

		if len(page.Feed) == 0 || page.Cursor == nil || *page.Cursor == "" {
			break
		}
		cursor = *page.Cursor
	}

	b.logger.Infow("Read author feed", "scanned", seen, "kept", len(out))
	return out, nil
}

func sentPost(item *appbsky.FeedDefs_FeedViewPost, opts TimelineOptions) (queue.SentPost, bool) {
	if item == nil || item.Post == nil || item.Post.Record == nil {
		return queue.SentPost{}, false
	}
	if item.Reason != nil && item.Reason.FeedDefs_ReasonRepost != nil && !opts.IncludeReposts {
		return queue.SentPost{}, false
	}
	rec, ok := item.Post.Record.Val.(*appbsky.FeedPost)
	if !ok {
		return queue.SentPost{}, false
	}
	if rec.Reply != nil && !opts.IncludeReplies {
		return queue.SentPost{}, false
	}

	postedAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		if postedAt, err = time.Parse(time.RFC3339, item.Post.IndexedAt); err != nil {
			return queue.SentPost{}, false
		}
	}
	return queue.SentPost{
		ExternalPostID: item.Post.Uri,
		ContentText:    rec.Text,
		PostedAt:       postedAt.UTC(),
	}, true
}
