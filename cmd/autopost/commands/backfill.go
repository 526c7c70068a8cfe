package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/poster"
	"github.com/teranos/autopost/sym"
)

// BackfillCmd records what the account already published so dedup sees it
var BackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: sym.DB + " Record recently published posts in sent history",
	Long: sym.DB + ` backfill — import the account's published timeline

Reads the author feed of the configured bluesky account, newest first, and
records each post's text in sent history. Scheduling then rejects the same
text within dedup.lookback of any recorded post. Posts already known by
their at:// URI are skipped. Jobs missing a content hash get one too.

Examples:
  autopost backfill --dry-run
  autopost backfill --limit 500 --include-replies`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

// newTimeline is replaced in tests
var newTimeline = poster.NewTimeline

var (
	backfillLimit          int
	backfillIncludeReplies bool
	backfillIncludeReposts bool
	backfillDryRun         bool
)

func init() {
	BackfillCmd.Flags().IntVar(&backfillLimit, "limit", 200, "Feed items to scan, newest first")
	BackfillCmd.Flags().BoolVar(&backfillIncludeReplies, "include-replies", false, "Record replies too")
	BackfillCmd.Flags().BoolVar(&backfillIncludeReposts, "include-reposts", false, "Record reposts of other accounts too")
	BackfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count what would be recorded without writing")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	timeline, err := newTimeline(a.cfg.Poster, a.cfg.Dispatch.PosterTimeout, logger.ComponentLogger("poster"))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	posts, err := timeline.Timeline(ctx, poster.TimelineOptions{
		Limit:          backfillLimit,
		IncludeReplies: backfillIncludeReplies,
		IncludeReposts: backfillIncludeReposts,
	})
	if err != nil {
		return err
	}

	res, err := a.store.RecordSent(ctx, posts, backfillDryRun)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if backfillDryRun {
		printf(out, "%s Backfill (dry-run) complete. account=%s scanned=%d would_add=%d skipped=%d\n",
			sym.DB, a.cfg.Poster.Identifier, res.Scanned, res.Added, res.Skipped)
		return nil
	}

	hashed, err := a.store.BackfillHashes(ctx, nil)
	if err != nil {
		return err
	}
	printf(out, "%s Backfill complete. account=%s scanned=%d added=%d skipped=%d hashed=%d\n",
		sym.DB, a.cfg.Poster.Identifier, res.Scanned, res.Added, res.Skipped, hashed)
	return nil
}
