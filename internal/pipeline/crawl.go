package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/crawler"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/store"
)

// maxConcurrentPolls bounds one-shot crawls.
const maxConcurrentPolls = 4

// FeedOutcome is the result of polling one feed in a one-shot crawl.
type FeedOutcome struct {
	Result *crawler.PollResult
	Err    error
}

// Crawl polls feeds once against the record store only. A running daemon
// picks the new records up through its changes watcher. Per-feed failures
// are reported in the outcomes; the returned error covers setup only.
func Crawl(ctx context.Context, cfg *config.Config, feeds []crawler.Feed, opts Options) ([]FeedOutcome, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(feeds) == 0 {
		return nil, merrors.ConfigError("no feeds to crawl", nil).
			WithSuggestion("add feeds under crawler.feeds or pass --feed")
	}

	st, err := store.Open(cfg.Resolve(cfg.Store.Path), cfg.Store.CacheMB)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	c, err := crawler.New(st, crawler.Options{
		Timeout:   cfg.Crawler.Timeout,
		MaxItems:  cfg.Crawler.MaxItems,
		CacheSize: cfg.Crawler.CacheSize,
		Client:    opts.HTTPClient,
		UserAgent: cfg.Crawler.UserAgent,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	out := make([]FeedOutcome, len(feeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for i, f := range feeds {
		g.Go(func() error {
			res, err := c.Poll(gctx, f)
			out[i] = FeedOutcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}
