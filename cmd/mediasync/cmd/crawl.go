package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/crawler"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/output"
	"github.com/Aman-CERP/mediasync/internal/pipeline"
)

func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var feedURLs []string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Poll feeds once and write their entries to the record store",
		Long: `Poll every configured feed once, or only the feeds given with --feed.

Entries are written to the record store. A running daemon indexes them
through its changes watcher; otherwise they are indexed on the next
'mediasync serve'.`,
		Example: `  # Crawl every configured feed
  mediasync crawl

  # Crawl one feed that is not in the config
  mediasync crawl --feed https://radio.example/rss`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			feeds := pipeline.Feeds(cfg)
			if len(feedURLs) > 0 {
				feeds = feeds[:0]
				for _, u := range feedURLs {
					feeds = append(feeds, crawler.Feed{URL: u})
				}
			}

			outcomes, err := pipeline.Crawl(cmd.Context(), cfg, feeds, pipeline.Options{})
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			failed := 0
			for i, o := range outcomes {
				if o.Err != nil {
					failed++
					out.Errorf("%s: %s", feeds[i].URL, errorMessage(o.Err))
					continue
				}
				r := o.Result
				if r.NotModified {
					out.Successf("%s: not modified", r.Feed)
					continue
				}
				out.Successf("%s: %d created, %d updated, %d unchanged, %d invalid",
					r.Feed, r.Created, r.Updated, r.Unchanged, r.Invalid)
			}

			if failed > 0 {
				return merrors.New(merrors.ErrCodeInvalidFeed,
					fmt.Sprintf("%d of %d feeds failed", failed, len(outcomes)), nil)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&feedURLs, "feed", nil, "Feed URL to crawl instead of the configured feeds (repeatable)")
	return cmd
}

// errorMessage returns the user-facing message of err.
func errorMessage(err error) string {
	if e, ok := merrors.As(err); ok {
		return e.Message
	}
	return err.Error()
}
