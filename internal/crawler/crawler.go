// Package crawler polls syndication feeds and turns their entries into media
// records. It only writes records; indexing is driven by the changes feed.
package crawler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mmcdole/gofeed"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
	"github.com/Aman-CERP/mediasync/internal/store"
	"github.com/Aman-CERP/mediasync/pkg/version"
)

// Feed is one configured feed.
type Feed struct {
	URL      string
	Interval time.Duration
}

// PollResult summarizes one poll. Counts cover media entries only.
type PollResult struct {
	Feed        string
	FeedRecord  string
	Status      int
	NotModified bool
	Created     int
	Updated     int
	Unchanged   int
	Invalid     int
}

// Total returns the number of entries considered.
func (r *PollResult) Total() int {
	return r.Created + r.Updated + r.Unchanged + r.Invalid
}

// RecordStore is the subset of the record store the crawler writes through.
type RecordStore interface {
	Get(ctx context.Context, id string) (*record.Record, error)
	Revision(ctx context.Context, id string) (int64, error)
	Put(ctx context.Context, id string, baseRevision int64, payload record.Payload, opts ...store.PutOption) (*record.Record, error)
	Patch(ctx context.Context, id string, baseRevision int64, patch []byte) (*record.Record, error)
	GetFeedState(ctx context.Context, url string) (*store.FeedState, error)
	SaveFeedState(ctx context.Context, fs *store.FeedState) error
}

// Options configures a Crawler.
type Options struct {
	// Timeout bounds each HTTP fetch.
	Timeout time.Duration
	// MaxItems caps entries taken from one document, newest first as served.
	MaxItems int
	// CacheSize is the number of record hashes remembered across polls.
	CacheSize int
	// ConflictRetries is how often a write is retried after a revision
	// conflict. Negative disables retries.
	ConflictRetries int
	Client          *http.Client
	UserAgent       string
	Logger          *slog.Logger
}

// DefaultOptions returns the crawler defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		MaxItems:        500,
		CacheSize:       4096,
		ConflictRetries: 3,
	}
}

// Crawler fetches feeds and upserts their entries.
type Crawler struct {
	store     RecordStore
	validator *record.Validator
	fetcher   *fetcher
	seen      *lru.Cache[string, seenEntry]
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// seenEntry is the content hash last seen for a record and the revision it
// was seen at.
type seenEntry struct {
	hash     string
	revision int64
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

// New creates a Crawler writing to st.
func New(st RecordStore, opts Options) (*Crawler, error) {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = def.MaxItems
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	switch {
	case opts.ConflictRetries == 0:
		opts.ConflictRetries = def.ConflictRetries
	case opts.ConflictRetries < 0:
		opts.ConflictRetries = 0
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := record.NewValidator()
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, seenEntry](opts.CacheSize)
	if err != nil {
		return nil, merrors.InternalError("create hash cache", err)
	}

	return &Crawler{
		store:     st,
		validator: validator,
		fetcher: &fetcher{
			client:    opts.Client,
			userAgent: opts.UserAgent,
			timeout:   opts.Timeout,
		},
		seen:   seen,
		opts:   opts,
		logger: logger.With(slog.String("component", "crawler")),
		now:    time.Now,
	}, nil
}

// FeedRecordID returns the id of the oas.Feed record for a feed URL.
func FeedRecordID(feedURL string) string {
	return record.GUID(record.TypeFeed, record.IdentityHash(CanonicalURL(feedURL)))
}

// Poll fetches feed once and writes new or changed entries. Fetch state is
// persisted whether or not the poll succeeds; validators only advance on a
// successful fetch.
func (c *Crawler) Poll(ctx context.Context, feed Feed) (*PollResult, error) {
	res := &PollResult{Feed: feed.URL}

	state, err := c.store.GetFeedState(ctx, feed.URL)
	if err != nil {
		return res, err
	}

	fetched, err := c.fetcher.fetch(ctx, feed.URL, state.ETag, state.LastModified)
	if fetched != nil {
		res.Status = fetched.Status
	}
	if err != nil {
		c.saveState(ctx, state, res.Status, err)
		return res, err
	}

	if fetched.NotModified() {
		res.NotModified = true
		c.saveState(ctx, state, res.Status, nil)
		c.logger.Debug("feed not modified", slog.String("feed", feed.URL))
		return res, nil
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(fetched.Body))
	if err != nil {
		err = merrors.New(merrors.ErrCodeInvalidFeed, "parse feed "+feed.URL, err).WithDetail("feed_url", feed.URL)
		c.saveState(ctx, state, res.Status, err)
		return res, err
	}

	if err := c.ingest(ctx, feed, parsed, res); err != nil {
		c.saveState(ctx, state, res.Status, err)
		return res, err
	}

	state.ETag = fetched.ETag
	state.LastModified = fetched.LastModified
	c.saveState(ctx, state, res.Status, nil)

	c.logger.Info("feed polled",
		slog.String("feed", feed.URL),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("invalid", res.Invalid))
	return res, nil
}

func (c *Crawler) ingest(ctx context.Context, feed Feed, parsed *gofeed.Feed, res *PollResult) error {
	feedID := FeedRecordID(feed.URL)
	res.FeedRecord = feedID

	fp := feedPayload(feed.URL, parsed)
	if err := c.validator.Validate(fp); err != nil {
		return err
	}
	if _, err := c.upsert(ctx, feedID, fp, feed.URL); err != nil {
		return err
	}

	items := parsed.Items
	if len(items) > c.opts.MaxItems {
		c.logger.Warn("feed truncated",
			slog.String("feed", feed.URL),
			slog.Int("items", len(items)),
			slog.Int("max_items", c.opts.MaxItems))
		items = items[:c.opts.MaxItems]
	}

	canonicalFeed := CanonicalURL(feed.URL)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		mp := mediaPayload(feedID, item)
		if err := c.validator.Validate(mp); err != nil {
			res.Invalid++
			c.logger.Warn("skipping invalid entry",
				append([]any{slog.String("feed", feed.URL), slog.String("guid", item.GUID)}, merrors.LogAttrs(err)...)...)
			continue
		}

		identity := itemIdentity(canonicalFeed, item.GUID, item.Link, mp.ContentURL)
		if identity == "" {
			hash, err := record.ContentHash(mp)
			if err != nil {
				return err
			}
			identity = "hash:" + hash
		}
		id := record.GUID(record.TypeMedia, record.IdentityHash(identity))

		out, err := c.upsert(ctx, id, mp, feed.URL)
		if err != nil {
			return err
		}
		switch out {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	return nil
}

// upsert writes payload under id unless the stored content already matches.
// Tombstoned records are left alone so an operator delete sticks. The hash
// cache only short-circuits while the stored revision is the one it saw;
// another writer moving the record sends it down the full compare.
func (c *Crawler) upsert(ctx context.Context, id string, payload record.Payload, source string) (outcome, error) {
	payload = record.Normalize(payload)
	hash, err := record.ContentHash(payload)
	if err != nil {
		return outcomeUnchanged, err
	}
	if cached, ok := c.seen.Get(id); ok && cached.hash == hash {
		rev, err := c.store.Revision(ctx, id)
		if err == nil && rev == cached.revision {
			return outcomeUnchanged, nil
		}
		if err != nil && !merrors.IsNotFound(err) {
			return outcomeUnchanged, err
		}
		c.seen.Remove(id)
	}

	cfg := merrors.RetryConfig{
		MaxRetries:   c.opts.ConflictRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  merrors.IsConflict,
	}
	type written struct {
		out      outcome
		revision int64
	}
	w, err := merrors.RetryWithResult(ctx, cfg, func() (written, error) {
		cur, err := c.store.Get(ctx, id)
		if merrors.IsNotFound(err) {
			rec, err := c.store.Put(ctx, id, 0, payload, store.WithSource(source))
			if err != nil {
				return written{}, err
			}
			return written{outcomeCreated, rec.Revision}, nil
		}
		if err != nil {
			return written{}, err
		}
		if cur.Deleted || cur.ContentHash == hash {
			return written{outcomeUnchanged, cur.Revision}, nil
		}

		if cur.Type == record.TypeFeed {
			patch, err := record.Diff(cur.Payload, payload)
			if err != nil {
				return written{}, err
			}
			rec, err := c.store.Patch(ctx, id, cur.Revision, patch)
			if err != nil {
				return written{}, err
			}
			return written{outcomeUpdated, rec.Revision}, nil
		}

		rec, err := c.store.Put(ctx, id, cur.Revision, payload, store.WithSource(source))
		if err != nil {
			return written{}, err
		}
		return written{outcomeUpdated, rec.Revision}, nil
	})
	if err != nil {
		return outcomeUnchanged, err
	}

	c.seen.Add(id, seenEntry{hash: hash, revision: w.revision})
	return w.out, nil
}

func (c *Crawler) saveState(ctx context.Context, state *store.FeedState, status int, pollErr error) {
	state.LastFetchedAt = c.now().UTC()
	state.LastStatus = status
	state.LastError = ""
	if pollErr != nil {
		state.LastError = pollErr.Error()
	}
	if err := c.store.SaveFeedState(context.WithoutCancel(ctx), state); err != nil {
		c.logger.Warn("failed to save feed state",
			append([]any{slog.String("feed", state.FeedURL)}, merrors.LogAttrs(err)...)...)
	}
}

func feedPayload(url string, f *gofeed.Feed) *record.Feed {
	p := &record.Feed{
		URL:         url,
		Title:       f.Title,
		Description: f.Description,
		Link:        f.Link,
		Language:    f.Language,
		Categories:  f.Categories,
	}
	if f.Image != nil {
		p.Image = f.Image.URL
	}
	return p
}

func mediaPayload(feedID string, item *gofeed.Item) *record.Media {
	m := &record.Media{
		FeedID:      feedID,
		GUID:        item.GUID,
		Title:       item.Title,
		Description: item.Description,
		Link:        item.Link,
		PublishedAt: item.PublishedParsed,
	}
	if m.Description == "" {
		m.Description = item.Content
	}
	if m.PublishedAt == nil {
		m.PublishedAt = item.UpdatedParsed
	}

	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			m.ContentURL = enc.URL
			m.ContentType = enc.Type
			break
		}
	}
	if m.ContentURL == "" {
		m.ContentURL = item.Link
	}

	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			m.Creators = append(m.Creators, a.Name)
		}
	}
	if item.Image != nil {
		m.Image = item.Image.URL
	}
	if it := item.ITunesExt; it != nil {
		m.Duration = parseDuration(it.Duration)
		if m.Image == "" {
			m.Image = it.Image
		}
		if len(m.Creators) == 0 && it.Author != "" {
			m.Creators = []string{it.Author}
		}
	}
	return m
}

// parseDuration reads an itunes:duration value ("3600", "59:30", "1:02:03")
// as seconds. Unparseable values yield 0.
func parseDuration(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var total float64
	for _, part := range strings.Split(s, ":") {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0
		}
		total = total*60 + v
	}
	return total
}
