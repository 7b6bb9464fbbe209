// Package telemetry keeps local pipeline counters: task settlements, crawl
// outcomes, poll latencies and recent failures. Nothing leaves the machine.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Counter names one pipeline counter.
type Counter string

const (
	TaskSucceeded Counter = "task_succeeded"
	TaskRetried   Counter = "task_retried"
	TaskFailed    Counter = "task_failed"
	TaskReleased  Counter = "task_released"

	CrawlPolls       Counter = "crawl_polls"
	CrawlErrors      Counter = "crawl_errors"
	CrawlNotModified Counter = "crawl_not_modified"
	CrawlCreated     Counter = "crawl_created"
	CrawlUpdated     Counter = "crawl_updated"
	CrawlUnchanged   Counter = "crawl_unchanged"
	CrawlInvalid     Counter = "crawl_invalid"

	IndexSkippedStale Counter = "index_skipped_stale"
	SearchQueries     Counter = "search_queries"
)

// LatencyBucket is one latency histogram bucket.
type LatencyBucket string

const (
	BucketP100  LatencyBucket = "p100"  // <100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // 500ms-1s
	BucketP5000 LatencyBucket = "p5000" // 1-5s
	BucketSlow  LatencyBucket = "slow"  // >=5s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	case ms < 1000:
		return BucketP1000
	case ms < 5000:
		return BucketP5000
	default:
		return BucketSlow
	}
}

// Failure is one recent failure worth showing an operator.
type Failure struct {
	Source    string    `json:"source"`
	Subject   string    `json:"subject"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ExtractTerms lowercases a search query and keeps words of three or more
// characters.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a search term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	Counters       map[Counter]int64       `json:"counters"`
	Latency        map[LatencyBucket]int64 `json:"latency"`
	TopTerms       []TermCount             `json:"top_terms,omitempty"`
	RecentFailures []Failure               `json:"recent_failures,omitempty"`
	Since          time.Time               `json:"since"`
}

// Get returns a counter value.
func (s *Snapshot) Get(c Counter) int64 {
	return s.Counters[c]
}

// Store persists counters between runs.
type Store interface {
	SaveCounters(date string, counts map[Counter]int64) error
	GetCounters(from, to string) (map[Counter]int64, error)
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	UpsertTermCounts(terms map[string]int64) error
	GetTopTerms(limit int) ([]TermCount, error)
	AddFailure(f Failure) error
	GetRecentFailures(limit int) ([]Failure, error)
	Close() error
}

// Config configures a Collector.
type Config struct {
	TopTermsCapacity int           // default 100
	FailuresCapacity int           // default 100
	FlushInterval    time.Duration // default 60s, 0 disables auto-flush
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity: 100,
		FailuresCapacity: 100,
		FlushInterval:    60 * time.Second,
	}
}

// Collector aggregates counters in memory and flushes deltas to a Store.
// Safe for concurrent use; a nil *Collector discards everything.
type Collector struct {
	mu sync.Mutex

	counters map[Counter]int64
	latency  map[LatencyBucket]int64
	terms    *lru.Cache[string, int64]
	failures *CircularBuffer[Failure]
	since    time.Time

	// not yet flushed
	pendingCounters map[Counter]int64
	pendingLatency  map[LatencyBucket]int64
	pendingTerms    map[string]int64

	store  Store
	ticker *time.Ticker
	stopCh chan struct{}
	closed bool
	now    func() time.Time
}

// NewCollector creates a collector. A nil store keeps metrics in memory only.
func NewCollector(store Store, cfg Config) *Collector {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.FailuresCapacity <= 0 {
		cfg.FailuresCapacity = 100
	}
	terms, _ := lru.New[string, int64](cfg.TopTermsCapacity)

	c := &Collector{
		counters:        make(map[Counter]int64),
		latency:         make(map[LatencyBucket]int64),
		terms:           terms,
		failures:        NewCircularBuffer[Failure](cfg.FailuresCapacity),
		since:           time.Now(),
		pendingCounters: make(map[Counter]int64),
		pendingLatency:  make(map[LatencyBucket]int64),
		pendingTerms:    make(map[string]int64),
		store:           store,
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
	if cfg.FlushInterval > 0 && store != nil {
		c.ticker = time.NewTicker(cfg.FlushInterval)
		go c.flushLoop()
	}
	return c
}

func (c *Collector) flushLoop() {
	for {
		select {
		case <-c.ticker.C:
			_ = c.Flush()
		case <-c.stopCh:
			return
		}
	}
}

// Add increments counter by n.
func (c *Collector) Add(counter Counter, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.counters[counter] += n
	c.pendingCounters[counter] += n
}

// Inc increments counter by one.
func (c *Collector) Inc(counter Counter) {
	c.Add(counter, 1)
}

// ObserveLatency records one duration in the histogram.
func (c *Collector) ObserveLatency(d time.Duration) {
	if c == nil {
		return
	}
	b := LatencyToBucket(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.latency[b]++
	c.pendingLatency[b]++
}

// RecordSearch counts a search query and its terms.
func (c *Collector) RecordSearch(query string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.counters[SearchQueries]++
	c.pendingCounters[SearchQueries]++
	for _, term := range ExtractTerms(query) {
		n, _ := c.terms.Get(term)
		c.terms.Add(term, n+1)
		c.pendingTerms[term]++
	}
}

// RecordFailure keeps f in the recent-failures buffer and persists it.
func (c *Collector) RecordFailure(source, subject string, err error) {
	if c == nil || err == nil {
		return
	}
	f := Failure{Source: source, Subject: subject, Error: err.Error(), Timestamp: c.now().UTC()}
	c.failures.Add(f)
	if c.store != nil {
		_ = c.store.AddFailure(f)
	}
}

// Snapshot returns the in-memory totals since the collector started.
func (c *Collector) Snapshot() *Snapshot {
	if c == nil {
		return &Snapshot{Counters: map[Counter]int64{}, Latency: map[LatencyBucket]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[Counter]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	latency := make(map[LatencyBucket]int64, len(c.latency))
	for k, v := range c.latency {
		latency[k] = v
	}

	var top []TermCount
	for _, key := range c.terms.Keys() {
		if n, ok := c.terms.Peek(key); ok {
			top = append(top, TermCount{Term: key, Count: n})
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Term < top[j].Term
	})

	return &Snapshot{
		Counters:       counters,
		Latency:        latency,
		TopTerms:       top,
		RecentFailures: c.failures.Items(),
		Since:          c.since,
	}
}

// Flush writes counts accumulated since the last flush under today's date.
// On error the deltas are kept for the next attempt.
func (c *Collector) Flush() error {
	if c == nil || c.store == nil {
		return nil
	}

	c.mu.Lock()
	counters, latency, terms := c.pendingCounters, c.pendingLatency, c.pendingTerms
	c.pendingCounters = make(map[Counter]int64)
	c.pendingLatency = make(map[LatencyBucket]int64)
	c.pendingTerms = make(map[string]int64)
	today := c.now().Format("2006-01-02")
	c.mu.Unlock()

	err := c.store.SaveCounters(today, counters)
	if err == nil {
		counters = nil
		err = c.store.SaveLatencyCounts(today, latency)
	}
	if err == nil {
		latency = nil
		err = c.store.UpsertTermCounts(terms)
	}
	if err == nil {
		return nil
	}

	c.mu.Lock()
	for k, v := range counters {
		c.pendingCounters[k] += v
	}
	for k, v := range latency {
		c.pendingLatency[k] += v
	}
	for k, v := range terms {
		c.pendingTerms[k] += v
	}
	c.mu.Unlock()
	return err
}

// Close stops auto-flush and flushes once more.
func (c *Collector) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ticker != nil {
		c.ticker.Stop()
		close(c.stopCh)
	}
	return c.Flush()
}
