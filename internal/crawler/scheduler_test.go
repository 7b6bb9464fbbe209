package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPoller struct {
	mu      sync.Mutex
	polls   map[string]int
	running atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
}

func newCountingPoller(delay time.Duration) *countingPoller {
	return &countingPoller{polls: make(map[string]int), delay: delay}
}

func (p *countingPoller) Poll(ctx context.Context, feed Feed) (*PollResult, error) {
	if p.running.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.running.Add(-1)

	p.mu.Lock()
	p.polls[feed.URL]++
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
	}
	return &PollResult{Feed: feed.URL}, nil
}

func (p *countingPoller) count(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[url]
}

func runScheduler(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestScheduler_PollsImmediatelyAndOnInterval(t *testing.T) {
	// Given: one feed on a one second interval
	p := newCountingPoller(0)
	var results atomic.Int32
	s := NewScheduler(p, []Feed{{URL: "https://a.example/feed", Interval: time.Second}}, SchedulerOptions{
		OnPoll: func(*PollResult, error) { results.Add(1) },
	})

	// When: running for a little over one interval
	stop := runScheduler(t, s)
	require.Eventually(t, func() bool { return p.count("https://a.example/feed") >= 2 }, 3*time.Second, 20*time.Millisecond)
	stop()

	// Then: the first poll did not wait for the interval and every poll was reported
	assert.GreaterOrEqual(t, results.Load(), int32(2))
}

func TestScheduler_PollNeverOverlapsItself(t *testing.T) {
	// Given: a poll slower than the interval
	p := newCountingPoller(1500 * time.Millisecond)
	s := NewScheduler(p, []Feed{{URL: "https://slow.example/feed", Interval: time.Second}}, SchedulerOptions{})

	stop := runScheduler(t, s)
	time.Sleep(2500 * time.Millisecond)
	stop()

	assert.False(t, p.overlap.Load())
}

func TestScheduler_Reload(t *testing.T) {
	// Given: a running scheduler with one feed
	p := newCountingPoller(0)
	s := NewScheduler(p, []Feed{{URL: "https://a.example/feed", Interval: time.Hour}}, SchedulerOptions{})
	stop := runScheduler(t, s)
	defer stop()
	require.Eventually(t, func() bool { return p.count("https://a.example/feed") == 1 }, time.Second, 10*time.Millisecond)

	// When: the feed list is replaced
	s.Reload([]Feed{{URL: "https://b.example/feed", Interval: time.Hour}})

	// Then: the new feed polls right away and the old one is gone
	require.Eventually(t, func() bool { return p.count("https://b.example/feed") == 1 }, time.Second, 10*time.Millisecond)
	feeds := s.Feeds()
	require.Len(t, feeds, 1)
	assert.Equal(t, "https://b.example/feed", feeds[0].URL)
	assert.Equal(t, 1, p.count("https://a.example/feed"))
}

func TestScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(newCountingPoller(0), []Feed{{URL: "https://a.example/feed"}}, SchedulerOptions{DefaultInterval: 7 * time.Minute})
	feeds := s.Feeds()
	require.Len(t, feeds, 1)
	assert.Equal(t, 7*time.Minute, feeds[0].Interval)
}
