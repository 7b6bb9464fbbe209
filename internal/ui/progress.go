package ui

import (
	"sync"
	"time"
)

// speedWindow is the minimum interval between rate samples.
const speedWindow = 500 * time.Millisecond

// ProgressTracker keeps the current stage, position and smoothed rate.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	stage      Stage
	current    int
	total      int
	message    string
	stageStart time.Time

	lastCurrent int
	lastSample  time.Time
	rate        float64
	peak        float64
	samples     int
}

// ProgressStats is a snapshot of a tracker.
type ProgressStats struct {
	Stage    Stage
	Current  int
	Total    int
	Message  string
	Progress float64
	Rate     float64
	Peak     float64
	ETA      time.Duration
	Elapsed  time.Duration
}

// NewProgressTracker creates a tracker with no stage.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{now: now, stageStart: t, lastSample: t}
}

// SetStage moves to stage and resets position and rate.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.stage = stage
	p.total = total
	p.current = 0
	p.message = ""
	p.stageStart = now
	p.lastCurrent = 0
	p.lastSample = now
	p.rate = 0
	p.peak = 0
	p.samples = 0
}

// Apply folds a progress event into the tracker.
func (p *ProgressTracker) Apply(event ProgressEvent) {
	p.mu.RLock()
	stageChanged := event.Stage != p.stage
	p.mu.RUnlock()
	if stageChanged {
		p.SetStage(event.Stage, event.Total)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = event.Total
	p.message = event.Message
	p.update(event.Current)
}

// Update sets the position within the current stage.
func (p *ProgressTracker) Update(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.update(current)
}

func (p *ProgressTracker) update(current int) {
	p.current = current

	now := p.now()
	elapsed := now.Sub(p.lastSample)
	if elapsed < speedWindow {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.samples++
		if p.samples == 1 {
			p.rate = speed
		} else {
			p.rate = 0.2*speed + 0.8*p.rate
		}
		p.peak = max(p.peak, speed)
	}
	p.lastCurrent = current
	p.lastSample = now
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := ProgressStats{
		Stage:   p.stage,
		Current: p.current,
		Total:   p.total,
		Message: p.message,
		Rate:    p.rate,
		Peak:    p.peak,
		Elapsed: p.now().Sub(p.stageStart),
	}
	if p.total > 0 {
		s.Progress = min(float64(p.current)/float64(p.total), 1)
		if remaining := p.total - p.current; remaining > 0 && p.rate > 0 {
			s.ETA = time.Duration(float64(remaining) / p.rate * float64(time.Second))
		}
	}
	return s
}
