// Package async runs long operator jobs, such as a full reindex, in the
// background with progress tracking.
package async

import (
	"sync"
	"time"
)

// Status is the overall job state.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Stage is the current phase of a reindex.
type Stage string

const (
	// StageCounting sizes the job from store counts.
	StageCounting Stage = "counting"
	// StageEnqueuing walks the store and publishes index tasks.
	StageEnqueuing Stage = "enqueuing"
)

// ProgressSnapshot is an immutable copy of a job's progress.
type ProgressSnapshot struct {
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	RecordsTotal   int     `json:"records_total"`
	RecordsScanned int     `json:"records_scanned"`
	TasksEnqueued  int     `json:"tasks_enqueued"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Progress is a thread-safe progress tracker.
type Progress struct {
	mu sync.RWMutex

	status    Status
	stage     Stage
	total     int
	scanned   int
	enqueued  int
	startTime time.Time
	errorMsg  string
}

// NewProgress returns a tracker in the running state.
func NewProgress() *Progress {
	return &Progress{
		status:    StatusRunning,
		stage:     StageCounting,
		startTime: time.Now(),
	}
}

// SetStage moves to stage with the given total.
func (p *Progress) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
	p.total = total
}

// Advance adds scanned records and enqueued tasks.
func (p *Progress) Advance(scanned, enqueued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanned += scanned
	p.enqueued += enqueued
}

// SetError marks the job failed.
func (p *Progress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusError
	p.errorMsg = message
}

// SetDone marks the job complete.
func (p *Progress) SetDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusDone
}

// IsRunning reports whether the job is still in progress.
func (p *Progress) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusRunning
}

// Snapshot returns an immutable copy of the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if p.total > 0 {
		pct = float64(p.scanned) / float64(p.total) * 100.0
		if pct > 100 {
			pct = 100
		}
	}
	return ProgressSnapshot{
		Status:         string(p.status),
		Stage:          string(p.stage),
		RecordsTotal:   p.total,
		RecordsScanned: p.scanned,
		TasksEnqueued:  p.enqueued,
		ProgressPct:    pct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMsg,
	}
}
