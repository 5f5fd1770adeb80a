package relay

import (
	"sync"
	"time"
)

// Stats is purely observational: terminal relay outcomes are appended as
// events and reduced into an immutable Snapshot per read. Nothing branches
// on it; connection health for polling cadence is tracked separately by
// the discovery layer.
type Stats struct {
	mu     sync.Mutex
	events []statEvent
	max    int
}

type statEvent struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// Snapshot is the read-only reduction of the event stream.
type Snapshot struct {
	TotalRequests         int64         `json:"total_requests"`
	SuccessfulRequests    int64         `json:"successful_requests"`
	FailedRequests        int64         `json:"failed_requests"`
	AverageProcessingTime time.Duration `json:"average_processing_time_ns"`
	LastRequestTime       time.Time     `json:"last_request_time"`
}

// NewStats creates a monitor retaining at most maxEvents events.
func NewStats(maxEvents int) *Stats {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	return &Stats{max: maxEvents}
}

// Record appends one terminal outcome.
func (s *Stats) Record(success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, statEvent{at: time.Now(), success: success, duration: duration})
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
}

// Snapshot reduces the retained events into a fresh value.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	var totalDuration time.Duration
	for _, ev := range s.events {
		snap.TotalRequests++
		if ev.success {
			snap.SuccessfulRequests++
		} else {
			snap.FailedRequests++
		}
		totalDuration += ev.duration
		if ev.at.After(snap.LastRequestTime) {
			snap.LastRequestTime = ev.at
		}
	}
	if snap.TotalRequests > 0 {
		snap.AverageProcessingTime = totalDuration / time.Duration(snap.TotalRequests)
	}
	return snap
}

// SuccessRate returns the fraction of successful requests, or 1 when no
// requests have been observed.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}
