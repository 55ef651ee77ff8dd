package inference

import (
	"sync"
	"time"
)

// Metrics counts processed frames for the frame-rate log.
type Metrics struct {
	mu         sync.Mutex
	now        func() time.Time
	start      time.Time
	lastReport time.Time
	frames     int64
}

type MetricsSnapshot struct {
	Frames     int64         `json:"frames"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	AverageFPS float64       `json:"average_fps"`
}

func NewMetrics() *Metrics {
	return &Metrics{now: time.Now}
}

// Frame records one processed frame. It returns true at most once per
// second, when the caller should report the frame rate.
func (m *Metrics) Frame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.start.IsZero() {
		m.start = now
		m.lastReport = now
	}
	m.frames++

	if now.Sub(m.lastReport) >= time.Second {
		m.lastReport = now
		return true
	}
	return false
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Metrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{Frames: m.frames}
	if m.start.IsZero() {
		return s
	}
	s.Elapsed = m.now().Sub(m.start)
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.AverageFPS = float64(m.frames) / secs
	}
	return s
}

// Reset starts a new measurement window and returns the totals of the one
// it closed.
func (m *Metrics) Reset() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snapshot()
	m.start = time.Time{}
	m.lastReport = time.Time{}
	m.frames = 0
	return s
}
