// Package metrics tracks per-peer latency and optionally appends samples to a
// CSV log for offline inspection.
package metrics

import "math"

// DefaultWindow is the number of samples a Rolling average keeps.
const DefaultWindow = 16

// Rolling is a fixed-window latency tracker feeding connection quality.
type Rolling struct {
	window  int
	samples []float64
	last    float64
}

// NewRolling creates a tracker with the given window size (DefaultWindow when
// size is not positive).
func NewRolling(size int) *Rolling {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Rolling{window: size}
}

// Add records one round-trip sample in milliseconds.
func (r *Rolling) Add(ms float64) {
	r.last = ms
	r.samples = append(r.samples, ms)
	if len(r.samples) > r.window {
		r.samples = r.samples[len(r.samples)-r.window:]
	}
}

// Last returns the most recent sample, 0 before any sample arrives.
func (r *Rolling) Last() float64 { return r.last }

// Count returns the number of retained samples.
func (r *Rolling) Count() int { return len(r.samples) }

// Average returns the mean over the window.
func (r *Rolling) Average() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s
	}
	return sum / float64(len(r.samples))
}

// Jitter returns the mean absolute deviation over the window.
func (r *Rolling) Jitter() float64 {
	if len(r.samples) < 2 {
		return 0
	}
	avg := r.Average()
	var dev float64
	for _, s := range r.samples {
		dev += math.Abs(s - avg)
	}
	return dev / float64(len(r.samples))
}
