package service

import (
	"powerwatch/pkg/powerwall"
)

// SampleWindow is a fixed-capacity ring buffer of recent gateway samples.
// Once full, each Add evicts the oldest entry. It is not safe for
// concurrent use; the owning actor serializes access through its mailbox.
type SampleWindow struct {
	buf   []*powerwall.Metrics
	start int
	size  int
}

func NewSampleWindow(capacity int) *SampleWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &SampleWindow{
		buf: make([]*powerwall.Metrics, capacity),
	}
}

func (w *SampleWindow) Add(sample *powerwall.Metrics) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = sample
		w.size++
		return
	}
	w.buf[w.start] = sample
	w.start = (w.start + 1) % len(w.buf)
}

func (w *SampleWindow) Len() int {
	return w.size
}

func (w *SampleWindow) Capacity() int {
	return len(w.buf)
}

// Last returns the most recent sample, or nil when no sample has been
// collected yet.
func (w *SampleWindow) Last() *powerwall.Metrics {
	if w.size == 0 {
		return nil
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)]
}

// Samples returns the buffered samples in chronological order.
func (w *SampleWindow) Samples() []*powerwall.Metrics {
	out := make([]*powerwall.Metrics, 0, w.size)
	for i := 0; i < w.size; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}

// AverageHomePower returns the arithmetic mean of home power over the
// most recent floor(windowSeconds/intervalSeconds) samples, at least one.
// Returns false when the window is empty.
func (w *SampleWindow) AverageHomePower(windowSeconds, intervalSeconds int) (float64, bool) {
	if w.size == 0 {
		return 0, false
	}
	n := 1
	if intervalSeconds > 0 {
		n = windowSeconds / intervalSeconds
	}
	if n < 1 {
		n = 1
	}
	if n > w.size {
		n = w.size
	}
	sum := 0.0
	for i := w.size - n; i < w.size; i++ {
		sum += w.buf[(w.start+i)%len(w.buf)].HomePowerKW
	}
	return sum / float64(n), true
}
