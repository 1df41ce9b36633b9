package monitor

import (
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// History is a bounded per-instance sample buffer. The monitor owns writes;
// readers always receive a snapshot copy, so the buffer can rotate under
// concurrent policy evaluation. Oldest samples are evicted first.
type History struct {
	mu   sync.Mutex
	buf  []model.MetricSample
	next int
	full bool
}

// NewHistory creates a history holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]model.MetricSample, capacity)}
}

// Append records one sample, evicting the oldest when full.
func (h *History) Append(s model.MetricSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = s
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// Len reports the number of samples currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Snapshot returns a copy of all held samples, oldest first.
func (h *History) Snapshot() []model.MetricSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLocked(len(h.buf))
}

// Last returns a copy of the most recent k samples, oldest first.
func (h *History) Last(k int) []model.MetricSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLocked(k)
}

func (h *History) lastLocked(k int) []model.MetricSample {
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	out := make([]model.MetricSample, k)
	start := h.next - k
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < k; i++ {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}
