package netsync

import (
	"sort"
	"sync"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
)

// InputSample is one timestamped input component for one body.
type InputSample struct {
	Time   float64
	Entity ecs.Entity
	Input  comp.ControlInput
}

// InputHistory is the bounded, time-indexed input buffer. The main
// goroutine appends; extrapolation jobs run range queries. The mutex is
// held only during append or query.
type InputHistory struct {
	mu      sync.Mutex
	samples []InputSample
	maxAge  float64
}

// NewInputHistory keeps samples for maxAge seconds behind the newest.
func NewInputHistory(maxAge float64) *InputHistory {
	if maxAge <= 0 {
		maxAge = 2
	}
	return &InputHistory{maxAge: maxAge}
}

// Append records a sample and prunes expired ones. Samples arrive in
// nondecreasing time order from the local tick; remote samples may land in
// the past and are inserted in order.
func (h *InputHistory) Append(t float64, e ecs.Entity, input comp.ControlInput) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sample := InputSample{Time: t, Entity: e, Input: input}
	n := len(h.samples)
	if n == 0 || h.samples[n-1].Time <= t {
		h.samples = append(h.samples, sample)
	} else {
		at := sort.Search(n, func(i int) bool { return h.samples[i].Time > t })
		h.samples = append(h.samples, InputSample{})
		copy(h.samples[at+1:], h.samples[at:])
		h.samples[at] = sample
	}
	cutoff := h.samples[len(h.samples)-1].Time - h.maxAge
	start := 0
	for start < len(h.samples) && h.samples[start].Time < cutoff {
		start++
	}
	if start > 0 {
		h.samples = append(h.samples[:0], h.samples[start:]...)
	}
}

// Range copies the samples with from <= Time < to.
func (h *InputHistory) Range(from, to float64) []InputSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []InputSample
	for _, s := range h.samples {
		if s.Time >= from && s.Time < to {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the buffered sample count.
func (h *InputHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}
