// Package netsync implements the client/server reconciliation layer:
// NTP-style clock sync, timed packet queues, snapshot emission with areas
// of interest and ownership on the server, and input-history driven
// extrapolation with discontinuity correction on the client.
package netsync

import "sort"

// clockSampleWindow bounds the sliding sample window.
const clockSampleWindow = 16

// defaultSyncInterval is the seconds between time requests.
const defaultSyncInterval = 1.0

// ClockSync estimates the offset between the peer's clock and ours from
// bounded round-trip samples; the estimate is the sample median.
type ClockSync struct {
	samples  []float64
	delta    float64
	pending  map[uint32]float64
	nextID   uint32
	interval float64
	lastSent float64
}

func NewClockSync() *ClockSync {
	return &ClockSync{
		pending:  make(map[uint32]float64),
		interval: defaultSyncInterval,
	}
}

// Update reports whether a new time request is due and returns its fields.
func (c *ClockSync) Update(now float64) (id uint32, due bool) {
	if now-c.lastSent < c.interval && c.lastSent != 0 {
		return 0, false
	}
	c.lastSent = now
	c.nextID++
	c.pending[c.nextID] = now
	return c.nextID, true
}

// HandleResponse folds a peer response into the window. Unknown IDs are
// stale duplicates and ignored.
func (c *ClockSync) HandleResponse(id uint32, peerTime, now float64) {
	sent, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	rtt := now - sent
	sample := peerTime - (sent + rtt/2)
	c.samples = append(c.samples, sample)
	if len(c.samples) > clockSampleWindow {
		c.samples = c.samples[len(c.samples)-clockSampleWindow:]
	}
	sorted := append([]float64(nil), c.samples...)
	sort.Float64s(sorted)
	c.delta = sorted[len(sorted)/2]
}

// TimeDelta returns the current offset estimate (peer minus local).
func (c *ClockSync) TimeDelta() float64 { return c.delta }

// SampleCount returns how many round trips contributed.
func (c *ClockSync) SampleCount() int { return len(c.samples) }

// Adjust translates a peer timestamp into local time. With no samples yet
// the fallback assumes the packet left rtt/2 ago.
func (c *ClockSync) Adjust(timestamp, now, rtt float64) float64 {
	if len(c.samples) == 0 {
		return now - rtt/2
	}
	return timestamp - c.delta
}
