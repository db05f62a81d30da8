package netsync

import (
	"math"
	"testing"

	"stonefall/engine/internal/comp"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/netpkt"
)

func TestClockSyncConvergence(t *testing.T) {
	// Peer clock runs 3.5 s ahead; latency is a stationary 80 ms.
	const trueOffset = 3.5
	const latency = 0.08

	sync := NewClockSync()
	now := 100.0
	for i := 0; i < 10; i++ {
		id, due := sync.Update(now)
		if !due {
			t.Fatalf("request %d not due", i)
		}
		peerTime := now + latency/2 + trueOffset
		sync.HandleResponse(id, peerTime, now+latency)
		now += 1.1
	}

	if sync.SampleCount() < 8 {
		t.Fatalf("expected at least 8 samples, got %d", sync.SampleCount())
	}
	if math.Abs(sync.TimeDelta()-trueOffset) > 1e-6 {
		t.Fatalf("time delta %v, want %v", sync.TimeDelta(), trueOffset)
	}

	// Adjusted timestamps translate peer time into local time.
	local := sync.Adjust(now+trueOffset, now, 0)
	if math.Abs(local-now) > 1e-6 {
		t.Fatalf("adjusted %v, want %v", local, now)
	}
}

func TestClockSyncFallbackWithoutSamples(t *testing.T) {
	sync := NewClockSync()
	got := sync.Adjust(42, 10, 0.2)
	if math.Abs(got-9.9) > 1e-9 {
		t.Fatalf("fallback should be now - rtt/2, got %v", got)
	}
}

func TestClockSyncIgnoresUnknownResponses(t *testing.T) {
	sync := NewClockSync()
	sync.HandleResponse(99, 1, 2)
	if sync.SampleCount() != 0 {
		t.Fatalf("stale response must not add a sample")
	}
}

func TestClockSyncMedianRejectsOutliers(t *testing.T) {
	sync := NewClockSync()
	now := 0.0
	for i := 0; i < 9; i++ {
		id, _ := sync.Update(now)
		offset := 1.0
		if i == 4 {
			offset = 50.0 // one wild spike
		}
		sync.HandleResponse(id, now+0.05+offset, now+0.1)
		now += 1.1
	}
	if math.Abs(sync.TimeDelta()-1.0) > 1e-6 {
		t.Fatalf("median should reject the outlier, got %v", sync.TimeDelta())
	}
}

func TestPacketQueueOrdersByDueTime(t *testing.T) {
	q := NewPacketQueue()
	q.Push(netpkt.DestroyEntity{Timestamp: 3}, 3)
	q.Push(netpkt.CreateEntity{Timestamp: 1}, 1)
	q.Push(netpkt.GeneralSnapshot{Timestamp: 2}, 2)

	if _, ok := q.PopDue(0.5); ok {
		t.Fatalf("nothing should be due yet")
	}
	first, ok := q.PopDue(10)
	if !ok {
		t.Fatalf("expected a due packet")
	}
	if _, isCreate := first.(netpkt.CreateEntity); !isCreate {
		t.Fatalf("expected the earliest packet first, got %T", first)
	}
	second, _ := q.PopDue(10)
	if _, isGeneral := second.(netpkt.GeneralSnapshot); !isGeneral {
		t.Fatalf("expected general snapshot second, got %T", second)
	}
}

func TestPacketQueueTiesPreserveArrivalOrder(t *testing.T) {
	q := NewPacketQueue()
	q.Push(netpkt.TransientSnapshot{Timestamp: 1}, 5)
	q.Push(netpkt.GeneralSnapshot{Timestamp: 1}, 5)
	first, _ := q.PopDue(10)
	if _, isTransient := first.(netpkt.TransientSnapshot); !isTransient {
		t.Fatalf("arrival order broken on tie: %T", first)
	}
}

func TestInputHistoryRangeAndPruning(t *testing.T) {
	h := NewInputHistory(1.0)
	body := ecs.Entity{ID: 1, Gen: 1}
	for i := 0; i < 5; i++ {
		h.Append(float64(i)*0.1, body, comp.ControlInput{})
	}
	got := h.Range(0.15, 0.35)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples in [0.15,0.35), got %d", len(got))
	}

	// A sample far in the future prunes everything older than maxAge.
	h.Append(10, body, comp.ControlInput{})
	if h.Len() != 1 {
		t.Fatalf("expected pruning to one sample, got %d", h.Len())
	}
}

func TestInputHistoryOutOfOrderInsert(t *testing.T) {
	h := NewInputHistory(10)
	body := ecs.Entity{ID: 1, Gen: 1}
	h.Append(1.0, body, comp.ControlInput{})
	h.Append(3.0, body, comp.ControlInput{})
	h.Append(2.0, body, comp.ControlInput{}) // remote input landing late

	samples := h.Range(0, 5)
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Time < samples[i-1].Time {
			t.Fatalf("samples out of order: %+v", samples)
		}
	}
}
