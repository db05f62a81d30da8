package netsync

import (
	"container/heap"

	"stonefall/engine/internal/netpkt"
)

type timedPacket struct {
	packet   netpkt.Packet
	dueAt    float64
	sequence uint64
}

type packetHeap []timedPacket

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}
	return h[i].sequence < h[j].sequence
}

func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) { *h = append(*h, x.(timedPacket)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PacketQueue orders timed packets by adjusted timestamp. Ties preserve
// arrival order.
type PacketQueue struct {
	heap packetHeap
	seq  uint64
}

func NewPacketQueue() *PacketQueue {
	return &PacketQueue{}
}

// Push enqueues a packet due at the given local time.
func (q *PacketQueue) Push(p netpkt.Packet, dueAt float64) {
	q.seq++
	heap.Push(&q.heap, timedPacket{packet: p, dueAt: dueAt, sequence: q.seq})
}

// PopDue returns the next packet whose due time has passed.
func (q *PacketQueue) PopDue(now float64) (netpkt.Packet, bool) {
	if len(q.heap) == 0 || q.heap[0].dueAt > now {
		return nil, false
	}
	item := heap.Pop(&q.heap).(timedPacket)
	return item.packet, true
}

// Len reports the queued count.
func (q *PacketQueue) Len() int { return len(q.heap) }
