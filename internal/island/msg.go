// Package island implements the parallel simulation core: a coordinator on
// the main goroutine owning the authoritative registry and entity graph, and
// one worker per island running the fixed-step pipeline on a dispatcher
// thread. The two sides share nothing but typed message queues, an atomic
// split flag, and an atomic reschedule counter.
package island

import (
	"sync"

	"stonefall/engine/internal/delta"
	"stonefall/engine/internal/ecs"
	"stonefall/engine/internal/vmath"
)

// Message is the closed variant set crossing the coordinator/worker
// boundary. Dispatch is a type switch; adding a variant means editing every
// switch that consumes the queue.
type Message interface {
	isMessage()
}

// MsgDelta carries a registry delta in the sender's handle space. It flows
// both directions.
type MsgDelta struct {
	Delta delta.Delta
}

// MsgSetPaused toggles stepping on a worker.
type MsgSetPaused struct {
	Paused bool
}

// MsgStepSimulation forces a single step while paused.
type MsgStepSimulation struct{}

// MsgWakeUp clears sleeping state on the receiving island.
type MsgWakeUp struct{}

// MsgSetCOM changes a body's center of mass inside the worker.
type MsgSetCOM struct {
	Entity ecs.Entity // sender-space handle
	COM    vmath.Vec3
}

// MsgSetSettings replaces the worker's settings snapshot.
type MsgSetSettings struct {
	Settings Settings
}

// MsgSplitRequest asks the coordinator to run the split protocol. The worker
// pauses itself until the coordinator calls Split and re-enables it.
type MsgSplitRequest struct{}

func (MsgDelta) isMessage()          {}
func (MsgSetPaused) isMessage()      {}
func (MsgStepSimulation) isMessage() {}
func (MsgWakeUp) isMessage()         {}
func (MsgSetCOM) isMessage()         {}
func (MsgSetSettings) isMessage()    {}
func (MsgSplitRequest) isMessage()   {}

// Queue is a FIFO message queue with single-producer/single-consumer
// discipline per direction. Sends never fail; both ends share process
// memory.
type Queue struct {
	mu    sync.Mutex
	items []Message
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a message. Delivery order matches send order.
func (q *Queue) Push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// Drain removes and returns all pending messages.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len reports the pending count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
