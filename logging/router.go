package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Clock supplies event timestamps; tests substitute a fixed one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sink consumes routed events. Writes happen on the router's dispatch
// goroutine, one event at a time, so implementations only need to guard
// against their own external readers.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink pairs a sink with the name it is registered under.
type NamedSink struct {
	Name string
	Sink Sink
}

// sinkState tracks a sink's health. A failing sink is quarantined for a
// number of events that doubles with each consecutive failure, so a dead
// file descriptor cannot stall the islands publishing into the router.
type sinkState struct {
	name       string
	sink       Sink
	failures   int
	retryAfter uint64 // event sequence at which writes resume
}

const maxQuarantineShift = 10 // cap the skip window at 2^10 events

// Router decouples the simulation and network goroutines from sink I/O: a
// bounded queue feeds one dispatch goroutine that writes each event to
// every healthy sink in registration order.
type Router struct {
	cfg      Config
	clock    Clock
	queue    chan Event
	sinks    []*sinkState
	fallback *log.Logger

	seq       uint64 // events seen by the dispatch loop
	published atomic.Uint64
	dropped   atomic.Uint64

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// RouterStats is a point-in-time counter snapshot.
type RouterStats struct {
	Published uint64
	Dropped   uint64
}

func NewRouter(clock Clock, cfg Config, sinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	cfg = cfg.Normalize()
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		queue:    make(chan Event, cfg.QueueDepth),
		fallback: log.New(os.Stderr, "[logging] ", log.LstdFlags),
		done:     make(chan struct{}),
	}
	for _, named := range sinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkState{name: named.Name, sink: named.Sink})
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

// Publish enqueues an event. It never blocks: below-threshold events are
// discarded outright, and a full queue counts a drop instead of stalling
// the caller.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || event.Severity < r.cfg.MinSeverity || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		dropped := r.dropped.Add(1)
		if every := r.cfg.DropReportEvery; every > 0 && dropped%every == 1 {
			r.fallback.Printf("queue full, %d events dropped so far (last: %s)", dropped, event.Type)
		}
	}
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.queue:
			r.write(event)
		case <-r.done:
			// Flush whatever publishers managed to enqueue before Close.
			for {
				select {
				case event := <-r.queue:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) write(event Event) {
	r.seq++
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	r.published.Add(1)
	for _, s := range r.sinks {
		if r.seq < s.retryAfter {
			continue
		}
		if err := s.sink.Write(event); err != nil {
			s.failures++
			shift := s.failures
			if shift > maxQuarantineShift {
				shift = maxQuarantineShift
			}
			s.retryAfter = r.seq + 1 + 1<<shift
			r.fallback.Printf("sink %s failed: %v (skipping next %d events)", s.name, err, 1<<shift)
			continue
		}
		s.failures = 0
		s.retryAfter = 0
	}
}

// Close stops the dispatch loop, flushes the queue, and closes every sink.
// A second Close blocks until the context ends and returns its error.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	close(r.done)

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, s := range r.sinks {
		if err := s.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports how many events reached the sinks and how many the queue
// shed.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
	}
}
