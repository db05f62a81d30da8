package island

import (
	"runtime"
	"sync"
	"time"
)

// Job is a unit of work scheduled on the dispatcher pool. A worker is
// resident in at most one job at a time; the reschedule counter on the
// worker enforces that.
type Job func()

// Dispatcher owns the small thread pool running island workers and their
// async phase tasks.
type Dispatcher struct {
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
	closeCh chan struct{}
}

// NewDispatcher starts a pool with the given number of goroutines; zero or
// negative picks one per spare CPU.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
		if workers < 1 {
			workers = 1
		}
	}
	d := &Dispatcher{
		jobs:    make(chan Job, 256),
		timers:  make(map[*time.Timer]struct{}),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobs:
			job()
		case <-d.closeCh:
			// Drain what is already queued so termination jobs run.
			for {
				select {
				case job := <-d.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// Dispatch enqueues a job for immediate execution.
func (d *Dispatcher) Dispatch(job Job) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.jobs <- job:
	case <-d.closeCh:
	}
}

// DispatchAfter enqueues a job once the delay elapses.
func (d *Dispatcher) DispatchAfter(delay time.Duration, job Job) {
	if delay <= 0 {
		d.Dispatch(job)
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		d.mu.Unlock()
		d.Dispatch(job)
	})
	d.timers[timer] = struct{}{}
	d.mu.Unlock()
}

// Close stops the pool after running already queued jobs. Pending delayed
// jobs are cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for timer := range d.timers {
		timer.Stop()
	}
	clear(d.timers)
	d.mu.Unlock()
	close(d.closeCh)
	d.wg.Wait()
}
