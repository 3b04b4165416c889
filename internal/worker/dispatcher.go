// Package worker runs keyed jobs on a bounded goroutine pool. Jobs with the
// same key execute one at a time in submission order; different keys are
// served round robin.
package worker

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a job of this key is executing
}

type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
}

type Dispatcher struct {
	pool   *jobChannelPool
	intake chan Job
	wake   chan struct{}
	logger *log.Logger

	loopCtx    context.Context
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // LRU of keys with a runnable job
	positions map[string]*list.Element

	stateMu  sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func NewDispatcher(opts Options) *Dispatcher {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	d := &Dispatcher{
		intake:     make(chan Job, queueSize),
		wake:       make(chan struct{}, 1),
		logger:     newLogger(),
		loopCtx:    loopCtx,
		stopLoop:   stopLoop,
		loopDone:   make(chan struct{}),
		jobCtx:     jobCtx,
		cancelJobs: cancelJobs,
		queues:     make(map[string]*keyQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d.execute)

	for i := 0; i < opts.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.closing {
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	select {
	case d.intake <- job:
		return nil
	default:
		d.inflight.Done()
		return ErrDispatcherBusy
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx ends first the remaining jobs are abandoned and their context is
// cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stateMu.Lock()
	if d.closing {
		d.stateMu.Unlock()
		return nil
	}
	d.closing = true
	d.stateMu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.logger.Warn("shutdown deadline reached, abandoning jobs", "pending", d.Stats().Pending)
	}
	d.cancelJobs()
	d.stopLoop()
	d.pool.close()
	<-d.loopDone
	return err
}

func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.stats()
	d.mu.Lock()
	pending := 0
	for _, q := range d.queues {
		pending += len(q.jobs)
	}
	d.mu.Unlock()
	return Stats{Workers: running, Idle: idle, Pending: pending + len(d.intake)}
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		if d.dispatchOne() {
			// drain intake without blocking so new keys join the rotation
			select {
			case job := <-d.intake:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.intake:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.loopCtx.Done():
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(job.Key, q)
}

func (d *Dispatcher) markReadyLocked(key string, q *keyQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne hands the next job of the least recently served key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, key)
	d.mu.Unlock()

	workerChan, workerID, ok := d.pool.acquire()
	if !ok {
		d.logger.Debug("pool closed, dropping job", "key", key)
		d.inflight.Done()
		return false
	}
	d.logger.Debug("assign job", "key", key, "worker", workerID)
	workerChan <- job
	return true
}

func (d *Dispatcher) execute(job Job) {
	defer d.finish(job.Key)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", "key", job.Key, "panic", r)
		}
	}()
	if job.Run != nil {
		job.Run(d.jobCtx)
	}
}

// finish releases the key so its next job can be dispatched.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	if q, ok := d.queues[key]; ok {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, key)
		} else {
			d.markReadyLocked(key, q)
		}
	}
	d.mu.Unlock()
	d.inflight.Done()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
