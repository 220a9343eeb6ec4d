// Package decomp runs brick decompression on a bounded set of background
// workers.
package decomp

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gigavox/internal/brick"
	"gigavox/internal/codec"
)

// ErrCanceled is passed to the result handler for jobs dropped by Cancel.
var ErrCanceled = errors.New("decompression canceled")

// Job is one compressed brick waiting to be decoded. The pool owns Payload
// once the job is submitted.
type Job struct {
	Brick    *brick.Descriptor
	Mode     brick.Mode
	Payload  []byte
	Encoding codec.Encoding
	Size     int64
}

// Result is handed to the pool's handler exactly once per submitted job.
type Result struct {
	Job      Job
	Data     []byte
	Err      error
	Duration time.Duration
}

// Handler consumes results. It runs on the worker goroutine, or on the
// caller's goroutine when the pool is synchronous.
type Handler func(Result)

// Workers resolves a configured worker count against the machine: negative
// means one less than the number of CPUs, and the result never exceeds that.
func Workers(configured int) int {
	limit := max(runtime.NumCPU()-1, 0)
	if configured < 0 {
		return limit
	}
	return min(configured, limit)
}

// Pool decodes jobs with at most a fixed number of live workers. Workers are
// started on demand and exit once the queue is empty. A pool with zero
// workers decodes inline in Submit.
type Pool struct {
	workers int
	sem     *semaphore.Weighted
	handle  Handler
	logger  *zap.Logger

	mu       sync.Mutex
	queue    []Job
	canceled bool

	wg      sync.WaitGroup
	running atomic.Int32
}

func New(workers int, handle Handler, logger *zap.Logger) *Pool {
	workers = max(workers, 0)
	p := &Pool{
		workers: workers,
		handle:  handle,
		logger:  logger,
	}
	if workers > 0 {
		p.sem = semaphore.NewWeighted(int64(workers))
	}
	return p
}

// Synchronous reports whether Submit decodes on the caller's goroutine.
func (p *Pool) Synchronous() bool {
	return p.workers == 0
}

func (p *Pool) Workers() int {
	return p.workers
}

// Submit queues job for decoding. It returns false if the pool has been
// canceled; the job is then not handled and the caller keeps responsibility
// for it.
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	if p.canceled {
		p.mu.Unlock()
		return false
	}
	if p.Synchronous() {
		p.mu.Unlock()
		p.run(job)
		return true
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go p.work()
	}
	return true
}

func (p *Pool) work() {
	defer p.wg.Done()
	p.running.Add(1)
	defer p.running.Add(-1)

	for {
		job, ok := p.next()
		if !ok {
			p.sem.Release(1)
			// A job queued between next and Release found no free slot.
			if !p.hasQueued() || !p.sem.TryAcquire(1) {
				return
			}
			continue
		}
		p.run(job)
	}
}

func (p *Pool) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.canceled || len(p.queue) == 0 {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue[0] = Job{}
	p.queue = p.queue[1:]
	return job, true
}

func (p *Pool) hasQueued() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.canceled && len(p.queue) > 0
}

func (p *Pool) run(job Job) {
	start := time.Now()
	data, err := codec.Decode(job.Encoding, job.Payload, job.Size)
	job.Payload = nil
	if err != nil {
		p.logger.Debug("Decode failed",
			zap.Stringer("brick", job.Brick.Key()),
			zap.Stringer("encoding", job.Encoding),
			zap.Error(err),
		)
	}
	p.handle(Result{Job: job, Data: data, Err: err, Duration: time.Since(start)})
}

// Cancel stops workers from taking new jobs, hands every queued job back to
// the handler with ErrCanceled and waits for running decodes to finish.
// Jobs already being decoded complete normally.
func (p *Pool) Cancel() {
	p.mu.Lock()
	p.canceled = true
	dropped := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, job := range dropped {
		job.Payload = nil
		p.handle(Result{Job: job, Err: ErrCanceled})
	}
	if len(dropped) > 0 {
		p.logger.Debug("Dropped queued decompression jobs", zap.Int("count", len(dropped)))
	}

	p.wg.Wait()
}

// Wait blocks until the queue is drained and every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Reset re-arms a canceled pool.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.canceled = false
}

// Running is the number of live workers.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Queued is the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}
