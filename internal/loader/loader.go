// Package loader streams bricks into a bounded in-memory cache.
//
// A Loader owns a pending request queue, the resident cache and a
// decompression pool. Run starts one engine goroutine that drains the queue
// in FIFO order; the renderer pulls decoded buffers with Buffer every frame.
package loader

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/cache"
	"gigavox/internal/decomp"
	"gigavox/internal/metrics"
	"gigavox/internal/source"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("loader closed")

// DefaultMemoryLimit is deliberately small; deployments raise it.
const DefaultMemoryLimit uint64 = 10_000_000

// Request asks for one brick to be made resident. Mode is the renderer pass
// the brick is needed for; drawn state is read in that mode during eviction.
type Request struct {
	Brick *brick.Descriptor
	Mode  brick.Mode

	seq uint64
}

// Options configures a Loader.
type Options struct {
	MemoryLimit uint64
	// Workers is the configured decompression worker count; see decomp.Workers.
	Workers            int
	EvictRetries       int
	EvictRetryInterval time.Duration
	Metrics            *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		MemoryLimit:        DefaultMemoryLimit,
		Workers:            -1,
		EvictRetries:       3,
		EvictRetryInterval: 10 * time.Millisecond,
	}
}

// Stats is a snapshot of loader state.
type Stats struct {
	UsedBytes     int64  `json:"used_bytes"`
	ResidentBytes int64  `json:"resident_bytes"`
	ReservedBytes int64  `json:"reserved_bytes"`
	MemoryLimit   uint64 `json:"memory_limit"`
	Entries       int    `json:"entries"`
	Pending       int    `json:"pending"`
	Running       bool   `json:"running"`
	Workers       int    `json:"workers"`
	DecompRunning int    `json:"decomp_running"`
	DecompQueued  int    `json:"decomp_queued"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Failures      uint64 `json:"failures"`
	Breaches      uint64 `json:"soft_limit_breaches"`
}

type Loader struct {
	reader  source.RawReader
	cache   *cache.BrickCache
	pool    *decomp.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	limit    atomic.Uint64
	failures atomic.Uint64
	breaches atomic.Uint64

	// runMu serializes Run, Abort and purges so only one engine exists.
	runMu sync.Mutex

	mu     sync.Mutex
	queue  []Request
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	// draining is set while an engine may still pop requests. It is cleared
	// under mu when the engine finds the queue empty.
	draining bool
}

// New creates an idle loader reading through reader.
func New(reader source.RawReader, opts Options, logger *zap.Logger) *Loader {
	if opts.EvictRetryInterval <= 0 {
		opts.EvictRetryInterval = DefaultOptions().EvictRetryInterval
	}
	if opts.EvictRetries < 0 {
		opts.EvictRetries = 0
	}

	l := &Loader{
		reader:  reader,
		cache:   cache.NewBrickCache(),
		logger:  logger,
		metrics: opts.Metrics,
		opts:    opts,
	}
	l.limit.Store(opts.MemoryLimit)
	l.pool = decomp.New(decomp.Workers(opts.Workers), l.onDecoded, logger.Named("decomp"))

	logger.Info("Loader created",
		zap.Uint64("memory_limit", opts.MemoryLimit),
		zap.Int("decomp_workers", l.pool.Workers()),
	)
	return l
}

// Enqueue appends one request to the pending queue.
func (l *Loader) Enqueue(req Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	req.seq = l.seq
	l.queue = append(l.queue, req)
}

// ReplaceAll swaps the pending queue for reqs. Requests not yet started are
// discarded; resident bricks are untouched.
func (l *Loader) ReplaceAll(reqs []Request) {
	queue := make([]Request, len(reqs))

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, req := range reqs {
		l.seq++
		req.seq = l.seq
		queue[i] = req
	}
	l.queue = queue
}

func (l *Loader) ClearQueue() {
	l.ReplaceAll(nil)
}

// Pending returns the number of queued requests.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.queue)
}

func (l *Loader) SetMemoryLimit(bytes uint64) {
	l.limit.Store(bytes)
	l.publish()
}

func (l *Loader) MemoryLimit() uint64 {
	return l.limit.Load()
}

// Run stops any running engine, then starts a new one on the current queue.
func (l *Loader) Run() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.abort()
	return l.run()
}

// Start starts an engine only when none is draining the queue. Unlike Run it
// never cancels work in flight; requests enqueued before Start are picked up
// by the running engine.
func (l *Loader) Start() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.mu.Lock()
	closed, draining := l.closed, l.draining
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if draining {
		return nil
	}

	// The previous engine found the queue empty and is exiting. Its decode
	// jobs keep running.
	l.join()
	return l.run()
}

func (l *Loader) join() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if done != nil {
		<-done
		cancel()
	}
}

// run starts an engine. The caller holds runMu and has stopped or joined the
// previous one.
func (l *Loader) run() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.draining = true
	l.mu.Unlock()

	l.pool.Reset()
	l.metrics.ObserveRun()

	e := newEngine(ctx, l)
	go func() {
		defer close(done)
		e.run()
	}()
	return nil
}

// Abort cancels the engine and the decompression workers and waits for them
// to exit. Bricks already installed stay resident.
func (l *Loader) Abort() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.abort()
}

func (l *Loader) abort() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.draining = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	l.pool.Cancel()
	l.publish()
}

// Wait blocks until the current engine has drained its queue and every
// decompression job has finished, or ctx is done.
func (l *Loader) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := make(chan struct{})
	go func() {
		l.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		l.publish()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether an engine goroutine is still draining the queue.
func (l *Loader) Running() bool {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// PurgeDataset stops the engine, then drops every resident brick and queued
// request of ds. It returns the number of entries and bytes freed.
func (l *Loader) PurgeDataset(ds *brick.Dataset) (int, int64) {
	if ds == nil {
		return 0, 0
	}

	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.abort()

	l.mu.Lock()
	kept := l.queue[:0]
	for _, req := range l.queue {
		if req.Brick.Key().Dataset != ds.ID {
			kept = append(kept, req)
		}
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = Request{}
	}
	l.queue = kept
	l.mu.Unlock()

	n, freed := l.cache.PurgeDataset(ds.ID)
	l.metrics.ObservePurge(freed)
	l.publish()

	l.logger.Info("Purged dataset",
		zap.String("dataset_id", ds.ID),
		zap.String("name", ds.Name),
		zap.Int("entries", n),
		zap.Int64("bytes", freed),
	)
	return n, freed
}

// PurgeAll stops the engine and empties the cache.
func (l *Loader) PurgeAll() (int, int64) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.abort()
	n, freed := l.cache.Clear()
	l.metrics.ObservePurge(freed)
	l.publish()
	return n, freed
}

// Close aborts the engine, clears the queue and releases every buffer.
// Run fails afterwards.
func (l *Loader) Close() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	l.abort()
	n, freed := l.cache.Clear()
	l.logger.Info("Loader closed", zap.Int("entries", n), zap.Int64("bytes", freed))
	return nil
}

func (l *Loader) IsResident(key brick.Key) bool {
	return l.cache.Has(key)
}

// Buffer returns the decoded bytes of a resident brick. The slice must not be
// modified or retained across frames.
func (l *Loader) Buffer(key brick.Key) ([]byte, bool) {
	return l.cache.Get(key)
}

func (l *Loader) Stats() Stats {
	cs := l.cache.Stats()

	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return Stats{
		UsedBytes:     cs.UsedBytes(),
		ResidentBytes: cs.ResidentBytes,
		ReservedBytes: cs.ReservedBytes,
		MemoryLimit:   l.MemoryLimit(),
		Entries:       cs.Entries,
		Pending:       pending,
		Running:       l.Running(),
		Workers:       l.pool.Workers(),
		DecompRunning: l.pool.Running(),
		DecompQueued:  l.pool.Queued(),
		Hits:          cs.Hits,
		Misses:        cs.Misses,
		Evictions:     cs.Evictions,
		Failures:      l.failures.Load(),
		Breaches:      l.breaches.Load(),
	}
}

func (l *Loader) onDecoded(r decomp.Result) {
	d := r.Job.Brick
	key := d.Key()

	switch {
	case errors.Is(r.Err, decomp.ErrCanceled):
		l.cache.Release(key)
		l.metrics.ObserveDecode(metrics.StatusCanceled, 0)
	case r.Err != nil:
		l.cache.Release(key)
		// Unloadable for this pass; the renderer falls back to a coarser level.
		d.SetDrawn(r.Job.Mode, true)
		l.failures.Add(1)
		l.metrics.ObserveDecode(metrics.StatusFailed, r.Duration)
		l.logger.Warn("Failed to decode brick",
			zap.Stringer("brick", key),
			zap.Stringer("encoding", r.Job.Encoding),
			zap.Error(r.Err),
		)
	default:
		l.cache.Install(d, r.Job.Mode, r.Data)
		l.metrics.ObserveDecode(metrics.StatusOK, r.Duration)
	}
	l.metrics.SetRunningWorkers(l.pool.Running())
}

// limitBytes clamps the configured limit into the int64 range used by the cache.
func (l *Loader) limitBytes() int64 {
	limit := l.limit.Load()
	if limit > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(limit)
}

func (l *Loader) publish() {
	if l.metrics == nil {
		return
	}
	cs := l.cache.Stats()
	l.metrics.SetCacheState(cs.UsedBytes(), l.limit.Load(), cs.Entries)
	l.metrics.SetRunningWorkers(l.pool.Running())
}

// pop removes the head of the queue.
func (l *Loader) pop() (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		l.draining = false
		return Request{}, false
	}
	req := l.queue[0]
	l.queue[0] = Request{}
	l.queue = l.queue[1:]
	return req, true
}

// pendingKeys snapshots the queue, head first.
func (l *Loader) pendingKeys() []brick.Key {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]brick.Key, len(l.queue))
	for i, req := range l.queue {
		keys[i] = req.Brick.Key()
	}
	return keys
}
