package loader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/decomp"
	"gigavox/internal/eviction"
	"gigavox/internal/metrics"
)

// engine drains the pending queue of one Run. It is not reused.
type engine struct {
	ctx    context.Context
	l      *Loader
	logger *zap.Logger

	// serviced holds requests handled earlier in this run. Until the
	// renderer draws them they are protected from queue-tail eviction.
	serviced []Request
}

func newEngine(ctx context.Context, l *Loader) *engine {
	return &engine{
		ctx:    ctx,
		l:      l,
		logger: l.logger.Named("engine"),
	}
}

func (e *engine) run() {
	start := time.Now()
	var n int

	defer func() {
		e.l.publish()
		e.logger.Debug("Engine stopped",
			zap.Int("serviced", n),
			zap.Bool("canceled", e.ctx.Err() != nil),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	for {
		if e.ctx.Err() != nil {
			return
		}
		req, ok := e.l.pop()
		if !ok {
			return
		}
		e.service(req)
		n++
	}
}

func (e *engine) service(req Request) {
	d := req.Brick
	key := d.Key()

	if e.l.cache.Touch(key, req.Mode) {
		e.serviced = append(e.serviced, req)
		e.l.metrics.ObserveRequest(metrics.ResultHit)
		return
	}

	size := d.Size()
	if !e.makeRoom(req, size) {
		return
	}

	payload, err := e.l.reader.Read(e.ctx, d)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.l.failures.Add(1)
		e.l.metrics.ObserveRequest(metrics.ResultReadError)
		e.logger.Debug("Skipping unreadable brick",
			zap.Stringer("brick", key),
			zap.Uint64("seq", req.seq),
			zap.String("uri", d.Source.URI),
			zap.Error(err),
		)
		return
	}
	e.l.metrics.AddBytesRead(len(payload.Data))

	if !payload.Encoding.Compressed() {
		if int64(len(payload.Data)) != size {
			e.corrupt(req, len(payload.Data))
			return
		}
		e.l.cache.Install(d, req.Mode, payload.Data)
		e.serviced = append(e.serviced, req)
		e.l.metrics.ObserveRequest(metrics.ResultLoaded)
		return
	}

	if !e.l.cache.Reserve(d, size) {
		return
	}
	if e.ctx.Err() != nil {
		e.l.cache.Release(key)
		return
	}

	job := decomp.Job{
		Brick:    d,
		Mode:     req.Mode,
		Payload:  payload.Data,
		Encoding: payload.Encoding,
		Size:     size,
	}
	if !e.l.pool.Submit(job) {
		e.l.cache.Release(key)
		return
	}
	e.serviced = append(e.serviced, req)
	e.l.metrics.ObserveRequest(metrics.ResultDispatch)
	e.l.metrics.SetRunningWorkers(e.l.pool.Running())
}

func (e *engine) corrupt(req Request, got int) {
	req.Brick.SetDrawn(req.Mode, true)
	e.l.failures.Add(1)
	e.l.metrics.ObserveRequest(metrics.ResultCorrupt)
	e.logger.Warn("Raw brick has wrong size",
		zap.Stringer("brick", req.Brick.Key()),
		zap.Int64("want", req.Brick.Size()),
		zap.Int("got", got),
	)
}

// makeRoom evicts until size more bytes fit under the limit. When nothing can
// be evicted it retries a few times, then lets the cache go over the limit.
// It returns false only when the run was canceled.
func (e *engine) makeRoom(req Request, size int64) bool {
	retries := 0
	for {
		if e.ctx.Err() != nil {
			return false
		}

		used := e.l.cache.Used()
		limit := e.l.limitBytes()
		if used+size <= limit {
			return true
		}

		victims := eviction.SelectVictims(e.evictionInput(req, used+size-limit))
		if len(victims) > 0 {
			if _, freed := e.l.cache.Evict(eviction.Keys(victims)); freed > 0 {
				for _, v := range victims {
					e.l.metrics.ObserveEviction(v.Tier.String(), v.Size)
				}
				e.logger.Debug("Evicted bricks",
					zap.Int("count", len(victims)),
					zap.Int64("freed", freed),
					zap.Stringer("for", req.Brick.Key()),
				)
				continue
			}
		}

		if retries >= e.l.opts.EvictRetries {
			e.l.breaches.Add(1)
			e.l.metrics.ObserveSoftLimitBreach()
			e.logger.Warn("Memory limit exceeded, nothing evictable",
				zap.Stringer("brick", req.Brick.Key()),
				zap.Int64("used", used),
				zap.Int64("size", size),
				zap.Int64("limit", limit),
			)
			return true
		}
		retries++

		// Bytes reserved by running decodes may turn into evictable entries.
		timer := time.NewTimer(e.l.opts.EvictRetryInterval)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (e *engine) evictionInput(req Request, need int64) eviction.Input {
	snapshot := e.l.cache.Snapshot()
	resident := make([]eviction.Candidate, len(snapshot))
	for i, ent := range snapshot {
		resident[i] = eviction.Candidate{
			Key:              ent.Key,
			Size:             ent.Size,
			DatasetDisplayed: ent.Desc.DatasetDisplayed(),
			BrickDisplayed:   ent.Desc.Displayed(),
			Drawn:            ent.Desc.Drawn(ent.Mode),
		}
	}

	protected := map[brick.Key]struct{}{req.Brick.Key(): {}}
	for _, s := range e.serviced {
		if !s.Brick.Drawn(s.Mode) {
			protected[s.Brick.Key()] = struct{}{}
		}
	}

	return eviction.Input{
		Resident:  resident,
		Pending:   e.l.pendingKeys(),
		Protected: protected,
		Need:      need,
	}
}
