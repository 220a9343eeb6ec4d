package source

import (
	"context"

	"golang.org/x/time/rate"

	"gigavox/internal/brick"
)

// RateLimited throttles the bytes returned by another reader so background
// streaming does not saturate the disk or network.
type RateLimited struct {
	next    RawReader
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive bytesPerSec disables limiting.
func NewRateLimited(next RawReader, bytesPerSec int64) RawReader {
	if bytesPerSec <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

func (r *RateLimited) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	p, err := r.next.Read(ctx, d)
	if err != nil {
		return p, err
	}

	// WaitN rejects requests larger than the burst, so pay in burst-sized chunks.
	burst := r.limiter.Burst()
	for remaining := len(p.Data); remaining > 0; remaining -= burst {
		if err := r.limiter.WaitN(ctx, min(remaining, burst)); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}
