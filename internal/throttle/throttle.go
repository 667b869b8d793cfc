// Package throttle caps the combined byte rate of all download streams
// with a single shared token bucket.
package throttle

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// Reads are cut to at most this size and the bucket's burst is never
// smaller, so one WaitN call never asks for more tokens than the bucket
// can hold.
const maxReadSize = 64 * 1024

// Factory produces per-stream readers that share one token bucket. The
// bandwidth function is polled on every read; zero or negative means
// unlimited.
type Factory struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	bandwidth func() int64
}

func NewFactory(bandwidth func() int64) *Factory {
	return &Factory{
		limiter:   rate.NewLimiter(rate.Inf, maxReadSize),
		bandwidth: bandwidth,
	}
}

// Reader wraps a response body with the shared throttle.
func (f *Factory) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, r: r, f: f}
}

// sync the limiter with the currently polled bandwidth ceiling
func (f *Factory) adjust() *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	limit := rate.Inf
	burst := maxReadSize
	if f.bandwidth != nil {
		if bw := f.bandwidth(); bw > 0 {
			limit = rate.Limit(bw)
			if int(bw) > burst {
				burst = int(bw)
			}
		}
	}
	if f.limiter.Limit() != limit {
		f.limiter.SetLimit(limit)
		f.limiter.SetBurst(burst)
	}
	return f.limiter
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	f   *Factory
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > maxReadSize {
		p = p[:maxReadSize]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		limiter := t.f.adjust()
		if limiter.Limit() != rate.Inf {
			if werr := limiter.WaitN(t.ctx, n); werr != nil {
				return n, werr
			}
		}
	}
	return n, err
}
