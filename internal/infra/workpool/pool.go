// Package workpool bounds how many CPU-heavy jobs (key generation, argon2id,
// bcrypt) run at once, independently of how many requests are being served.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

var ErrPoolShutdown = errors.New("worker pool is shut down")

type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	inFlight prometheus.Gauge
	waiting  prometheus.Gauge
}

type Option func(*Pool)

func WithGauges(inFlight, waiting prometheus.Gauge) Option {
	return func(p *Pool) {
		p.inFlight = inFlight
		p.waiting = waiting
	}
}

// New creates a pool running at most size jobs. size <= 0 means GOMAXPROCS.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Do waits for a free worker (or ctx), runs fn on it and returns its error.
// If ctx ends while fn is still running, Do returns ctx.Err() and fn's
// result is discarded; the worker slot is released only when fn returns.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	addGauge(p.waiting, 1)
	err := p.sem.Acquire(ctx, 1)
	addGauge(p.waiting, -1)
	if err != nil {
		p.wg.Done()
		return err
	}

	done := make(chan error, 1)
	addGauge(p.inFlight, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
			addGauge(p.inFlight, -1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Do for jobs that produce a value.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Shutdown rejects new jobs and waits for running ones.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func addGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}
