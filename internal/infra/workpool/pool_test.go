package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&running, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestPoolPropagatesError(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolRecoversPanic(t *testing.T) {
	p := New(1)
	err := p.Do(context.Background(), func(ctx context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker panic")

	// the slot was released
	assert.NoError(t, p.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPoolCallerTimeoutWhileRunning(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	p.Shutdown()
}

func TestRunReturnsValue(t *testing.T) {
	p := New(1)
	v, err := Run(context.Background(), p, func(ctx context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Run(context.Background(), p, func(ctx context.Context) (string, error) { return "partial", errors.New("x") })
	require.Error(t, err)
	assert.Empty(t, v)
}

func TestShutdownRejects(t *testing.T) {
	p := New(1)
	p.Shutdown()
	err := p.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestGauges(t *testing.T) {
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{Name: "in_flight"})
	waiting := prometheus.NewGauge(prometheus.GaugeOpts{Name: "waiting"})
	p := New(1, WithGauges(inFlight, waiting))
	err := p.Do(context.Background(), func(ctx context.Context) error {
		assert.Equal(t, 1.0, testutil.ToFloat64(inFlight))
		return nil
	})
	require.NoError(t, err)
	p.Shutdown()
	assert.Equal(t, 0.0, testutil.ToFloat64(inFlight))
	assert.Equal(t, 0.0, testutil.ToFloat64(waiting))
}
