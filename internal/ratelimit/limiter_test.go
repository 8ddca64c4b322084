package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRunsOperation(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 2, MaxPerMinute: 10}, nil, nil)
	defer l.Close()

	got, err := Execute(context.Background(), l, "vision", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestExecutePropagatesOperationError(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 2, MaxPerMinute: 10}, nil, nil)
	defer l.Close()

	opErr := errors.New("engine exploded")
	_, err := Execute(context.Background(), l, "vision", func(ctx context.Context) (int, error) {
		return 0, opErr
	})
	assert.ErrorIs(t, err, opErr)
}

func TestMaxConcurrentIsMutuallyExclusive(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 1, MaxPerMinute: 1000}, nil, nil)
	defer l.Close()

	var inFlight, maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute(context.Background(), l, "faceswap", func(ctx context.Context) (struct{}, error) {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxSeen)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestWaitersAdmittedInOrder(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 1, MaxPerMinute: 1000}, nil, nil)
	defer l.Close()

	holdRelease := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			close(holding)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-holding

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
		// Give each goroutine time to enqueue before the next.
		time.Sleep(20 * time.Millisecond)
	}

	close(holdRelease)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRateWindowDefersAdmission(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 10, MaxPerMinute: 2}, nil, nil)
	l.windowSpan = 50 * time.Millisecond
	defer l.Close()

	for i := 0; i < 2; i++ {
		_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}

	start := time.Now()
	_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond,
		"third call should wait for the window to open")
}

func TestWaitCeilingTimesOut(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 1, MaxPerMinute: 1000, WaitCeiling: 30 * time.Millisecond}, nil, nil)
	defer l.Close()

	holdRelease := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			close(holding)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(holdRelease)

	_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrQueueTimeout)
}

func TestContextCancelWhileQueued(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 1, MaxPerMinute: 1000}, nil, nil)
	defer l.Close()

	holdRelease := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			close(holding)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(holdRelease)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, l, "r", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseRejectsQueuedCallers(t *testing.T) {
	l := NewLimiter(Config{MaxConcurrent: 1, MaxPerMinute: 1000}, nil, nil)

	holdRelease := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			close(holding)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(holdRelease)

	errCh := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	l.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLimiterClosed)
	case <-time.After(time.Second):
		t.Fatal("queued caller was not rejected on close")
	}

	_, err := Execute(context.Background(), l, "r", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrLimiterClosed)
}

func TestPerResourceOverrides(t *testing.T) {
	overrides := map[string]Config{
		"videosynth": {MaxConcurrent: 1, MaxPerMinute: 3},
	}
	l := NewLimiter(Config{MaxConcurrent: 4, MaxPerMinute: 100}, overrides, nil)
	defer l.Close()

	l.mu.Lock()
	rDefault := l.resourceFor("vision")
	rOverride := l.resourceFor("videosynth")
	l.mu.Unlock()

	assert.Equal(t, 4, rDefault.cfg.MaxConcurrent)
	assert.Equal(t, 1, rOverride.cfg.MaxConcurrent)
	assert.Equal(t, 3, rOverride.cfg.MaxPerMinute)
	assert.Equal(t, 5*time.Minute, rOverride.cfg.WaitCeiling)
}
