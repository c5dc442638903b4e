package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ClampsSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, New(0, nil).Size())
	assert.Equal(t, 1, New(-5, nil).Size())
	assert.Equal(t, 4, New(4, nil).Size())
	assert.Equal(t, HardCeiling, New(1000, nil).Size())
}

func TestGo_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	const size = 3
	p := New(size, nil)

	var active, peak atomic.Int32
	for i := 0; i < 20; i++ {
		err := p.Go(context.Background(), func(ctx context.Context) error {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size), "active workers exceeded pool size")
	stats := p.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Completed)
	assert.Zero(t, stats.Active)
}

func TestGo_CancelledContextRefusesAdmission(t *testing.T) {
	t.Parallel()

	p := New(1, nil)
	block := make(chan struct{})
	require.NoError(t, p.Go(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Go(ctx, func(ctx context.Context) error { return nil })
	assert.Error(t, err, "admission must fail once the context is done")

	close(block)
	p.Wait()
}

func TestStats_CountsFailures(t *testing.T) {
	t.Parallel()

	p := New(2, nil)
	for i := 0; i < 4; i++ {
		i := i
		require.NoError(t, p.Go(context.Background(), func(ctx context.Context) error {
			if i%2 == 0 {
				return errors.New("boom")
			}
			return nil
		}))
	}
	p.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(2), stats.Completed)
}
