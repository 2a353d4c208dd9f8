package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_RunsPeriodically(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, discard(), Job{
			Name:      "tick",
			Period:    10 * time.Millisecond,
			Immediate: true,
			Run:       func(context.Context) { runs.Add(1) },
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunner_SkipsWhileBusy(t *testing.T) {
	var runs, skips atomic.Int64
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, discard(), Job{
			Name:      "slow",
			Period:    5 * time.Millisecond,
			Immediate: true,
			Run: func(context.Context) {
				runs.Add(1)
				<-release
			},
			OnSkip: func() { skips.Add(1) },
		})
	}()

	require.Eventually(t, func() bool { return skips.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())

	close(release)
	cancel()
	require.NoError(t, <-done)
}

func TestRunner_SurvivesPanic(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, discard(), Job{
			Name:      "panicky",
			Period:    5 * time.Millisecond,
			Immediate: true,
			Run: func(context.Context) {
				runs.Add(1)
				panic("boom")
			},
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
