package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardnb/autonomous-dev-team/core"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterErrorThreshold(t *testing.T) {
	cb, err := NewCircuitBreaker(&Config{
		Name:            "test",
		ErrorThreshold:  0.5,
		VolumeThreshold: 4,
		SleepWindow:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }
	ok := func(ctx context.Context) error { return nil }

	require.NoError(t, cb.Execute(ctx, ok))
	require.NoError(t, cb.Execute(ctx, ok))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)

	assert.Equal(t, StateOpen, cb.State())

	err = cb.Execute(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenProbesThenCloses(t *testing.T) {
	cb, err := NewCircuitBreaker(&Config{
		Name:             "test",
		ErrorThreshold:   0.5,
		VolumeThreshold:  2,
		SleepWindow:      10 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
	})
	require.NoError(t, err)

	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }
	ok := func(ctx context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	// First probe flips the breaker to half-open and is allowed through.
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second probe meets HalfOpenRequests, and a >=50% success rate closes it.
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, err := NewCircuitBreaker(&Config{
		Name:             "test",
		ErrorThreshold:   0.5,
		VolumeThreshold:  2,
		SleepWindow:      10 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.9,
	})
	require.NoError(t, err)

	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ContextCancellationDoesNotCountAgainstBudget(t *testing.T) {
	cb, err := NewCircuitBreaker(&Config{
		Name:            "test",
		ErrorThreshold:  0.5,
		VolumeThreshold: 2,
		SleepWindow:     time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	cancelled := func(ctx context.Context) error { return context.Canceled }

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, cancelled), context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_NameRequired(t *testing.T) {
	_, err := NewCircuitBreaker(&Config{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
