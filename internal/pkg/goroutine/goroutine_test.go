package goroutine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CollectsErrors(t *testing.T) {
	m := NewManager(4)
	boom := errors.New("boom")

	require.NoError(t, m.Go(context.Background(), "ok", func(context.Context) error { return nil }))
	require.NoError(t, m.Go(context.Background(), "failing", func(context.Context) error { return boom }))
	require.NoError(t, m.Go(context.Background(), "canceled", func(context.Context) error { return context.Canceled }))

	err := m.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.NotContains(t, err.Error(), "canceled")
}

func TestManager_RecoversPanic(t *testing.T) {
	m := NewManager(1)

	require.NoError(t, m.Go(context.Background(), "panicky", func(context.Context) error { panic("bad") }))

	err := m.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky: panic: bad")
}

func TestManager_Limit(t *testing.T) {
	m := NewManager(1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, m.Go(context.Background(), "blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	assert.ErrorIs(t, m.Go(context.Background(), "extra", func(context.Context) error { return nil }), ErrLimitReached)

	close(release)
	assert.NoError(t, m.Wait())
	assert.ErrorIs(t, m.Go(context.Background(), "late", func(context.Context) error { return nil }), ErrClosed)
}

func TestManager_SkipsCanceledContext(t *testing.T) {
	m := NewManager(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	require.NoError(t, m.Go(ctx, "skipped", func(context.Context) error {
		ran = true
		return nil
	}))
	require.NoError(t, m.Wait())
	assert.False(t, ran)
}
