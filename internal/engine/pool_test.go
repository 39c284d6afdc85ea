package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_AcquireRelease(t *testing.T) {
	path := writeMockEngine(t)
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	p, err := NewPool(ctx, 2, path, log)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Active())

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Active())
	assert.NotSame(t, h1.Worker, h2.Worker)

	h1.Release()
	assert.Equal(t, 1, p.Active())
	h1.Release() // idempotent
	assert.Equal(t, 1, p.Active())

	h2.Release()
	assert.Equal(t, 0, p.Active())
}

func TestPool_AcquireBlocksWhenFull(t *testing.T) {
	path := writeMockEngine(t)
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	p, err := NewPool(ctx, 1, path, log)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	_, err = p.Acquire(timeoutCtx)
	require.Error(t, err)

	h.Release()
}
