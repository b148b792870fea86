package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dfrun/model"
)

func TestNew_rejectsEmptyPool(t *testing.T) {
	_, err := New(map[string]int{"general": 0})
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
}

func TestAcquire_unknownPool(t *testing.T) {
	p, err := New(map[string]int{"general": 1})
	require.NoError(t, err)

	assert.False(t, p.Has("heavy"))
	_, err = p.Acquire(context.Background(), "heavy")
	assert.True(t, model.HasCode(err, model.ErrConfigurationError), "err = %v", err)
}

func TestAcquire_emptyNameUsesDefault(t *testing.T) {
	p, err := New(map[string]int{DefaultPool: 1})
	require.NoError(t, err)

	assert.True(t, p.Has(""))
	release, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	release()
}

func TestAcquire_blocksWhenFull(t *testing.T) {
	p, err := New(map[string]int{"general": 1})
	require.NoError(t, err)

	release, err := p.Acquire(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, []Stats{{Name: "general", Size: 1, InUse: 1}}, p.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "general")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, int64(0), p.Stats()[0].InUse)

	release2, err := p.Acquire(context.Background(), "general")
	require.NoError(t, err)
	release2()
}

func TestStats_sorted(t *testing.T) {
	p, err := New(map[string]int{"general": 8, DefaultPool: 128})
	require.NoError(t, err)
	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, DefaultPool, stats[0].Name)
	assert.Equal(t, "general", stats[1].Name)
}
