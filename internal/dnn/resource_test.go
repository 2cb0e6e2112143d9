package dnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_FreeRunsExactlyOnce(t *testing.T) {
	frees := 0
	h := NewHandle(ConvDescriptorCType, 5600, "payload", func() { frees++ })

	h.Retain()
	h.Retain()
	h.Release()
	h.Release()
	assert.Equal(t, 0, frees)
	assert.False(t, h.Released())

	h.Release()
	assert.Equal(t, 1, frees)
	assert.True(t, h.Released())
}

func TestHandle_OverReleasePanics(t *testing.T) {
	h := NewHandle(ConvDescriptorCType, 5600, nil, nil)
	h.Release()
	assert.Panics(t, func() { h.Release() })
}

func TestHandle_UseAfterFreePanics(t *testing.T) {
	h := NewHandle(PoolDescriptorCType, 5600, "payload", nil)
	h.Release()
	assert.Panics(t, func() { h.Payload() })
	assert.Panics(t, func() { h.Retain() })
}

func TestHandle_NilFree(t *testing.T) {
	h := NewHandle(ConvDescriptorCType, 5600, nil, nil)
	assert.NotPanics(t, h.Release)
	assert.True(t, h.Released())
}

func TestHandleCache_ReusesByKey(t *testing.T) {
	builds := 0
	build := func() (*Handle, error) {
		builds++
		return NewHandle(ConvDescriptorCType, 5600, builds, nil), nil
	}

	c := NewHandleCache(5600)
	a, err := c.Get("conv/valid", 5600, build)
	require.NoError(t, err)
	b, err := c.Get("conv/valid", 5600, build)
	require.NoError(t, err)

	assert.Equal(t, 1, builds)
	assert.Same(t, a, b)

	// Callers hold their own references on top of the cache's.
	a.Release()
	b.Release()
	assert.False(t, a.Released())
	c.Clear()
	assert.True(t, a.Released())
}

func TestHandleCache_VersionChangeInvalidates(t *testing.T) {
	c := NewHandleCache(5600)
	old, err := c.Get("conv/valid", 5600, func() (*Handle, error) {
		return NewHandle(ConvDescriptorCType, 5600, nil, nil), nil
	})
	require.NoError(t, err)
	old.Release()

	fresh, err := c.Get("conv/valid", 6000, func() (*Handle, error) {
		return NewHandle(ConvDescriptorCType, 6000, nil, nil), nil
	})
	require.NoError(t, err)
	defer fresh.Release()

	assert.True(t, old.Released(), "version change destroys stale handles")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 6000, fresh.Version())
}

func TestHandleCache_RejectsWrongVersionBuild(t *testing.T) {
	c := NewHandleCache(5600)
	_, err := c.Get("conv/valid", 5600, func() (*Handle, error) {
		return NewHandle(ConvDescriptorCType, 5005, nil, nil), nil
	})
	assert.Error(t, err)
}
