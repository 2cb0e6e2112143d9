package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tensor4(g *Graph, name string, shape Shape) *Value {
	return g.Input(name, TensorType{Kind: Float64, Rank: 4}, shape)
}

func TestApply_Atomic(t *testing.T) {
	g := New()
	img := tensor4(g, "img", Shape{2, 3, 8, 8})

	// A failing validation must leave no trace in the graph.
	_, err := g.Apply(&Conv{Border: Valid(), Subsample: []int{1, 1}, Mode: ModeCross}, img)
	require.Error(t, err)
	assert.Empty(t, g.Nodes())
	assert.Empty(t, g.Consumers(img))
}

func TestApply_StaticShapeInference(t *testing.T) {
	g := New()
	img := tensor4(g, "img", Shape{2, 3, 8, 8})
	kern := tensor4(g, "kern", Shape{4, 3, 3, 3})

	valid, err := g.Apply1(&Conv{Border: Valid(), Subsample: []int{1, 1}, Mode: ModeCross}, img, kern)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 4, 6, 6}, valid.StaticShape())

	full, err := g.Apply1(&Conv{Border: Full(), Subsample: []int{1, 1}, Mode: ModeCross}, img, kern)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 4, 10, 10}, full.StaticShape())
}

func TestApply_UnknownShapeStaysUnknown(t *testing.T) {
	g := New()
	img := tensor4(g, "img", nil)
	kern := tensor4(g, "kern", Shape{4, 3, 3, 3})

	out, err := g.Apply1(&Conv{Border: Valid(), Subsample: []int{1, 1}, Mode: ModeCross}, img, kern)
	require.NoError(t, err)
	assert.Nil(t, out.StaticShape())
}

func TestApply_SelfConsumingNodeCountsOnce(t *testing.T) {
	g := New()
	img := tensor4(g, "img", Shape{1, 1, 4, 4})

	// A node reading the same value in both slots is one consumer, not two.
	doubled, err := g.Apply1(&Add{}, img, img)
	require.NoError(t, err)
	require.Len(t, g.Consumers(img), 1)
	assert.Same(t, doubled.Owner(), g.Consumers(img)[0])

	// A second, distinct consumer is still tracked separately.
	_, err = g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	assert.Len(t, g.Consumers(img), 2)
}

func TestReplaceValue_RedirectsConsumers(t *testing.T) {
	g := New()
	img := tensor4(g, "img", Shape{1, 1, 4, 4})
	a, err := g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	sum, err := g.Apply1(&Add{}, a, a)
	require.NoError(t, err)

	b, err := g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	require.NoError(t, g.ReplaceValue(a, b))

	for _, in := range sum.Owner().Inputs() {
		assert.Same(t, b, in)
	}
	assert.Empty(t, g.Consumers(a))
	assert.Len(t, g.Consumers(b), 1)
}

func TestReplaceValue_TypeMismatch(t *testing.T) {
	g := New()
	a := tensor4(g, "a", nil)
	s := Scalar(g, Float64, 1)
	out, err := g.Apply1(&Mul{}, a, s)
	require.NoError(t, err)

	err = g.ReplaceValue(out, s)
	require.Error(t, err)
	var se *ShapeError
	assert.ErrorAs(t, err, &se)
}

func TestReplaceValue_RejectsCycle(t *testing.T) {
	g := New()
	img := tensor4(g, "img", nil)
	a, err := g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	b, err := g.Apply1(&Contiguous{}, a)
	require.NoError(t, err)

	// b depends on a; redirecting a's consumers to b would make b feed
	// itself.
	assert.Error(t, g.ReplaceValue(a, b))
}

func TestDependsOn(t *testing.T) {
	g := New()
	img := tensor4(g, "img", nil)
	a, err := g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	b, err := g.Apply1(&Contiguous{}, a)
	require.NoError(t, err)
	other := tensor4(g, "other", nil)

	assert.True(t, g.DependsOn(b, img))
	assert.True(t, g.DependsOn(b, a))
	assert.False(t, g.DependsOn(a, b))
	assert.False(t, g.DependsOn(b, other))
}

func TestPrune_DropsUnreachable(t *testing.T) {
	g := New()
	img := tensor4(g, "img", nil)
	kept, err := g.Apply1(&Contiguous{}, img)
	require.NoError(t, err)
	dead, err := g.Apply1(&FlipSpatial{}, img)
	require.NoError(t, err)

	g.Prune(kept)

	require.Len(t, g.Nodes(), 1)
	assert.Same(t, kept.Owner(), g.Nodes()[0])
	_ = dead
	// The dead node no longer counts as a consumer of the input.
	assert.Len(t, g.Consumers(img), 1)
}

func TestBorderMode(t *testing.T) {
	assert.Equal(t, []int{0, 0}, Valid().PadFor([]int{3, 3}))
	assert.Equal(t, []int{2, 4}, Full().PadFor([]int{3, 5}))
	assert.Equal(t, []int{1, 2}, Pad(1, 2).PadFor([]int{3, 3}))

	assert.NoError(t, Pad(1, 2).Validate(2))
	assert.Error(t, Pad(1).Validate(2), "arity mismatch")
	assert.Error(t, Pad(-1, 0).Validate(2), "negative padding")

	assert.Equal(t, "valid", Valid().String())
	assert.Equal(t, "full", Full().String())
	assert.Equal(t, "pad(1,2)", Pad(1, 2).String())
}

func TestConvModeComplement(t *testing.T) {
	assert.Equal(t, ModeCross, ModeConv.Complement())
	assert.Equal(t, ModeConv, ModeCross.Complement())
}

func TestPooledShape(t *testing.T) {
	assert.Equal(t, []int{6, 6}, PooledShape([]int{8, 8}, []int{3, 3}, []int{0, 0}, []int{1, 1}))
	assert.Equal(t, []int{4, 4}, PooledShape([]int{8, 8}, []int{2, 2}, []int{0, 0}, []int{2, 2}))
	assert.Equal(t, []int{10, 10}, PooledShape([]int{8, 8}, []int{3, 3}, []int{2, 2}, []int{1, 1}))
	// Floor division: a window that does not tile evenly truncates.
	assert.Equal(t, []int{3}, PooledShape([]int{7}, []int{2}, []int{0}, []int{2}))
}

func TestPoolInferShapes(t *testing.T) {
	g := New()
	img := tensor4(g, "img", Shape{1, 1, 8, 8})
	out, err := g.Apply1(&Pool{
		Window:       []int{2, 2},
		Stride:       []int{2, 2},
		Padding:      []int{0, 0},
		Mode:         PoolMax,
		IgnoreBorder: true,
	}, img)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 1, 4, 4}, out.StaticShape())
}

func TestElemwiseValidate(t *testing.T) {
	g := New()
	a := tensor4(g, "a", nil)
	s64 := Scalar(g, Float64, 2)
	s32 := Scalar(g, Float32, 2)

	out, err := g.Apply1(&Mul{}, a, s64)
	require.NoError(t, err)
	assert.Equal(t, a.Type(), out.Type())

	_, err = g.Apply1(&Mul{}, a, s32)
	assert.Error(t, err, "mismatched element kinds")
}
