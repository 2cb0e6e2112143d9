package dnn

import (
	"testing"

	"github.com/born-ml/accel/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convArgs builds the six-slot input tuple of the convolution operators.
func convArgs(t *testing.T, g *graph.Graph, gate *Gate, rank int) []*graph.Value {
	t.Helper()
	tt := graph.TensorType{Kind: graph.Float64, Rank: rank}
	a := g.Input("a", tt, nil)
	b := g.Input("b", tt, nil)
	out := g.Input("out", tt, nil)

	descOp, err := NewConvDesc(gate, graph.Valid(), onesLike(rank-2), graph.ModeCross)
	require.NoError(t, err)
	shape := g.Input("shape", graph.TensorType{Kind: graph.Int64, Rank: 1}, nil)
	desc, err := g.Apply1(descOp, shape)
	require.NoError(t, err)

	alpha := graph.Scalar(g, graph.Float64, 1)
	beta := graph.Scalar(g, graph.Float64, 0)
	return []*graph.Value{a, b, out, desc, alpha, beta}
}

func TestNewConvForward_DefaultAlgoFromConfig(t *testing.T) {
	gate, _, _ := workingGate(5600)
	op, err := NewConvForward(gate, "", false)
	require.NoError(t, err)
	assert.Equal(t, AlgoSmall, op.Algo)

	bwd, err := NewConvGradWeights(gate, "", false)
	require.NoError(t, err)
	assert.Equal(t, AlgoNone, bwd.Algo)
}

func TestNewConvForward_VersionGatedAlgos(t *testing.T) {
	old, _, _ := workingGate(2000)
	var unsupported *FeatureUnsupportedError

	_, err := NewConvForward(old, AlgoFFT, false)
	require.ErrorAs(t, err, &unsupported)

	_, err = NewConvForward(old, AlgoGuessOnce, false)
	require.ErrorAs(t, err, &unsupported)

	_, err = NewConvForward(old, AlgoSmall, false)
	assert.NoError(t, err, "plain algorithms work on any supported version")

	newer, _, _ := workingGate(5600)
	for _, algo := range []ConvAlgo{AlgoFFT, AlgoGuessOnce, AlgoGuessOnShapeChange,
		AlgoTimeOnce, AlgoTimeOnShapeChange} {
		_, err := NewConvForward(newer, algo, false)
		assert.NoError(t, err, "algo %s", algo)
	}
}

func TestNewConvForward_RejectsBackwardOnlyAlgo(t *testing.T) {
	gate, _, _ := workingGate(5600)
	var cfgErr *ConfigurationError

	_, err := NewConvForward(gate, AlgoDeterministic, false)
	require.ErrorAs(t, err, &cfgErr)

	// The backward member sets exclude the forward-only algorithms.
	_, err = NewConvGradWeights(gate, AlgoSmall, false)
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewConvGradInputs(gate, AlgoLarge, false)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewConvGradInputs(gate, AlgoDeterministic, false)
	assert.NoError(t, err)
}

func TestConvForward_ValidateSlots(t *testing.T) {
	gate, _, _ := workingGate(5600)
	g := graph.New()
	args := convArgs(t, g, gate, 4)
	op, err := NewConvForward(gate, AlgoNone, false)
	require.NoError(t, err)

	out, err := g.Apply1(op, args...)
	require.NoError(t, err)
	assert.Equal(t, args[ConvOutSlot].Type(), out.Type())

	// Scalar kind must match the tensor kind.
	bad := append([]*graph.Value(nil), args...)
	bad[ConvAlphaSlot] = graph.Scalar(g, graph.Float32, 1)
	_, err = g.Apply(op, bad...)
	assert.Error(t, err)

	// The descriptor slot only accepts a convolution descriptor.
	bad = append([]*graph.Value(nil), args...)
	bad[ConvDescSlot] = graph.Scalar(g, graph.Float64, 0)
	_, err = g.Apply(op, bad...)
	assert.Error(t, err)

	_, err = g.Apply(op, args[:3]...)
	assert.Error(t, err, "arity")
}

func TestConvOps_Rank5AlgoRejections(t *testing.T) {
	gate, _, _ := workingGate(5600)
	g := graph.New()
	args := convArgs(t, g, gate, 5)

	fwdFFT, err := NewConvForward(gate, AlgoFFT, false)
	require.NoError(t, err)
	_, err = g.Apply(fwdFFT, args...)
	assert.Error(t, err, "fft forward is 2-D only")

	fwdNone, err := NewConvForward(gate, AlgoNone, false)
	require.NoError(t, err)
	_, err = g.Apply(fwdNone, args...)
	assert.NoError(t, err)

	for _, algo := range []ConvAlgo{AlgoFFT, AlgoDeterministic} {
		gw, err := NewConvGradWeights(gate, algo, false)
		require.NoError(t, err)
		_, err = g.Apply(gw, args...)
		assert.Error(t, err, "grad-weights %s is 2-D only", algo)

		gi, err := NewConvGradInputs(gate, algo, false)
		require.NoError(t, err)
		_, err = g.Apply(gi, args...)
		assert.Error(t, err, "grad-inputs %s is 2-D only", algo)
	}
}

func TestConvForward_Aliases(t *testing.T) {
	gate, _, _ := workingGate(5600)

	plain, err := NewConvForward(gate, AlgoNone, false)
	require.NoError(t, err)
	assert.Nil(t, plain.Aliases())

	inplace, err := NewConvForward(gate, AlgoNone, true)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: ConvOutSlot}, inplace.Aliases())
	assert.NotEqual(t, plain.Key(), inplace.Key())
}

func TestNewConvDesc(t *testing.T) {
	gate, _, _ := workingGate(5600)
	var cfgErr *ConfigurationError

	_, err := NewConvDesc(gate, graph.Valid(), []int{1}, graph.ModeCross)
	require.ErrorAs(t, err, &cfgErr, "spatial rank must be 2 or 3")

	_, err = NewConvDesc(gate, graph.Valid(), []int{0, 1}, graph.ModeCross)
	require.ErrorAs(t, err, &cfgErr, "strides start at 1")

	_, err = NewConvDesc(gate, graph.Pad(1), []int{1, 1}, graph.ModeCross)
	require.ErrorAs(t, err, &cfgErr, "padding arity")

	desc, err := NewConvDesc(gate, graph.Pad(1, 2), []int{2, 1}, graph.ModeConv)
	require.NoError(t, err)
	assert.False(t, desc.ConstFoldable())
	assert.Equal(t, 2, desc.Spatial())
}

func TestNewConvDesc_3DNeedsNdDescriptors(t *testing.T) {
	old, _, _ := workingGate(2000)
	var unsupported *FeatureUnsupportedError
	_, err := NewConvDesc(old, graph.Valid(), []int{1, 1, 1}, graph.ModeCross)
	require.ErrorAs(t, err, &unsupported)

	newer, _, _ := workingGate(5600)
	_, err = NewConvDesc(newer, graph.Valid(), []int{1, 1, 1}, graph.ModeCross)
	assert.NoError(t, err)
}

func TestNewPoolDesc(t *testing.T) {
	gate, _, _ := workingGate(5600)
	var cfgErr *ConfigurationError

	_, err := NewPoolDesc(gate, []int{2, 2}, []int{2}, []int{0, 0}, graph.PoolMax)
	require.ErrorAs(t, err, &cfgErr, "tuple lengths must agree")

	_, err = NewPoolDesc(gate, []int{0, 2}, []int{1, 1}, []int{0, 0}, graph.PoolMax)
	require.ErrorAs(t, err, &cfgErr, "window extents start at 1")

	_, err = NewPoolDesc(gate, []int{2, 2}, []int{1, 1}, []int{-1, 0}, graph.PoolMax)
	require.ErrorAs(t, err, &cfgErr, "padding is non-negative")

	old, _, _ := workingGate(2000)
	var unsupported *FeatureUnsupportedError
	_, err = NewPoolDesc(old, []int{2, 2, 2}, []int{2, 2, 2}, []int{0, 0, 0}, graph.PoolMax)
	require.ErrorAs(t, err, &unsupported, "3-D pooling needs nd descriptors")

	desc, err := NewPoolDesc(gate, []int{2, 2}, nil, nil, graph.PoolMax)
	assert.Error(t, err, "nil tuples are a caller bug at this level")
	desc, err = NewPoolDesc(gate, []int{3, 3}, []int{1, 1}, []int{1, 1}, graph.PoolAvgExcPad)
	require.NoError(t, err)
	assert.False(t, desc.ConstFoldable())
}

func TestNewSoftmax_LogNeedsVersion(t *testing.T) {
	old, _, _ := workingGate(2000)
	var unsupported *FeatureUnsupportedError
	_, err := NewSoftmax(old, SoftmaxLog, SoftmaxModeChannel)
	require.ErrorAs(t, err, &unsupported)
	_, err = NewSoftmaxGrad(old, SoftmaxLog, SoftmaxModeChannel)
	require.ErrorAs(t, err, &unsupported)

	_, err = NewSoftmax(old, SoftmaxAccurate, SoftmaxModeChannel)
	assert.NoError(t, err)

	newer, _, _ := workingGate(5600)
	_, err = NewSoftmax(newer, SoftmaxLog, SoftmaxModeInstance)
	assert.NoError(t, err)

	var cfgErr *ConfigurationError
	_, err = NewSoftmax(newer, "sloppy", SoftmaxModeChannel)
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewSoftmax(newer, SoftmaxFast, "diagonal")
	require.ErrorAs(t, err, &cfgErr)
}
