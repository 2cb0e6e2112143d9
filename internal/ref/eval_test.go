package ref

import (
	"math"
	"testing"

	"github.com/born-ml/accel/internal/dnn"
	"github.com/born-ml/accel/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDevice struct{}

func (stubDevice) Device() string { return "cuda0" }
func (stubDevice) ComputeCapability() string { return "sm_35" }

type stubToolchain struct{}

func (stubToolchain) TryCompile(dnn.CompileOptions) (bool, string) { return true, "" }

func okGate(version int) *dnn.Gate {
	return dnn.NewGate(dnn.DefaultConfig(), stubDevice{}, stubToolchain{},
		&Session{Header: version, Runtime: version})
}

func input(g *graph.Graph, name string, shape graph.Shape) *graph.Value {
	return g.Input(name, graph.TensorType{Kind: graph.Float64, Rank: len(shape)}, shape)
}

// seq fills a tensor with small deterministic values so every element
// contributes differently.
func seq(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = math.Sin(float64(i)+1) * 0.5
	}
	return t
}

func ones(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

func assertClose(t *testing.T, want, got *Tensor, tol float64) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	for i := range want.data {
		assert.InDelta(t, want.data[i], got.data[i], tol, "element %d", i)
	}
}

func evalOne(t *testing.T, e *Evaluator, g *graph.Graph, feeds map[*graph.Value]*Tensor, out *graph.Value) *Tensor {
	t.Helper()
	res, err := e.Eval(g, feeds, out)
	require.NoError(t, err)
	return res[0]
}

func TestConvolution_ThreeLoweringsAgree(t *testing.T) {
	for _, mode := range []graph.ConvMode{graph.ModeCross, graph.ModeConv} {
		t.Run(mode.String(), func(t *testing.T) {
			gate := okGate(5600)
			g := graph.New()
			img := input(g, "img", graph.Shape{2, 3, 8, 8})
			kern := input(g, "kern", graph.Shape{4, 3, 3, 3})
			feeds := map[*graph.Value]*Tensor{
				img:  seq(2, 3, 8, 8),
				kern: seq(4, 3, 3, 3),
			}
			e := NewEvaluator(5600)

			// Valid border: plain forward versus the weight-gradient
			// detour the hint selects.
			fwd, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: graph.Valid(), Mode: mode,
			})
			require.NoError(t, err)
			viaGradW, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: graph.Valid(), Mode: mode, Hint: graph.HintBpropWeights,
			})
			require.NoError(t, err)

			a := evalOne(t, e, g, feeds, fwd)
			b := evalOne(t, e, g, feeds, viaGradW)
			assert.Equal(t, []int{2, 4, 6, 6}, a.Shape())
			assertClose(t, a, b, 1e-9)

			// Full border: the input-gradient adjoint versus the forced
			// forward lowering.
			adj, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: graph.Full(), Mode: mode,
			})
			require.NoError(t, err)
			forced, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: graph.Full(), Mode: mode, Hint: graph.HintForceForward,
			})
			require.NoError(t, err)

			c := evalOne(t, e, g, feeds, adj)
			d := evalOne(t, e, g, feeds, forced)
			assert.Equal(t, []int{2, 4, 10, 10}, c.Shape())
			assertClose(t, c, d, 1e-9)
		})
	}
}

func TestConvolution_MatchesGenericOperator(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	img := input(g, "img", graph.Shape{2, 3, 8, 8})
	kern := input(g, "kern", graph.Shape{4, 3, 3, 3})
	feeds := map[*graph.Value]*Tensor{
		img:  seq(2, 3, 8, 8),
		kern: seq(4, 3, 3, 3),
	}
	e := NewEvaluator(5600)

	for _, tc := range []struct {
		name   string
		border graph.BorderMode
		stride []int
	}{
		{"valid", graph.Valid(), []int{1, 1}},
		{"valid strided", graph.Valid(), []int{2, 2}},
		{"full", graph.Full(), []int{1, 1}},
		{"padded", graph.Pad(1, 1), []int{1, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			generic, err := g.Apply1(&graph.Conv{
				Border: tc.border, Subsample: tc.stride, Mode: graph.ModeCross,
			}, img, kern)
			require.NoError(t, err)
			lowered, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: tc.border, Subsample: tc.stride, Mode: graph.ModeCross,
			})
			require.NoError(t, err)

			want := evalOne(t, e, g, feeds, generic)
			got := evalOne(t, e, g, feeds, lowered)
			assertClose(t, want, got, 1e-9)
		})
	}
}

func TestConvolution_StaticShapeRoundTrip(t *testing.T) {
	gate := okGate(5600)
	for _, tc := range []struct {
		img, kern graph.Shape
		border    graph.BorderMode
		stride    []int
	}{
		{graph.Shape{2, 3, 8, 8}, graph.Shape{4, 3, 3, 3}, graph.Valid(), []int{1, 1}},
		{graph.Shape{2, 3, 8, 8}, graph.Shape{4, 3, 3, 3}, graph.Full(), []int{1, 1}},
		{graph.Shape{1, 2, 9, 9}, graph.Shape{3, 2, 3, 3}, graph.Pad(1, 2), []int{2, 3}},
		{graph.Shape{1, 1, 5, 5, 5}, graph.Shape{2, 1, 2, 2, 2}, graph.Valid(), []int{1, 1, 1}},
	} {
		inferred, err := dnn.InferConvOutputShape(tc.img, tc.kern, tc.border, tc.stride)
		require.NoError(t, err)

		g := graph.New()
		img := input(g, "img", tc.img)
		kern := input(g, "kern", tc.kern)
		out, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
			Border: tc.border, Subsample: tc.stride, Mode: graph.ModeCross,
			Hint: graph.HintForceForward,
		})
		require.NoError(t, err)

		e := NewEvaluator(5600)
		got := evalOne(t, e, g, map[*graph.Value]*Tensor{
			img:  seq(tc.img...),
			kern: seq(tc.kern...),
		}, out)
		assert.Equal(t, []int(inferred), got.Shape())
	}
}

func TestInferConvOutputShape_RejectsOversizedKernel(t *testing.T) {
	_, err := dnn.InferConvOutputShape(
		graph.Shape{1, 1, 2, 2}, graph.Shape{1, 1, 3, 3}, graph.Valid(), []int{1, 1})
	assert.Error(t, err)
}

func TestConvolution_Rank5(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	img := input(g, "img", graph.Shape{1, 2, 4, 4, 4})
	kern := input(g, "kern", graph.Shape{3, 2, 2, 2, 2})
	imgT, kernT := seq(1, 2, 4, 4, 4), seq(3, 2, 2, 2, 2)

	out, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{Border: graph.Valid()})
	require.NoError(t, err)

	e := NewEvaluator(5600)
	got := evalOne(t, e, g, map[*graph.Value]*Tensor{img: imgT, kern: kernT}, out)
	want := convForward(imgT, kernT, []int{0, 0, 0}, []int{1, 1, 1}, graph.ModeConv)
	assertClose(t, want, got, 1e-9)
}

func TestConvForwardGEMM_MatchesDirect(t *testing.T) {
	img, kern := seq(2, 3, 7, 6), seq(4, 3, 3, 2)
	for _, tc := range []struct {
		pad, stride []int
		mode        graph.ConvMode
	}{
		{[]int{0, 0}, []int{1, 1}, graph.ModeCross},
		{[]int{2, 1}, []int{1, 1}, graph.ModeConv},
		{[]int{1, 1}, []int{2, 2}, graph.ModeCross},
	} {
		want := convForward(img, kern, tc.pad, tc.stride, tc.mode)
		got := convForwardGEMM(img, kern, tc.pad, tc.stride, tc.mode)
		assertClose(t, want, got, 1e-9)
	}
}

// lossGrad evaluates the gradient of sum(out) with respect to the node's
// image and kernel inputs through the operator's own gradient rule.
func lossGrad(t *testing.T, e *Evaluator, g *graph.Graph, out *graph.Value,
	feeds map[*graph.Value]*Tensor) (dImg, dKern *Tensor) {
	t.Helper()
	node := out.Owner()
	diff, ok := node.Op().(graph.Differentiable)
	require.True(t, ok)

	outGrad := input(g, "outGrad", out.StaticShape())
	feeds[outGrad] = ones(out.StaticShape()...)
	grads, err := diff.Grad(g, node, []*graph.Value{outGrad})
	require.NoError(t, err)

	res, err := e.Eval(g, feeds, grads[0], grads[1])
	require.NoError(t, err)
	return res[0], res[1]
}

// numGrad computes the central finite difference of sum(out) with respect
// to each entry of the fed tensor.
func numGrad(t *testing.T, e *Evaluator, g *graph.Graph, out *graph.Value,
	feeds map[*graph.Value]*Tensor, wrt *graph.Value) *Tensor {
	t.Helper()
	const eps = 1e-5
	base := feeds[wrt]
	grad := New(base.Shape()...)
	sum := func() float64 {
		res := evalOne(t, e, g, feeds, out)
		total := 0.0
		for _, v := range res.data {
			total += v
		}
		return total
	}
	for i := range base.data {
		orig := base.data[i]
		base.data[i] = orig + eps
		plus := sum()
		base.data[i] = orig - eps
		minus := sum()
		base.data[i] = orig
		grad.data[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

func TestConvForward_GradientCheck(t *testing.T) {
	for _, tc := range []struct {
		name      string
		img, kern graph.Shape
		border    graph.BorderMode
	}{
		{"rank4 valid", graph.Shape{1, 2, 5, 5}, graph.Shape{3, 2, 3, 3}, graph.Valid()},
		{"rank4 padded", graph.Shape{1, 2, 5, 5}, graph.Shape{3, 2, 3, 3}, graph.Pad(1, 1)},
		{"rank5 valid", graph.Shape{1, 1, 3, 3, 3}, graph.Shape{2, 1, 2, 2, 2}, graph.Valid()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gate := okGate(5600)
			g := graph.New()
			img := input(g, "img", tc.img)
			kern := input(g, "kern", tc.kern)
			feeds := map[*graph.Value]*Tensor{
				img:  seq(tc.img...),
				kern: seq(tc.kern...),
			}
			out, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{
				Border: tc.border, Mode: graph.ModeCross, Hint: graph.HintForceForward,
			})
			require.NoError(t, err)

			e := NewEvaluator(5600)
			dImg, dKern := lossGrad(t, e, g, out, feeds)
			assertClose(t, numGrad(t, e, g, out, feeds, img), dImg, 1e-6)
			assertClose(t, numGrad(t, e, g, out, feeds, kern), dKern, 1e-6)
		})
	}
}

func TestConvForward_ScalarGradsAreNotImplemented(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	img := input(g, "img", graph.Shape{1, 1, 4, 4})
	kern := input(g, "kern", graph.Shape{1, 1, 2, 2})
	out, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{Border: graph.Valid()})
	require.NoError(t, err)

	node := out.Owner()
	outGrad := input(g, "outGrad", out.StaticShape())
	grads, err := node.Op().(graph.Differentiable).Grad(g, node, []*graph.Value{outGrad})
	require.NoError(t, err)
	require.Len(t, grads, 6)
	assert.Nil(t, grads[dnn.ConvDescSlot], "the descriptor is disconnected")

	e := NewEvaluator(5600)
	feeds := map[*graph.Value]*Tensor{
		img:     seq(1, 1, 4, 4),
		kern:    seq(1, 1, 2, 2),
		outGrad: ones(1, 1, 3, 3),
	}
	_, err = e.Eval(g, feeds, grads[dnn.ConvAlphaSlot])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not implemented")
}

func TestPooling_MaxE2E(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	img := input(g, "img", graph.Shape{1, 1, 8, 8})
	out, err := dnn.Pooling(g, gate, img, []int{2, 2}, []int{2, 2}, nil, graph.PoolMax)
	require.NoError(t, err)

	imgT := New(1, 1, 8, 8)
	for i := range imgT.data {
		imgT.data[i] = float64(i)
	}
	e := NewEvaluator(5600)
	got := evalOne(t, e, g, map[*graph.Value]*Tensor{img: imgT}, out)

	require.Equal(t, []int{1, 1, 4, 4}, got.Shape())
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			// The block maximum sits at its bottom-right corner.
			want := float64((2*y+1)*8 + 2*x + 1)
			assert.Equal(t, want, got.At(0, 0, y, x))
		}
	}
}

func TestPooling_ModesMatchGeneric(t *testing.T) {
	gate := okGate(5600)
	for _, mode := range []graph.PoolMode{graph.PoolMax, graph.PoolAvgIncPad, graph.PoolAvgExcPad} {
		t.Run(mode.String(), func(t *testing.T) {
			g := graph.New()
			img := input(g, "img", graph.Shape{2, 2, 7, 7})
			feeds := map[*graph.Value]*Tensor{img: seq(2, 2, 7, 7)}

			generic, err := g.Apply1(&graph.Pool{
				Window: []int{3, 3}, Stride: []int{2, 2}, Padding: []int{1, 1},
				Mode: mode, IgnoreBorder: true,
			}, img)
			require.NoError(t, err)
			lowered, err := dnn.Pooling(g, gate, img, []int{3, 3}, []int{2, 2}, []int{1, 1}, mode)
			require.NoError(t, err)

			e := NewEvaluator(5600)
			want := evalOne(t, e, g, feeds, generic)
			got := evalOne(t, e, g, feeds, lowered)
			assertClose(t, want, got, 1e-12)
		})
	}
}

func TestMaxPoolGrad_FiniteDifference(t *testing.T) {
	img := seq(1, 2, 6, 6)
	window, stride, pad := []int{2, 2}, []int{2, 2}, []int{0, 0}
	fwd := poolForward(img, window, stride, pad, graph.PoolMax)
	top := ones(fwd.Shape()...)
	grad := maxPoolGrad(img, fwd, top, window, stride, pad)

	const eps = 1e-6
	for i := range img.data {
		orig := img.data[i]
		img.data[i] = orig + eps
		plus := poolForward(img, window, stride, pad, graph.PoolMax)
		img.data[i] = orig - eps
		minus := poolForward(img, window, stride, pad, graph.PoolMax)
		img.data[i] = orig
		want := 0.0
		for j := range plus.data {
			want += (plus.data[j] - minus.data[j]) / (2 * eps)
		}
		assert.InDelta(t, want, grad.data[i], 1e-4, "element %d", i)
	}
}

func TestAvgPoolGrad_Denominators(t *testing.T) {
	// One 3x3 window padded by 1 on a 2x2 input: inclusive averaging
	// divides by the full window, exclusive by the in-bounds count.
	top := ones(1, 1, 1, 1)
	inc := avgPoolGrad([]int{1, 1, 2, 2}, top, []int{3, 3}, []int{3, 3}, []int{1, 1}, graph.PoolAvgIncPad)
	exc := avgPoolGrad([]int{1, 1, 2, 2}, top, []int{3, 3}, []int{3, 3}, []int{1, 1}, graph.PoolAvgExcPad)

	for _, v := range inc.data {
		assert.InDelta(t, 1.0/9, v, 1e-12)
	}
	for _, v := range exc.data {
		assert.InDelta(t, 1.0/4, v, 1e-12)
	}
}

func TestSoftmax_ForwardProperties(t *testing.T) {
	x := seq(2, 3, 2, 2)

	channel := softmaxForward(x, dnn.SoftmaxAccurate, dnn.SoftmaxModeChannel)
	for n := 0; n < 2; n++ {
		for y := 0; y < 2; y++ {
			for xx := 0; xx < 2; xx++ {
				sum := 0.0
				for c := 0; c < 3; c++ {
					sum += channel.At(n, c, y, xx)
				}
				assert.InDelta(t, 1.0, sum, 1e-12)
			}
		}
	}

	instance := softmaxForward(x, dnn.SoftmaxAccurate, dnn.SoftmaxModeInstance)
	for n := 0; n < 2; n++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			for y := 0; y < 2; y++ {
				for xx := 0; xx < 2; xx++ {
					sum += instance.At(n, c, y, xx)
				}
			}
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}

	logSm := softmaxForward(x, dnn.SoftmaxLog, dnn.SoftmaxModeChannel)
	for i := range logSm.data {
		assert.InDelta(t, math.Log(channel.data[i]), logSm.data[i], 1e-12)
	}
}

func TestSoftmaxGrad_FiniteDifference(t *testing.T) {
	for _, algo := range []dnn.SoftmaxAlgo{dnn.SoftmaxAccurate, dnn.SoftmaxLog} {
		t.Run(string(algo), func(t *testing.T) {
			x := seq(1, 4, 1, 1)
			dy := seq(1, 4, 1, 1)
			sm := softmaxForward(x, algo, dnn.SoftmaxModeChannel)
			grad := softmaxGrad(dy, sm, algo, dnn.SoftmaxModeChannel)

			const eps = 1e-6
			for i := range x.data {
				orig := x.data[i]
				x.data[i] = orig + eps
				plus := softmaxForward(x, algo, dnn.SoftmaxModeChannel)
				x.data[i] = orig - eps
				minus := softmaxForward(x, algo, dnn.SoftmaxModeChannel)
				x.data[i] = orig
				want := 0.0
				for j := range plus.data {
					want += dy.data[j] * (plus.data[j] - minus.data[j]) / (2 * eps)
				}
				assert.InDelta(t, want, grad.data[i], 1e-5, "element %d", i)
			}
		})
	}
}

func TestSoftmaxOp_GradientThroughGraph(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	x := input(g, "x", graph.Shape{2, 3, 2, 2})
	op, err := dnn.NewSoftmax(gate, dnn.SoftmaxAccurate, dnn.SoftmaxModeChannel)
	require.NoError(t, err)
	out, err := g.Apply1(op, x)
	require.NoError(t, err)

	feeds := map[*graph.Value]*Tensor{x: seq(2, 3, 2, 2)}
	e := NewEvaluator(5600)
	node := out.Owner()
	outGrad := input(g, "outGrad", graph.Shape{2, 3, 2, 2})
	feeds[outGrad] = ones(2, 3, 2, 2)
	grads, err := node.Op().(graph.Differentiable).Grad(g, node, []*graph.Value{outGrad})
	require.NoError(t, err)

	got, err := e.Eval(g, feeds, grads[0])
	require.NoError(t, err)
	assertClose(t, numGrad(t, e, g, out, feeds, x), got[0], 1e-6)
}

func TestEvaluator_DescriptorHandleLifecycle(t *testing.T) {
	gate := okGate(5600)
	g := graph.New()
	img := input(g, "img", graph.Shape{1, 1, 4, 4})
	kern := input(g, "kern", graph.Shape{1, 1, 2, 2})
	out, err := dnn.Convolution(g, gate, img, kern, dnn.ConvOptions{Border: graph.Valid()})
	require.NoError(t, err)

	feeds := map[*graph.Value]*Tensor{img: seq(1, 1, 4, 4), kern: seq(1, 1, 2, 2)}
	e := NewEvaluator(5600)
	evalOne(t, e, g, feeds, out)
	evalOne(t, e, g, feeds, out)

	// The descriptor survived both runs in the cache: fetching it again
	// must not rebuild.
	descOp, err := dnn.NewConvDesc(gate, graph.Valid(), []int{1, 1}, graph.ModeConv)
	require.NoError(t, err)
	h, err := e.Cache.Get(descOp.Key(), 5600, func() (*dnn.Handle, error) {
		t.Fatal("descriptor was not cached")
		return nil, nil
	})
	require.NoError(t, err)
	h.Release()
	assert.False(t, h.Released())

	e.Cache.Clear()
	assert.True(t, h.Released(), "clearing the cache drops the last reference")
}

func TestSession_CountsOpens(t *testing.T) {
	s := &Session{Header: 5600, Runtime: 5600}
	gate := dnn.NewGate(dnn.DefaultConfig(), stubDevice{}, stubToolchain{}, s)
	for i := 0; i < 5; i++ {
		gate.Available()
		gate.Version()
	}
	assert.Equal(t, 1, s.Opens(), "the gate opens one session ever")
}
