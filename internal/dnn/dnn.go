package dnn

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// ensureScalar returns v unchanged, or a constant of the requested kind when
// v is nil.
func ensureScalar(g *graph.Graph, v *graph.Value, kind graph.ElemKind, def float64) *graph.Value {
	if v != nil {
		return v
	}
	return graph.Scalar(g, kind, def)
}

// applyConv applies one of the three convolution operators, filling the
// alpha and beta slots with 1 and 0 when the caller does not provide them.
func applyConv(g *graph.Graph, op graph.Operator, primary, secondary, output, desc, alpha, beta *graph.Value) (*graph.Value, error) {
	tt, ok := primary.Type().(graph.TensorType)
	if !ok {
		return nil, shapeErrf(op.Name(), "primary input must be a tensor, got %s", primary.Type())
	}
	alpha = ensureScalar(g, alpha, tt.Kind, 1)
	beta = ensureScalar(g, beta, tt.Kind, 0)
	return g.Apply1(op, primary, secondary, output, desc, alpha, beta)
}

func shapeErrf(op, format string, args ...any) error {
	return &graph.ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// intOps builds symbolic int64 scalar arithmetic for output-shape
// expressions.
type intOps struct{ g *graph.Graph }

func (o intOps) lit(v int) *graph.Value {
	return graph.Scalar(o.g, graph.Int64, float64(v))
}

func (o intOps) dim(v *graph.Value, axis int) (*graph.Value, error) {
	return o.g.Apply1(&graph.ShapeOf{Axis: axis}, v)
}

func (o intOps) add(a, b *graph.Value) (*graph.Value, error) {
	return o.g.Apply1(graph.NewIntAdd(), a, b)
}

func (o intOps) sub(a, b *graph.Value) (*graph.Value, error) {
	return o.g.Apply1(graph.NewIntSub(), a, b)
}

func (o intOps) div(a, b *graph.Value) (*graph.Value, error) {
	return o.g.Apply1(&graph.IntDiv{}, a, b)
}

// convOutDim is the forward output extent along one spatial axis:
// (in + 2*pad - kern)/stride + 1 with pad resolved from the border mode.
func (o intOps) convOutDim(in, kern *graph.Value, border graph.BorderMode, axis, stride int) (*graph.Value, error) {
	var numer *graph.Value
	var err error
	switch border.Kind {
	case graph.BorderValid:
		numer, err = o.sub(in, kern)
	case graph.BorderFull:
		// pad = kern-1, so in + 2*(kern-1) - kern = in + kern - 2.
		if numer, err = o.add(in, kern); err == nil {
			numer, err = o.sub(numer, o.lit(2))
		}
	case graph.BorderPad:
		if numer, err = o.add(in, o.lit(2*border.Pads[axis])); err == nil {
			numer, err = o.sub(numer, kern)
		}
	default:
		return nil, configErrf("border_mode", "unknown border kind %d", border.Kind)
	}
	if err != nil {
		return nil, err
	}
	if stride != 1 {
		if numer, err = o.div(numer, o.lit(stride)); err != nil {
			return nil, err
		}
	}
	return o.add(numer, o.lit(1))
}

func (o intOps) allocEmpty(kind graph.ElemKind, dims []*graph.Value) (*graph.Value, error) {
	return o.g.Apply1(&graph.AllocEmpty{Kind: kind}, dims...)
}

func contiguous(g *graph.Graph, v *graph.Value) (*graph.Value, error) {
	return g.Apply1(&graph.Contiguous{}, v)
}

func shapeVec(g *graph.Graph, v *graph.Value) (*graph.Value, error) {
	return g.Apply1(&graph.ShapeVector{}, v)
}

// swapLeading exchanges the batch and channel axes, keeping the spatial
// axes in place.
func swapLeading(g *graph.Graph, v *graph.Value) (*graph.Value, error) {
	tt, ok := v.Type().(graph.TensorType)
	if !ok {
		return nil, shapeErrf("DimShuffle", "expected a tensor, got %s", v.Type())
	}
	order := make([]int, tt.Rank)
	order[0], order[1] = 1, 0
	for i := 2; i < tt.Rank; i++ {
		order[i] = i
	}
	return g.Apply1(&graph.DimShuffle{InRank: tt.Rank, Order: order}, v)
}

func onesLike(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func allOnes(xs []int) bool {
	for _, x := range xs {
		if x != 1 {
			return false
		}
	}
	return true
}

// ConvOptions are the declarative parameters of a convolution lowering.
// Zero values mean valid border, unit strides, true convolution, no
// direction hint and the configured default algorithm.
type ConvOptions struct {
	Border    graph.BorderMode
	Subsample []int
	Mode      graph.ConvMode
	Hint      graph.DirectionHint
	Algo      ConvAlgo
}

// Convolution lowers a convolution of image against kernel to accelerated
// operator nodes, choosing among three strategies:
//
//   - a hint of "bprop weights" with valid border and unit strides computes
//     the result as a weight-gradient convolution over axis-swapped
//     operands, which matches the memory layout that produced the hint;
//   - a full border with unit strides computes the result as the
//     input-gradient adjoint of a valid convolution with the complementary
//     correlation mode, unless the hint forces the forward direction;
//   - everything else becomes a forward convolution with an explicit
//     descriptor and a symbolically shaped output buffer.
//
// Returns an error when the requested configuration is rejected by the
// gate or the operand ranks do not match the subsample tuple.
func Convolution(g *graph.Graph, gate *Gate, img, kerns *graph.Value, opts ConvOptions) (*graph.Value, error) {
	imgT, ok := img.Type().(graph.TensorType)
	if !ok {
		return nil, shapeErrf("Convolution", "image must be a tensor, got %s", img.Type())
	}
	kernT, ok := kerns.Type().(graph.TensorType)
	if !ok {
		return nil, shapeErrf("Convolution", "kernel must be a tensor, got %s", kerns.Type())
	}
	if imgT.Rank != kernT.Rank || (imgT.Rank != 4 && imgT.Rank != 5) {
		return nil, shapeErrf("Convolution", "image and kernel must both be 4D or 5D, got %s and %s",
			img.Type(), kerns.Type())
	}
	spatial := imgT.Rank - 2
	if opts.Subsample == nil {
		opts.Subsample = onesLike(spatial)
	}
	if len(opts.Subsample) != spatial {
		return nil, configErrf("subsample", "expected %d entries for rank-%d operands, got %d",
			spatial, imgT.Rank, len(opts.Subsample))
	}
	if err := opts.Border.Validate(spatial); err != nil {
		return nil, configErrf("border_mode", "%v", err)
	}

	switch {
	case opts.Hint == graph.HintBpropWeights &&
		opts.Border.Kind == graph.BorderValid && allOnes(opts.Subsample):
		return convViaGradWeights(g, gate, img, kerns, opts)
	case opts.Border.Kind == graph.BorderFull && allOnes(opts.Subsample) &&
		opts.Hint != graph.HintForceForward:
		return convViaGradInputs(g, gate, img, kerns, opts)
	}
	return convForward(g, gate, img, kerns, opts)
}

// convViaGradWeights lowers a valid unit-stride convolution whose producer
// hinted that it is the weight-gradient of some other convolution. The
// operands are axis-swapped into the (image, outputGrad) layout of the
// weight-gradient operator, and the result swapped back.
func convViaGradWeights(g *graph.Graph, gate *Gate, img, kerns *graph.Value, opts ConvOptions) (*graph.Value, error) {
	imgT := img.Type().(graph.TensorType)
	spatial := imgT.Rank - 2
	o := intOps{g: g}

	img2, err := swapLeading(g, img)
	if err != nil {
		return nil, err
	}
	if img2, err = contiguous(g, img2); err != nil {
		return nil, err
	}
	top, err := swapLeading(g, kerns)
	if err != nil {
		return nil, err
	}
	if opts.Mode == graph.ModeConv {
		// A true convolution flips the kernel; correlation against the
		// flipped kernel is the same operation.
		if top, err = g.Apply1(&graph.FlipSpatial{}, top); err != nil {
			return nil, err
		}
	}
	if top, err = contiguous(g, top); err != nil {
		return nil, err
	}

	// The buffer holds the weight gradient of the fake convolution: filter
	// count and batch land in the leading slots after the axis swap.
	dims := make([]*graph.Value, imgT.Rank)
	if dims[0], err = o.dim(kerns, 0); err != nil {
		return nil, err
	}
	if dims[1], err = o.dim(img, 0); err != nil {
		return nil, err
	}
	for i := 0; i < spatial; i++ {
		in, err := o.dim(img, i+2)
		if err != nil {
			return nil, err
		}
		kd, err := o.dim(kerns, i+2)
		if err != nil {
			return nil, err
		}
		if dims[i+2], err = o.convOutDim(in, kd, graph.Valid(), i, 1); err != nil {
			return nil, err
		}
	}
	out, err := o.allocEmpty(imgT.Kind, dims)
	if err != nil {
		return nil, err
	}

	descOp, err := NewConvDesc(gate, graph.Valid(), onesLike(spatial), graph.ModeCross)
	if err != nil {
		return nil, err
	}
	outShape, err := shapeVec(g, out)
	if err != nil {
		return nil, err
	}
	desc, err := g.Apply1(descOp, outShape)
	if err != nil {
		return nil, err
	}

	gradW, err := NewConvGradWeights(gate, "", false)
	if err != nil {
		return nil, err
	}
	conv, err := applyConv(g, gradW, img2, top, out, desc, nil, nil)
	if err != nil {
		return nil, err
	}
	return swapLeading(g, conv)
}

// convViaGradInputs lowers a full unit-stride convolution as the
// input-gradient adjoint of a valid convolution with the complementary
// correlation mode, which is cheaper than padding up the image.
func convViaGradInputs(g *graph.Graph, gate *Gate, img, kerns *graph.Value, opts ConvOptions) (*graph.Value, error) {
	imgT := img.Type().(graph.TensorType)
	spatial := imgT.Rank - 2
	o := intOps{g: g}

	imgC, err := contiguous(g, img)
	if err != nil {
		return nil, err
	}
	kerns2, err := swapLeading(g, kerns)
	if err != nil {
		return nil, err
	}
	if kerns2, err = contiguous(g, kerns2); err != nil {
		return nil, err
	}

	dims := make([]*graph.Value, imgT.Rank)
	if dims[0], err = o.dim(img, 0); err != nil {
		return nil, err
	}
	if dims[1], err = o.dim(kerns, 0); err != nil {
		return nil, err
	}
	for i := 0; i < spatial; i++ {
		in, err := o.dim(img, i+2)
		if err != nil {
			return nil, err
		}
		kd, err := o.dim(kerns, i+2)
		if err != nil {
			return nil, err
		}
		if dims[i+2], err = o.convOutDim(in, kd, graph.Full(), i, 1); err != nil {
			return nil, err
		}
	}
	out, err := o.allocEmpty(imgT.Kind, dims)
	if err != nil {
		return nil, err
	}

	descOp, err := NewConvDesc(gate, graph.Valid(), onesLike(spatial), opts.Mode.Complement())
	if err != nil {
		return nil, err
	}
	kernShape, err := shapeVec(g, kerns2)
	if err != nil {
		return nil, err
	}
	desc, err := g.Apply1(descOp, kernShape)
	if err != nil {
		return nil, err
	}

	gradI, err := NewConvGradInputs(gate, "", false)
	if err != nil {
		return nil, err
	}
	return applyConv(g, gradI, kerns2, imgC, out, desc, nil, nil)
}

// convForward is the standard lowering: contiguous operands, an explicit
// descriptor built from the kernel shape, and an uninitialized output
// buffer shaped by symbolic arithmetic over the operand shapes.
func convForward(g *graph.Graph, gate *Gate, img, kerns *graph.Value, opts ConvOptions) (*graph.Value, error) {
	imgT := img.Type().(graph.TensorType)
	spatial := imgT.Rank - 2
	o := intOps{g: g}

	imgC, err := contiguous(g, img)
	if err != nil {
		return nil, err
	}
	kernsC, err := contiguous(g, kerns)
	if err != nil {
		return nil, err
	}

	descOp, err := NewConvDesc(gate, opts.Border, opts.Subsample, opts.Mode)
	if err != nil {
		return nil, err
	}
	kernShape, err := shapeVec(g, kernsC)
	if err != nil {
		return nil, err
	}
	desc, err := g.Apply1(descOp, kernShape)
	if err != nil {
		return nil, err
	}

	dims := make([]*graph.Value, imgT.Rank)
	if dims[0], err = o.dim(img, 0); err != nil {
		return nil, err
	}
	if dims[1], err = o.dim(kerns, 0); err != nil {
		return nil, err
	}
	for i := 0; i < spatial; i++ {
		in, err := o.dim(img, i+2)
		if err != nil {
			return nil, err
		}
		kd, err := o.dim(kerns, i+2)
		if err != nil {
			return nil, err
		}
		if dims[i+2], err = o.convOutDim(in, kd, opts.Border, i, opts.Subsample[i]); err != nil {
			return nil, err
		}
	}
	out, err := o.allocEmpty(imgT.Kind, dims)
	if err != nil {
		return nil, err
	}

	fwd, err := NewConvForward(gate, opts.Algo, false)
	if err != nil {
		return nil, err
	}
	return applyConv(g, fwd, imgC, kernsC, out, desc, nil, nil)
}

// InferConvOutputShape is the static counterpart of the symbolic
// output-shape arithmetic: batch and filter counts from the operands,
// (in + 2*pad - kern)/stride + 1 along each spatial axis.
func InferConvOutputShape(img, kerns graph.Shape, border graph.BorderMode, subsample []int) (graph.Shape, error) {
	if len(img) != len(kerns) || len(img) < 3 {
		return nil, fmt.Errorf("mismatched operand ranks %d and %d", len(img), len(kerns))
	}
	spatial := len(img) - 2
	if len(subsample) != spatial {
		return nil, fmt.Errorf("expected %d strides, got %d", spatial, len(subsample))
	}
	pads := border.PadFor(kerns[2:])
	out := make(graph.Shape, len(img))
	out[0] = img[0]
	out[1] = kerns[0]
	for i := 0; i < spatial; i++ {
		n := img[i+2] + 2*pads[i] - kerns[i+2]
		if n < 0 {
			return nil, fmt.Errorf("kernel extent %d exceeds padded input extent %d at spatial axis %d",
				kerns[i+2], img[i+2]+2*pads[i], i)
		}
		out[i+2] = n/subsample[i] + 1
	}
	return out, nil
}

// Pooling lowers a spatial pooling of img to accelerated operator nodes. A
// nil stride defaults to the window, a nil padding to zeros.
func Pooling(g *graph.Graph, gate *Gate, img *graph.Value, window, stride, padding []int, mode graph.PoolMode) (*graph.Value, error) {
	if stride == nil {
		stride = window
	}
	if padding == nil {
		padding = make([]int, len(window))
	}
	descOp, err := NewPoolDesc(gate, window, stride, padding, mode)
	if err != nil {
		return nil, err
	}
	imgC, err := contiguous(g, img)
	if err != nil {
		return nil, err
	}
	desc, err := g.Apply1(descOp)
	if err != nil {
		return nil, err
	}
	return g.Apply1(&Pool{}, imgC, desc)
}
