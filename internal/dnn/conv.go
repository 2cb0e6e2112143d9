package dnn

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// ConvAlgo selects among the backend's convolution strategies. The guess
// and time variants defer the choice to the backend: "once" caches the
// chosen algorithm forever, "on shape change" caches it per distinct shape.
type ConvAlgo string

// Convolution algorithms.
const (
	AlgoNone               ConvAlgo = "none"          // plain implicit GEMM
	AlgoSmall              ConvAlgo = "small"         // precomputed implicit GEMM
	AlgoLarge              ConvAlgo = "large"         // explicit GEMM
	AlgoFFT                ConvAlgo = "fft"           // transform domain
	AlgoDeterministic      ConvAlgo = "deterministic" // backward directions only
	AlgoGuessOnce          ConvAlgo = "guess_once"
	AlgoGuessOnShapeChange ConvAlgo = "guess_on_shape_change"
	AlgoTimeOnce           ConvAlgo = "time_once"
	AlgoTimeOnShapeChange  ConvAlgo = "time_on_shape_change"
)

func (a ConvAlgo) valid() bool {
	switch a {
	case AlgoNone, AlgoSmall, AlgoLarge, AlgoFFT, AlgoDeterministic,
		AlgoGuessOnce, AlgoGuessOnShapeChange, AlgoTimeOnce, AlgoTimeOnShapeChange:
		return true
	}
	return false
}

// selection reports whether the algorithm defers the choice to the backend.
func (a ConvAlgo) selection() bool {
	switch a {
	case AlgoGuessOnce, AlgoGuessOnShapeChange, AlgoTimeOnce, AlgoTimeOnShapeChange:
		return true
	}
	return false
}

// checkConvAlgo validates an algorithm choice against the member set and the
// backend feature level.
func checkConvAlgo(gate *Gate, algo ConvAlgo, allowed []ConvAlgo) error {
	found := false
	for _, a := range allowed {
		if a == algo {
			found = true
			break
		}
	}
	if !found {
		return configErrf("algorithm", "unknown convolution algorithm %q", algo)
	}
	if algo == AlgoFFT {
		if err := gate.RequireVersion("FFT convolution", algoSelectMinVersion); err != nil {
			return err
		}
	}
	if algo.selection() {
		if err := gate.RequireVersion("backend algorithm selection", algoSelectMinVersion); err != nil {
			return err
		}
	}
	return nil
}

var (
	fwdAlgos = []ConvAlgo{AlgoNone, AlgoSmall, AlgoLarge, AlgoFFT,
		AlgoGuessOnce, AlgoGuessOnShapeChange, AlgoTimeOnce, AlgoTimeOnShapeChange}
	bwdAlgos = []ConvAlgo{AlgoNone, AlgoDeterministic, AlgoFFT,
		AlgoGuessOnce, AlgoGuessOnShapeChange, AlgoTimeOnce, AlgoTimeOnShapeChange}
)

// Convolution operator input slots. All three operator kinds share the
// layout (primary, secondary, output, descriptor, alpha, beta).
const (
	convInPrimary = iota
	convInSecondary
	convInOutput
	convInDesc
	convInAlpha
	convInBeta
	convInputCount
)

// Exported slot indices for collaborators that execute the shared layout.
const (
	ConvPrimarySlot   = convInPrimary
	ConvSecondarySlot = convInSecondary
	ConvOutSlot       = convInOutput
	ConvDescSlot      = convInDesc
	ConvAlphaSlot     = convInAlpha
	ConvBetaSlot      = convInBeta
)

// validateConvInputs is the shared input check of the three convolution
// operators: three tensors of matching rank 4 or 5 and kind, a convolution
// descriptor, and two scalars of the tensor kind.
func validateConvInputs(name string, inputs []*graph.Value, names [3]string) ([]graph.Type, error) {
	if len(inputs) != convInputCount {
		return nil, &graph.ShapeError{Op: name,
			Msg: fmt.Sprintf("expected (%s, %s, %s, desc, alpha, beta), got %d inputs",
				names[0], names[1], names[2], len(inputs))}
	}
	var kind graph.ElemKind
	rank := 0
	for i := 0; i < 3; i++ {
		tt, ok := inputs[i].Type().(graph.TensorType)
		if !ok || (tt.Rank != 4 && tt.Rank != 5) {
			return nil, &graph.ShapeError{Op: name,
				Msg: fmt.Sprintf("%s must be a 4D or 5D tensor, got %s", names[i], inputs[i].Type())}
		}
		if i == 0 {
			kind, rank = tt.Kind, tt.Rank
			continue
		}
		if tt.Rank != rank {
			return nil, &graph.ShapeError{Op: name,
				Msg: fmt.Sprintf("the ranks of %s, %s and %s must match", names[0], names[1], names[2])}
		}
		if tt.Kind != kind {
			return nil, &graph.ShapeError{Op: name,
				Msg: fmt.Sprintf("%s has kind %s, want %s", names[i], tt.Kind, kind)}
		}
	}
	if !inputs[convInDesc].Type().Equal(ConvDescType()) {
		return nil, &graph.ShapeError{Op: name,
			Msg: fmt.Sprintf("desc must be %s, got %s", ConvDescriptorCType, inputs[convInDesc].Type())}
	}
	want := graph.ScalarType{Kind: kind}
	for i, slot := range []int{convInAlpha, convInBeta} {
		if !inputs[slot].Type().Equal(want) {
			return nil, &graph.ShapeError{Op: name,
				Msg: fmt.Sprintf("%s must be a %s scalar, got %s",
					[]string{"alpha", "beta"}[i], kind, inputs[slot].Type())}
		}
	}
	return []graph.Type{inputs[convInOutput].Type()}, nil
}

// rejectRank5Algo fails when a 3-D spatial form is combined with an
// algorithm that only supports two spatial dimensions.
func rejectRank5Algo(name string, inputs []*graph.Value, algo ConvAlgo, rejected ...ConvAlgo) error {
	tt := inputs[convInPrimary].Type().(graph.TensorType)
	if tt.Rank != 5 {
		return nil
	}
	for _, r := range rejected {
		if algo == r {
			return configErrf("algorithm", "convolution algorithm %q cannot be used for 3-D convolutions", algo)
		}
	}
	return nil
}

// convGradHelpers builds the shared pieces of the three gradient rules.
type convGradHelpers struct{ g *graph.Graph }

func (h convGradHelpers) contiguous(v *graph.Value) (*graph.Value, error) {
	return h.g.Apply1(&graph.Contiguous{}, v)
}

// emptyLike allocates an uninitialized buffer shaped like v, dimension by
// dimension through the symbolic shape operators.
func (h convGradHelpers) emptyLike(v *graph.Value) (*graph.Value, error) {
	tt := v.Type().(graph.TensorType)
	dims := make([]*graph.Value, tt.Rank)
	for i := range dims {
		d, err := h.g.Apply1(&graph.ShapeOf{Axis: i}, v)
		if err != nil {
			return nil, err
		}
		dims[i] = d
	}
	return h.g.Apply1(&graph.AllocEmpty{Kind: tt.Kind}, dims...)
}

func (h convGradHelpers) scale(v, alpha *graph.Value) (*graph.Value, error) {
	return h.g.Apply1(&graph.Mul{}, v, alpha)
}

func (h convGradHelpers) notImplemented(forOp, wrt string, v *graph.Value) (*graph.Value, error) {
	return h.g.Apply1(&graph.NotImplementedGrad{ForOp: forOp, Wrt: wrt}, v)
}

// ConvForward is the forward convolution: output := alpha*conv(image,
// kernel) + beta*output. The output buffer input is written in place when
// Inplace is set.
type ConvForward struct {
	Algo    ConvAlgo
	Inplace bool

	gate *Gate
}

// NewConvForward builds the forward convolution operator. An empty algo
// takes the configured forward default. Version-gated algorithms fail here,
// before any node is constructed.
func NewConvForward(gate *Gate, algo ConvAlgo, inplace bool) (*ConvForward, error) {
	if algo == "" {
		algo = gate.Config().ConvFwdAlgo
	}
	if err := checkConvAlgo(gate, algo, fwdAlgos); err != nil {
		return nil, err
	}
	return &ConvForward{Algo: algo, Inplace: inplace, gate: gate}, nil
}

// Name implements graph.Operator.
func (op *ConvForward) Name() string { return "ConvForward" }

// Key implements graph.Operator.
func (op *ConvForward) Key() string {
	return fmt.Sprintf("ConvForward{%s;inplace=%t}", op.Algo, op.Inplace)
}

// Gate returns the gate the operator was validated against.
func (op *ConvForward) Gate() *Gate { return op.gate }

// Validate implements graph.Operator.
func (op *ConvForward) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	out, err := validateConvInputs(op.Name(), inputs, [3]string{"image", "kernel", "output"})
	if err != nil {
		return nil, err
	}
	if err := rejectRank5Algo(op.Name(), inputs, op.Algo, AlgoFFT); err != nil {
		return nil, err
	}
	return out, nil
}

// InferShapes implements graph.ShapeInferer: the result is shaped like the
// pre-allocated output argument.
func (op *ConvForward) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[convInOutput]}, nil
}

// Aliases implements graph.AliasDeclarer.
func (op *ConvForward) Aliases() map[int]int {
	if !op.Inplace {
		return nil
	}
	return map[int]int{0: convInOutput}
}

// Grad implements graph.Differentiable. The gradient with respect to the
// image is an input-gradient convolution, the gradient with respect to the
// kernel a weight-gradient convolution, each scaled by alpha; the output
// buffer receives the beta-scaled pass-through. The descriptor is not
// connected, and the scalar gradients are unimplemented placeholders.
func (op *ConvForward) Grad(g *graph.Graph, node *graph.Node, outGrads []*graph.Value) ([]*graph.Value, error) {
	img := node.Inputs()[convInPrimary]
	kerns := node.Inputs()[convInSecondary]
	alpha := node.Inputs()[convInAlpha]
	beta := node.Inputs()[convInBeta]
	h := convGradHelpers{g: g}

	top, err := h.contiguous(outGrads[0])
	if err != nil {
		return nil, err
	}

	gradI, err := NewConvGradInputs(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	imgBuf, err := h.emptyLike(img)
	if err != nil {
		return nil, err
	}
	dImg, err := applyConv(g, gradI, kerns, top, imgBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	gradW, err := NewConvGradWeights(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	kernBuf, err := h.emptyLike(kerns)
	if err != nil {
		return nil, err
	}
	dKerns, err := applyConv(g, gradW, img, top, kernBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	dImgScaled, err := h.scale(dImg, alpha)
	if err != nil {
		return nil, err
	}
	dKernsScaled, err := h.scale(dKerns, alpha)
	if err != nil {
		return nil, err
	}
	dOut, err := h.scale(outGrads[0], beta)
	if err != nil {
		return nil, err
	}
	dAlpha, err := h.notImplemented(op.Name(), "alpha", alpha)
	if err != nil {
		return nil, err
	}
	dBeta, err := h.notImplemented(op.Name(), "beta", beta)
	if err != nil {
		return nil, err
	}
	return []*graph.Value{dImgScaled, dKernsScaled, dOut, nil, dAlpha, dBeta}, nil
}

// ConvGradWeights is the convolution gradient with respect to the kernel:
// inputs (image, outputGrad, output, desc, alpha, beta).
type ConvGradWeights struct {
	Algo    ConvAlgo
	Inplace bool

	gate *Gate
}

// NewConvGradWeights builds the weight-gradient operator. An empty algo
// takes the configured backward default.
func NewConvGradWeights(gate *Gate, algo ConvAlgo, inplace bool) (*ConvGradWeights, error) {
	if algo == "" {
		algo = gate.Config().ConvBwdAlgo
	}
	if err := checkConvAlgo(gate, algo, bwdAlgos); err != nil {
		return nil, err
	}
	return &ConvGradWeights{Algo: algo, Inplace: inplace, gate: gate}, nil
}

// Name implements graph.Operator.
func (op *ConvGradWeights) Name() string { return "ConvGradWeights" }

// Key implements graph.Operator.
func (op *ConvGradWeights) Key() string {
	return fmt.Sprintf("ConvGradWeights{%s;inplace=%t}", op.Algo, op.Inplace)
}

// Gate returns the gate the operator was validated against.
func (op *ConvGradWeights) Gate() *Gate { return op.gate }

// Validate implements graph.Operator.
func (op *ConvGradWeights) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	out, err := validateConvInputs(op.Name(), inputs, [3]string{"image", "outputGrad", "output"})
	if err != nil {
		return nil, err
	}
	if err := rejectRank5Algo(op.Name(), inputs, op.Algo, AlgoFFT, AlgoDeterministic); err != nil {
		return nil, err
	}
	return out, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *ConvGradWeights) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[convInOutput]}, nil
}

// Aliases implements graph.AliasDeclarer.
func (op *ConvGradWeights) Aliases() map[int]int {
	if !op.Inplace {
		return nil
	}
	return map[int]int{0: convInOutput}
}

// Grad implements graph.Differentiable. Differentiating a weight gradient
// produces an input-gradient convolution and a forward convolution; autodiff
// is only ever one level deep per call, so the mutual recursion terminates.
func (op *ConvGradWeights) Grad(g *graph.Graph, node *graph.Node, outGrads []*graph.Value) ([]*graph.Value, error) {
	img := node.Inputs()[convInPrimary]
	top := node.Inputs()[convInSecondary]
	alpha := node.Inputs()[convInAlpha]
	beta := node.Inputs()[convInBeta]
	h := convGradHelpers{g: g}

	kerns, err := h.contiguous(outGrads[0])
	if err != nil {
		return nil, err
	}

	gradI, err := NewConvGradInputs(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	imgBuf, err := h.emptyLike(img)
	if err != nil {
		return nil, err
	}
	dImg, err := applyConv(g, gradI, kerns, top, imgBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	fwd, err := NewConvForward(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	topBuf, err := h.emptyLike(top)
	if err != nil {
		return nil, err
	}
	dTop, err := applyConv(g, fwd, img, kerns, topBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	dImgScaled, err := h.scale(dImg, alpha)
	if err != nil {
		return nil, err
	}
	dTopScaled, err := h.scale(dTop, alpha)
	if err != nil {
		return nil, err
	}
	dOut, err := h.scale(outGrads[0], beta)
	if err != nil {
		return nil, err
	}
	dAlpha, err := h.notImplemented(op.Name(), "alpha", alpha)
	if err != nil {
		return nil, err
	}
	dBeta, err := h.notImplemented(op.Name(), "beta", beta)
	if err != nil {
		return nil, err
	}
	return []*graph.Value{dImgScaled, dTopScaled, dOut, nil, dAlpha, dBeta}, nil
}

// ConvGradInputs is the convolution gradient with respect to the image:
// inputs (kernel, outputGrad, output, desc, alpha, beta).
type ConvGradInputs struct {
	Algo    ConvAlgo
	Inplace bool

	gate *Gate
}

// NewConvGradInputs builds the input-gradient operator. An empty algo takes
// the configured backward default.
func NewConvGradInputs(gate *Gate, algo ConvAlgo, inplace bool) (*ConvGradInputs, error) {
	if algo == "" {
		algo = gate.Config().ConvBwdAlgo
	}
	if err := checkConvAlgo(gate, algo, bwdAlgos); err != nil {
		return nil, err
	}
	return &ConvGradInputs{Algo: algo, Inplace: inplace, gate: gate}, nil
}

// Name implements graph.Operator.
func (op *ConvGradInputs) Name() string { return "ConvGradInputs" }

// Key implements graph.Operator.
func (op *ConvGradInputs) Key() string {
	return fmt.Sprintf("ConvGradInputs{%s;inplace=%t}", op.Algo, op.Inplace)
}

// Gate returns the gate the operator was validated against.
func (op *ConvGradInputs) Gate() *Gate { return op.gate }

// Validate implements graph.Operator.
func (op *ConvGradInputs) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	out, err := validateConvInputs(op.Name(), inputs, [3]string{"kernel", "outputGrad", "output"})
	if err != nil {
		return nil, err
	}
	if err := rejectRank5Algo(op.Name(), inputs, op.Algo, AlgoFFT, AlgoDeterministic); err != nil {
		return nil, err
	}
	return out, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *ConvGradInputs) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[convInOutput]}, nil
}

// Aliases implements graph.AliasDeclarer.
func (op *ConvGradInputs) Aliases() map[int]int {
	if !op.Inplace {
		return nil
	}
	return map[int]int{0: convInOutput}
}

// Grad implements graph.Differentiable.
func (op *ConvGradInputs) Grad(g *graph.Graph, node *graph.Node, outGrads []*graph.Value) ([]*graph.Value, error) {
	kerns := node.Inputs()[convInPrimary]
	top := node.Inputs()[convInSecondary]
	alpha := node.Inputs()[convInAlpha]
	beta := node.Inputs()[convInBeta]
	h := convGradHelpers{g: g}

	img, err := h.contiguous(outGrads[0])
	if err != nil {
		return nil, err
	}

	gradW, err := NewConvGradWeights(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	kernBuf, err := h.emptyLike(kerns)
	if err != nil {
		return nil, err
	}
	dKerns, err := applyConv(g, gradW, img, top, kernBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	fwd, err := NewConvForward(op.gate, "", false)
	if err != nil {
		return nil, err
	}
	topBuf, err := h.emptyLike(top)
	if err != nil {
		return nil, err
	}
	dTop, err := applyConv(g, fwd, img, kerns, topBuf, node.Inputs()[convInDesc], nil, nil)
	if err != nil {
		return nil, err
	}

	dKernsScaled, err := h.scale(dKerns, alpha)
	if err != nil {
		return nil, err
	}
	dTopScaled, err := h.scale(dTop, alpha)
	if err != nil {
		return nil, err
	}
	dOut, err := h.scale(outGrads[0], beta)
	if err != nil {
		return nil, err
	}
	dAlpha, err := h.notImplemented(op.Name(), "alpha", alpha)
	if err != nil {
		return nil, err
	}
	dBeta, err := h.notImplemented(op.Name(), "beta", beta)
	if err != nil {
		return nil, err
	}
	return []*graph.Value{dKernsScaled, dTopScaled, dOut, nil, dAlpha, dBeta}, nil
}
