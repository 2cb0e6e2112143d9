package graph

import (
	"fmt"
	"strings"
)

// DirectionHint lets an upstream graph builder tell the convolution lowering
// which operator it expects the convolution to become. It changes cost, not
// results, and rewrite passes use it to explore the alternative lowering.
type DirectionHint string

// Direction hints.
const (
	HintNone DirectionHint = ""
	// HintBpropWeights marks a convolution that really computes a weight
	// gradient; with valid padding and unit stride it lowers through the
	// weight-gradient operator.
	HintBpropWeights DirectionHint = "bprop weights"
	// HintForward asks for the plain forward lowering.
	HintForward DirectionHint = "forward"
	// HintForceForward forbids the gradient-adjoint lowering of a full
	// convolution.
	HintForceForward DirectionHint = "forward!"
)

func intsKey(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

// Conv is the generic 2-D convolution node the lift rules pattern-match
// against. Its numeric execution belongs to the host runtime; this layer
// only needs its parameters and shape rule.
type Conv struct {
	Border    BorderMode
	Subsample []int
	Mode      ConvMode
	Hint      DirectionHint
}

// Name implements Operator.
func (op *Conv) Name() string { return "Conv" }

// Key implements Operator.
func (op *Conv) Key() string {
	return fmt.Sprintf("Conv{%s;%s;%s;%s}", op.Border, intsKey(op.Subsample), op.Mode, op.Hint)
}

// Validate implements Operator.
func (op *Conv) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 2 {
		return nil, shapeErrf(op.Name(), "expected (image, kernel), got %d inputs", len(inputs))
	}
	img, ok := inputs[0].Type().(TensorType)
	if !ok || img.Rank != 4 {
		return nil, shapeErrf(op.Name(), "image must be a 4D tensor, got %s", inputs[0].Type())
	}
	kern, ok := inputs[1].Type().(TensorType)
	if !ok || kern.Rank != 4 {
		return nil, shapeErrf(op.Name(), "kernel must be a 4D tensor, got %s", inputs[1].Type())
	}
	if img.Kind != kern.Kind {
		return nil, shapeErrf(op.Name(), "image kind %s does not match kernel kind %s", img.Kind, kern.Kind)
	}
	if len(op.Subsample) != 2 {
		return nil, shapeErrf(op.Name(), "subsample must have 2 entries, got %d", len(op.Subsample))
	}
	if err := op.Border.Validate(2); err != nil {
		return nil, shapeErrf(op.Name(), "%v", err)
	}
	return []Type{img}, nil
}

// InferShapes implements ShapeInferer.
func (op *Conv) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	img, kern := inputShapes[0], inputShapes[1]
	if img == nil || kern == nil {
		return []Shape{nil}, nil
	}
	pads := op.Border.PadFor(kern[2:])
	spatial := PooledShape(img[2:], kern[2:], pads, op.Subsample)
	out := append(Shape{img[0], kern[0]}, spatial...)
	return []Shape{out}, nil
}

// Pool is the generic spatial downsampling node (ignore-border semantics).
type Pool struct {
	Window       []int
	Stride       []int
	Padding      []int
	Mode         PoolMode
	IgnoreBorder bool
}

// Name implements Operator.
func (op *Pool) Name() string { return "Pool" }

// Key implements Operator.
func (op *Pool) Key() string {
	return fmt.Sprintf("Pool{%s;%s;%s;%s;%t}",
		intsKey(op.Window), intsKey(op.Stride), intsKey(op.Padding), op.Mode, op.IgnoreBorder)
}

func (op *Pool) validateParams() error {
	if len(op.Window) != len(op.Stride) || len(op.Window) != len(op.Padding) {
		return fmt.Errorf("window, stride and padding must have equal lengths, got %d/%d/%d",
			len(op.Window), len(op.Stride), len(op.Padding))
	}
	if n := len(op.Window); n != 2 && n != 3 {
		return fmt.Errorf("pooling supports 2 or 3 spatial dimensions, got %d", n)
	}
	return nil
}

// Validate implements Operator.
func (op *Pool) Validate(inputs []*Value) ([]Type, error) {
	if err := op.validateParams(); err != nil {
		return nil, shapeErrf(op.Name(), "%v", err)
	}
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	want := len(op.Window) + 2
	img, ok := inputs[0].Type().(TensorType)
	if !ok || img.Rank != want {
		return nil, shapeErrf(op.Name(), "image must be a %dD tensor, got %s", want, inputs[0].Type())
	}
	return []Type{img}, nil
}

// InferShapes implements ShapeInferer.
func (op *Pool) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	img := inputShapes[0]
	if img == nil {
		return []Shape{nil}, nil
	}
	spatial := PooledShape(img[2:], op.Window, op.Padding, op.Stride)
	return []Shape{append(Shape{img[0], img[1]}, spatial...)}, nil
}

// MaxPoolGrad is the generic max-pooling gradient node: inputs are the
// forward input, the forward output, and the output gradient.
type MaxPoolGrad struct {
	Window       []int
	Stride       []int
	Padding      []int
	IgnoreBorder bool
}

// Name implements Operator.
func (op *MaxPoolGrad) Name() string { return "MaxPoolGrad" }

// Key implements Operator.
func (op *MaxPoolGrad) Key() string {
	return fmt.Sprintf("MaxPoolGrad{%s;%s;%s;%t}",
		intsKey(op.Window), intsKey(op.Stride), intsKey(op.Padding), op.IgnoreBorder)
}

// Validate implements Operator.
func (op *MaxPoolGrad) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 3 {
		return nil, shapeErrf(op.Name(), "expected (input, output, outputGrad), got %d inputs", len(inputs))
	}
	want := len(op.Window) + 2
	for i, in := range inputs {
		tt, ok := in.Type().(TensorType)
		if !ok || tt.Rank != want {
			return nil, shapeErrf(op.Name(), "input %d must be a %dD tensor, got %s", i, want, in.Type())
		}
	}
	return []Type{inputs[0].Type()}, nil
}

// InferShapes implements ShapeInferer.
func (op *MaxPoolGrad) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}

// AvgPoolGrad is the generic average-pooling gradient node: inputs are the
// forward input and the output gradient.
type AvgPoolGrad struct {
	Window       []int
	Stride       []int
	Padding      []int
	Mode         PoolMode // PoolAvgIncPad or PoolAvgExcPad
	IgnoreBorder bool
}

// Name implements Operator.
func (op *AvgPoolGrad) Name() string { return "AvgPoolGrad" }

// Key implements Operator.
func (op *AvgPoolGrad) Key() string {
	return fmt.Sprintf("AvgPoolGrad{%s;%s;%s;%s;%t}",
		intsKey(op.Window), intsKey(op.Stride), intsKey(op.Padding), op.Mode, op.IgnoreBorder)
}

// Validate implements Operator.
func (op *AvgPoolGrad) Validate(inputs []*Value) ([]Type, error) {
	if op.Mode != PoolAvgIncPad && op.Mode != PoolAvgExcPad {
		return nil, shapeErrf(op.Name(), "mode must be an average reduction, got %s", op.Mode)
	}
	if len(inputs) != 2 {
		return nil, shapeErrf(op.Name(), "expected (input, outputGrad), got %d inputs", len(inputs))
	}
	want := len(op.Window) + 2
	for i, in := range inputs {
		tt, ok := in.Type().(TensorType)
		if !ok || tt.Rank != want {
			return nil, shapeErrf(op.Name(), "input %d must be a %dD tensor, got %s", i, want, in.Type())
		}
	}
	return []Type{inputs[0].Type()}, nil
}

// InferShapes implements ShapeInferer.
func (op *AvgPoolGrad) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}

// Softmax is the generic softmax over the channel axis of a 2-D
// [batch, channel] tensor.
type Softmax struct{}

// Name implements Operator.
func (op *Softmax) Name() string { return "Softmax" }

// Key implements Operator.
func (op *Softmax) Key() string { return "Softmax{}" }

// Validate implements Operator.
func (op *Softmax) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	tt, ok := inputs[0].Type().(TensorType)
	if !ok || tt.Rank != 2 {
		return nil, shapeErrf(op.Name(), "input must be a 2D tensor, got %s", inputs[0].Type())
	}
	return []Type{tt}, nil
}

// InferShapes implements ShapeInferer.
func (op *Softmax) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}

// SoftmaxGrad is the generic softmax gradient: inputs are the output
// gradient and the forward softmax output, both 2-D.
type SoftmaxGrad struct{}

// Name implements Operator.
func (op *SoftmaxGrad) Name() string { return "SoftmaxGrad" }

// Key implements Operator.
func (op *SoftmaxGrad) Key() string { return "SoftmaxGrad{}" }

// Validate implements Operator.
func (op *SoftmaxGrad) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 2 {
		return nil, shapeErrf(op.Name(), "expected (outputGrad, softmaxOutput), got %d inputs", len(inputs))
	}
	for i, in := range inputs {
		tt, ok := in.Type().(TensorType)
		if !ok || tt.Rank != 2 {
			return nil, shapeErrf(op.Name(), "input %d must be a 2D tensor, got %s", i, in.Type())
		}
	}
	return []Type{inputs[1].Type()}, nil
}

// InferShapes implements ShapeInferer.
func (op *SoftmaxGrad) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[1]}, nil
}
