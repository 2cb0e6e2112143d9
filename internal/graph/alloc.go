package graph

import (
	"fmt"
	"strings"
)

// AllocEmpty allocates an uninitialized tensor whose dimensions are given by
// int64 scalar inputs. It is the canonical producer of the pre-allocated
// output buffers the accelerated convolution operators write into; the
// in-place rewrite recognizes it by kind.
type AllocEmpty struct {
	Kind ElemKind
}

// Name implements Operator.
func (op *AllocEmpty) Name() string { return "AllocEmpty" }

// Key implements Operator.
func (op *AllocEmpty) Key() string { return fmt.Sprintf("AllocEmpty{%s}", op.Kind) }

// Validate implements Operator.
func (op *AllocEmpty) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) == 0 {
		return nil, shapeErrf(op.Name(), "expected at least one dimension input")
	}
	want := ScalarType{Kind: Int64}
	for i, in := range inputs {
		if !in.Type().Equal(want) {
			return nil, shapeErrf(op.Name(), "dimension %d must be an int64 scalar, got %s", i, in.Type())
		}
	}
	return []Type{TensorType{Kind: op.Kind, Rank: len(inputs)}}, nil
}

// InferShapes implements ShapeInferer. The static shape is known only when
// every dimension input reduces to a constant.
func (op *AllocEmpty) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	dims := make(Shape, len(node.Inputs()))
	for i, in := range node.Inputs() {
		d, ok := StaticInt(in)
		if !ok {
			return []Shape{nil}, nil
		}
		dims[i] = d
	}
	return []Shape{dims}, nil
}

// Contiguous enforces a C-contiguous memory layout on its input, copying
// when necessary. Cheap accelerated kernels require this layout.
type Contiguous struct{}

// Name implements Operator.
func (op *Contiguous) Name() string { return "Contiguous" }

// Key implements Operator.
func (op *Contiguous) Key() string { return "Contiguous{}" }

// Validate implements Operator.
func (op *Contiguous) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	if _, ok := inputs[0].Type().(TensorType); !ok {
		return nil, shapeErrf(op.Name(), "input must be a tensor, got %s", inputs[0].Type())
	}
	return []Type{inputs[0].Type()}, nil
}

// InferShapes implements ShapeInferer.
func (op *Contiguous) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}

// NewAxis marks a broadcastable size-1 axis inserted by DimShuffle.
const NewAxis = -1

// DimShuffle permutes, inserts, and drops tensor axes. Order lists, for each
// output axis, the input axis it reads from, or NewAxis for an inserted
// size-1 axis. Input axes not listed are dropped and must have size 1.
type DimShuffle struct {
	InRank int
	Order  []int
}

// Name implements Operator.
func (op *DimShuffle) Name() string { return "DimShuffle" }

// Key implements Operator.
func (op *DimShuffle) Key() string {
	parts := make([]string, len(op.Order))
	for i, o := range op.Order {
		if o == NewAxis {
			parts[i] = "x"
		} else {
			parts[i] = fmt.Sprint(o)
		}
	}
	return fmt.Sprintf("DimShuffle{%d;%s}", op.InRank, strings.Join(parts, ","))
}

// Validate implements Operator.
func (op *DimShuffle) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	tt, ok := inputs[0].Type().(TensorType)
	if !ok {
		return nil, shapeErrf(op.Name(), "input must be a tensor, got %s", inputs[0].Type())
	}
	if tt.Rank != op.InRank {
		return nil, shapeErrf(op.Name(), "input rank %d does not match declared rank %d", tt.Rank, op.InRank)
	}
	seen := make(map[int]bool)
	for _, o := range op.Order {
		if o == NewAxis {
			continue
		}
		if o < 0 || o >= tt.Rank {
			return nil, shapeErrf(op.Name(), "axis %d out of range for rank %d", o, tt.Rank)
		}
		if seen[o] {
			return nil, shapeErrf(op.Name(), "axis %d listed twice", o)
		}
		seen[o] = true
	}
	return []Type{TensorType{Kind: tt.Kind, Rank: len(op.Order)}}, nil
}

// InferShapes implements ShapeInferer.
func (op *DimShuffle) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	in := inputShapes[0]
	if in == nil {
		return []Shape{nil}, nil
	}
	listed := make(map[int]bool)
	out := make(Shape, len(op.Order))
	for i, o := range op.Order {
		if o == NewAxis {
			out[i] = 1
			continue
		}
		out[i] = in[o]
		listed[o] = true
	}
	for axis, dim := range in {
		if !listed[axis] && dim != 1 {
			return nil, shapeErrf(op.Name(), "cannot drop axis %d of size %d (must be 1)", axis, dim)
		}
	}
	return []Shape{out}, nil
}

// FlipSpatial reverses every spatial axis (axis 2 onward) of a tensor. The
// convolution entry point uses it to compensate for correlation-vs-
// convolution mode when lowering through the weight-gradient operator.
type FlipSpatial struct{}

// Name implements Operator.
func (op *FlipSpatial) Name() string { return "FlipSpatial" }

// Key implements Operator.
func (op *FlipSpatial) Key() string { return "FlipSpatial{}" }

// Validate implements Operator.
func (op *FlipSpatial) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	tt, ok := inputs[0].Type().(TensorType)
	if !ok || tt.Rank < 3 {
		return nil, shapeErrf(op.Name(), "input must be a tensor of rank >= 3, got %s", inputs[0].Type())
	}
	return []Type{tt}, nil
}

// InferShapes implements ShapeInferer.
func (op *FlipSpatial) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}
