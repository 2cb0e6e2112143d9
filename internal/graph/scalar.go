package graph

import (
	"fmt"
	"strconv"
)

// Const is a scalar constant.
type Const struct {
	Kind  ElemKind
	Value float64
}

// Name implements Operator.
func (op *Const) Name() string { return "Const" }

// Key implements Operator.
func (op *Const) Key() string {
	return fmt.Sprintf("Const{%s,%s}", op.Kind, strconv.FormatFloat(op.Value, 'g', -1, 64))
}

// Validate implements Operator.
func (op *Const) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 0 {
		return nil, shapeErrf(op.Name(), "expected no inputs, got %d", len(inputs))
	}
	return []Type{ScalarType{Kind: op.Kind}}, nil
}

// Scalar adds a scalar constant to the graph.
func Scalar(g *Graph, kind ElemKind, value float64) *Value {
	v, err := g.Apply1(&Const{Kind: kind, Value: value})
	if err != nil {
		panic(err) // Const validation cannot fail
	}
	return v
}

// intArith is the shared implementation of IntAdd and IntSub.
type intArith struct{ sub bool }

// IntAdd adds two int64 scalars. Used for symbolic shape arithmetic.
type IntAdd struct{ intArith }

// IntSub subtracts two int64 scalars.
type IntSub struct{ intArith }

// NewIntAdd returns the int64 scalar addition operator.
func NewIntAdd() *IntAdd { return &IntAdd{} }

// NewIntSub returns the int64 scalar subtraction operator.
func NewIntSub() *IntSub { return &IntSub{intArith{sub: true}} }

func (op *intArith) name() string {
	if op.sub {
		return "IntSub"
	}
	return "IntAdd"
}

func (op *intArith) validate(name string, inputs []*Value) ([]Type, error) {
	if len(inputs) != 2 {
		return nil, shapeErrf(name, "expected 2 inputs, got %d", len(inputs))
	}
	want := ScalarType{Kind: Int64}
	for i, in := range inputs {
		if !in.Type().Equal(want) {
			return nil, shapeErrf(name, "input %d must be an int64 scalar, got %s", i, in.Type())
		}
	}
	return []Type{want}, nil
}

// Name implements Operator.
func (op *IntAdd) Name() string { return op.name() }

// Key implements Operator.
func (op *IntAdd) Key() string { return "IntAdd{}" }

// Validate implements Operator.
func (op *IntAdd) Validate(inputs []*Value) ([]Type, error) { return op.validate(op.Name(), inputs) }

// Name implements Operator.
func (op *IntSub) Name() string { return op.name() }

// Key implements Operator.
func (op *IntSub) Key() string { return "IntSub{}" }

// Validate implements Operator.
func (op *IntSub) Validate(inputs []*Value) ([]Type, error) { return op.validate(op.Name(), inputs) }

// IntMul multiplies two int64 scalars.
type IntMul struct{}

// Name implements Operator.
func (op *IntMul) Name() string { return "IntMul" }

// Key implements Operator.
func (op *IntMul) Key() string { return "IntMul{}" }

// Validate implements Operator.
func (op *IntMul) Validate(inputs []*Value) ([]Type, error) {
	var a intArith
	return a.validate(op.Name(), inputs)
}

// IntDiv is floor division of two int64 scalars.
type IntDiv struct{}

// Name implements Operator.
func (op *IntDiv) Name() string { return "IntDiv" }

// Key implements Operator.
func (op *IntDiv) Key() string { return "IntDiv{}" }

// Validate implements Operator.
func (op *IntDiv) Validate(inputs []*Value) ([]Type, error) {
	var a intArith
	return a.validate(op.Name(), inputs)
}

// ShapeOf extracts one dimension of a tensor value as an int64 scalar.
type ShapeOf struct {
	Axis int
}

// Name implements Operator.
func (op *ShapeOf) Name() string { return "ShapeOf" }

// Key implements Operator.
func (op *ShapeOf) Key() string { return fmt.Sprintf("ShapeOf{%d}", op.Axis) }

// Validate implements Operator.
func (op *ShapeOf) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	tt, ok := inputs[0].Type().(TensorType)
	if !ok {
		return nil, shapeErrf(op.Name(), "input must be a tensor, got %s", inputs[0].Type())
	}
	if op.Axis < 0 || op.Axis >= tt.Rank {
		return nil, shapeErrf(op.Name(), "axis %d out of range for rank %d", op.Axis, tt.Rank)
	}
	return []Type{ScalarType{Kind: Int64}}, nil
}

// ShapeVector extracts the full shape of a tensor as a rank-1 int64 tensor.
// Descriptor builders consume it as their kernel-shape input.
type ShapeVector struct{}

// Name implements Operator.
func (op *ShapeVector) Name() string { return "ShapeVector" }

// Key implements Operator.
func (op *ShapeVector) Key() string { return "ShapeVector{}" }

// Validate implements Operator.
func (op *ShapeVector) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	if _, ok := inputs[0].Type().(TensorType); !ok {
		return nil, shapeErrf(op.Name(), "input must be a tensor, got %s", inputs[0].Type())
	}
	return []Type{TensorType{Kind: Int64, Rank: 1}}, nil
}

// InferShapes implements ShapeInferer.
func (op *ShapeVector) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	rank := node.Inputs()[0].Type().(TensorType).Rank
	return []Shape{{rank}}, nil
}

// StaticInt evaluates a small integer expression statically: constants,
// int64 add/sub chains, and shape extraction from values with a known static
// shape. Returns false when the expression depends on execution-time data.
func StaticInt(v *Value) (int, bool) {
	n := v.Owner()
	if n == nil {
		return 0, false
	}
	switch op := n.Op().(type) {
	case *Const:
		if op.Kind == Int64 {
			return int(op.Value), true
		}
	case *IntAdd:
		a, aok := StaticInt(n.Inputs()[0])
		b, bok := StaticInt(n.Inputs()[1])
		if aok && bok {
			return a + b, true
		}
	case *IntSub:
		a, aok := StaticInt(n.Inputs()[0])
		b, bok := StaticInt(n.Inputs()[1])
		if aok && bok {
			return a - b, true
		}
	case *IntMul:
		a, aok := StaticInt(n.Inputs()[0])
		b, bok := StaticInt(n.Inputs()[1])
		if aok && bok {
			return a * b, true
		}
	case *IntDiv:
		a, aok := StaticInt(n.Inputs()[0])
		b, bok := StaticInt(n.Inputs()[1])
		if aok && bok && b != 0 {
			return a / b, true
		}
	case *ShapeOf:
		if s := n.Inputs()[0].StaticShape(); s != nil {
			return s[op.Axis], true
		}
	}
	return 0, false
}
