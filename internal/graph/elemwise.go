package graph

import "fmt"

// elemwiseBinary validates a two-input elementwise operator. Tensors combine
// with tensors of the same rank and kind, or with a scalar of the same kind.
func elemwiseBinary(name string, inputs []*Value) ([]Type, error) {
	if len(inputs) != 2 {
		return nil, shapeErrf(name, "expected 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0].Type(), inputs[1].Type()
	switch at := a.(type) {
	case TensorType:
		switch bt := b.(type) {
		case TensorType:
			if at.Rank != bt.Rank || at.Kind != bt.Kind {
				return nil, shapeErrf(name, "mismatched operands %s and %s", a, b)
			}
			return []Type{at}, nil
		case ScalarType:
			if at.Kind != bt.Kind {
				return nil, shapeErrf(name, "mismatched element kinds %s and %s", at.Kind, bt.Kind)
			}
			return []Type{at}, nil
		}
	case ScalarType:
		switch bt := b.(type) {
		case TensorType:
			if at.Kind != bt.Kind {
				return nil, shapeErrf(name, "mismatched element kinds %s and %s", at.Kind, bt.Kind)
			}
			return []Type{bt}, nil
		case ScalarType:
			if at.Kind != bt.Kind {
				return nil, shapeErrf(name, "mismatched element kinds %s and %s", at.Kind, bt.Kind)
			}
			return []Type{at}, nil
		}
	}
	return nil, shapeErrf(name, "unsupported operand types %s and %s", a, b)
}

func elemwiseBinaryShape(node *Node, inputShapes []Shape) ([]Shape, error) {
	// The result shape is the tensor operand's shape; scalar operands
	// broadcast.
	for i, in := range node.Inputs() {
		if _, ok := in.Type().(TensorType); ok {
			return []Shape{inputShapes[i]}, nil
		}
	}
	return []Shape{{}}, nil
}

// Mul is elementwise multiplication. A scalar operand broadcasts over the
// tensor operand; the affine-merge rewrite matches this node when the scalar
// side is a constant.
type Mul struct{}

// Name implements Operator.
func (op *Mul) Name() string { return "Mul" }

// Key implements Operator.
func (op *Mul) Key() string { return "Mul{}" }

// Validate implements Operator.
func (op *Mul) Validate(inputs []*Value) ([]Type, error) {
	return elemwiseBinary(op.Name(), inputs)
}

// InferShapes implements ShapeInferer.
func (op *Mul) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return elemwiseBinaryShape(node, inputShapes)
}

// Add is elementwise addition. The output-merge rewrite matches this node on
// a convolution output edge.
type Add struct{}

// Name implements Operator.
func (op *Add) Name() string { return "Add" }

// Key implements Operator.
func (op *Add) Key() string { return "Add{}" }

// Validate implements Operator.
func (op *Add) Validate(inputs []*Value) ([]Type, error) {
	return elemwiseBinary(op.Name(), inputs)
}

// InferShapes implements ShapeInferer.
func (op *Add) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return elemwiseBinaryShape(node, inputShapes)
}

// Log is the elementwise natural logarithm. The log-softmax fusion matches a
// Log whose only input is a softmax output.
type Log struct{}

// Name implements Operator.
func (op *Log) Name() string { return "Log" }

// Key implements Operator.
func (op *Log) Key() string { return "Log{}" }

// Validate implements Operator.
func (op *Log) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	if _, ok := inputs[0].Type().(TensorType); !ok {
		return nil, shapeErrf(op.Name(), "input must be a tensor, got %s", inputs[0].Type())
	}
	return []Type{inputs[0].Type()}, nil
}

// InferShapes implements ShapeInferer.
func (op *Log) InferShapes(node *Node, inputShapes []Shape) ([]Shape, error) {
	return []Shape{inputShapes[0]}, nil
}

// NotImplementedGrad stands in for a gradient that exists mathematically but
// has no implementation. Evaluating it is a hard error carrying the operator
// and input it was requested for.
type NotImplementedGrad struct {
	ForOp string // operator whose gradient was requested
	Wrt   string // name of the input the gradient is with respect to
}

// Name implements Operator.
func (op *NotImplementedGrad) Name() string { return "NotImplementedGrad" }

// Key implements Operator.
func (op *NotImplementedGrad) Key() string {
	return fmt.Sprintf("NotImplementedGrad{%s,%s}", op.ForOp, op.Wrt)
}

// Validate implements Operator.
func (op *NotImplementedGrad) Validate(inputs []*Value) ([]Type, error) {
	if len(inputs) != 1 {
		return nil, shapeErrf(op.Name(), "expected 1 input, got %d", len(inputs))
	}
	return []Type{inputs[0].Type()}, nil
}
