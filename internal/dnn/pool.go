package dnn

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// Pool is the accelerated pooling operator: inputs (image, descriptor),
// output shaped by the shared floor-division formula over the descriptor's
// window.
type Pool struct{}

// Name implements graph.Operator.
func (op *Pool) Name() string { return "Pool" }

// Key implements graph.Operator.
func (op *Pool) Key() string { return "dnn.Pool{}" }

// descOf returns the PoolDesc operator feeding a descriptor value, when the
// producing node is visible in the graph.
func descOf(v *graph.Value) *PoolDesc {
	if n := v.Owner(); n != nil {
		if d, ok := n.Op().(*PoolDesc); ok {
			return d
		}
	}
	return nil
}

// Validate implements graph.Operator.
func (op *Pool) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 2 {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("expected (image, desc), got %d inputs", len(inputs))}
	}
	img, ok := inputs[0].Type().(graph.TensorType)
	if !ok {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("image must be a tensor, got %s", inputs[0].Type())}
	}
	if !inputs[1].Type().Equal(PoolDescType()) {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("desc must be %s, got %s", PoolDescriptorCType, inputs[1].Type())}
	}
	if d := descOf(inputs[1]); d != nil {
		if want := d.Spatial() + 2; img.Rank != want {
			return nil, &graph.ShapeError{Op: op.Name(),
				Msg: fmt.Sprintf("image must be a %dD tensor, got rank %d", want, img.Rank)}
		}
	}
	return []graph.Type{img}, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *Pool) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	img := inputShapes[0]
	d := descOf(node.Inputs()[1])
	if img == nil || d == nil {
		return []graph.Shape{nil}, nil
	}
	spatial := graph.PooledShape(img[2:], d.Window, d.Padding, d.Stride)
	return []graph.Shape{append(graph.Shape{img[0], img[1]}, spatial...)}, nil
}

// Grad implements graph.Differentiable: the gradient reapplies the forward
// pooling to recover its output, then routes the output gradient through
// PoolGrad. The descriptor is not connected.
func (op *Pool) Grad(g *graph.Graph, node *graph.Node, outGrads []*graph.Value) ([]*graph.Value, error) {
	img, desc := node.Inputs()[0], node.Inputs()[1]
	grad, err := g.Apply1(&graph.Contiguous{}, outGrads[0])
	if err != nil {
		return nil, err
	}
	out, err := g.Apply1(&Pool{}, img, desc)
	if err != nil {
		return nil, err
	}
	gImg, err := g.Apply1(&PoolGrad{}, img, out, grad, desc)
	if err != nil {
		return nil, err
	}
	return []*graph.Value{gImg, nil}, nil
}

// PoolGrad is the pooling gradient: inputs (input, forwardOutput,
// outputGrad, descriptor), output shaped like the forward input. It has no
// second-order rule.
//
// For average reductions the backend ignores the numeric content of the
// forwardOutput slot but still validates its shape, which is why the
// average-pool lift passes the output gradient for both middle slots.
type PoolGrad struct{}

// Name implements graph.Operator.
func (op *PoolGrad) Name() string { return "PoolGrad" }

// Key implements graph.Operator.
func (op *PoolGrad) Key() string { return "dnn.PoolGrad{}" }

// Validate implements graph.Operator.
func (op *PoolGrad) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 4 {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("expected (input, output, outputGrad, desc), got %d inputs", len(inputs))}
	}
	names := []string{"input", "output", "outputGrad"}
	var rank int
	for i := 0; i < 3; i++ {
		tt, ok := inputs[i].Type().(graph.TensorType)
		if !ok {
			return nil, &graph.ShapeError{Op: op.Name(),
				Msg: fmt.Sprintf("%s must be a tensor, got %s", names[i], inputs[i].Type())}
		}
		if i == 0 {
			rank = tt.Rank
		} else if tt.Rank != rank {
			return nil, &graph.ShapeError{Op: op.Name(),
				Msg: fmt.Sprintf("%s must be a %dD tensor, got rank %d", names[i], rank, tt.Rank)}
		}
	}
	if !inputs[3].Type().Equal(PoolDescType()) {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("desc must be %s, got %s", PoolDescriptorCType, inputs[3].Type())}
	}
	if d := descOf(inputs[3]); d != nil {
		if want := d.Spatial() + 2; rank != want {
			return nil, &graph.ShapeError{Op: op.Name(),
				Msg: fmt.Sprintf("input must be a %dD tensor, got rank %d", want, rank)}
		}
	}
	return []graph.Type{inputs[0].Type()}, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *PoolGrad) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[0]}, nil
}
