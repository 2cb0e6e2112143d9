package dnn

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// SoftmaxAlgo is the speed/accuracy tradeoff of the accelerated softmax.
type SoftmaxAlgo string

// Softmax algorithms. AlgoLog computes log-softmax in one pass and needs a
// backend with log-softmax support.
const (
	SoftmaxFast     SoftmaxAlgo = "fast"
	SoftmaxAccurate SoftmaxAlgo = "accurate"
	SoftmaxLog      SoftmaxAlgo = "log"
)

// SoftmaxMode is the normalization axis: per spatial instance across the
// whole channel-spatial block, or per spatial location across channels.
type SoftmaxMode string

// Softmax modes.
const (
	SoftmaxModeInstance SoftmaxMode = "instance"
	SoftmaxModeChannel  SoftmaxMode = "channel"
)

func checkSoftmaxConfig(gate *Gate, algo SoftmaxAlgo, mode SoftmaxMode) error {
	switch algo {
	case SoftmaxFast, SoftmaxAccurate:
	case SoftmaxLog:
		if err := gate.RequireVersion("log-softmax", logSoftmaxMinVersion); err != nil {
			return err
		}
	default:
		return configErrf("algorithm", "unknown softmax algorithm %q", algo)
	}
	switch mode {
	case SoftmaxModeInstance, SoftmaxModeChannel:
	default:
		return configErrf("mode", "unknown softmax mode %q", mode)
	}
	return nil
}

// Softmax is the accelerated softmax over a rank-4 tensor.
type Softmax struct {
	Algo SoftmaxAlgo
	Mode SoftmaxMode

	gate *Gate
}

// NewSoftmax validates the configuration against the gate and returns the
// operator.
func NewSoftmax(gate *Gate, algo SoftmaxAlgo, mode SoftmaxMode) (*Softmax, error) {
	if err := checkSoftmaxConfig(gate, algo, mode); err != nil {
		return nil, err
	}
	return &Softmax{Algo: algo, Mode: mode, gate: gate}, nil
}

// Name implements graph.Operator.
func (op *Softmax) Name() string { return "dnn.Softmax" }

// Key implements graph.Operator.
func (op *Softmax) Key() string { return fmt.Sprintf("dnn.Softmax{%s;%s}", op.Algo, op.Mode) }

// Gate returns the gate the operator was validated against.
func (op *Softmax) Gate() *Gate { return op.gate }

// Validate implements graph.Operator.
func (op *Softmax) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 1 {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("expected 1 input, got %d", len(inputs))}
	}
	tt, ok := inputs[0].Type().(graph.TensorType)
	if !ok || tt.Rank != 4 {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("input must be a 4D tensor, got %s", inputs[0].Type())}
	}
	return []graph.Type{tt}, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *Softmax) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[0]}, nil
}

// Grad implements graph.Differentiable: a SoftmaxGrad node with the same
// configuration, fed the output gradient and a reapplication of the
// forward.
func (op *Softmax) Grad(g *graph.Graph, node *graph.Node, outGrads []*graph.Value) ([]*graph.Value, error) {
	x := node.Inputs()[0]
	sm, err := g.Apply1(&Softmax{Algo: op.Algo, Mode: op.Mode, gate: op.gate}, x)
	if err != nil {
		return nil, err
	}
	gX, err := g.Apply1(&SoftmaxGrad{Algo: op.Algo, Mode: op.Mode, gate: op.gate}, outGrads[0], sm)
	if err != nil {
		return nil, err
	}
	return []*graph.Value{gX}, nil
}

// SoftmaxGrad is the accelerated softmax gradient: inputs (outputGrad,
// forwardOutput), both rank 4, output shaped like the forward output.
type SoftmaxGrad struct {
	Algo SoftmaxAlgo
	Mode SoftmaxMode

	gate *Gate
}

// NewSoftmaxGrad validates the configuration against the gate and returns
// the operator.
func NewSoftmaxGrad(gate *Gate, algo SoftmaxAlgo, mode SoftmaxMode) (*SoftmaxGrad, error) {
	if err := checkSoftmaxConfig(gate, algo, mode); err != nil {
		return nil, err
	}
	return &SoftmaxGrad{Algo: algo, Mode: mode, gate: gate}, nil
}

// Name implements graph.Operator.
func (op *SoftmaxGrad) Name() string { return "dnn.SoftmaxGrad" }

// Key implements graph.Operator.
func (op *SoftmaxGrad) Key() string { return fmt.Sprintf("dnn.SoftmaxGrad{%s;%s}", op.Algo, op.Mode) }

// Gate returns the gate the operator was validated against.
func (op *SoftmaxGrad) Gate() *Gate { return op.gate }

// Validate implements graph.Operator.
func (op *SoftmaxGrad) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 2 {
		return nil, &graph.ShapeError{Op: op.Name(),
			Msg: fmt.Sprintf("expected (outputGrad, forwardOutput), got %d inputs", len(inputs))}
	}
	names := []string{"outputGrad", "forwardOutput"}
	for i, in := range inputs {
		tt, ok := in.Type().(graph.TensorType)
		if !ok || tt.Rank != 4 {
			return nil, &graph.ShapeError{Op: op.Name(),
				Msg: fmt.Sprintf("%s must be a 4D tensor, got %s", names[i], in.Type())}
		}
	}
	return []graph.Type{inputs[1].Type()}, nil
}

// InferShapes implements graph.ShapeInferer.
func (op *SoftmaxGrad) InferShapes(node *graph.Node, inputShapes []graph.Shape) ([]graph.Shape, error) {
	return []graph.Shape{inputShapes[1]}, nil
}
