package dnn

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// Native descriptor types and their registered release functions.
const (
	ConvDescriptorCType = "cudnnConvolutionDescriptor_t"
	ConvDescriptorFree  = "cudnnDestroyConvolutionDescriptor"
	PoolDescriptorCType = "cudnnPoolingDescriptor_t"
	PoolDescriptorFree  = "cudnnDestroyPoolingDescriptor"
)

// ConvDescType is the graph type of a convolution descriptor value.
func ConvDescType() graph.HandleType {
	return graph.HandleType{CType: ConvDescriptorCType, FreeFunc: ConvDescriptorFree}
}

// PoolDescType is the graph type of a pooling descriptor value.
func PoolDescType() graph.HandleType {
	return graph.HandleType{CType: PoolDescriptorCType, FreeFunc: PoolDescriptorFree}
}

// ConvDesc builds a convolution descriptor for the convolution operators.
// Its single input is the kernel shape as a rank-1 int64 tensor; its output
// is an opaque descriptor handle value.
//
// The descriptor is deliberately not constant foldable: even with constant
// inputs the native handle must be rematerialized per execution context.
type ConvDesc struct {
	Border    graph.BorderMode
	Subsample []int
	Mode      graph.ConvMode

	gate *Gate
}

// NewConvDesc validates the declarative parameters against the gate and
// returns the descriptor-builder operator. Three spatial dimensions require
// backend support for N-dimensional descriptors.
func NewConvDesc(gate *Gate, border graph.BorderMode, subsample []int, mode graph.ConvMode) (*ConvDesc, error) {
	nd := len(subsample)
	if nd != 2 && nd != 3 {
		return nil, configErrf("subsample", "must have 2 or 3 entries, got %d", nd)
	}
	for i, s := range subsample {
		if s < 1 {
			return nil, configErrf("subsample", "stride %d at dimension %d must be >= 1", s, i)
		}
	}
	if err := border.Validate(nd); err != nil {
		return nil, configErrf("border_mode", "%v", err)
	}
	if nd == 3 {
		if err := gate.RequireVersion("3-D convolution descriptors", ndDescriptorMinVersion); err != nil {
			return nil, err
		}
	}
	return &ConvDesc{
		Border:    border,
		Subsample: append([]int(nil), subsample...),
		Mode:      mode,
		gate:      gate,
	}, nil
}

// Name implements graph.Operator.
func (op *ConvDesc) Name() string { return "ConvDesc" }

// Key implements graph.Operator.
func (op *ConvDesc) Key() string {
	return fmt.Sprintf("ConvDesc{%s;%s;%s}", op.Border, intsKey(op.Subsample), op.Mode)
}

// Validate implements graph.Operator.
func (op *ConvDesc) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 1 {
		return nil, configErrf("kernel shape", "expected 1 input, got %d", len(inputs))
	}
	tt, ok := inputs[0].Type().(graph.TensorType)
	if !ok || tt.Rank != 1 || tt.Kind != graph.Int64 {
		return nil, configErrf("kernel shape", "must be a rank-1 int64 shape tensor, got %s", inputs[0].Type())
	}
	return []graph.Type{ConvDescType()}, nil
}

// ConstFoldable implements graph.ConstFolder.
func (op *ConvDesc) ConstFoldable() bool { return false }

// Spatial returns the number of spatial dimensions the descriptor covers.
func (op *ConvDesc) Spatial() int { return len(op.Subsample) }

// Gate returns the availability gate the descriptor was validated against.
func (op *ConvDesc) Gate() *Gate { return op.gate }

// PoolDesc builds a pooling descriptor. It has no inputs; every parameter is
// fixed on the operator. Its output is an opaque descriptor handle value.
type PoolDesc struct {
	Window  []int
	Stride  []int
	Padding []int
	Mode    graph.PoolMode

	gate *Gate
}

// NewPoolDesc validates window/stride/padding tuples and returns the
// pooling descriptor builder. Tuple lengths must agree, the spatial rank
// must be 2 or 3, and 3-D pooling requires N-dimensional descriptor
// support.
func NewPoolDesc(gate *Gate, window, stride, padding []int, mode graph.PoolMode) (*PoolDesc, error) {
	if len(window) != len(stride) || len(window) != len(padding) {
		return nil, configErrf("pooling tuples",
			"window, stride and padding must have equal lengths, got %d/%d/%d",
			len(window), len(stride), len(padding))
	}
	nd := len(window)
	if nd != 2 && nd != 3 {
		return nil, configErrf("window", "must have 2 or 3 entries, got %d", nd)
	}
	for i, w := range window {
		if w < 1 {
			return nil, configErrf("window", "extent %d at dimension %d must be >= 1", w, i)
		}
	}
	for i, s := range stride {
		if s < 1 {
			return nil, configErrf("stride", "stride %d at dimension %d must be >= 1", s, i)
		}
	}
	for i, p := range padding {
		if p < 0 {
			return nil, configErrf("pad", "padding %d at dimension %d must be >= 0", p, i)
		}
	}
	switch mode {
	case graph.PoolMax, graph.PoolAvgIncPad, graph.PoolAvgExcPad:
	default:
		return nil, configErrf("mode", "unknown pooling reduction %d", mode)
	}
	if nd == 3 {
		if err := gate.RequireVersion("3-D pooling descriptors", ndDescriptorMinVersion); err != nil {
			return nil, err
		}
	}
	return &PoolDesc{
		Window:  append([]int(nil), window...),
		Stride:  append([]int(nil), stride...),
		Padding: append([]int(nil), padding...),
		Mode:    mode,
		gate:    gate,
	}, nil
}

// Name implements graph.Operator.
func (op *PoolDesc) Name() string { return "PoolDesc" }

// Key implements graph.Operator.
func (op *PoolDesc) Key() string {
	return fmt.Sprintf("PoolDesc{%s;%s;%s;%s}",
		intsKey(op.Window), intsKey(op.Stride), intsKey(op.Padding), op.Mode)
}

// Validate implements graph.Operator.
func (op *PoolDesc) Validate(inputs []*graph.Value) ([]graph.Type, error) {
	if len(inputs) != 0 {
		return nil, configErrf("pooling descriptor", "expected no inputs, got %d", len(inputs))
	}
	return []graph.Type{PoolDescType()}, nil
}

// ConstFoldable implements graph.ConstFolder.
func (op *PoolDesc) ConstFoldable() bool { return false }

// Spatial returns the number of spatial dimensions the descriptor covers.
func (op *PoolDesc) Spatial() int { return len(op.Window) }

func intsKey(xs []int) string {
	s := ""
	for i, x := range xs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprint(x)
	}
	return s
}
