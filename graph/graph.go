// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph exposes the symbolic operator graph: typed values, operator
// applications, shape inference, and graph-to-graph differentiation.
//
// # Basic Usage
//
//	g := graph.New()
//	img := g.Input("img", graph.TensorType{Kind: graph.Float64, Rank: 4},
//	    graph.Shape{2, 3, 8, 8})
//	kern := g.Input("kern", graph.TensorType{Kind: graph.Float64, Rank: 4},
//	    graph.Shape{4, 3, 3, 3})
//	out, err := g.Apply1(&graph.Conv{
//	    Border:    graph.Valid(),
//	    Subsample: []int{1, 1},
//	    Mode:      graph.ModeCross,
//	}, img, kern)
package graph

import (
	"github.com/born-ml/accel/internal/graph"
)

// Core graph types.
type (
	// Graph is an append-only operator DAG.
	Graph = graph.Graph
	// Node binds one operator to its inputs and outputs.
	Node = graph.Node
	// Value is a typed edge in the graph.
	Value = graph.Value
	// Shape is a concrete tensor extent per dimension.
	Shape = graph.Shape
)

// Operator capabilities.
type (
	// Operator is the immutable description of a computation kind.
	Operator = graph.Operator
	// ShapeInferer is implemented by operators that infer output shapes.
	ShapeInferer = graph.ShapeInferer
	// Differentiable is implemented by operators with a gradient rule.
	Differentiable = graph.Differentiable
	// AliasDeclarer is implemented by operators that write inputs in place.
	AliasDeclarer = graph.AliasDeclarer
	// ConstFolder opts an operator out of constant folding.
	ConstFolder = graph.ConstFolder
)

// Value types.
type (
	// Type is the type of a graph value.
	Type = graph.Type
	// TensorType is a tensor-shaped value type.
	TensorType = graph.TensorType
	// ScalarType is a single-element value type.
	ScalarType = graph.ScalarType
	// HandleType is an opaque native-resource value type.
	HandleType = graph.HandleType
	// ElemKind is a tensor element kind.
	ElemKind = graph.ElemKind
)

// Element kinds.
const (
	Float32 = graph.Float32
	Float64 = graph.Float64
	Int64   = graph.Int64
)

// Border, correlation and pooling parameters.
type (
	// BorderMode is a convolution/pooling padding policy.
	BorderMode = graph.BorderMode
	// ConvMode distinguishes true convolution from cross-correlation.
	ConvMode = graph.ConvMode
	// PoolMode is the reduction applied over each pooling window.
	PoolMode = graph.PoolMode
	// DirectionHint steers the convolution lowering.
	DirectionHint = graph.DirectionHint
)

// Border constructors.
var (
	Valid = graph.Valid
	Full  = graph.Full
	Pad   = graph.Pad
)

// Correlation modes.
const (
	ModeConv  = graph.ModeConv
	ModeCross = graph.ModeCross
)

// Pooling reductions.
const (
	PoolMax       = graph.PoolMax
	PoolAvgIncPad = graph.PoolAvgIncPad
	PoolAvgExcPad = graph.PoolAvgExcPad
)

// Direction hints.
const (
	HintNone         = graph.HintNone
	HintBpropWeights = graph.HintBpropWeights
	HintForward      = graph.HintForward
	HintForceForward = graph.HintForceForward
)

// Generic operator kinds the rewrite rules pattern-match against.
type (
	Conv        = graph.Conv
	Pool        = graph.Pool
	MaxPoolGrad = graph.MaxPoolGrad
	AvgPoolGrad = graph.AvgPoolGrad
	Softmax     = graph.Softmax
	SoftmaxGrad = graph.SoftmaxGrad
	Contiguous  = graph.Contiguous
	AllocEmpty  = graph.AllocEmpty
	DimShuffle  = graph.DimShuffle
	FlipSpatial = graph.FlipSpatial
	ShapeOf     = graph.ShapeOf
	ShapeVector = graph.ShapeVector
	Const       = graph.Const
	Mul         = graph.Mul
	Add         = graph.Add
	Log         = graph.Log
)

// ShapeError reports a rank or dimension mismatch at node construction.
type ShapeError = graph.ShapeError

// New creates an empty graph.
func New() *Graph { return graph.New() }

// Scalar adds a constant scalar value to g.
func Scalar(g *Graph, kind ElemKind, value float64) *Value {
	return graph.Scalar(g, kind, value)
}
