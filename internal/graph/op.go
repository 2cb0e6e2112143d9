package graph

// Operator is an immutable, hashable description of a computation kind plus
// its fixed parameters. Two operators are interchangeable exactly when their
// Key strings are equal; graph position never participates in identity.
//
// Operators are polymorphic over a set of optional capabilities. A concrete
// operator implements ShapeInferer when it can compute static output shapes,
// Differentiable when it has a gradient rule, and AliasDeclarer when one of
// its outputs destructively reuses an input buffer. Dispatch is by type
// assertion on the capability, never by a shared base.
type Operator interface {
	// Name identifies the computation kind, e.g. "ConvForward".
	Name() string

	// Key returns the full identity of the operator: the computation kind
	// plus every fixed parameter, rendered deterministically.
	Key() string

	// Validate checks arity and the type of every input and returns the
	// output types. It must not mutate anything: when it returns an error
	// the node construction is abandoned with no trace in the graph.
	Validate(inputs []*Value) ([]Type, error)
}

// ShapeInferer is implemented by operators that can compute the static
// shapes of their outputs from the static shapes of their inputs. Entries of
// inputShapes are nil for inputs whose shape is not statically known, and
// the returned slice may contain nil for outputs that stay unknown.
type ShapeInferer interface {
	InferShapes(node *Node, inputShapes []Shape) ([]Shape, error)
}

// Differentiable is implemented by operators with a gradient rule. Grad
// receives the node and one gradient value per node output, and returns one
// gradient value per node input, in input order.
//
// A nil entry in the result marks an input the outputs are not connected to
// (for example a descriptor handle). Inputs whose gradient exists
// mathematically but is not implemented must be mapped to a
// NotImplementedGrad node, which fails loudly if it is ever evaluated.
type Differentiable interface {
	Grad(g *Graph, node *Node, outGrads []*Value) ([]*Value, error)
}

// AliasDeclarer is implemented by operators that write one of their outputs
// destructively into an input buffer. Aliases maps output index to the input
// index that is overwritten.
type AliasDeclarer interface {
	Aliases() map[int]int
}

// ConstFolder is implemented by operators that must opt out of constant
// propagation. Descriptor builders return false: their native handle must be
// rematerialized per execution context even when every input is constant.
type ConstFolder interface {
	ConstFoldable() bool
}
