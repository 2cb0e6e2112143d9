// Package graph provides the symbolic operator graph used by the accelerated
// operator layer.
//
// A Graph is a DAG of Nodes. Each Node applies one immutable Operator to an
// ordered list of input Values and produces typed output Values. Operators
// describe a computation kind plus its fixed parameters; their identity is
// the parameter set, never the position in the graph.
//
// The package also defines the generic (non-accelerated) node kinds that
// rewrite rules pattern-match against: convolution, pooling, softmax and the
// small set of plumbing operators (contiguity enforcement, empty allocation,
// axis shuffling, shape extraction). Their numeric execution belongs to the
// host runtime.
package graph

// ElemKind is the element type of a tensor-shaped value.
type ElemKind int

// Supported element kinds.
const (
	Float32 ElemKind = iota
	Float64
	Int64
)

// Size returns the byte size of one element.
func (k ElemKind) Size() int {
	switch k {
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	default:
		panic("unknown element kind")
	}
}

// String returns a human-readable name for the element kind.
func (k ElemKind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	default:
		return "invalid"
	}
}
