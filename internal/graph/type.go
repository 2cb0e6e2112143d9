package graph

import "fmt"

// Type describes what kind of value flows along a graph edge: either a
// tensor of some rank and element kind, or an opaque native resource handle
// tagged with its native type name.
type Type interface {
	// Equal reports whether two types describe the same value class.
	Equal(Type) bool
	String() string
}

// TensorType is the type of a tensor-shaped value. Only the rank and the
// element kind are part of the type; concrete dimensions are tracked
// separately on the Value when they are statically known.
type TensorType struct {
	Kind ElemKind
	Rank int
}

// Equal reports whether other is a TensorType with the same kind and rank.
func (t TensorType) Equal(other Type) bool {
	o, ok := other.(TensorType)
	return ok && o.Kind == t.Kind && o.Rank == t.Rank
}

func (t TensorType) String() string {
	return fmt.Sprintf("tensor(%s, rank=%d)", t.Kind, t.Rank)
}

// ScalarType is the type of a single scalar value (rank-0 tensor).
type ScalarType struct {
	Kind ElemKind
}

// Equal reports whether other is a ScalarType with the same kind.
func (t ScalarType) Equal(other Type) bool {
	o, ok := other.(ScalarType)
	return ok && o.Kind == t.Kind
}

func (t ScalarType) String() string {
	return fmt.Sprintf("scalar(%s)", t.Kind)
}

// HandleType is the type of an opaque native resource value, such as a
// backend configuration descriptor. CType is the native type name, FreeFunc
// the name of the native release function registered for it.
type HandleType struct {
	CType    string
	FreeFunc string
}

// Equal reports whether other is a HandleType wrapping the same native type.
// The release function is implied by the native type and does not
// participate in identity.
func (t HandleType) Equal(other Type) bool {
	o, ok := other.(HandleType)
	return ok && o.CType == t.CType
}

func (t HandleType) String() string {
	return fmt.Sprintf("handle(%s)", t.CType)
}
