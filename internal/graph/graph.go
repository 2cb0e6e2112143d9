package graph

import "fmt"

// Value is a typed edge in the graph. It is produced either by a node (its
// owner) or directly by the caller as a graph input. Values carry no owner
// beyond the graph itself.
type Value struct {
	id    int
	typ   Type
	owner *Node // producing node, nil for graph inputs
	index int   // output slot on the owner
	shape Shape // static shape when known, nil otherwise
	name  string
	graph *Graph
}

// Type returns the value's type.
func (v *Value) Type() Type { return v.typ }

// Owner returns the node that produces this value, or nil for graph inputs.
func (v *Value) Owner() *Node { return v.owner }

// Index returns the output slot this value occupies on its owner.
func (v *Value) Index() int { return v.index }

// StaticShape returns the statically known shape of a tensor value, or nil
// when the shape is only known at execution time.
func (v *Value) StaticShape() Shape { return v.shape }

// Name returns the debug name, if one was set.
func (v *Value) Name() string { return v.name }

// Graph returns the owning graph.
func (v *Value) Graph() *Graph { return v.graph }

func (v *Value) String() string {
	if v.name != "" {
		return fmt.Sprintf("%s:%s", v.name, v.typ)
	}
	return fmt.Sprintf("v%d:%s", v.id, v.typ)
}

// Node binds one Operator to an ordered sequence of input values and
// produces an ordered sequence of typed output values.
type Node struct {
	id      int
	op      Operator
	inputs  []*Value
	outputs []*Value
	graph   *Graph
}

// Op returns the node's operator.
func (n *Node) Op() Operator { return n.op }

// Inputs returns the node's input values. The slice must not be mutated.
func (n *Node) Inputs() []*Value { return n.inputs }

// Outputs returns the node's output values. The slice must not be mutated.
func (n *Node) Outputs() []*Value { return n.outputs }

// Output returns the i-th output value.
func (n *Node) Output(i int) *Value { return n.outputs[i] }

func (n *Node) String() string {
	return fmt.Sprintf("%s#%d", n.op.Name(), n.id)
}

// Graph is a DAG of nodes. Construction and rewriting are synchronous,
// single-threaded operations: nodes and values are immutable once created,
// and rewrites only redirect consumer edges from one value to an equivalent
// one.
type Graph struct {
	nodes     []*Node
	consumers map[*Value][]*Node
	nextID    int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{consumers: make(map[*Value][]*Node)}
}

// Input creates a graph input value of the given type. For tensor inputs a
// static shape may be attached; pass nil when unknown.
func (g *Graph) Input(name string, typ Type, shape Shape) *Value {
	if tt, ok := typ.(TensorType); ok && shape != nil && len(shape) != tt.Rank {
		panic(fmt.Sprintf("graph: input %q declared rank %d but shape %v", name, tt.Rank, shape))
	}
	v := &Value{id: g.nextID, typ: typ, shape: shape.Clone(), name: name, graph: g}
	if shape == nil {
		v.shape = nil
	}
	g.nextID++
	return v
}

// Apply validates op against the inputs and, on success, adds a new node to
// the graph. Construction is atomic: when validation or shape inference
// fails no partial node is left behind.
func (g *Graph) Apply(op Operator, inputs ...*Value) (*Node, error) {
	for i, in := range inputs {
		if in == nil {
			return nil, shapeErrf(op.Name(), "input %d is nil", i)
		}
		if in.graph != g {
			return nil, shapeErrf(op.Name(), "input %d belongs to a different graph", i)
		}
	}

	outTypes, err := op.Validate(inputs)
	if err != nil {
		return nil, err
	}

	node := &Node{id: g.nextID, op: op, inputs: append([]*Value(nil), inputs...), graph: g}
	g.nextID++
	node.outputs = make([]*Value, len(outTypes))
	for i, t := range outTypes {
		node.outputs[i] = &Value{id: g.nextID, typ: t, owner: node, index: i, graph: g}
		g.nextID++
	}

	if si, ok := op.(ShapeInferer); ok {
		inShapes := make([]Shape, len(inputs))
		for i, in := range inputs {
			inShapes[i] = in.StaticShape()
		}
		outShapes, err := si.InferShapes(node, inShapes)
		if err != nil {
			return nil, err
		}
		for i, s := range outShapes {
			if i < len(node.outputs) && s != nil {
				node.outputs[i].shape = s.Clone()
			}
		}
	}

	// Only now does the node become visible. A node reading the same value
	// in several slots is still a single consumer.
	g.nodes = append(g.nodes, node)
	for _, in := range inputs {
		users := g.consumers[in]
		if len(users) > 0 && users[len(users)-1] == node {
			continue
		}
		g.consumers[in] = append(users, node)
	}
	return node, nil
}

// MustApply is Apply for construction paths where a validation failure is a
// programming error.
func (g *Graph) MustApply(op Operator, inputs ...*Value) *Node {
	n, err := g.Apply(op, inputs...)
	if err != nil {
		panic(err)
	}
	return n
}

// Apply1 applies op and returns its single output.
func (g *Graph) Apply1(op Operator, inputs ...*Value) (*Value, error) {
	n, err := g.Apply(op, inputs...)
	if err != nil {
		return nil, err
	}
	if len(n.outputs) != 1 {
		return nil, fmt.Errorf("%s: expected a single output, got %d", op.Name(), len(n.outputs))
	}
	return n.outputs[0], nil
}

// Nodes returns every node ever added, including ones made unreachable by
// rewrites. Callers that care about liveness should Prune first.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Consumers returns the nodes currently consuming v, one entry per node
// regardless of how many input slots read it.
func (g *Graph) Consumers(v *Value) []*Node { return g.consumers[v] }

// DependsOn reports whether value a transitively depends on value b.
func (g *Graph) DependsOn(a, b *Value) bool {
	if a == b {
		return true
	}
	seen := make(map[*Node]bool)
	var visit func(v *Value) bool
	visit = func(v *Value) bool {
		if v == b {
			return true
		}
		n := v.owner
		if n == nil || seen[n] {
			return false
		}
		seen[n] = true
		for _, in := range n.inputs {
			if visit(in) {
				return true
			}
		}
		return false
	}
	return visit(a)
}

// ReplaceValue redirects every consumer of old to read from new instead.
// The two values must have equal types, and new must not depend on old
// (which would create a cycle).
func (g *Graph) ReplaceValue(old, new *Value) error {
	if !old.typ.Equal(new.typ) {
		return shapeErrf("replace", "cannot replace %s with %s: types differ", old, new)
	}
	if g.DependsOn(new, old) {
		return fmt.Errorf("replace: %s depends on %s, replacement would create a cycle", new, old)
	}
	users := g.consumers[old]
	delete(g.consumers, old)
	for _, n := range users {
		for i, in := range n.inputs {
			if in == old {
				n.inputs[i] = new
			}
		}
		g.consumers[new] = append(g.consumers[new], n)
	}
	return nil
}

// Prune drops every node that is not reachable from the given root values.
// Rewrites leave replaced nodes behind; pruning reclaims them.
func (g *Graph) Prune(roots ...*Value) {
	live := make(map[*Node]bool)
	var visit func(v *Value)
	visit = func(v *Value) {
		n := v.owner
		if n == nil || live[n] {
			return
		}
		live[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	kept := g.nodes[:0]
	for _, n := range g.nodes {
		if live[n] {
			kept = append(kept, n)
			continue
		}
		for _, in := range n.inputs {
			users := g.consumers[in]
			for i, u := range users {
				if u == n {
					g.consumers[in] = append(users[:i:i], users[i+1:]...)
					break
				}
			}
		}
	}
	g.nodes = kept
}
