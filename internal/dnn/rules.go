package dnn

import (
	"github.com/born-ml/accel/internal/graph"
	"github.com/born-ml/accel/internal/rewrite"
)

// Rule priorities. Lower runs earlier; the gate check runs before anything
// else so a required-but-broken backend aborts the pass instead of leaving
// half-lifted graphs behind.
const (
	priGateCheck = 0
	priLift      = 20
	priLiftAlt   = 25
	priMerge     = 30
	priFusion    = 40
	priInplace   = 70
)

// RuleOptions configure rule registration. Require marks acceleration as
// explicitly requested: an unavailable backend then aborts the whole pass
// instead of leaving the graph generic.
type RuleOptions struct {
	Require bool
}

// RegisterRules adds the accelerated-operator rule families to reg: the
// availability check, the lift rules, the scalar-affine merges, the
// log-softmax fusion and the in-place buffer reuse rules. The alternative
// convolution lift carries the "alternative" tag and never outranks the
// primary lift; callers comparing both lowerings run a registry restricted
// to that tag.
func RegisterRules(reg *rewrite.Registry, gate *Gate, opts RuleOptions) error {
	rules := []rewrite.Rule{
		{Name: "check-availability", Priority: priGateCheck, Tags: []string{"gate"},
			Rewrite: checkAvailabilityRule(gate, opts)},
		{Name: "lift-conv", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftConvRule(gate, false)},
		{Name: "lift-conv-alternative", Priority: priLiftAlt, Tags: []string{"lift", "alternative"},
			Rewrite: liftConvRule(gate, true)},
		{Name: "lift-pool", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftPoolRule(gate)},
		{Name: "lift-max-pool-grad", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftMaxPoolGradRule(gate)},
		{Name: "lift-avg-pool-grad", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftAvgPoolGradRule(gate)},
		{Name: "lift-softmax", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftSoftmaxRule(gate)},
		{Name: "lift-softmax-grad", Priority: priLift, Tags: []string{"lift"},
			Rewrite: liftSoftmaxGradRule(gate)},
		{Name: "conv-alpha-merge", Priority: priMerge, Tags: []string{"merge"},
			Rewrite: alphaMergeRule()},
		{Name: "conv-output-merge", Priority: priMerge, Tags: []string{"merge"},
			Rewrite: outputMergeRule()},
		{Name: "fuse-log-softmax", Priority: priFusion, Tags: []string{"fusion"},
			Rewrite: logSoftmaxRule(gate)},
		{Name: "conv-inplace", Priority: priInplace, Tags: []string{"inplace"},
			Rewrite: convInplaceRule()},
	}
	for _, r := range rules {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// checkAvailabilityRule aborts the pass when acceleration was explicitly
// requested but the backend is unusable. When acceleration was never
// requested an unavailable backend just keeps every lift dormant.
func checkAvailabilityRule(gate *Gate, opts RuleOptions) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if !opts.Require || gate.Available() {
			return false, nil
		}
		return false, rewrite.Abort(&UnavailableError{Reason: gate.Reason()})
	}
}

// liftConvRule lifts a generic convolution into the accelerated lowering.
// The alternative variant deliberately steers the dispatch the other way:
// a valid unit-stride convolution goes through the weight-gradient path
// with a spatially flipped kernel, a full convolution is forced through
// the plain forward path. Both produce identical values with different
// cost profiles.
func liftConvRule(gate *Gate, alternative bool) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		op, ok := node.Op().(*graph.Conv)
		if !ok || !gate.Available() {
			return false, nil
		}
		if op.Border.Kind != graph.BorderValid && op.Border.Kind != graph.BorderFull {
			return false, nil
		}
		g := ctx.Graph
		img, kerns := node.Inputs()[0], node.Inputs()[1]
		lower := ConvOptions{
			Border:    op.Border,
			Subsample: op.Subsample,
			Mode:      op.Mode,
			Hint:      op.Hint,
		}

		if alternative {
			switch {
			case op.Border.Kind == graph.BorderValid && allOnes(op.Subsample):
				flipped, err := g.Apply1(&graph.FlipSpatial{}, kerns)
				if err != nil {
					return false, err
				}
				kerns = flipped
				lower.Mode = op.Mode.Complement()
				lower.Hint = graph.HintBpropWeights
			case op.Border.Kind == graph.BorderFull:
				lower.Hint = graph.HintForceForward
			default:
				return false, nil
			}
		}

		conv, err := Convolution(g, gate, img, kerns, lower)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), conv); err != nil {
			return false, err
		}
		return true, nil
	}
}

func liftPoolRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		op, ok := node.Op().(*graph.Pool)
		if !ok || !gate.Available() || !op.IgnoreBorder {
			return false, nil
		}
		out, err := Pooling(ctx.Graph, gate, node.Inputs()[0], op.Window, op.Stride, op.Padding, op.Mode)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), out); err != nil {
			return false, err
		}
		return true, nil
	}
}

// liftPoolGrad is shared by the max and average gradient lifts: contiguous
// operands, a fresh descriptor, and a PoolGrad application.
func liftPoolGrad(ctx *rewrite.Context, gate *Gate, node *graph.Node,
	window, stride, padding []int, mode graph.PoolMode,
	input, forward, outGrad *graph.Value) (bool, error) {
	g := ctx.Graph
	descOp, err := NewPoolDesc(gate, window, stride, padding, mode)
	if err != nil {
		return false, err
	}
	desc, err := g.Apply1(descOp)
	if err != nil {
		return false, err
	}
	in, err := contiguous(g, input)
	if err != nil {
		return false, err
	}
	fwd, err := contiguous(g, forward)
	if err != nil {
		return false, err
	}
	var cg *graph.Value
	if outGrad == forward {
		cg = fwd
	} else if cg, err = contiguous(g, outGrad); err != nil {
		return false, err
	}
	out, err := g.Apply1(&PoolGrad{}, in, fwd, cg, desc)
	if err != nil {
		return false, err
	}
	if err := ctx.Replace(node.Output(0), out); err != nil {
		return false, err
	}
	return true, nil
}

func liftMaxPoolGradRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		op, ok := node.Op().(*graph.MaxPoolGrad)
		if !ok || !gate.Available() || !op.IgnoreBorder {
			return false, nil
		}
		in := node.Inputs()
		return liftPoolGrad(ctx, gate, node, op.Window, op.Stride, op.Padding,
			graph.PoolMax, in[0], in[1], in[2])
	}
}

// liftAvgPoolGradRule passes the output gradient for both middle slots: the
// backend's average kernels ignore the forward output's content but still
// shape-check it.
func liftAvgPoolGradRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		op, ok := node.Op().(*graph.AvgPoolGrad)
		if !ok || !gate.Available() || !op.IgnoreBorder {
			return false, nil
		}
		in := node.Inputs()
		return liftPoolGrad(ctx, gate, node, op.Window, op.Stride, op.Padding,
			op.Mode, in[0], in[1], in[1])
	}
}

// raise4 lifts a 2-D [batch, channel] value to rank 4 by inserting two
// size-1 spatial axes, in contiguous layout.
func raise4(g *graph.Graph, v *graph.Value) (*graph.Value, error) {
	up, err := g.Apply1(&graph.DimShuffle{InRank: 2,
		Order: []int{0, 1, graph.NewAxis, graph.NewAxis}}, v)
	if err != nil {
		return nil, err
	}
	return contiguous(g, up)
}

func drop4(g *graph.Graph, v *graph.Value) (*graph.Value, error) {
	return g.Apply1(&graph.DimShuffle{InRank: 4, Order: []int{0, 1}}, v)
}

func liftSoftmaxRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if _, ok := node.Op().(*graph.Softmax); !ok || !gate.Available() {
			return false, nil
		}
		g := ctx.Graph
		in, err := raise4(g, node.Inputs()[0])
		if err != nil {
			return false, err
		}
		op, err := NewSoftmax(gate, SoftmaxAccurate, SoftmaxModeChannel)
		if err != nil {
			return false, err
		}
		sm, err := g.Apply1(op, in)
		if err != nil {
			return false, err
		}
		out, err := drop4(g, sm)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), out); err != nil {
			return false, err
		}
		return true, nil
	}
}

func liftSoftmaxGradRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if _, ok := node.Op().(*graph.SoftmaxGrad); !ok || !gate.Available() {
			return false, nil
		}
		g := ctx.Graph
		dy, err := raise4(g, node.Inputs()[0])
		if err != nil {
			return false, err
		}
		sm, err := raise4(g, node.Inputs()[1])
		if err != nil {
			return false, err
		}
		op, err := NewSoftmaxGrad(gate, SoftmaxAccurate, SoftmaxModeChannel)
		if err != nil {
			return false, err
		}
		gx, err := g.Apply1(op, dy, sm)
		if err != nil {
			return false, err
		}
		out, err := drop4(g, gx)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), out); err != nil {
			return false, err
		}
		return true, nil
	}
}

// logSoftmaxRule fuses Log(Softmax(x)) into a single log-mode softmax when
// the softmax result feeds only the logarithm and the backend supports the
// log mode.
func logSoftmaxRule(gate *Gate) func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if _, ok := node.Op().(*graph.Log); !ok {
			return false, nil
		}
		smVal := node.Inputs()[0]
		smNode := smVal.Owner()
		if smNode == nil {
			return false, nil
		}
		smOp, ok := smNode.Op().(*Softmax)
		if !ok || smOp.Algo == SoftmaxLog {
			return false, nil
		}
		if len(ctx.Graph.Consumers(smVal)) != 1 {
			return false, nil
		}
		if err := gate.RequireVersion("log-softmax", logSoftmaxMinVersion); err != nil {
			return false, nil
		}
		fused, err := NewSoftmax(gate, SoftmaxLog, smOp.Mode)
		if err != nil {
			return false, err
		}
		out, err := ctx.Graph.Apply1(fused, smNode.Inputs()[0])
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), out); err != nil {
			return false, err
		}
		return true, nil
	}
}

// convWithInplace returns a copy of a convolution operator with the
// in-place flag set, or false when op is not a non-inplace convolution.
func convWithInplace(op graph.Operator) (graph.Operator, bool) {
	switch o := op.(type) {
	case *ConvForward:
		return &ConvForward{Algo: o.Algo, Inplace: true, gate: o.gate}, !o.Inplace
	case *ConvGradWeights:
		return &ConvGradWeights{Algo: o.Algo, Inplace: true, gate: o.gate}, !o.Inplace
	case *ConvGradInputs:
		return &ConvGradInputs{Algo: o.Algo, Inplace: true, gate: o.gate}, !o.Inplace
	}
	return nil, false
}

func isConvOp(op graph.Operator) bool {
	switch op.(type) {
	case *ConvForward, *ConvGradWeights, *ConvGradInputs:
		return true
	}
	return false
}

// convOperand splits a two-input elementwise node into a single-consumer
// convolution output and the other operand.
func convOperand(g *graph.Graph, node *graph.Node) (conv *graph.Node, other *graph.Value) {
	for i, in := range node.Inputs() {
		owner := in.Owner()
		if owner == nil || !isConvOp(owner.Op()) {
			continue
		}
		if len(g.Consumers(in)) != 1 {
			continue
		}
		return owner, node.Inputs()[1-i]
	}
	return nil, nil
}

func constScalar(v *graph.Value) (*graph.Const, bool) {
	if _, ok := v.Type().(graph.ScalarType); !ok {
		return nil, false
	}
	if n := v.Owner(); n != nil {
		if c, ok := n.Op().(*graph.Const); ok {
			return c, true
		}
	}
	return nil, false
}

// alphaMergeRule folds a multiply-by-constant on a convolution output into
// the convolution's alpha slot, dropping the elementwise node.
func alphaMergeRule() func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if _, ok := node.Op().(*graph.Mul); !ok {
			return false, nil
		}
		convNode, other := convOperand(ctx.Graph, node)
		if convNode == nil {
			return false, nil
		}
		if _, ok := constScalar(other); !ok {
			return false, nil
		}
		g := ctx.Graph
		inputs := append([]*graph.Value(nil), convNode.Inputs()...)
		alpha, err := g.Apply1(&graph.Mul{}, inputs[convInAlpha], other)
		if err != nil {
			return false, err
		}
		inputs[convInAlpha] = alpha
		merged, err := g.Apply1(convNode.Op(), inputs...)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), merged); err != nil {
			return false, err
		}
		return true, nil
	}
}

// outputMergeRule folds an additive accumulator on a convolution output
// into the beta/output slots: conv(..., empty, alpha, 0) + Z becomes
// conv(..., contiguous(Z), alpha, 1). It only fires when the current
// output buffer is an uninitialized allocation with zero beta, where the
// accumulation term contributes nothing.
func outputMergeRule() func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		if _, ok := node.Op().(*graph.Add); !ok {
			return false, nil
		}
		g := ctx.Graph
		convNode, other := convOperand(g, node)
		if convNode == nil {
			return false, nil
		}
		if _, ok := other.Type().(graph.TensorType); !ok {
			return false, nil
		}
		buf := convNode.Inputs()[convInOutput]
		if buf.Owner() == nil {
			return false, nil
		}
		if _, ok := buf.Owner().Op().(*graph.AllocEmpty); !ok {
			return false, nil
		}
		beta, ok := constScalar(convNode.Inputs()[convInBeta])
		if !ok || beta.Value != 0 {
			return false, nil
		}
		if g.DependsOn(other, convNode.Output(0)) {
			return false, nil
		}
		acc, err := contiguous(g, other)
		if err != nil {
			return false, err
		}
		inputs := append([]*graph.Value(nil), convNode.Inputs()...)
		inputs[convInOutput] = acc
		inputs[convInBeta] = graph.Scalar(g, beta.Kind, 1)
		merged, err := g.Apply1(convNode.Op(), inputs...)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), merged); err != nil {
			return false, err
		}
		return true, nil
	}
}

// convInplaceRule marks a convolution as writing its output buffer in
// place. A buffer with other consumers first gets this node its own fresh
// allocation, so the shared buffer is never destructively written.
func convInplaceRule() func(*rewrite.Context, *graph.Node) (bool, error) {
	return func(ctx *rewrite.Context, node *graph.Node) (bool, error) {
		inplaceOp, ok := convWithInplace(node.Op())
		if !ok {
			return false, nil
		}
		g := ctx.Graph
		buf := node.Inputs()[convInOutput]
		alloc := buf.Owner()
		if alloc == nil {
			return false, nil
		}
		if _, ok := alloc.Op().(*graph.AllocEmpty); !ok {
			return false, nil
		}
		inputs := append([]*graph.Value(nil), node.Inputs()...)
		if len(g.Consumers(buf)) > 1 {
			fresh, err := g.Apply1(alloc.Op(), alloc.Inputs()...)
			if err != nil {
				return false, err
			}
			inputs[convInOutput] = fresh
		}
		out, err := g.Apply1(inplaceOp, inputs...)
		if err != nil {
			return false, err
		}
		if err := ctx.Replace(node.Output(0), out); err != nil {
			return false, err
		}
		return true, nil
	}
}
