package ref

import (
	"math"

	"github.com/born-ml/accel/internal/dnn"
	"github.com/born-ml/accel/internal/graph"
	"github.com/pkg/errors"
)

// Evaluator executes operator graphs on the host. Descriptor nodes
// materialize through a handle cache keyed by the backend version, the way
// a real execution context would.
type Evaluator struct {
	Cache *dnn.HandleCache

	version int
}

// NewEvaluator returns an evaluator simulating the given backend version.
func NewEvaluator(version int) *Evaluator {
	return &Evaluator{Cache: dnn.NewHandleCache(version), version: version}
}

// Eval computes the requested output values, reading graph inputs from
// feeds. Tensor values evaluate to *Tensor; scalar outputs are returned as
// 0-dimensional tensors.
func (e *Evaluator) Eval(g *graph.Graph, feeds map[*graph.Value]*Tensor, outputs ...*graph.Value) ([]*Tensor, error) {
	run := &evalRun{e: e, g: g, feeds: feeds, vals: make(map[*graph.Value]any)}
	defer run.releaseHandles()

	results := make([]*Tensor, len(outputs))
	for i, out := range outputs {
		v, err := run.value(out)
		if err != nil {
			return nil, err
		}
		switch r := v.(type) {
		case *Tensor:
			results[i] = r
		case float64:
			t := New()
			t.data = []float64{r}
			results[i] = t
		default:
			return nil, errors.Errorf("ref: output %s is not a numeric value", out)
		}
	}
	return results, nil
}

type evalRun struct {
	e       *Evaluator
	g       *graph.Graph
	feeds   map[*graph.Value]*Tensor
	vals    map[*graph.Value]any
	handles []*dnn.Handle
}

func (r *evalRun) releaseHandles() {
	for _, h := range r.handles {
		h.Release()
	}
	r.handles = nil
}

func (r *evalRun) value(v *graph.Value) (any, error) {
	if got, ok := r.vals[v]; ok {
		return got, nil
	}
	if t, ok := r.feeds[v]; ok {
		r.vals[v] = t
		return t, nil
	}
	n := v.Owner()
	if n == nil {
		return nil, errors.Errorf("ref: no feed for graph input %s", v)
	}
	if err := r.node(n); err != nil {
		return nil, err
	}
	got, ok := r.vals[v]
	if !ok {
		return nil, errors.Errorf("ref: %s produced no value for %s", n.Op().Name(), v)
	}
	return got, nil
}

func (r *evalRun) tensor(v *graph.Value) (*Tensor, error) {
	got, err := r.value(v)
	if err != nil {
		return nil, err
	}
	t, ok := got.(*Tensor)
	if !ok {
		return nil, errors.Errorf("ref: %s is not a tensor", v)
	}
	return t, nil
}

func (r *evalRun) scalar(v *graph.Value) (float64, error) {
	got, err := r.value(v)
	if err != nil {
		return 0, err
	}
	s, ok := got.(float64)
	if !ok {
		return 0, errors.Errorf("ref: %s is not a scalar", v)
	}
	return s, nil
}

func (r *evalRun) handle(v *graph.Value) (*dnn.Handle, error) {
	got, err := r.value(v)
	if err != nil {
		return nil, err
	}
	h, ok := got.(*dnn.Handle)
	if !ok {
		return nil, errors.Errorf("ref: %s is not a descriptor handle", v)
	}
	return h, nil
}

func (r *evalRun) set(n *graph.Node, out any) {
	r.vals[n.Output(0)] = out
}

// node computes all outputs of one node.
func (r *evalRun) node(n *graph.Node) error {
	in := n.Inputs()
	switch op := n.Op().(type) {
	case *graph.Const:
		r.set(n, op.Value)

	case *graph.IntAdd:
		return r.intBinary(n, func(a, b int) int { return a + b })
	case *graph.IntSub:
		return r.intBinary(n, func(a, b int) int { return a - b })
	case *graph.IntMul:
		return r.intBinary(n, func(a, b int) int { return a * b })
	case *graph.IntDiv:
		return r.intBinary(n, func(a, b int) int { return a / b })

	case *graph.ShapeOf:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		r.set(n, float64(t.shape[op.Axis]))

	case *graph.ShapeVector:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		sv := New(t.Rank())
		for i, d := range t.shape {
			sv.data[i] = float64(d)
		}
		r.set(n, sv)

	case *graph.AllocEmpty:
		dims := make([]int, len(in))
		for i := range in {
			d, err := r.scalar(in[i])
			if err != nil {
				return err
			}
			dims[i] = int(d)
		}
		r.set(n, New(dims...))

	case *graph.Contiguous:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		r.set(n, t.Clone())

	case *graph.DimShuffle:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		out, err := dimShuffle(t, op.Order)
		if err != nil {
			return err
		}
		r.set(n, out)

	case *graph.FlipSpatial:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		r.set(n, flipSpatial(t))

	case *graph.Mul:
		return r.elemwise(n, func(a, b float64) float64 { return a * b })
	case *graph.Add:
		return r.elemwise(n, func(a, b float64) float64 { return a + b })

	case *graph.Log:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		out := New(t.shape...)
		for i, v := range t.data {
			out.data[i] = math.Log(v)
		}
		r.set(n, out)

	case *graph.NotImplementedGrad:
		return errors.Errorf("gradient of %s with respect to %s is not implemented", op.ForOp, op.Wrt)

	case *graph.Conv:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		kern, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		pads := op.Border.PadFor(kern.shape[2:])
		r.set(n, convForward(img, kern, pads, op.Subsample, op.Mode))

	case *graph.Pool:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		r.set(n, poolForward(img, op.Window, op.Stride, op.Padding, op.Mode))

	case *graph.MaxPoolGrad:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		fwd, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		top, err := r.tensor(in[2])
		if err != nil {
			return err
		}
		r.set(n, maxPoolGrad(img, fwd, top, op.Window, op.Stride, op.Padding))

	case *graph.AvgPoolGrad:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		top, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		r.set(n, avgPoolGrad(img.shape, top, op.Window, op.Stride, op.Padding, op.Mode))

	case *graph.Softmax:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		up := FromValues([]int{t.shape[0], t.shape[1], 1, 1}, t.Clone().data)
		sm := softmaxForward(up, dnn.SoftmaxAccurate, dnn.SoftmaxModeChannel)
		r.set(n, FromValues(t.shape, sm.data))

	case *graph.SoftmaxGrad:
		dy, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		sm, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		shape4 := []int{sm.shape[0], sm.shape[1], 1, 1}
		dx := softmaxGrad(
			FromValues(shape4, dy.Clone().data),
			FromValues(shape4, sm.Clone().data),
			dnn.SoftmaxAccurate, dnn.SoftmaxModeChannel)
		r.set(n, FromValues(sm.shape, dx.data))

	case *dnn.ConvDesc:
		return r.descriptor(n, dnn.ConvDescriptorCType, op)
	case *dnn.PoolDesc:
		return r.descriptor(n, dnn.PoolDescriptorCType, op)

	case *dnn.ConvForward:
		return r.convApply(n, func(a, b, out *Tensor, d *dnn.ConvDesc) *Tensor {
			pads := d.Border.PadFor(b.shape[2:])
			if op.Algo == dnn.AlgoLarge && a.Rank() == 4 {
				return convForwardGEMM(a, b, pads, d.Subsample, d.Mode)
			}
			return convForward(a, b, pads, d.Subsample, d.Mode)
		})

	case *dnn.ConvGradWeights:
		return r.convApply(n, func(a, b, out *Tensor, d *dnn.ConvDesc) *Tensor {
			pads := d.Border.PadFor(out.shape[2:])
			return convGradWeights(a, b, out.shape, pads, d.Subsample, d.Mode)
		})

	case *dnn.ConvGradInputs:
		return r.convApply(n, func(a, b, out *Tensor, d *dnn.ConvDesc) *Tensor {
			pads := d.Border.PadFor(a.shape[2:])
			return convGradInputs(a, b, out.shape, pads, d.Subsample, d.Mode)
		})

	case *dnn.Pool:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		d, err := r.poolDesc(in[1])
		if err != nil {
			return err
		}
		r.set(n, poolForward(img, d.Window, d.Stride, d.Padding, d.Mode))

	case *dnn.PoolGrad:
		img, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		fwd, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		top, err := r.tensor(in[2])
		if err != nil {
			return err
		}
		d, err := r.poolDesc(in[3])
		if err != nil {
			return err
		}
		if d.Mode == graph.PoolMax {
			r.set(n, maxPoolGrad(img, fwd, top, d.Window, d.Stride, d.Padding))
		} else {
			r.set(n, avgPoolGrad(img.shape, top, d.Window, d.Stride, d.Padding, d.Mode))
		}

	case *dnn.Softmax:
		t, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		r.set(n, softmaxForward(t, op.Algo, op.Mode))

	case *dnn.SoftmaxGrad:
		dy, err := r.tensor(in[0])
		if err != nil {
			return err
		}
		sm, err := r.tensor(in[1])
		if err != nil {
			return err
		}
		r.set(n, softmaxGrad(dy, sm, op.Algo, op.Mode))

	default:
		return errors.Errorf("ref: no evaluation rule for operator %s", n.Op().Name())
	}
	return nil
}

func (r *evalRun) intBinary(n *graph.Node, fn func(a, b int) int) error {
	a, err := r.scalar(n.Inputs()[0])
	if err != nil {
		return err
	}
	b, err := r.scalar(n.Inputs()[1])
	if err != nil {
		return err
	}
	r.set(n, float64(fn(int(a), int(b))))
	return nil
}

func (r *evalRun) elemwise(n *graph.Node, fn func(a, b float64) float64) error {
	av, err := r.value(n.Inputs()[0])
	if err != nil {
		return err
	}
	bv, err := r.value(n.Inputs()[1])
	if err != nil {
		return err
	}
	switch a := av.(type) {
	case float64:
		switch b := bv.(type) {
		case float64:
			r.set(n, fn(a, b))
			return nil
		case *Tensor:
			out := New(b.shape...)
			for i, v := range b.data {
				out.data[i] = fn(a, v)
			}
			r.set(n, out)
			return nil
		}
	case *Tensor:
		switch b := bv.(type) {
		case float64:
			out := New(a.shape...)
			for i, v := range a.data {
				out.data[i] = fn(v, b)
			}
			r.set(n, out)
			return nil
		case *Tensor:
			out := New(a.shape...)
			for i := range a.data {
				out.data[i] = fn(a.data[i], b.data[i])
			}
			r.set(n, out)
			return nil
		}
	}
	return errors.Errorf("ref: unsupported elemwise operands on %s", n.Op().Name())
}

// descriptor materializes a descriptor handle through the version-keyed
// cache, retaining it for the duration of the run.
func (r *evalRun) descriptor(n *graph.Node, ctype string, op graph.Operator) error {
	h, err := r.e.Cache.Get(op.Key(), r.e.version, func() (*dnn.Handle, error) {
		return dnn.NewHandle(ctype, r.e.version, op, nil), nil
	})
	if err != nil {
		return err
	}
	r.handles = append(r.handles, h)
	r.set(n, h)
	return nil
}

func (r *evalRun) poolDesc(v *graph.Value) (*dnn.PoolDesc, error) {
	h, err := r.handle(v)
	if err != nil {
		return nil, err
	}
	d, ok := h.Payload().(*dnn.PoolDesc)
	if !ok {
		return nil, errors.Errorf("ref: %s does not carry a pooling descriptor", v)
	}
	return d, nil
}

// convApply evaluates the shared six-input convolution form: compute the
// raw result from (primary, secondary, descriptor), then blend with the
// output buffer through alpha and beta.
func (r *evalRun) convApply(n *graph.Node, raw func(a, b, out *Tensor, d *dnn.ConvDesc) *Tensor) error {
	in := n.Inputs()
	a, err := r.tensor(in[0])
	if err != nil {
		return err
	}
	b, err := r.tensor(in[1])
	if err != nil {
		return err
	}
	out, err := r.tensor(in[dnn.ConvOutSlot])
	if err != nil {
		return err
	}
	h, err := r.handle(in[dnn.ConvDescSlot])
	if err != nil {
		return err
	}
	d, ok := h.Payload().(*dnn.ConvDesc)
	if !ok {
		return errors.Errorf("ref: %s does not carry a convolution descriptor", in[dnn.ConvDescSlot])
	}
	alpha, err := r.scalar(in[dnn.ConvAlphaSlot])
	if err != nil {
		return err
	}
	beta, err := r.scalar(in[dnn.ConvBetaSlot])
	if err != nil {
		return err
	}
	r.set(n, scaleInto(raw(a, b, out, d), out, alpha, beta))
	return nil
}

// dimShuffle permutes, inserts, and drops axes per order, where an entry of
// graph.NewAxis inserts a size-1 axis and input axes absent from order are
// dropped (they must have size 1).
func dimShuffle(t *Tensor, order []int) (*Tensor, error) {
	used := make(map[int]bool, len(order))
	outShape := make([]int, len(order))
	for j, o := range order {
		if o == graph.NewAxis {
			outShape[j] = 1
			continue
		}
		outShape[j] = t.shape[o]
		used[o] = true
	}
	for i, d := range t.shape {
		if !used[i] && d != 1 {
			return nil, errors.Errorf("ref: cannot drop axis %d of size %d", i, d)
		}
	}
	out := New(outShape...)
	forEach(outShape, func(oi []int) {
		ii := make([]int, len(t.shape))
		for j, o := range order {
			if o != graph.NewAxis {
				ii[o] = oi[j]
			}
		}
		out.Set(t.At(ii...), oi...)
	})
	return out, nil
}

// flipSpatial reverses every axis past the leading two.
func flipSpatial(t *Tensor) *Tensor {
	out := New(t.shape...)
	forEach(t.shape, func(oi []int) {
		ii := append([]int(nil), oi...)
		for i := 2; i < len(ii); i++ {
			ii[i] = t.shape[i] - 1 - ii[i]
		}
		out.Set(t.At(ii...), oi...)
	})
	return out
}
