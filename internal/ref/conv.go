package ref

import (
	"github.com/born-ml/accel/internal/graph"

	"gonum.org/v1/gonum/mat"
)

// kernIdx resolves the spatial kernel index for the correlation mode: a
// true convolution reads the kernel spatially flipped.
func kernIdx(kp, kSpatial []int, mode graph.ConvMode) []int {
	if mode == graph.ModeCross {
		return kp
	}
	flipped := make([]int, len(kp))
	for i := range kp {
		flipped[i] = kSpatial[i] - 1 - kp[i]
	}
	return flipped
}

// convForward computes the direct-loop cross-correlation/convolution with
// the given symmetric padding and strides, any spatial rank.
func convForward(img, kern *Tensor, pad, stride []int, mode graph.ConvMode) *Tensor {
	batch, cin := img.shape[0], img.shape[1]
	cout := kern.shape[0]
	kSp := kern.shape[2:]
	outSp := graph.PooledShape(img.shape[2:], kSp, pad, stride)
	out := New(append([]int{batch, cout}, outSp...)...)

	forEach(outSp, func(op []int) {
		for n := 0; n < batch; n++ {
			for co := 0; co < cout; co++ {
				sum := 0.0
				forEach(kSp, func(kp []int) {
					in := make([]int, len(op))
					for i := range op {
						in[i] = op[i]*stride[i] + kp[i] - pad[i]
						if in[i] < 0 || in[i] >= img.shape[i+2] {
							return
						}
					}
					ki := kernIdx(kp, kSp, mode)
					for ci := 0; ci < cin; ci++ {
						sum += img.At(concatIdx([]int{n, ci}, in)...) *
							kern.At(concatIdx([]int{co, ci}, ki)...)
					}
				})
				out.Set(sum, concatIdx([]int{n, co}, op)...)
			}
		}
	})
	return out
}

// convForwardGEMM is the explicit-GEMM forward path for two spatial
// dimensions: unfold the image into columns and multiply by the flattened
// kernel matrix. Results match convForward exactly; only the evaluation
// strategy differs.
func convForwardGEMM(img, kern *Tensor, pad, stride []int, mode graph.ConvMode) *Tensor {
	batch, cin := img.shape[0], img.shape[1]
	cout := kern.shape[0]
	kh, kw := kern.shape[2], kern.shape[3]
	outSp := graph.PooledShape(img.shape[2:], kern.shape[2:], pad, stride)
	oh, ow := outSp[0], outSp[1]

	// Kernel matrix: cout rows, cin*kh*kw columns, flipped for true
	// convolution.
	w := mat.NewDense(cout, cin*kh*kw, nil)
	for co := 0; co < cout; co++ {
		col := 0
		for ci := 0; ci < cin; ci++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					ki := kernIdx([]int{y, x}, []int{kh, kw}, mode)
					w.Set(co, col, kern.At(co, ci, ki[0], ki[1]))
					col++
				}
			}
		}
	}

	out := New(batch, cout, oh, ow)
	cols := mat.NewDense(cin*kh*kw, oh*ow, nil)
	var prod mat.Dense
	for n := 0; n < batch; n++ {
		for ci := 0; ci < cin; ci++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					row := (ci*kh+y)*kw + x
					for oy := 0; oy < oh; oy++ {
						for ox := 0; ox < ow; ox++ {
							iy := oy*stride[0] + y - pad[0]
							ix := ox*stride[1] + x - pad[1]
							v := 0.0
							if iy >= 0 && iy < img.shape[2] && ix >= 0 && ix < img.shape[3] {
								v = img.At(n, ci, iy, ix)
							}
							cols.Set(row, oy*ow+ox, v)
						}
					}
				}
			}
		}
		prod.Mul(w, cols)
		for co := 0; co < cout; co++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					out.Set(prod.At(co, oy*ow+ox), n, co, oy, ox)
				}
			}
		}
	}
	return out
}

// convGradWeights accumulates the kernel gradient of a forward convolution:
// kernShape fixes the result's shape, pad and stride describe the forward
// call being differentiated.
func convGradWeights(img, top *Tensor, kernShape, pad, stride []int, mode graph.ConvMode) *Tensor {
	dK := New(kernShape...)
	batch, cin := img.shape[0], img.shape[1]
	cout := top.shape[1]
	kSp := kernShape[2:]
	outSp := top.shape[2:]

	forEach(outSp, func(op []int) {
		forEach(kSp, func(kp []int) {
			in := make([]int, len(op))
			for i := range op {
				in[i] = op[i]*stride[i] + kp[i] - pad[i]
				if in[i] < 0 || in[i] >= img.shape[i+2] {
					return
				}
			}
			ki := kernIdx(kp, kSp, mode)
			for n := 0; n < batch; n++ {
				for co := 0; co < cout; co++ {
					t := top.At(concatIdx([]int{n, co}, op)...)
					for ci := 0; ci < cin; ci++ {
						dK.AddAt(t*img.At(concatIdx([]int{n, ci}, in)...),
							concatIdx([]int{co, ci}, ki)...)
					}
				}
			}
		})
	})
	return dK
}

// convGradInputs accumulates the image gradient of a forward convolution:
// imgShape fixes the result's shape.
func convGradInputs(kern, top *Tensor, imgShape, pad, stride []int, mode graph.ConvMode) *Tensor {
	dI := New(imgShape...)
	batch := top.shape[0]
	cout, cin := kern.shape[0], kern.shape[1]
	kSp := kern.shape[2:]
	outSp := top.shape[2:]

	forEach(outSp, func(op []int) {
		forEach(kSp, func(kp []int) {
			in := make([]int, len(op))
			for i := range op {
				in[i] = op[i]*stride[i] + kp[i] - pad[i]
				if in[i] < 0 || in[i] >= imgShape[i+2] {
					return
				}
			}
			ki := kernIdx(kp, kSp, mode)
			for n := 0; n < batch; n++ {
				for co := 0; co < cout; co++ {
					t := top.At(concatIdx([]int{n, co}, op)...)
					for ci := 0; ci < cin; ci++ {
						dI.AddAt(t*kern.At(concatIdx([]int{co, ci}, ki)...),
							concatIdx([]int{n, ci}, in)...)
					}
				}
			}
		})
	})
	return dI
}

// scaleInto computes alpha*res + beta*out elementwise into a fresh tensor
// shaped like out.
func scaleInto(res, out *Tensor, alpha, beta float64) *Tensor {
	r := New(out.shape...)
	for i := range r.data {
		r.data[i] = alpha*res.data[i] + beta*out.data[i]
	}
	return r
}
