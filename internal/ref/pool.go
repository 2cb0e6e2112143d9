package ref

import (
	"math"

	"github.com/born-ml/accel/internal/graph"
)

// windowStats visits the in-bounds input positions of one pooling window
// and reports how many positions the window covers in total (including
// padding).
func windowStats(inSp, window, pad, stride, op []int, visit func(in []int)) (covered int) {
	covered = 1
	for _, w := range window {
		covered *= w
	}
	forEach(window, func(wp []int) {
		in := make([]int, len(op))
		for i := range op {
			in[i] = op[i]*stride[i] + wp[i] - pad[i]
			if in[i] < 0 || in[i] >= inSp[i] {
				return
			}
		}
		visit(in)
	})
	return covered
}

// poolForward computes pooling over the image with the given reduction.
func poolForward(img *Tensor, window, stride, pad []int, mode graph.PoolMode) *Tensor {
	batch, ch := img.shape[0], img.shape[1]
	inSp := img.shape[2:]
	outSp := graph.PooledShape(inSp, window, pad, stride)
	out := New(append([]int{batch, ch}, outSp...)...)

	forEach(outSp, func(op []int) {
		for n := 0; n < batch; n++ {
			for c := 0; c < ch; c++ {
				best := math.Inf(-1)
				sum := 0.0
				count := 0
				covered := windowStats(inSp, window, pad, stride, op, func(in []int) {
					v := img.At(concatIdx([]int{n, c}, in)...)
					if v > best {
						best = v
					}
					sum += v
					count++
				})
				var v float64
				switch mode {
				case graph.PoolMax:
					v = best
				case graph.PoolAvgIncPad:
					v = sum / float64(covered)
				case graph.PoolAvgExcPad:
					if count > 0 {
						v = sum / float64(count)
					}
				}
				out.Set(v, concatIdx([]int{n, c}, op)...)
			}
		}
	})
	return out
}

// maxPoolGrad routes each output gradient to the first window position that
// produced the recorded maximum.
func maxPoolGrad(img, fwd, top *Tensor, window, stride, pad []int) *Tensor {
	dI := New(img.shape...)
	batch, ch := img.shape[0], img.shape[1]
	inSp := img.shape[2:]
	outSp := fwd.shape[2:]

	forEach(outSp, func(op []int) {
		for n := 0; n < batch; n++ {
			for c := 0; c < ch; c++ {
				max := fwd.At(concatIdx([]int{n, c}, op)...)
				g := top.At(concatIdx([]int{n, c}, op)...)
				done := false
				windowStats(inSp, window, pad, stride, op, func(in []int) {
					if done {
						return
					}
					full := concatIdx([]int{n, c}, in)
					if img.At(full...) == max {
						dI.AddAt(g, full...)
						done = true
					}
				})
			}
		}
	})
	return dI
}

// avgPoolGrad spreads each output gradient uniformly over its window; the
// divisor includes or excludes padding positions per the mode.
func avgPoolGrad(imgShape []int, top *Tensor, window, stride, pad []int, mode graph.PoolMode) *Tensor {
	dI := New(imgShape...)
	batch, ch := imgShape[0], imgShape[1]
	inSp := imgShape[2:]
	outSp := top.shape[2:]

	forEach(outSp, func(op []int) {
		for n := 0; n < batch; n++ {
			for c := 0; c < ch; c++ {
				g := top.At(concatIdx([]int{n, c}, op)...)
				var positions [][]int
				covered := windowStats(inSp, window, pad, stride, op, func(in []int) {
					positions = append(positions, append([]int(nil), in...))
				})
				denom := float64(covered)
				if mode == graph.PoolAvgExcPad {
					denom = float64(len(positions))
				}
				if denom == 0 {
					continue
				}
				for _, in := range positions {
					dI.AddAt(g/denom, concatIdx([]int{n, c}, in)...)
				}
			}
		}
	})
	return dI
}
