package ref

import (
	"math"

	"github.com/born-ml/accel/internal/dnn"
)

// softmaxGroups enumerates the normalization groups of a rank-4 tensor:
// per-channel runs over axis 1 for every (batch, y, x) position, per
// instance runs over the whole channel-spatial block of each batch entry.
func softmaxGroups(shape []int, mode dnn.SoftmaxMode, fn func(group [][]int)) {
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	switch mode {
	case dnn.SoftmaxModeChannel:
		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					group := make([][]int, c)
					for ch := 0; ch < c; ch++ {
						group[ch] = []int{b, ch, y, x}
					}
					fn(group)
				}
			}
		}
	case dnn.SoftmaxModeInstance:
		for b := 0; b < n; b++ {
			group := make([][]int, 0, c*h*w)
			for ch := 0; ch < c; ch++ {
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						group = append(group, []int{b, ch, y, x})
					}
				}
			}
			fn(group)
		}
	}
}

// softmaxForward computes softmax (or log-softmax) over each normalization
// group with max subtraction for stability.
func softmaxForward(x *Tensor, algo dnn.SoftmaxAlgo, mode dnn.SoftmaxMode) *Tensor {
	out := New(x.shape...)
	softmaxGroups(x.shape, mode, func(group [][]int) {
		max := math.Inf(-1)
		for _, idx := range group {
			if v := x.At(idx...); v > max {
				max = v
			}
		}
		sum := 0.0
		for _, idx := range group {
			sum += math.Exp(x.At(idx...) - max)
		}
		for _, idx := range group {
			shifted := x.At(idx...) - max
			if algo == dnn.SoftmaxLog {
				out.Set(shifted-math.Log(sum), idx...)
			} else {
				out.Set(math.Exp(shifted)/sum, idx...)
			}
		}
	})
	return out
}

// softmaxGrad computes the input gradient given the output gradient and the
// forward output. For the log algorithm the forward output holds
// log-probabilities.
func softmaxGrad(dy, sm *Tensor, algo dnn.SoftmaxAlgo, mode dnn.SoftmaxMode) *Tensor {
	dx := New(sm.shape...)
	softmaxGroups(sm.shape, mode, func(group [][]int) {
		if algo == dnn.SoftmaxLog {
			sum := 0.0
			for _, idx := range group {
				sum += dy.At(idx...)
			}
			for _, idx := range group {
				dx.Set(dy.At(idx...)-math.Exp(sm.At(idx...))*sum, idx...)
			}
			return
		}
		dot := 0.0
		for _, idx := range group {
			dot += dy.At(idx...) * sm.At(idx...)
		}
		for _, idx := range group {
			dx.Set(sm.At(idx...)*(dy.At(idx...)-dot), idx...)
		}
	})
	return dx
}
