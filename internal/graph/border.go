package graph

import (
	"fmt"
	"strings"
)

// BorderKind selects how a convolution or pooling window treats the edges of
// its input.
type BorderKind int

// Border kinds.
const (
	// BorderValid applies the window only where it fully overlaps the
	// input (zero padding).
	BorderValid BorderKind = iota
	// BorderFull pads each spatial dimension by kernel-1 so that every
	// partial overlap contributes an output element.
	BorderFull
	// BorderPad applies an explicit symmetric integer padding per spatial
	// dimension.
	BorderPad
)

// BorderMode is a declarative padding policy: "valid", "full", or an
// explicit per-dimension symmetric pad.
type BorderMode struct {
	Kind BorderKind
	Pads []int // set only for BorderPad
}

// Valid returns the "valid" border mode.
func Valid() BorderMode { return BorderMode{Kind: BorderValid} }

// Full returns the "full" border mode.
func Full() BorderMode { return BorderMode{Kind: BorderFull} }

// Pad returns an explicit symmetric padding mode.
func Pad(pads ...int) BorderMode {
	return BorderMode{Kind: BorderPad, Pads: append([]int(nil), pads...)}
}

// Validate checks the mode against the number of spatial dimensions.
func (b BorderMode) Validate(spatialRank int) error {
	if b.Kind != BorderPad {
		return nil
	}
	if len(b.Pads) != spatialRank {
		return fmt.Errorf("border padding has %d entries, want %d", len(b.Pads), spatialRank)
	}
	for i, p := range b.Pads {
		if p < 0 {
			return fmt.Errorf("border padding %d at dimension %d must be >= 0", p, i)
		}
	}
	return nil
}

// PadFor resolves the mode to concrete per-dimension padding given the
// kernel's spatial extents. "full" resolves to kernel-1, "valid" to zero.
func (b BorderMode) PadFor(kernelSpatial []int) []int {
	pads := make([]int, len(kernelSpatial))
	switch b.Kind {
	case BorderFull:
		for i, k := range kernelSpatial {
			pads[i] = k - 1
		}
	case BorderPad:
		copy(pads, b.Pads)
	}
	return pads
}

// Equal reports whether two border modes are identical.
func (b BorderMode) Equal(other BorderMode) bool {
	if b.Kind != other.Kind || len(b.Pads) != len(other.Pads) {
		return false
	}
	for i := range b.Pads {
		if b.Pads[i] != other.Pads[i] {
			return false
		}
	}
	return true
}

func (b BorderMode) String() string {
	switch b.Kind {
	case BorderValid:
		return "valid"
	case BorderFull:
		return "full"
	default:
		parts := make([]string, len(b.Pads))
		for i, p := range b.Pads {
			parts[i] = fmt.Sprint(p)
		}
		return "pad(" + strings.Join(parts, ",") + ")"
	}
}

// ConvMode distinguishes true convolution (kernel flipped) from
// cross-correlation.
type ConvMode int

// Convolution modes.
const (
	ModeConv ConvMode = iota
	ModeCross
)

// Complement returns the opposite mode. A full convolution in one mode is
// the input-gradient adjoint of a valid convolution in the other.
func (m ConvMode) Complement() ConvMode {
	if m == ModeConv {
		return ModeCross
	}
	return ModeConv
}

func (m ConvMode) String() string {
	if m == ModeConv {
		return "conv"
	}
	return "cross"
}

// PoolMode is the reduction applied over each pooling window.
type PoolMode int

// Pooling reductions.
const (
	PoolMax PoolMode = iota
	PoolAvgIncPad
	PoolAvgExcPad
)

func (m PoolMode) String() string {
	switch m {
	case PoolMax:
		return "max"
	case PoolAvgIncPad:
		return "average_inc_pad"
	case PoolAvgExcPad:
		return "average_exc_pad"
	default:
		return "invalid"
	}
}

// PooledShape applies the shared floor-division output formula used by both
// convolution and pooling:
//
//	out[i] = (in[i] + 2*pad[i] - window[i]) / stride[i] + 1
func PooledShape(inSpatial, window, pad, stride []int) []int {
	out := make([]int, len(inSpatial))
	for i := range inSpatial {
		out[i] = (inSpatial[i]+2*pad[i]-window[i])/stride[i] + 1
	}
	return out
}
