package dnn

import (
	"bytes"
	"io"

	"github.com/born-ml/accel/internal/graph"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Stored operator parameters are versioned. Records written before
// versioning predate the algorithm field (they carried a "workmem" hint)
// and may lack the in-place flag or the padding tuple; decoding migrates
// them once, at load time, to the current form.

const (
	convParamsVersion = 1
	poolParamsVersion = 1
)

// ConvParams is the current stored form of a convolution operator's
// parameters.
type ConvParams struct {
	Version int      `yaml:"version"`
	Algo    ConvAlgo `yaml:"algo"`
	Inplace bool     `yaml:"inplace"`
}

// convParamsLegacy covers every historical field so one decode sees both
// old and new records.
type convParamsLegacy struct {
	Version int    `yaml:"version"`
	Workmem string `yaml:"workmem"`
	Algo    string `yaml:"algo"`
	Inplace *bool  `yaml:"inplace"`
}

// workmemAlgo maps the retired workmem hint onto the algorithm that
// replaced it.
var workmemAlgo = map[string]ConvAlgo{
	"none":  AlgoNone,
	"small": AlgoSmall,
	"large": AlgoLarge,
}

// decodeRecord unmarshals one stored record into out. Unknown fields are
// rejected: a record that does not decode into the known layout must fail
// rather than collapse to defaults. An empty record decodes to the zero
// value, which downstream migration fills in.
func decodeRecord(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// DecodeConvParams decodes stored convolution parameters, migrating
// pre-versioned records: a workmem value becomes the equivalent algorithm,
// a missing in-place flag defaults to false.
func DecodeConvParams(data []byte) (ConvParams, error) {
	var raw convParamsLegacy
	if err := decodeRecord(data, &raw); err != nil {
		return ConvParams{}, errors.Wrap(err, "decoding convolution parameters")
	}
	p := ConvParams{Version: convParamsVersion}
	switch {
	case raw.Version >= convParamsVersion:
		if raw.Workmem != "" {
			return ConvParams{}, configErrf("workmem",
				"workmem is a pre-version-%d field and cannot appear in a version %d record",
				convParamsVersion, raw.Version)
		}
		p.Algo = ConvAlgo(raw.Algo)
	case raw.Workmem != "":
		algo, ok := workmemAlgo[raw.Workmem]
		if !ok {
			return ConvParams{}, configErrf("workmem", "unknown legacy workmem value %q", raw.Workmem)
		}
		p.Algo = algo
	case raw.Algo != "":
		p.Algo = ConvAlgo(raw.Algo)
	default:
		p.Algo = AlgoNone
	}
	if raw.Inplace != nil {
		p.Inplace = *raw.Inplace
	}
	if !p.Algo.valid() {
		return ConvParams{}, configErrf("algorithm", "unknown convolution algorithm %q", p.Algo)
	}
	return p, nil
}

// PoolParams is the current stored form of a pooling operator's parameters.
type PoolParams struct {
	Version int    `yaml:"version"`
	Window  []int  `yaml:"window"`
	Stride  []int  `yaml:"stride"`
	Padding []int  `yaml:"padding"`
	Mode    string `yaml:"mode"`
}

// DecodePoolParams decodes stored pooling parameters, migrating
// pre-versioned records: a missing padding tuple becomes all zeros and the
// retired "average" mode name becomes "average_inc_pad".
func DecodePoolParams(data []byte) (PoolParams, error) {
	var p PoolParams
	if err := decodeRecord(data, &p); err != nil {
		return PoolParams{}, errors.Wrap(err, "decoding pooling parameters")
	}
	if len(p.Window) == 0 {
		return PoolParams{}, configErrf("window", "missing pooling window")
	}
	if p.Version < poolParamsVersion {
		if p.Padding == nil {
			p.Padding = make([]int, len(p.Window))
		}
		if p.Mode == "average" {
			p.Mode = graph.PoolAvgIncPad.String()
		}
		p.Version = poolParamsVersion
	}
	if _, err := p.PoolMode(); err != nil {
		return PoolParams{}, err
	}
	if len(p.Stride) == 0 {
		p.Stride = append([]int(nil), p.Window...)
	}
	if len(p.Window) != len(p.Stride) || len(p.Window) != len(p.Padding) {
		return PoolParams{}, configErrf("pooling tuples",
			"window, stride and padding must have equal lengths, got %d/%d/%d",
			len(p.Window), len(p.Stride), len(p.Padding))
	}
	return p, nil
}

// PoolMode resolves the stored mode name.
func (p PoolParams) PoolMode() (graph.PoolMode, error) {
	switch p.Mode {
	case graph.PoolMax.String():
		return graph.PoolMax, nil
	case graph.PoolAvgIncPad.String():
		return graph.PoolAvgIncPad, nil
	case graph.PoolAvgExcPad.String():
		return graph.PoolAvgExcPad, nil
	}
	return 0, configErrf("mode", "unknown pooling reduction %q", p.Mode)
}
