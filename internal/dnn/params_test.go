package dnn

import (
	"testing"

	"github.com/born-ml/accel/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConvParams_Current(t *testing.T) {
	p, err := DecodeConvParams([]byte("version: 1\nalgo: fft\ninplace: true\n"))
	require.NoError(t, err)
	assert.Equal(t, ConvParams{Version: 1, Algo: AlgoFFT, Inplace: true}, p)
}

func TestDecodeConvParams_LegacyWorkmem(t *testing.T) {
	tests := []struct {
		workmem string
		want    ConvAlgo
	}{
		{"none", AlgoNone},
		{"small", AlgoSmall},
		{"large", AlgoLarge},
	}
	for _, tt := range tests {
		p, err := DecodeConvParams([]byte("workmem: " + tt.workmem + "\n"))
		require.NoError(t, err)
		assert.Equal(t, 1, p.Version)
		assert.Equal(t, tt.want, p.Algo)
		assert.False(t, p.Inplace, "legacy records predate the in-place flag")
	}
}

func TestDecodeConvParams_LegacyDefaults(t *testing.T) {
	p, err := DecodeConvParams([]byte("{}\n"))
	require.NoError(t, err)
	assert.Equal(t, ConvParams{Version: 1, Algo: AlgoNone}, p)

	p, err = DecodeConvParams([]byte("algo: deterministic\n"))
	require.NoError(t, err)
	assert.Equal(t, AlgoDeterministic, p.Algo)
}

func TestDecodeConvParams_Rejects(t *testing.T) {
	// workmem cannot appear in a versioned record.
	_, err := DecodeConvParams([]byte("version: 1\nworkmem: small\n"))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = DecodeConvParams([]byte("workmem: huge\n"))
	assert.ErrorAs(t, err, &cfgErr)

	_, err = DecodeConvParams([]byte("version: 1\nalgo: warp_speed\n"))
	assert.ErrorAs(t, err, &cfgErr)

	_, err = DecodeConvParams([]byte(":not yaml:"))
	assert.Error(t, err, "a record with no recognized fields must not decode to defaults")

	_, err = DecodeConvParams([]byte("version: 1\nalgo: none\nworkmen: small\n"))
	assert.Error(t, err, "misspelled fields are rejected, not dropped")
}

func TestDecodePoolParams_Current(t *testing.T) {
	p, err := DecodePoolParams([]byte(`
version: 1
window: [2, 2]
stride: [2, 2]
padding: [0, 0]
mode: max
`))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, p.Window)
	mode, err := p.PoolMode()
	require.NoError(t, err)
	assert.Equal(t, graph.PoolMax, mode)
}

func TestDecodePoolParams_LegacyMigration(t *testing.T) {
	// Pre-versioned records may lack padding and use the retired
	// "average" mode name.
	p, err := DecodePoolParams([]byte("window: [3, 3]\nmode: average\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, []int{0, 0}, p.Padding)
	assert.Equal(t, []int{3, 3}, p.Stride, "missing stride defaults to the window")
	mode, err := p.PoolMode()
	require.NoError(t, err)
	assert.Equal(t, graph.PoolAvgIncPad, mode)
}

func TestDecodePoolParams_Rejects(t *testing.T) {
	var cfgErr *ConfigurationError

	_, err := DecodePoolParams([]byte("mode: max\n"))
	require.ErrorAs(t, err, &cfgErr, "missing window")

	_, err = DecodePoolParams([]byte("window: [2, 2]\nstride: [2]\nmode: max\n"))
	require.ErrorAs(t, err, &cfgErr, "tuple length mismatch")

	_, err = DecodePoolParams([]byte("window: [2, 2]\nmode: median\n"))
	require.ErrorAs(t, err, &cfgErr, "unknown reduction")

	_, err = DecodePoolParams([]byte("window: [2, 2]\nmode: max\nwidnow: [3, 3]\n"))
	require.Error(t, err, "misspelled fields are rejected, not dropped")
}
