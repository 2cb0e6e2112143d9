package dnn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dnn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
include_path: /opt/backend/include
library_path: /opt/backend/lib64
conv_fwd_algo: large
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/backend/include", cfg.IncludePath)
	assert.Equal(t, "/opt/backend/lib64", cfg.LibraryPath)
	assert.Equal(t, AlgoLarge, cfg.ConvFwdAlgo)
	// Unset fields keep their defaults.
	assert.Equal(t, AlgoNone, cfg.ConvBwdAlgo)
}

func TestLoadConfig_UnknownAlgo(t *testing.T) {
	path := writeConfig(t, "conv_fwd_algo: warp_speed\n")
	_, err := LoadConfig(path)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	path := writeConfig(t, "conv_fwd_algo: fft\ninclude_path: /from/file\n")
	t.Setenv("ACCEL_DNN_CONFIG", path)
	t.Setenv("ACCEL_DNN_INCLUDE_PATH", "/from/env")
	t.Setenv("ACCEL_DNN_LIBRARY_PATH", "")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, AlgoFFT, cfg.ConvFwdAlgo)
	// The explicit path variable wins over the file.
	assert.Equal(t, "/from/env", cfg.IncludePath)
	assert.Empty(t, cfg.LibraryPath)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("ACCEL_DNN_CONFIG", "")
	t.Setenv("ACCEL_DNN_INCLUDE_PATH", "")
	t.Setenv("ACCEL_DNN_LIBRARY_PATH", "")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
