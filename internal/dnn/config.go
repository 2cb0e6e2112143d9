package dnn

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the read-only configuration surface of the accelerated layer.
// It is resolved once, when the availability gate probes, and never re-read.
type Config struct {
	// IncludePath and LibraryPath point the toolchain probe at the
	// backend headers and libraries.
	IncludePath string `yaml:"include_path"`
	LibraryPath string `yaml:"library_path"`

	// ConvFwdAlgo is the default algorithm for forward convolution nodes
	// built without an explicit choice.
	ConvFwdAlgo ConvAlgo `yaml:"conv_fwd_algo"`
	// ConvBwdAlgo is the default algorithm for both gradient convolution
	// directions.
	ConvBwdAlgo ConvAlgo `yaml:"conv_bwd_algo"`
}

// DefaultConfig returns the configuration used when nothing is provided.
func DefaultConfig() Config {
	return Config{
		ConvFwdAlgo: AlgoSmall,
		ConvBwdAlgo: AlgoNone,
	}
}

// LoadConfig reads a YAML configuration file and fills unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading dnn config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing dnn config %s", path)
	}
	if cfg.ConvFwdAlgo == "" {
		cfg.ConvFwdAlgo = AlgoSmall
	}
	if cfg.ConvBwdAlgo == "" {
		cfg.ConvBwdAlgo = AlgoNone
	}
	return cfg, cfg.validate()
}

// ConfigFromEnv resolves the configuration from the environment:
// ACCEL_DNN_CONFIG names a YAML file, ACCEL_DNN_INCLUDE_PATH and
// ACCEL_DNN_LIBRARY_PATH override the search paths.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("ACCEL_DNN_CONFIG"); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if p := os.Getenv("ACCEL_DNN_INCLUDE_PATH"); p != "" {
		cfg.IncludePath = p
	}
	if p := os.Getenv("ACCEL_DNN_LIBRARY_PATH"); p != "" {
		cfg.LibraryPath = p
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	for _, algo := range []ConvAlgo{c.ConvFwdAlgo, c.ConvBwdAlgo} {
		if !algo.valid() {
			return configErrf("algorithm", "unknown convolution algorithm %q", algo)
		}
	}
	return nil
}
