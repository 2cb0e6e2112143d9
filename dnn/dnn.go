// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dnn exposes the accelerated operator layer: the availability gate,
// the accelerated convolution, pooling and softmax operators, and the
// lowering helpers that translate generic graph operators onto them.
//
// # Basic Usage
//
//	gate := dnn.NewGate(dnn.DefaultConfig(), binding, toolchain, session)
//	if !gate.Available() {
//	    log.Fatalf("acceleration unavailable: %s", gate.Reason())
//	}
//	out, err := dnn.Convolution(g, gate, img, kerns, dnn.ConvOptions{
//	    Border: graph.Valid(),
//	})
package dnn

import (
	"github.com/born-ml/accel/internal/dnn"
	"github.com/born-ml/accel/internal/graph"
	"github.com/born-ml/accel/internal/rewrite"
)

// Gate answers, once per process, whether the accelerated backend may be
// used and with which capabilities.
type Gate = dnn.Gate

// Probe environment.
type (
	// Config controls algorithm defaults and gating behavior.
	Config = dnn.Config
	// DeviceBinding describes the device the graph is bound to.
	DeviceBinding = dnn.DeviceBinding
	// Toolchain trial-compiles a probe program against the backend headers.
	Toolchain = dnn.Toolchain
	// CompileOptions parameterizes a trial compilation.
	CompileOptions = dnn.CompileOptions
	// Session opens the backend library and reports its versions.
	Session = dnn.Session
	// SessionInfo is the result of a successful session open.
	SessionInfo = dnn.SessionInfo
	// CCToolchain invokes a C compiler binary for trial compiles.
	CCToolchain = dnn.CCToolchain
	// CCSession opens the backend by compiling and running a version
	// reporter.
	CCSession = dnn.CCSession
	// WebGPUBinding detects the bound device through the WebGPU adapter.
	WebGPUBinding = dnn.WebGPUBinding
)

// Errors.
type (
	// UnavailableError reports that the backend cannot be used at all.
	UnavailableError = dnn.UnavailableError
	// FeatureUnsupportedError reports a feature missing from the detected
	// backend version.
	FeatureUnsupportedError = dnn.FeatureUnsupportedError
	// ConfigurationError reports an invalid configuration value.
	ConfigurationError = dnn.ConfigurationError
)

// ConvAlgo selects the backend convolution algorithm.
type ConvAlgo = dnn.ConvAlgo

// Convolution algorithms.
const (
	AlgoNone               = dnn.AlgoNone
	AlgoSmall              = dnn.AlgoSmall
	AlgoLarge              = dnn.AlgoLarge
	AlgoFFT                = dnn.AlgoFFT
	AlgoDeterministic      = dnn.AlgoDeterministic
	AlgoGuessOnce          = dnn.AlgoGuessOnce
	AlgoGuessOnShapeChange = dnn.AlgoGuessOnShapeChange
	AlgoTimeOnce           = dnn.AlgoTimeOnce
	AlgoTimeOnShapeChange  = dnn.AlgoTimeOnShapeChange
)

// Accelerated operators.
type (
	ConvForward     = dnn.ConvForward
	ConvGradWeights = dnn.ConvGradWeights
	ConvGradInputs  = dnn.ConvGradInputs
	ConvDesc        = dnn.ConvDesc
	PoolDesc        = dnn.PoolDesc
	Pool            = dnn.Pool
	PoolGrad        = dnn.PoolGrad
	Softmax         = dnn.Softmax
	SoftmaxGrad     = dnn.SoftmaxGrad
)

// SoftmaxAlgo selects the softmax evaluation strategy.
type SoftmaxAlgo = dnn.SoftmaxAlgo

// SoftmaxMode selects the reduction axes of the softmax.
type SoftmaxMode = dnn.SoftmaxMode

// Softmax algorithms and modes.
const (
	SoftmaxFast     = dnn.SoftmaxFast
	SoftmaxAccurate = dnn.SoftmaxAccurate
	SoftmaxLog      = dnn.SoftmaxLog

	SoftmaxModeInstance = dnn.SoftmaxModeInstance
	SoftmaxModeChannel  = dnn.SoftmaxModeChannel
)

// Native resource management.
type (
	// Handle is a refcounted native resource.
	Handle = dnn.Handle
	// HandleCache memoizes handles by key, invalidated on version change.
	HandleCache = dnn.HandleCache
)

// Serialized parameter blocks.
type (
	ConvParams = dnn.ConvParams
	PoolParams = dnn.PoolParams
)

// ConvOptions parameterizes a high-level convolution lowering.
type ConvOptions = dnn.ConvOptions

// RuleOptions parameterizes rule registration.
type RuleOptions = dnn.RuleOptions

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() Config { return dnn.DefaultConfig() }

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return dnn.LoadConfig(path) }

// ConfigFromEnv resolves the configuration from environment variables on
// top of the defaults.
func ConfigFromEnv() (Config, error) { return dnn.ConfigFromEnv() }

// NewGate builds an availability gate over the given probe environment.
// The probe runs at most once, on first use.
func NewGate(cfg Config, dev DeviceBinding, tc Toolchain, sess Session) *Gate {
	return dnn.NewGate(cfg, dev, tc, sess)
}

// NewWebGPUBinding detects the bound device through the WebGPU adapter.
func NewWebGPUBinding() *WebGPUBinding { return dnn.NewWebGPUBinding() }

// DefaultGate returns the process-wide gate assembled from the environment
// configuration and the standard probes.
func DefaultGate() *Gate { return dnn.DefaultGate() }

// Convolution lowers one convolution onto the accelerated operators,
// choosing between the forward, gradient-of-weights and gradient-of-inputs
// primitives based on the options.
func Convolution(g *graph.Graph, gate *Gate, img, kerns *graph.Value, opts ConvOptions) (*graph.Value, error) {
	return dnn.Convolution(g, gate, img, kerns, opts)
}

// InferConvOutputShape statically computes the convolution output shape.
func InferConvOutputShape(img, kerns graph.Shape, border graph.BorderMode, subsample []int) (graph.Shape, error) {
	return dnn.InferConvOutputShape(img, kerns, border, subsample)
}

// Pooling lowers one pooling onto the accelerated operator. A nil stride
// defaults to the window, a nil padding to zeros.
func Pooling(g *graph.Graph, gate *Gate, img *graph.Value, window, stride, padding []int, mode graph.PoolMode) (*graph.Value, error) {
	return dnn.Pooling(g, gate, img, window, stride, padding, mode)
}

// RegisterRules registers the accelerated lowering, merge, fusion and
// in-place rules on reg.
func RegisterRules(reg *rewrite.Registry, gate *Gate, opts RuleOptions) error {
	return dnn.RegisterRules(reg, gate, opts)
}

// CacheKey derives the compilation cache key from the registered rules and
// the backend version the gate detected.
func CacheKey(gate *Gate, reg *rewrite.Registry) (string, error) {
	return dnn.CacheKey(gate, reg)
}

// DecodeConvParams decodes a serialized convolution parameter block,
// migrating legacy payloads to the current version.
func DecodeConvParams(data []byte) (ConvParams, error) {
	return dnn.DecodeConvParams(data)
}

// DecodePoolParams decodes a serialized pooling parameter block, migrating
// legacy payloads to the current version.
func DecodePoolParams(data []byte) (PoolParams, error) {
	return dnn.DecodePoolParams(data)
}
