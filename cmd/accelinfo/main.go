// Package main prints the accelerated-backend availability verdict for the
// current machine: the resolved configuration, the gate's decision, the
// detected backend version, and the compilation cache key.
package main

import (
	"fmt"
	"os"

	"github.com/born-ml/accel/dnn"
	"github.com/born-ml/accel/rewrite"
)

func main() {
	cfg, err := dnn.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "accelinfo: %v\n", err)
		os.Exit(1)
	}

	opts := dnn.CompileOptions{
		IncludePaths: []string{cfg.IncludePath},
		LibraryPaths: []string{cfg.LibraryPath},
		Libraries:    []string{"cudnn"},
	}
	gate := dnn.NewGate(cfg,
		dnn.NewWebGPUBinding(),
		&dnn.CCToolchain{},
		&dnn.CCSession{Options: opts})

	fmt.Println("Configuration:")
	fmt.Printf("  include path:  %s\n", orNone(cfg.IncludePath))
	fmt.Printf("  library path:  %s\n", orNone(cfg.LibraryPath))
	fmt.Printf("  conv fwd algo: %s\n", cfg.ConvFwdAlgo)
	fmt.Printf("  conv bwd algo: %s\n", cfg.ConvBwdAlgo)
	fmt.Println()

	if !gate.Available() {
		fmt.Printf("Acceleration: unavailable\n  reason: %s\n", gate.Reason())
		os.Exit(2)
	}

	version, err := gate.Version()
	if err != nil {
		fmt.Fprintf(os.Stderr, "accelinfo: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Acceleration: available\n  backend version: %d\n", version)

	reg := rewrite.NewRegistry()
	if err := dnn.RegisterRules(reg, gate, dnn.RuleOptions{}); err != nil {
		fmt.Fprintf(os.Stderr, "accelinfo: %v\n", err)
		os.Exit(1)
	}
	key, err := dnn.CacheKey(gate, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accelinfo: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  rules:           %d\n", reg.Len())
	fmt.Printf("  cache key:       %s\n", key)
}

func orNone(s string) string {
	if s == "" {
		return "(default search path)"
	}
	return s
}
