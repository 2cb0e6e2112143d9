// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rewrite exposes the graph rewrite engine: a registry of named,
// prioritized rules and a driver that runs them to a fixed point.
//
// # Basic Usage
//
//	reg := rewrite.NewRegistry()
//	if err := dnn.RegisterRules(reg, gate, dnn.RuleOptions{}); err != nil {
//	    log.Fatal(err)
//	}
//	outs, err := rewrite.Run(g, reg, out)
package rewrite

import (
	"github.com/born-ml/accel/internal/graph"
	"github.com/born-ml/accel/internal/rewrite"
)

type (
	// Rule is one named graph transformation.
	Rule = rewrite.Rule
	// Registry holds rules ordered by ascending priority.
	Registry = rewrite.Registry
	// Context carries the graph being rewritten and tracks replacements.
	Context = rewrite.Context
	// AbortError reports that a rule aborted the whole run.
	AbortError = rewrite.AbortError
)

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry { return rewrite.NewRegistry() }

// Abort wraps err so that the driver stops the run and surfaces it as an
// AbortError instead of a per-rule failure.
func Abort(err error) error { return rewrite.Abort(err) }

// Run applies the registered rules to g until none fires, pruning dead
// nodes between passes, and returns the roots with replacements resolved.
func Run(g *graph.Graph, reg *Registry, roots ...*graph.Value) ([]*graph.Value, error) {
	return rewrite.Run(g, reg, roots...)
}
