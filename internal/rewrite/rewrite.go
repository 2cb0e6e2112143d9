// Package rewrite provides a prioritized registry of local graph-rewrite
// rules and a fixpoint driver that applies them until none fires.
//
// Rules are pure graph-to-graph transformations: each inspects one node
// and either leaves the graph unchanged or substitutes an equivalent
// subgraph through the driver's replacement context. A rule must be
// idempotent on its own output; the driver guards against runaway rule
// sets with a pass limit but a rule that re-triggers itself is a bug in
// the rule, not something the driver repairs.
package rewrite

import (
	"fmt"
	"sort"

	"github.com/born-ml/accel/internal/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is handed to a firing rule. Replacements go through the context
// rather than the graph directly so the driver can re-resolve the pass
// roots when a root value itself is rewritten.
type Context struct {
	Graph *graph.Graph

	replaced map[*graph.Value]*graph.Value
}

// Replace redirects every consumer of old to new and records the
// substitution for root resolution.
func (c *Context) Replace(old, new *graph.Value) error {
	if err := c.Graph.ReplaceValue(old, new); err != nil {
		return err
	}
	c.replaced[old] = new
	return nil
}

// superseded reports whether a replacement already retired one of the
// node's outputs. Such nodes stay in the graph until the next prune, and
// no rule may rewrite them again: a second substitution of the same value
// would clobber the recorded chain that root resolution follows.
func (c *Context) superseded(n *graph.Node) bool {
	for _, out := range n.Outputs() {
		if _, ok := c.replaced[out]; ok {
			return true
		}
	}
	return false
}

// Resolve follows recorded substitutions to the current live value.
func (c *Context) Resolve(v *graph.Value) *graph.Value {
	for {
		next, ok := c.replaced[v]
		if !ok {
			return v
		}
		v = next
	}
}

// Rule is one local rewrite. Rewrite reports whether it changed the graph;
// returning an error aborts the whole pass.
type Rule struct {
	Name     string
	Priority int
	Tags     []string
	Rewrite  func(ctx *Context, node *graph.Node) (bool, error)
}

func (r Rule) hasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Registry is an explicit, ordered rule collection. Rules run in ascending
// priority; equal priorities run in registration order.
type Registry struct {
	rules []Rule
	names map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register adds a rule. Names must be unique within a registry.
func (r *Registry) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rewrite: rule has no name")
	}
	if rule.Rewrite == nil {
		return fmt.Errorf("rewrite: rule %q has no rewrite function", rule.Name)
	}
	if r.names[rule.Name] {
		return fmt.Errorf("rewrite: rule %q registered twice", rule.Name)
	}
	r.names[rule.Name] = true
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister is Register for startup paths where a duplicate is a
// programming error.
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Rules returns the rules in execution order.
func (r *Registry) Rules() []Rule {
	out := append([]Rule(nil), r.rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Tagged returns a registry holding only the rules carrying tag.
func (r *Registry) Tagged(tag string) *Registry {
	sub := NewRegistry()
	for _, rule := range r.rules {
		if rule.hasTag(tag) {
			sub.MustRegister(rule)
		}
	}
	return sub
}

// Len returns the number of registered rules.
func (r *Registry) Len() int { return len(r.rules) }

// AbortError is returned when a rule decides the whole pass must fail.
type AbortError struct {
	Rule string
	Err  error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("rewrite pass aborted by rule %q: %v", e.Rule, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err so the driver surfaces it as a pass abort.
func Abort(err error) error { return &abortSignal{err: err} }

type abortSignal struct{ err error }

func (s *abortSignal) Error() string { return s.err.Error() }

// maxPasses bounds the fixpoint iteration. With idempotent rules a pass
// count anywhere near this means a rule pair is flip-flopping.
const maxPasses = 1000

// Run applies the registry's rules to the subgraph reachable from roots
// until no rule fires, pruning replaced nodes between passes. A pass is one
// full sweep of every rule over every node, so the budget bounds sweeps,
// not individual substitutions: a long chain of independent rewrites still
// converges in a handful of passes. Run returns the resolved roots, which
// differ from the input when a root value was itself rewritten.
func Run(g *graph.Graph, reg *Registry, roots ...*graph.Value) ([]*graph.Value, error) {
	ctx := &Context{Graph: g, replaced: make(map[*graph.Value]*graph.Value)}
	rules := reg.Rules()
	live := append([]*graph.Value(nil), roots...)

	for pass := 0; pass < maxPasses; pass++ {
		for i, r := range live {
			live[i] = ctx.Resolve(r)
		}
		g.Prune(live...)

		changed := false
		for _, rule := range rules {
			// Nodes added by earlier rules in this pass are visible here;
			// nodes a firing appends mid-scan wait for the next pass.
			for _, node := range g.Nodes() {
				if ctx.superseded(node) {
					continue
				}
				fired, err := rule.Rewrite(ctx, node)
				if err != nil {
					if sig, ok := err.(*abortSignal); ok {
						return nil, &AbortError{Rule: rule.Name, Err: sig.err}
					}
					return nil, errors.Wrapf(err, "rewrite rule %q", rule.Name)
				}
				if fired {
					klog.V(2).Infof("rewrite: rule %q fired on %s", rule.Name, node)
					changed = true
				}
			}
		}
		if !changed {
			return live, nil
		}
	}
	return nil, fmt.Errorf("rewrite: no fixpoint after %d passes", maxPasses)
}
