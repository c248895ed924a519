// Package planner composes lazy plans for flow nodes. Upstream work that
// already has a cached result, or that is itself a materialization
// boundary, is replaced by a scan of the cached payload instead of being
// recomputed inline.
package planner

import (
	"fmt"

	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/plan"
)

// Env is what plan composition needs to know about the world: node
// fingerprints, which fingerprints have cached payloads, and which nodes
// must materialize as their own tasks.
type Env struct {
	Fingerprints map[int64]string
	Cached       func(fingerprint string) bool
	// Boundary nodes are cut points: a plan never inlines the work of a
	// boundary input, it scans the input's cached result instead.
	Boundary func(nodeID int64) bool
}

// Build composes the plan for target. Inputs that are cached or boundaries
// become scan_cache ops; everything else is inlined recursively.
func Build(g *flow.Graph, env Env, target int64) (*plan.Node, error) {
	return build(g, env, target, true)
}

func build(g *flow.Graph, env Env, id int64, isTarget bool) (*plan.Node, error) {
	n, ok := g.Node(id)
	if !ok {
		return nil, fmt.Errorf("node %d not found", id)
	}
	fp, hasFP := env.Fingerprints[id]
	if !isTarget {
		if hasFP && env.Cached != nil && env.Cached(fp) {
			return plan.NewNode(plan.OpScanCache, map[string]any{"fingerprint": fp}), nil
		}
		if env.Boundary != nil && env.Boundary(id) {
			// A boundary input must already be materialized; scheduling
			// order guarantees that, so a miss here is a real fault.
			if !hasFP {
				return nil, fmt.Errorf("boundary node %d has no fingerprint", id)
			}
			return plan.NewNode(plan.OpScanCache, map[string]any{"fingerprint": fp}), nil
		}
	}
	preds := g.Predecessors(id)
	inputs := make([]*plan.Node, len(preds))
	for i, pid := range preds {
		in, err := build(g, env, pid, false)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
	}
	return g.Catalog().BuildPlan(n.Settings, inputs)
}
