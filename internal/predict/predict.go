// Package predict propagates column schemas through a flow graph without
// executing anything. Prediction is memoized per graph version and never
// fails a request: nodes that cannot be predicted carry a diagnostic and a
// nil schema instead.
package predict

import (
	"fmt"
	"sync"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/schema"
)

// Result is the prediction outcome for one node.
type Result struct {
	// Schema is nil when the node's output schema is unknown, either
	// because prediction failed here or upstream.
	Schema schema.Schema
	// Diagnostic explains a nil schema in one line.
	Diagnostic string
	// Issues are settings problems reported by validation.
	Issues []catalog.ValidationIssue
}

// Known reports whether the node has a predicted schema.
func (r Result) Known() bool { return r.Schema != nil }

// Propagator caches per-node predictions for a single graph.
type Propagator struct {
	mu      sync.Mutex
	g       *flow.Graph
	version uint64
	results map[int64]Result
}

// New builds a propagator for the graph.
func New(g *flow.Graph) *Propagator {
	return &Propagator{g: g}
}

// Node returns the prediction for one node, computing the graph's
// predictions first if the memo is stale.
func (p *Propagator) Node(id int64) (Result, bool) {
	all := p.All()
	r, ok := all[id]
	return r, ok
}

// All returns predictions for every node. The memo is reused until the
// graph version moves.
func (p *Propagator) All() map[int64]Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.g.Version()
	if p.results != nil && p.version == v {
		return p.results
	}
	p.results = p.computeLocked()
	p.version = v
	return p.results
}

func (p *Propagator) computeLocked() map[int64]Result {
	out := map[int64]Result{}
	order, err := p.g.TopologicalOrder()
	if err != nil {
		for _, n := range p.g.Nodes() {
			out[n.ID] = Result{Diagnostic: err.Error()}
		}
		return out
	}
	for _, id := range order {
		n, ok := p.g.Node(id)
		if !ok {
			continue
		}
		out[id] = p.predictNode(n, out)
	}
	return out
}

func (p *Propagator) predictNode(n flow.Node, sofar map[int64]Result) Result {
	cat := p.g.Catalog()
	preds := p.g.Predecessors(n.ID)
	inputs := make([]schema.Schema, len(preds))
	unknownInput := false
	for i, pid := range preds {
		r := sofar[pid]
		inputs[i] = r.Schema
		if r.Schema == nil {
			unknownInput = true
		}
	}

	res := Result{Issues: cat.Validate(n.Settings, inputs)}

	// A declared output contract fixes the schema regardless of what
	// happens upstream; downstream prediction continues from it.
	if n.OutputFields.Active() {
		s, err := n.OutputFields.SynthesizedSchema()
		if err != nil {
			res.Diagnostic = err.Error()
			return res
		}
		res.Schema = s
		return res
	}

	if len(res.Issues) > 0 {
		res.Diagnostic = res.Issues[0].String()
		return res
	}
	if unknownInput {
		res.Diagnostic = "upstream schema unknown"
		return res
	}
	s, err := cat.Predict(n.Settings, inputs)
	if err != nil {
		res.Diagnostic = err.Error()
		return res
	}
	res.Schema = s
	return res
}

// InputSchemas returns the predicted schemas feeding a node, in port
// order. Unknown inputs are nil entries.
func (p *Propagator) InputSchemas(id int64) ([]schema.Schema, error) {
	if _, ok := p.g.Node(id); !ok {
		return nil, fmt.Errorf("node %d not found", id)
	}
	all := p.All()
	preds := p.g.Predecessors(id)
	out := make([]schema.Schema, len(preds))
	for i, pid := range preds {
		out[i] = all[pid].Schema
	}
	return out, nil
}
