// Package fingerprint derives content-addressed identities for flow nodes.
// A node's fingerprint covers its kind, canonical settings, output
// contract, source data stamp, and the fingerprints of its inputs in port
// order, so equal fingerprints mean equal results.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
)

type payload struct {
	Kind     string          `json:"kind"`
	Settings json.RawMessage `json:"settings"`
	Contract json.RawMessage `json:"contract,omitempty"`
	Source   string          `json:"source,omitempty"`
	Inputs   []string        `json:"inputs"`
}

// Node hashes one node from its parts. Input fingerprints must already be
// in port order.
func Node(kind string, canonicalSettings, contract []byte, sourceStamp string, inputs []string) string {
	if inputs == nil {
		inputs = []string{}
	}
	p := payload{
		Kind:     kind,
		Settings: canonicalSettings,
		Contract: contract,
		Source:   sourceStamp,
		Inputs:   inputs,
	}
	b, err := json.Marshal(p)
	if err != nil {
		// payload is marshalable by construction
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Compute fingerprints every node of the graph. Nodes whose source stamp
// cannot be resolved (missing files) are absent from the result along with
// their descendants; the per-node error is reported in errs.
func Compute(g *flow.Graph) (fps map[int64]string, errs map[int64]error, err error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, nil, err
	}
	fps = map[int64]string{}
	errs = map[int64]error{}
	for _, id := range order {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		inputs := []string{}
		blocked := false
		for _, pid := range g.Predecessors(id) {
			pfp, ok := fps[pid]
			if !ok {
				errs[id] = fmt.Errorf("input node %d has no fingerprint", pid)
				blocked = true
				break
			}
			inputs = append(inputs, pfp)
		}
		if blocked {
			continue
		}
		fp, ferr := computeNode(n, inputs)
		if ferr != nil {
			errs[id] = ferr
			continue
		}
		fps[id] = fp
	}
	return fps, errs, nil
}

func computeNode(n flow.Node, inputs []string) (string, error) {
	canon, err := catalog.CanonicalSettings(n.Settings)
	if err != nil {
		return "", fmt.Errorf("node %d settings: %w", n.ID, err)
	}
	var contract []byte
	if n.OutputFields.Active() {
		contract, err = json.Marshal(n.OutputFields)
		if err != nil {
			return "", fmt.Errorf("node %d output fields: %w", n.ID, err)
		}
	}
	stamp, err := catalog.SourceStamp(n.Settings)
	if err != nil {
		return "", fmt.Errorf("node %d source: %w", n.ID, err)
	}
	return Node(n.Kind, canon, contract, stamp, inputs), nil
}
