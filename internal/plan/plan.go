// Package plan defines the lazy-plan intermediate representation exchanged
// between the coordinator and the worker. The coordinator composes plans
// without executing them; only the worker (or the in-process executor)
// interprets the ops.
package plan

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// BlobVersion is the plan_blob wire version. The worker rejects blobs with
// a version it does not understand.
const BlobVersion = 1

// Node is one operator of a lazy plan tree. Args carry op-specific
// settings; Inputs are evaluated first.
type Node struct {
	Op     string         `msgpack:"op"`
	Args   map[string]any `msgpack:"args"`
	Inputs []*Node        `msgpack:"inputs"`
}

// Plan is a complete versioned lazy plan rooted at a single node.
type Plan struct {
	Version int   `msgpack:"version"`
	Root    *Node `msgpack:"root"`
}

// Operator names understood by the executor.
const (
	OpScanCSV    = "scan_csv"
	OpScanCache  = "scan_cache"
	OpFilter     = "filter"
	OpSelect     = "select"
	OpSort       = "sort"
	OpUnique     = "unique"
	OpSample     = "sample"
	OpJoin       = "join"
	OpCrossJoin  = "cross_join"
	OpUnion      = "union"
	OpGroupBy    = "group_by"
	OpPivot      = "pivot"
	OpUnpivot    = "unpivot"
	OpFormula    = "formula"
	OpRecordID   = "record_id"
	OpTextToRows = "text_to_rows"
	OpCode       = "code"
	OpGraphSolve = "graph_solve"
	OpFuzzyMatch = "fuzzy_match"
	OpWriteCSV   = "write_csv"
	OpPassThru   = "pass_through"
)

// NewNode builds a plan node.
func NewNode(op string, args map[string]any, inputs ...*Node) *Node {
	if args == nil {
		args = map[string]any{}
	}
	return &Node{Op: op, Args: args, Inputs: inputs}
}

// EncodeBlob serializes a plan into the opaque blob submitted to workers.
func EncodeBlob(root *Node) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("cannot encode an empty plan")
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&Plan{Version: BlobVersion, Root: root}); err != nil {
		return nil, fmt.Errorf("encode plan blob: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBlob parses a plan blob and checks its version.
func DecodeBlob(blob []byte) (*Node, error) {
	var p Plan
	if err := msgpack.NewDecoder(bytes.NewReader(blob)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan blob: %w", err)
	}
	if p.Version != BlobVersion {
		return nil, fmt.Errorf("unsupported plan blob version %d (want %d)", p.Version, BlobVersion)
	}
	if p.Root == nil {
		return nil, fmt.Errorf("plan blob has no root")
	}
	return p.Root, nil
}

// StringArg reads a string argument.
func (n *Node) StringArg(key string) string {
	if v, ok := n.Args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg reads an integer argument; msgpack may deliver several widths.
func (n *Node) IntArg(key string, def int) int {
	switch v := n.Args[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// FloatArg reads a float argument.
func (n *Node) FloatArg(key string, def float64) float64 {
	switch v := n.Args[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// BoolArg reads a boolean argument.
func (n *Node) BoolArg(key string, def bool) bool {
	if v, ok := n.Args[key].(bool); ok {
		return v
	}
	return def
}

// StringsArg reads a string-list argument.
func (n *Node) StringsArg(key string) []string {
	raw, ok := n.Args[key].([]any)
	if !ok {
		if ss, ok := n.Args[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MapsArg reads a list-of-maps argument.
func (n *Node) MapsArg(key string) []map[string]any {
	raw, ok := n.Args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		switch m := v.(type) {
		case map[string]any:
			out = append(out, m)
		case map[any]any:
			conv := make(map[string]any, len(m))
			for k, vv := range m {
				conv[fmt.Sprint(k)] = vv
			}
			out = append(out, conv)
		}
	}
	return out
}
