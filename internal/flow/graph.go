// Package flow holds the mutable flow graph: nodes, typed settings, edges
// with target ports, and the bookkeeping that tells downstream layers what
// a mutation invalidated.
package flow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/outputfields"
)

// Target port names. A node has one output; inputs are addressed by port.
const (
	PortMain  = "main"
	PortRight = "right"
)

// UnionPort names the i-th input of a variadic node. The index order is the
// edge insertion order and defines column alignment of the union.
func UnionPort(i int) string { return fmt.Sprintf("union[%d]", i) }

func portRank(p string) (int, bool) {
	switch {
	case p == PortMain:
		return 0, true
	case p == PortRight:
		return 1, true
	case strings.HasPrefix(p, "union[") && strings.HasSuffix(p, "]"):
		n, err := strconv.Atoi(p[len("union[") : len(p)-1])
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Position is a node's canvas coordinate. The engine round-trips it for the
// UI and otherwise ignores it.
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Node is one vertex of the flow graph.
type Node struct {
	ID           int64
	Kind         string
	Settings     catalog.Settings
	Position     Position
	CacheResults bool
	Description  string
	OutputFields *outputfields.Config
}

// Edge connects the single output of Source to one input port of Target.
type Edge struct {
	Source     int64  `json:"source"`
	Target     int64  `json:"target"`
	TargetPort string `json:"target_port"`
}

// Settings are flow-level options.
type Settings struct {
	Name          string        `yaml:"name" json:"name"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	ExecutionMode ExecutionMode `yaml:"execution_mode" json:"execution_mode"`
}

// InvalidateFunc observes semantic mutations: the ids are the changed node
// and everything downstream of it. Hooks run outside the graph lock.
type InvalidateFunc func(nodeIDs []int64)

// Graph is a single flow. All methods are safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	id       string
	settings Settings
	cat      *catalog.Catalog
	nodes    map[int64]*Node
	edges    []Edge
	nextID   int64
	version  uint64
	hooks    []InvalidateFunc
}

// NewGraph builds an empty flow.
func NewGraph(cat *catalog.Catalog, id, name string) *Graph {
	return &Graph{
		id:       id,
		settings: Settings{Name: name, ExecutionMode: Development},
		cat:      cat,
		nodes:    map[int64]*Node{},
		nextID:   1,
	}
}

// ID returns the flow id.
func (g *Graph) ID() string { return g.id }

// Version increases on every semantic mutation; schema prediction and plan
// memoization key on it.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// OnInvalidate registers a mutation hook.
func (g *Graph) OnInvalidate(fn InvalidateFunc) {
	g.mu.Lock()
	g.hooks = append(g.hooks, fn)
	g.mu.Unlock()
}

// Settings returns the flow-level settings.
func (g *Graph) Settings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// UpdateSettings replaces the flow-level settings.
func (g *Graph) UpdateSettings(s Settings) error {
	if !s.ExecutionMode.Valid() {
		return fmt.Errorf("unknown execution mode %q", s.ExecutionMode)
	}
	g.mu.Lock()
	g.settings = s
	g.version++
	g.mu.Unlock()
	return nil
}

// Catalog returns the node catalog the graph was built against.
func (g *Graph) Catalog() *catalog.Catalog { return g.cat }

// AddNode creates a node of the given kind from raw settings. Defaults are
// materialized immediately so the stored settings are complete.
func (g *Graph) AddNode(kind string, rawSettings map[string]any, pos Position) (*Node, error) {
	if _, ok := g.cat.Kind(kind); !ok {
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
	s, err := g.cat.DecodeSettings(kind, rawSettings)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	n := &Node{
		ID:           g.nextID,
		Kind:         kind,
		Settings:     s,
		Position:     pos,
		CacheResults: true,
	}
	g.nextID++
	g.nodes[n.ID] = n
	g.version++
	g.mu.Unlock()
	return n, nil
}

// RestoreNode inserts a node with an explicit id, for loading persisted
// flows. It fails on id collisions.
func (g *Graph) RestoreNode(n *Node) error {
	if _, ok := g.cat.Kind(n.Kind); !ok {
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.nodes[n.ID]; dup {
		return fmt.Errorf("duplicate node id %d", n.ID)
	}
	g.nodes[n.ID] = n
	if n.ID >= g.nextID {
		g.nextID = n.ID + 1
	}
	g.version++
	return nil
}

// Node returns a copy of the node.
func (g *Graph) Node(id int64) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes, ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge{}, g.edges...)
}

// UpdateNodeSettings replaces a node's settings and invalidates its
// downstream subtree.
func (g *Graph) UpdateNodeSettings(id int64, rawSettings map[string]any) error {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("node %d not found", id)
	}
	s, err := g.cat.DecodeSettings(n.Kind, rawSettings)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	n.Settings = s
	g.version++
	affected := g.descendantsLocked([]int64{id})
	hooks := append([]InvalidateFunc{}, g.hooks...)
	g.mu.Unlock()
	fire(hooks, affected)
	return nil
}

// UpdatePosition moves a node on the canvas. Layout is not semantic: no
// version bump, no invalidation.
func (g *Graph) UpdatePosition(id int64, pos Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %d not found", id)
	}
	n.Position = pos
	return nil
}

// SetCacheResults toggles whether the node's result is kept after a run.
func (g *Graph) SetCacheResults(id int64, v bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %d not found", id)
	}
	n.CacheResults = v
	g.version++
	return nil
}

// SetDescription updates a node's free-text description.
func (g *Graph) SetDescription(id int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %d not found", id)
	}
	n.Description = text
	return nil
}

// SetOutputFields replaces a node's output contract and invalidates its
// downstream subtree.
func (g *Graph) SetOutputFields(id int64, cfg *outputfields.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("node %d not found", id)
	}
	n.OutputFields = cfg
	g.version++
	affected := g.descendantsLocked([]int64{id})
	hooks := append([]InvalidateFunc{}, g.hooks...)
	g.mu.Unlock()
	fire(hooks, affected)
	return nil
}

// RemoveNode deletes a node and every edge touching it. Downstream nodes
// are invalidated.
func (g *Graph) RemoveNode(id int64) error {
	g.mu.Lock()
	if _, ok := g.nodes[id]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("node %d not found", id)
	}
	affected := g.descendantsLocked([]int64{id})
	delete(g.nodes, id)
	kept := g.edges[:0]
	targetsToRenumber := map[int64]bool{}
	for _, e := range g.edges {
		if e.Source == id || e.Target == id {
			if e.Source == id {
				targetsToRenumber[e.Target] = true
			}
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	for t := range targetsToRenumber {
		g.renumberUnionPortsLocked(t)
	}
	g.version++
	hooks := append([]InvalidateFunc{}, g.hooks...)
	g.mu.Unlock()
	fire(hooks, affected)
	return nil
}

// AddEdge connects source's output to an input port of target. An empty
// port picks the next free one. The edge must keep the graph acyclic,
// respect the target's arity, and not collide with an occupied port.
func (g *Graph) AddEdge(source, target int64, targetPort string) (Edge, error) {
	g.mu.Lock()
	if _, ok := g.nodes[source]; !ok {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("source node %d not found", source)
	}
	tn, ok := g.nodes[target]
	if !ok {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("target node %d not found", target)
	}
	if source == target {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("node %d cannot feed itself", source)
	}
	kind, _ := g.cat.Kind(tn.Kind)
	inbound := g.inboundLocked(target)
	if !kind.AcceptsInputCount(len(inbound) + 1) {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("node %d (%s) accepts at most %d inputs", target, tn.Kind, kind.MaxInputs)
	}
	if targetPort == "" {
		targetPort = g.defaultPortLocked(kind, len(inbound))
	}
	if _, ok := portRank(targetPort); !ok {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("invalid target port %q", targetPort)
	}
	for _, e := range inbound {
		if e.TargetPort == targetPort {
			g.mu.Unlock()
			return Edge{}, fmt.Errorf("port %q of node %d is already connected", targetPort, target)
		}
	}
	if g.reachesLocked(target, source) {
		g.mu.Unlock()
		return Edge{}, fmt.Errorf("edge %d -> %d would create a cycle", source, target)
	}
	e := Edge{Source: source, Target: target, TargetPort: targetPort}
	g.edges = append(g.edges, e)
	g.version++
	affected := g.descendantsLocked([]int64{target})
	hooks := append([]InvalidateFunc{}, g.hooks...)
	g.mu.Unlock()
	fire(hooks, affected)
	return e, nil
}

// RemoveEdge disconnects a port. Union ports of the target are renumbered
// to stay dense in insertion order.
func (g *Graph) RemoveEdge(source, target int64, targetPort string) error {
	g.mu.Lock()
	idx := -1
	for i, e := range g.edges {
		if e.Source == source && e.Target == target && e.TargetPort == targetPort {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.mu.Unlock()
		return fmt.Errorf("edge %d -> %d (%s) not found", source, target, targetPort)
	}
	g.edges = append(g.edges[:idx], g.edges[idx+1:]...)
	g.renumberUnionPortsLocked(target)
	g.version++
	affected := g.descendantsLocked([]int64{target})
	hooks := append([]InvalidateFunc{}, g.hooks...)
	g.mu.Unlock()
	fire(hooks, affected)
	return nil
}

// RestoreEdge inserts an edge with its stored port, for loading persisted
// flows. A hand-edited document gets the same arity, occupancy, and
// acyclicity checks as AddEdge.
func (g *Graph) RestoreEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[e.Source]; !ok {
		return fmt.Errorf("source node %d not found", e.Source)
	}
	tn, ok := g.nodes[e.Target]
	if !ok {
		return fmt.Errorf("target node %d not found", e.Target)
	}
	if _, ok := portRank(e.TargetPort); !ok {
		return fmt.Errorf("invalid target port %q", e.TargetPort)
	}
	kind, _ := g.cat.Kind(tn.Kind)
	inbound := g.inboundLocked(e.Target)
	if !kind.AcceptsInputCount(len(inbound) + 1) {
		return fmt.Errorf("node %d (%s) accepts at most %d inputs", e.Target, tn.Kind, kind.MaxInputs)
	}
	for _, in := range inbound {
		if in.TargetPort == e.TargetPort {
			return fmt.Errorf("port %q of node %d is already connected", e.TargetPort, e.Target)
		}
	}
	if g.reachesLocked(e.Target, e.Source) {
		return fmt.Errorf("edge %d -> %d would create a cycle", e.Source, e.Target)
	}
	g.edges = append(g.edges, e)
	g.version++
	return nil
}

// Predecessors returns the sources feeding a node, ordered by input port.
func (g *Graph) Predecessors(id int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	in := g.inboundLocked(id)
	sort.SliceStable(in, func(a, b int) bool {
		ra, _ := portRank(in[a].TargetPort)
		rb, _ := portRank(in[b].TargetPort)
		return ra < rb
	})
	out := make([]int64, len(in))
	for i, e := range in {
		out[i] = e.Source
	}
	return out
}

// Descendants returns the given nodes plus everything reachable downstream.
func (g *Graph) Descendants(ids ...int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.descendantsLocked(ids)
}

// StartNodes returns nodes with no inputs, ordered by id.
func (g *Graph) StartNodes() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	hasIn := map[int64]bool{}
	for _, e := range g.edges {
		hasIn[e.Target] = true
	}
	out := []int64{}
	for id := range g.nodes {
		if !hasIn[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TerminalNodes returns nodes with no outputs, ordered by id.
func (g *Graph) TerminalNodes() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	hasOut := map[int64]bool{}
	for _, e := range g.edges {
		hasOut[e.Source] = true
	}
	out := []int64{}
	for id := range g.nodes {
		if !hasOut[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalOrder returns all node ids in dependency order, ties broken by
// id for determinism.
func (g *Graph) TopologicalOrder() ([]int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	indeg := map[int64]int{}
	for id := range g.nodes {
		indeg[id] = 0
	}
	for _, e := range g.edges {
		indeg[e.Target]++
	}
	ready := []int64{}
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	out := make([]int64, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		next := []int64{}
		for _, e := range g.edges {
			if e.Source != id {
				continue
			}
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				next = append(next, e.Target)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		ready = append(ready, next...)
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	}
	if len(out) != len(g.nodes) {
		return nil, fmt.Errorf("flow graph contains a cycle")
	}
	return out, nil
}

func (g *Graph) inboundLocked(id int64) []Edge {
	out := []Edge{}
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) defaultPortLocked(kind *catalog.Kind, existing int) string {
	if kind.MaxInputs == catalog.Unbounded {
		return UnionPort(existing)
	}
	if existing == 0 {
		return PortMain
	}
	return PortRight
}

func (g *Graph) renumberUnionPortsLocked(target int64) {
	i := 0
	for j := range g.edges {
		e := &g.edges[j]
		if e.Target != target || !strings.HasPrefix(e.TargetPort, "union[") {
			continue
		}
		e.TargetPort = UnionPort(i)
		i++
	}
}

// reachesLocked reports whether to is reachable from from.
func (g *Graph) reachesLocked(from, to int64) bool {
	if from == to {
		return true
	}
	seen := map[int64]bool{from: true}
	stack := []int64{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.Source != id || seen[e.Target] {
				continue
			}
			if e.Target == to {
				return true
			}
			seen[e.Target] = true
			stack = append(stack, e.Target)
		}
	}
	return false
}

func (g *Graph) descendantsLocked(ids []int64) []int64 {
	seen := map[int64]bool{}
	stack := append([]int64{}, ids...)
	for _, id := range ids {
		seen[id] = true
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.Source == id && !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func fire(hooks []InvalidateFunc, ids []int64) {
	for _, fn := range hooks {
		fn(ids)
	}
}
