package flow

import (
	"reflect"
	"testing"

	"github.com/flowforge-io/flowforge/internal/catalog"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return NewGraph(catalog.New(), "01TESTFLOW", "test")
}

func addRead(t *testing.T, g *Graph, path string) *Node {
	t.Helper()
	n, err := g.AddNode(catalog.KindRead, map[string]any{
		"path":    path,
		"columns": []any{map[string]any{"name": "x", "data_type": "Int64"}},
	}, Position{})
	if err != nil {
		t.Fatalf("AddNode read: %v", err)
	}
	return n
}

func addNode(t *testing.T, g *Graph, kind string, settings map[string]any) *Node {
	t.Helper()
	n, err := g.AddNode(kind, settings, Position{})
	if err != nil {
		t.Fatalf("AddNode %s: %v", kind, err)
	}
	return n
}

func TestAddNodeMaterializesDefaults(t *testing.T) {
	g := newTestGraph(t)
	n := addNode(t, g, catalog.KindSample, nil)
	if n.Settings.(*catalog.SampleSettings).Rows != 100 {
		t.Fatalf("default rows = %d", n.Settings.(*catalog.SampleSettings).Rows)
	}
	if !n.CacheResults {
		t.Fatal("new nodes should cache results by default")
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := newTestGraph(t)
	a := addNode(t, g, catalog.KindFilter, map[string]any{"predicate": "x > 0"})
	b := addNode(t, g, catalog.KindFilter, map[string]any{"predicate": "x > 1"})
	if _, err := g.AddEdge(a.ID, b.ID, ""); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if _, err := g.AddEdge(b.ID, a.ID, ""); err == nil {
		t.Fatal("expected cycle rejection")
	}
	if _, err := g.AddEdge(a.ID, a.ID, ""); err == nil {
		t.Fatal("expected self-edge rejection")
	}
}

func TestAddEdgeArityAndPorts(t *testing.T) {
	g := newTestGraph(t)
	r1 := addRead(t, g, "a.csv")
	r2 := addRead(t, g, "b.csv")
	r3 := addRead(t, g, "c.csv")
	j := addNode(t, g, catalog.KindJoin, map[string]any{"left_on": []any{"x"}, "right_on": []any{"x"}})

	e1, err := g.AddEdge(r1.ID, j.ID, "")
	if err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if e1.TargetPort != PortMain {
		t.Fatalf("first port = %q", e1.TargetPort)
	}
	e2, err := g.AddEdge(r2.ID, j.ID, "")
	if err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if e2.TargetPort != PortRight {
		t.Fatalf("second port = %q", e2.TargetPort)
	}
	if _, err := g.AddEdge(r3.ID, j.ID, ""); err == nil {
		t.Fatal("expected arity rejection on third join input")
	}
	if _, err := g.AddEdge(r3.ID, j.ID, PortMain); err == nil {
		t.Fatal("expected occupied-port rejection")
	}
}

func TestRestoreEdgeChecksArityAndPorts(t *testing.T) {
	g := newTestGraph(t)
	r1 := addRead(t, g, "a.csv")
	r2 := addRead(t, g, "b.csv")
	r3 := addRead(t, g, "c.csv")
	j := addNode(t, g, catalog.KindJoin, map[string]any{"left_on": []any{"x"}, "right_on": []any{"x"}})

	if err := g.RestoreEdge(Edge{Source: r1.ID, Target: j.ID, TargetPort: PortMain}); err != nil {
		t.Fatalf("RestoreEdge: %v", err)
	}
	// A hand-edited document wiring two sources to the same port is
	// rejected like the live mutation would be.
	if err := g.RestoreEdge(Edge{Source: r2.ID, Target: j.ID, TargetPort: PortMain}); err == nil {
		t.Fatal("expected occupied-port rejection")
	}
	if err := g.RestoreEdge(Edge{Source: r2.ID, Target: j.ID, TargetPort: PortRight}); err != nil {
		t.Fatalf("RestoreEdge: %v", err)
	}
	if err := g.RestoreEdge(Edge{Source: r3.ID, Target: j.ID, TargetPort: "union[0]"}); err == nil {
		t.Fatal("expected arity rejection on a third join input")
	}
}

func TestUnionPortsFollowInsertionOrder(t *testing.T) {
	g := newTestGraph(t)
	u := addNode(t, g, catalog.KindUnion, nil)
	var reads []*Node
	for _, p := range []string{"a.csv", "b.csv", "c.csv"} {
		reads = append(reads, addRead(t, g, p))
	}
	for i, r := range reads {
		e, err := g.AddEdge(r.ID, u.ID, "")
		if err != nil {
			t.Fatalf("AddEdge %d: %v", i, err)
		}
		if e.TargetPort != UnionPort(i) {
			t.Fatalf("port %d = %q", i, e.TargetPort)
		}
	}
	want := []int64{reads[0].ID, reads[1].ID, reads[2].ID}
	if got := g.Predecessors(u.ID); !reflect.DeepEqual(got, want) {
		t.Fatalf("predecessors = %v, want %v", got, want)
	}

	// Removing the middle input renumbers the remaining union ports.
	if err := g.RemoveEdge(reads[1].ID, u.ID, UnionPort(1)); err != nil {
		t.Fatalf("RemoveEdge: %v", err)
	}
	want = []int64{reads[0].ID, reads[2].ID}
	if got := g.Predecessors(u.ID); !reflect.DeepEqual(got, want) {
		t.Fatalf("predecessors after removal = %v, want %v", got, want)
	}
	for _, e := range g.Edges() {
		if e.Target == u.ID && e.Source == reads[2].ID && e.TargetPort != UnionPort(1) {
			t.Fatalf("port not renumbered: %q", e.TargetPort)
		}
	}
}

func TestRemoveNodeCascades(t *testing.T) {
	g := newTestGraph(t)
	r := addRead(t, g, "a.csv")
	f := addNode(t, g, catalog.KindFilter, map[string]any{"predicate": "x > 0"})
	if _, err := g.AddEdge(r.ID, f.ID, ""); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.RemoveNode(r.ID); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if len(g.Edges()) != 0 {
		t.Fatalf("edges = %v, want none", g.Edges())
	}
	if _, ok := g.Node(r.ID); ok {
		t.Fatal("node still present")
	}
}

func TestInvalidationCoversDescendants(t *testing.T) {
	g := newTestGraph(t)
	r := addRead(t, g, "a.csv")
	f := addNode(t, g, catalog.KindFilter, map[string]any{"predicate": "x > 0"})
	s := addNode(t, g, catalog.KindSort, map[string]any{"by": []any{map[string]any{"column": "x"}}})
	if _, err := g.AddEdge(r.ID, f.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddEdge(f.ID, s.ID, ""); err != nil {
		t.Fatal(err)
	}

	var got []int64
	g.OnInvalidate(func(ids []int64) { got = ids })
	if err := g.UpdateNodeSettings(f.ID, map[string]any{"predicate": "x > 5"}); err != nil {
		t.Fatalf("UpdateNodeSettings: %v", err)
	}
	want := []int64{f.ID, s.ID}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalidated = %v, want %v", got, want)
	}
}

func TestVersionBumpsOnSemanticChangesOnly(t *testing.T) {
	g := newTestGraph(t)
	n := addRead(t, g, "a.csv")
	v := g.Version()
	if err := g.UpdatePosition(n.ID, Position{X: 10, Y: 20}); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	if g.Version() != v {
		t.Fatal("position change must not bump the version")
	}
	if err := g.UpdateNodeSettings(n.ID, map[string]any{
		"path":    "b.csv",
		"columns": []any{map[string]any{"name": "x", "data_type": "Int64"}},
	}); err != nil {
		t.Fatalf("UpdateNodeSettings: %v", err)
	}
	if g.Version() == v {
		t.Fatal("settings change must bump the version")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := newTestGraph(t)
	r1 := addRead(t, g, "a.csv")
	r2 := addRead(t, g, "b.csv")
	j := addNode(t, g, catalog.KindJoin, map[string]any{"left_on": []any{"x"}, "right_on": []any{"x"}})
	w := addNode(t, g, catalog.KindWrite, map[string]any{"path": "out.csv"})
	if _, err := g.AddEdge(r1.ID, j.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddEdge(r2.ID, j.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddEdge(j.ID, w.ID, ""); err != nil {
		t.Fatal(err)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := map[int64]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos[j.ID] < pos[r1.ID] || pos[j.ID] < pos[r2.ID] || pos[w.ID] < pos[j.ID] {
		t.Fatalf("order = %v", order)
	}
	if got := g.StartNodes(); !reflect.DeepEqual(got, []int64{r1.ID, r2.ID}) {
		t.Fatalf("start nodes = %v", got)
	}
	if got := g.TerminalNodes(); !reflect.DeepEqual(got, []int64{w.ID}) {
		t.Fatalf("terminal nodes = %v", got)
	}
}
