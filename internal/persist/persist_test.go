package persist

import (
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/outputfields"
)

func buildFlow(t *testing.T) *flow.Graph {
	t.Helper()
	g := flow.NewGraph(catalog.New(), "01FLOW", "orders")
	read, err := g.AddNode(catalog.KindRead, map[string]any{
		"path": "orders.csv",
		"columns": []any{
			map[string]any{"name": "id", "data_type": "Int64"},
			map[string]any{"name": "total", "data_type": "Float64"},
		},
	}, flow.Position{X: 10, Y: 20})
	if err != nil {
		t.Fatal(err)
	}
	filt, err := g.AddNode(catalog.KindFilter, map[string]any{"predicate": "total > 0"}, flow.Position{X: 200, Y: 20})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddEdge(read.ID, filt.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := g.SetOutputFields(filt.ID, &outputfields.Config{
		Enabled:  true,
		Behavior: outputfields.SelectOnly,
		Fields:   []outputfields.Field{{Name: "total", DataType: "Float64"}},
	}); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := buildFlow(t)
	path := filepath.Join(t.TempDir(), "flows", "orders.yaml")
	if err := Save(g, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path, catalog.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID() != "01FLOW" || got.Settings().Name != "orders" {
		t.Fatalf("identity = %s / %s", got.ID(), got.Settings().Name)
	}
	nodes := got.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d", len(nodes))
	}
	if nodes[0].Kind != catalog.KindRead || nodes[0].Position.X != 10 {
		t.Fatalf("node 0 = %+v", nodes[0])
	}
	fs, ok := nodes[1].Settings.(*catalog.FilterSettings)
	if !ok || fs.Predicate != "total > 0" {
		t.Fatalf("filter settings = %+v", nodes[1].Settings)
	}
	if nodes[1].OutputFields == nil || !nodes[1].OutputFields.Enabled {
		t.Fatalf("output fields = %+v", nodes[1].OutputFields)
	}
	edges := got.Edges()
	if len(edges) != 1 || edges[0].TargetPort != flow.PortMain {
		t.Fatalf("edges = %+v", edges)
	}
}

func TestDocumentCarriesVersion(t *testing.T) {
	data, err := Encode(buildFlow(t))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["version"] != "2.0" {
		t.Fatalf("version = %v", doc["version"])
	}
}

func TestUnknownSettingsKeysSurviveRoundTrip(t *testing.T) {
	in := `
version: "2.0"
flow_id: 01FLOW
flow_name: orders
flow_settings:
  execution_mode: development
nodes:
  - id: 1
    type: filter
    position: {x: 0, y: 0}
    cache_results: true
    settings:
      predicate: total > 0
      vendor_hint: keep-me
edges: []
`
	g, err := Decode([]byte(in), catalog.New())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := Encode(g)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "vendor_hint: keep-me") {
		t.Fatalf("unknown key dropped:\n%s", out)
	}
}

func TestUnknownNodeKindFailsWithLine(t *testing.T) {
	in := `
version: "2.0"
flow_id: 01FLOW
flow_name: orders
flow_settings:
  execution_mode: development
nodes:
  - id: 7
    type: quantum_join
    position: {x: 0, y: 0}
    cache_results: true
    settings: {}
edges: []
`
	_, err := Decode([]byte(in), catalog.New())
	if err == nil {
		t.Fatal("expected error for unknown node kind")
	}
	if !strings.Contains(err.Error(), "line 8") {
		t.Fatalf("error lacks document line: %v", err)
	}
	if !strings.Contains(err.Error(), "quantum_join") {
		t.Fatalf("error lacks kind: %v", err)
	}
}

func TestUnsupportedVersionFails(t *testing.T) {
	in := "version: \"9.9\"\nflow_id: x\nflow_name: x\n"
	if _, err := Decode([]byte(in), catalog.New()); err == nil {
		t.Fatal("expected version error")
	}
}

func TestMigrationUpgradesOldDocument(t *testing.T) {
	RegisterMigration("1.0", "2.0", func(doc *yaml.Node) error {
		// 1.0 used flow_title; rename the key.
		m := doc.Content[0]
		for i := 0; i+1 < len(m.Content); i += 2 {
			if m.Content[i].Value == "flow_title" {
				m.Content[i].Value = "flow_name"
			}
		}
		return nil
	})
	defer delete(migrations, [2]string{"1.0", "2.0"})

	in := `
version: "1.0"
flow_id: 01FLOW
flow_title: legacy
flow_settings:
  execution_mode: development
nodes: []
edges: []
`
	g, err := Decode([]byte(in), catalog.New())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.Settings().Name != "legacy" {
		t.Fatalf("name = %q", g.Settings().Name)
	}
}
