// Package persist saves and loads flows as versioned YAML documents.
// Unknown settings keys round-trip untouched, so documents written by a
// newer build survive an edit in an older one.
package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/outputfields"
)

// Version is the document format this build reads and writes.
const Version = "2.0"

type document struct {
	Version      string       `yaml:"version"`
	FlowID       string       `yaml:"flow_id"`
	FlowName     string       `yaml:"flow_name"`
	FlowSettings flowSettings `yaml:"flow_settings"`
	Nodes        []nodeDoc    `yaml:"nodes"`
	Edges        []edgeDoc    `yaml:"edges"`
}

type flowSettings struct {
	Description   string `yaml:"description,omitempty"`
	ExecutionMode string `yaml:"execution_mode"`
}

type nodeDoc struct {
	ID           int64                `yaml:"id"`
	Type         string               `yaml:"type"`
	Position     positionDoc          `yaml:"position"`
	CacheResults bool                 `yaml:"cache_results"`
	Description  string               `yaml:"description,omitempty"`
	OutputFields *outputfields.Config `yaml:"output_field_config,omitempty"`
	Settings     map[string]any       `yaml:"settings"`
}

type positionDoc struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type edgeDoc struct {
	Source     int64  `yaml:"source"`
	SourcePort string `yaml:"source_port"`
	Target     int64  `yaml:"target"`
	TargetPort string `yaml:"target_port"`
}

// Migration rewrites a document from one version to the next. Migrations
// are registered per (from, to) pair and chained at load time.
type Migration func(doc *yaml.Node) error

var migrations = map[[2]string]Migration{}

// RegisterMigration installs a document migration. Later registrations
// for the same pair replace earlier ones.
func RegisterMigration(from, to string, m Migration) {
	migrations[[2]string{from, to}] = m
}

// Encode renders the graph as a YAML document.
func Encode(g *flow.Graph) ([]byte, error) {
	fs := g.Settings()
	doc := document{
		Version:  Version,
		FlowID:   g.ID(),
		FlowName: fs.Name,
		FlowSettings: flowSettings{
			Description:   fs.Description,
			ExecutionMode: string(fs.ExecutionMode),
		},
	}
	for _, n := range g.Nodes() {
		settings, err := catalog.SettingsMap(n.Settings)
		if err != nil {
			return nil, fmt.Errorf("node %d settings: %w", n.ID, err)
		}
		doc.Nodes = append(doc.Nodes, nodeDoc{
			ID:           n.ID,
			Type:         n.Kind,
			Position:     positionDoc{X: n.Position.X, Y: n.Position.Y},
			CacheResults: n.CacheResults,
			Description:  n.Description,
			OutputFields: n.OutputFields,
			Settings:     settings,
		})
	}
	for _, e := range g.Edges() {
		doc.Edges = append(doc.Edges, edgeDoc{
			Source:     e.Source,
			SourcePort: "main",
			Target:     e.Target,
			TargetPort: e.TargetPort,
		})
	}
	return yaml.Marshal(doc)
}

// Decode parses a YAML document into a fresh graph built against cat.
// Errors carry document line numbers where the parser has them.
func Decode(data []byte, cat *catalog.Catalog) (*flow.Graph, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}
	if err := migrate(&root); err != nil {
		return nil, err
	}
	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode flow document: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("unsupported document version %q, want %q", doc.Version, Version)
	}

	mode := flow.ExecutionMode(doc.FlowSettings.ExecutionMode)
	if doc.FlowSettings.ExecutionMode == "" {
		mode = flow.Development
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown execution mode %q", doc.FlowSettings.ExecutionMode)
	}

	g := flow.NewGraph(cat, doc.FlowID, doc.FlowName)
	if err := g.UpdateSettings(flow.Settings{
		Name:          doc.FlowName,
		Description:   doc.FlowSettings.Description,
		ExecutionMode: mode,
	}); err != nil {
		return nil, err
	}

	nodeLines := nodeLineIndex(&root)
	for _, nd := range doc.Nodes {
		settings, err := cat.DecodeSettings(nd.Type, nd.Settings)
		if err != nil {
			return nil, decodeError(nodeLines[nd.ID], "node %d: %v", nd.ID, err)
		}
		if nd.OutputFields != nil {
			if err := nd.OutputFields.Validate(); err != nil {
				return nil, decodeError(nodeLines[nd.ID], "node %d output fields: %v", nd.ID, err)
			}
		}
		n := &flow.Node{
			ID:           nd.ID,
			Kind:         nd.Type,
			Settings:     settings,
			Position:     flow.Position{X: nd.Position.X, Y: nd.Position.Y},
			CacheResults: nd.CacheResults,
			Description:  nd.Description,
			OutputFields: nd.OutputFields,
		}
		if err := g.RestoreNode(n); err != nil {
			return nil, decodeError(nodeLines[nd.ID], "node %d: %v", nd.ID, err)
		}
	}
	for _, ed := range doc.Edges {
		e := flow.Edge{Source: ed.Source, Target: ed.Target, TargetPort: ed.TargetPort}
		if err := g.RestoreEdge(e); err != nil {
			return nil, fmt.Errorf("edge %d -> %d: %w", ed.Source, ed.Target, err)
		}
	}
	return g, nil
}

// Save writes the graph to path atomically.
func Save(g *flow.Graph, path string) error {
	data, err := Encode(g)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".flow-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the flow at path.
func Load(path string, cat *catalog.Catalog) (*flow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Decode(data, cat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// migrate chains registered migrations until the document reaches the
// current version.
func migrate(root *yaml.Node) error {
	for {
		from := docVersion(root)
		if from == "" || from == Version {
			return nil
		}
		stepped := false
		for key, m := range migrations {
			if key[0] != from {
				continue
			}
			if err := m(root); err != nil {
				return fmt.Errorf("migrate %s -> %s: %w", key[0], key[1], err)
			}
			setDocVersion(root, key[1])
			stepped = true
			break
		}
		if !stepped {
			return nil
		}
	}
}

func mapping(root *yaml.Node) *yaml.Node {
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		return root.Content[0]
	}
	return root
}

func docVersion(root *yaml.Node) string {
	m := mapping(root)
	if m.Kind != yaml.MappingNode {
		return ""
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == "version" {
			return m.Content[i+1].Value
		}
	}
	return ""
}

func setDocVersion(root *yaml.Node, v string) {
	m := mapping(root)
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == "version" {
			m.Content[i+1].Value = v
			return
		}
	}
}

// nodeLineIndex maps node ids to their document lines for error messages.
func nodeLineIndex(root *yaml.Node) map[int64]int {
	out := map[int64]int{}
	m := mapping(root)
	if m.Kind != yaml.MappingNode {
		return out
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != "nodes" {
			continue
		}
		seq := m.Content[i+1]
		for _, nodeMap := range seq.Content {
			var nd struct {
				ID int64 `yaml:"id"`
			}
			if err := nodeMap.Decode(&nd); err == nil {
				out[nd.ID] = nodeMap.Line
			}
		}
	}
	return out
}

func decodeError(line int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		return fmt.Errorf("line %d: %s", line, msg)
	}
	return fmt.Errorf("%s", msg)
}
