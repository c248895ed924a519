package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/persist"
	"github.com/flowforge-io/flowforge/internal/predict"
	"github.com/flowforge-io/flowforge/internal/run"
)

// Flow bundles everything live about one flow: its graph, schema
// propagator, runner, event log, and the runs started through the API.
type Flow struct {
	Graph      *flow.Graph
	Propagator *predict.Propagator
	Runner     *run.Runner
	Events     *run.EventLog

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	done   chan struct{}
	report *run.Report
	err    error
}

// StartRun launches a run asynchronously and returns its id.
func (f *Flow) StartRun(ctx context.Context, opts run.Options) string {
	opts.RunID = ulid.Make().String()
	h := &runHandle{done: make(chan struct{})}
	f.mu.Lock()
	f.runs[opts.RunID] = h
	f.mu.Unlock()
	go func() {
		h.report, h.err = f.Runner.Run(ctx, opts)
		close(h.done)
	}()
	return opts.RunID
}

// Run returns a run's report. ok is false for an unknown id; a known run
// still in flight returns a nil report.
func (f *Flow) Run(runID string) (rep *run.Report, ok bool, err error) {
	f.mu.Lock()
	h, ok := f.runs[runID]
	f.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	select {
	case <-h.done:
		return h.report, true, h.err
	default:
		return nil, true, nil
	}
}

// Registry manages the flows known to this coordinator and persists them
// under a storage directory.
type Registry struct {
	cat   *catalog.Catalog
	cache *cache.Store
	exec  run.Executor
	dir   string
	log   zerolog.Logger

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewRegistry builds a registry. dir may be empty, which disables
// persistence.
func NewRegistry(cat *catalog.Catalog, store *cache.Store, exec run.Executor, dir string, log zerolog.Logger) *Registry {
	return &Registry{
		cat:   cat,
		cache: store,
		exec:  exec,
		dir:   dir,
		log:   log,
		flows: map[string]*Flow{},
	}
}

func (r *Registry) wrap(g *flow.Graph) *Flow {
	f := &Flow{
		Graph:      g,
		Propagator: predict.New(g),
		Events:     run.NewEventLog(),
		runs:       map[string]*runHandle{},
	}
	f.Runner = run.NewRunner(g, r.cache, r.exec, f.Events, r.log)
	g.OnInvalidate(func(ids []int64) {
		f.Events.Append("nodes_invalidated", map[string]any{"node_ids": ids})
	})
	return f
}

// Create makes a new empty flow.
func (r *Registry) Create(name string, mode flow.ExecutionMode) (*Flow, error) {
	if !mode.Valid() {
		mode = flow.Development
	}
	id := ulid.Make().String()
	g := flow.NewGraph(r.cat, id, name)
	if err := g.UpdateSettings(flow.Settings{Name: name, ExecutionMode: mode}); err != nil {
		return nil, err
	}
	f := r.wrap(g)
	r.mu.Lock()
	r.flows[id] = f
	r.mu.Unlock()
	if err := r.Persist(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Get looks up a flow by id.
func (r *Registry) Get(id string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	return f, ok
}

// List returns all flows sorted by id.
func (r *Registry) List() []*Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Graph.ID() < out[j].Graph.ID() })
	return out
}

// Delete removes a flow and its stored document.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.flows[id]
	delete(r.flows, id)
	r.mu.Unlock()
	if ok && r.dir != "" {
		_ = os.Remove(r.docPath(id))
	}
	return ok
}

// Persist writes a flow's document to the storage directory.
func (r *Registry) Persist(f *Flow) error {
	if r.dir == "" {
		return nil
	}
	return persist.Save(f.Graph, r.docPath(f.Graph.ID()))
}

// LoadAll restores every stored flow document. A document that fails to
// load is logged and skipped rather than taking the coordinator down.
func (r *Registry) LoadAll() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		g, err := persist.Load(path, r.cat)
		if err != nil {
			r.log.Warn().Str("path", path).Err(err).Msg("skipping unreadable flow document")
			continue
		}
		r.mu.Lock()
		r.flows[g.ID()] = r.wrap(g)
		r.mu.Unlock()
	}
	return nil
}

// Import registers a graph decoded from an uploaded document, replacing
// any flow with the same id.
func (r *Registry) Import(g *flow.Graph) (*Flow, error) {
	if g.ID() == "" {
		return nil, fmt.Errorf("document has no flow id")
	}
	f := r.wrap(g)
	r.mu.Lock()
	r.flows[g.ID()] = f
	r.mu.Unlock()
	if err := r.Persist(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Registry) docPath(id string) string {
	return filepath.Join(r.dir, id+".yaml")
}
