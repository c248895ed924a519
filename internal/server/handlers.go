package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/fingerprint"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/outputfields"
	"github.com/flowforge-io/flowforge/internal/persist"
	"github.com/flowforge-io/flowforge/internal/run"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) flow(w http.ResponseWriter, r *http.Request) (*Flow, bool) {
	id := chi.URLParam(r, "flowID")
	f, ok := s.registry.Get(id)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown flow %q", id)
		return nil, false
	}
	return f, true
}

func nodeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "nodeID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid node id %q", raw)
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "flows": len(s.registry.List())})
}

// --- flows ---

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string `json:"name"`
		ExecutionMode string `json:"execution_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	f, err := s.registry.Create(body.Name, flow.ExecutionMode(body.ExecutionMode))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, flowSummary(f))
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.registry.List()
	out := make([]map[string]any, len(flows))
	for i, f := range flows {
		out[i] = flowSummary(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.flowDetail(f))
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flowID")
	if !s.registry.Delete(id) {
		httpError(w, http.StatusNotFound, "unknown flow %q", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateFlowSettings(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var body flow.Settings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := f.Graph.UpdateSettings(body); err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.persist(f)
	writeJSON(w, http.StatusOK, flowSummary(f))
}

func (s *Server) handleExportFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	data, err := persist.Encode(f.Graph)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func (s *Server) handleImportFlow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	g, err := persist.Decode(data, s.registry.cat)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	f, err := s.registry.Import(g)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, flowSummary(f))
}

// --- nodes and edges ---

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var body struct {
		Type     string         `json:"type"`
		Settings map[string]any `json:"settings"`
		Position flow.Position  `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	n, err := f.Graph.AddNode(body.Type, body.Settings, body.Position)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.persist(f)
	writeJSON(w, http.StatusCreated, s.nodeView(f, *n))
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	var body struct {
		Settings     map[string]any `json:"settings"`
		Position     *flow.Position `json:"position"`
		CacheResults *bool          `json:"cache_results"`
		Description  *string        `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.Settings != nil {
		if err := f.Graph.UpdateNodeSettings(id, body.Settings); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}
	if body.Position != nil {
		if err := f.Graph.UpdatePosition(id, *body.Position); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}
	if body.CacheResults != nil {
		if err := f.Graph.SetCacheResults(id, *body.CacheResults); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}
	if body.Description != nil {
		if err := f.Graph.SetDescription(id, *body.Description); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}
	s.persist(f)
	n, found := f.Graph.Node(id)
	if !found {
		httpError(w, http.StatusNotFound, "node %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(f, n))
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	if err := f.Graph.RemoveNode(id); err != nil {
		httpError(w, http.StatusNotFound, "%v", err)
		return
	}
	s.persist(f)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetOutputFields(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	var cfg *outputfields.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := f.Graph.SetOutputFields(id, cfg); err != nil {
		httpError(w, http.StatusNotFound, "%v", err)
		return
	}
	s.persist(f)
	n, _ := f.Graph.Node(id)
	writeJSON(w, http.StatusOK, s.nodeView(f, n))
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var body flow.Edge
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	e, err := f.Graph.AddEdge(body.Source, body.Target, body.TargetPort)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.persist(f)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var body flow.Edge
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := f.Graph.RemoveEdge(body.Source, body.Target, body.TargetPort); err != nil {
		httpError(w, http.StatusNotFound, "%v", err)
		return
	}
	s.persist(f)
	w.WriteHeader(http.StatusNoContent)
}

// --- schema and samples ---

func (s *Server) handleNodeSchema(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	if _, found := f.Graph.Node(id); !found {
		httpError(w, http.StatusNotFound, "node %d not found", id)
		return
	}
	res, found := f.Propagator.Node(id)
	if !found {
		httpError(w, http.StatusNotFound, "node %d not found", id)
		return
	}
	out := map[string]any{"node_id": id, "known": res.Known()}
	if res.Known() {
		out["schema"] = res.Schema.String()
	}
	if res.Diagnostic != "" {
		out["diagnostic"] = res.Diagnostic
	}
	if len(res.Issues) > 0 {
		out["issues"] = res.Issues
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNodeSample(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	rows := s.config.SampleRows
	if v := r.URL.Query().Get("rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid rows %q", v)
			return
		}
		rows = n
	}
	fps, fpErrs, err := fingerprint.Compute(f.Graph)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if ferr, bad := fpErrs[id]; bad {
		httpError(w, http.StatusConflict, "node %d: %v", id, ferr)
		return
	}
	fp, found := fps[id]
	if !found {
		httpError(w, http.StatusNotFound, "node %d not found", id)
		return
	}
	if !s.registry.cache.Has(fp) {
		httpError(w, http.StatusNotFound, "node %d has no materialized result; run the flow first", id)
		return
	}
	fr, err := s.registry.cache.Load(fp)
	if err != nil {
		httpError(w, http.StatusNotFound, "node %d result no longer available: %v", id, err)
		return
	}
	head := fr.Head(rows)
	out := make([]map[string]any, head.NumRows())
	for i := range out {
		row := head.Row(i)
		m := make(map[string]any, len(row))
		for c, col := range head.Schema {
			m[col.Name] = row[c]
		}
		out[i] = m
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":     id,
		"fingerprint": fp,
		"schema":      fr.Schema.String(),
		"total_rows":  fr.NumRows(),
		"rows":        out,
	})
}

// --- runs ---

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var body struct {
		Targets     []int64 `json:"targets"`
		MaxParallel int     `json:"max_parallel"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid body: %v", err)
			return
		}
	}
	runID := f.StartRun(s.baseCtx, run.Options{Targets: body.Targets, MaxParallel: body.MaxParallel})
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": string(run.StatusRunning)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	runID := chi.URLParam(r, "runID")
	rep, found, err := f.Run(runID)
	if !found {
		httpError(w, http.StatusNotFound, "unknown run %q", runID)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if rep == nil {
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": string(run.StatusRunning)})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, found, _ := f.Run(runID); !found {
		httpError(w, http.StatusNotFound, "unknown run %q", runID)
		return
	}
	cancelled := f.Runner.Cancel(runID)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "cancelled": cancelled})
}

// --- views ---

func flowSummary(f *Flow) map[string]any {
	fs := f.Graph.Settings()
	return map[string]any{
		"flow_id":        f.Graph.ID(),
		"name":           fs.Name,
		"description":    fs.Description,
		"execution_mode": string(fs.ExecutionMode),
		"nodes":          len(f.Graph.Nodes()),
		"edges":          len(f.Graph.Edges()),
	}
}

func (s *Server) flowDetail(f *Flow) map[string]any {
	out := flowSummary(f)
	nodes := f.Graph.Nodes()
	views := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		views[i] = s.nodeView(f, n)
	}
	out["node_list"] = views
	out["edge_list"] = f.Graph.Edges()
	return out
}

func (s *Server) nodeView(f *Flow, n flow.Node) map[string]any {
	out := map[string]any{
		"id":            n.ID,
		"type":          n.Kind,
		"position":      n.Position,
		"cache_results": n.CacheResults,
	}
	if n.Description != "" {
		out["description"] = n.Description
	}
	if n.OutputFields != nil {
		out["output_field_config"] = n.OutputFields
	}
	if m, err := settingsView(n); err == nil {
		out["settings"] = m
	}
	if res, found := f.Propagator.Node(n.ID); found {
		if res.Known() {
			out["schema"] = res.Schema.String()
		} else if res.Diagnostic != "" {
			out["schema_diagnostic"] = res.Diagnostic
		}
		if len(res.Issues) > 0 {
			out["issues"] = res.Issues
		}
	}
	return out
}

func settingsView(n flow.Node) (map[string]any, error) {
	return catalog.SettingsMap(n.Settings)
}

func (s *Server) persist(f *Flow) {
	if err := s.registry.Persist(f); err != nil {
		s.log.Warn().Str("flow_id", f.Graph.ID()).Err(err).Msg("persisting flow")
	}
}

// isSSE reports whether the client asked for an event stream.
func isSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
