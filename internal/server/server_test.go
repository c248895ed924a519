package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/run"
)

type testAPI struct {
	ts  *httptest.Server
	reg *Registry
	dir string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.New()
	exec := &run.LocalExecutor{Cache: store}
	reg := NewRegistry(cat, store, exec, filepath.Join(dir, "flows"), zerolog.Nop())
	srv := New(Config{SampleRows: 100}, reg, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)
	return &testAPI{ts: ts, reg: reg, dir: dir}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, wantCode int) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		var raw bytes.Buffer
		raw.ReadFrom(resp.Body)
		t.Fatalf("%s %s = %d, want %d: %s", method, path, resp.StatusCode, wantCode, raw.String())
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (a *testAPI) buildChain(t *testing.T) (flowID string, readID, filterID int64) {
	t.Helper()
	created := a.do(t, http.MethodPost, "/flows", map[string]any{"name": "orders"}, http.StatusCreated)
	flowID = created["flow_id"].(string)

	csv := filepath.Join(a.dir, "orders.csv")
	if err := os.WriteFile(csv, []byte("id,total\n1,10\n2,0\n3,25\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	readNode := a.do(t, http.MethodPost, "/flows/"+flowID+"/nodes", map[string]any{
		"type": "read",
		"settings": map[string]any{
			"path": csv,
			"columns": []any{
				map[string]any{"name": "id", "data_type": "Int64"},
				map[string]any{"name": "total", "data_type": "Int64"},
			},
		},
	}, http.StatusCreated)
	readID = int64(readNode["id"].(float64))

	filterNode := a.do(t, http.MethodPost, "/flows/"+flowID+"/nodes", map[string]any{
		"type":     "filter",
		"settings": map[string]any{"predicate": "total > 0"},
	}, http.StatusCreated)
	filterID = int64(filterNode["id"].(float64))

	a.do(t, http.MethodPost, "/flows/"+flowID+"/edges", map[string]any{
		"source": readID, "target": filterID,
	}, http.StatusCreated)
	return flowID, readID, filterID
}

func (a *testAPI) waitRun(t *testing.T, flowID, runID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rep := a.do(t, http.MethodGet, "/flows/"+flowID+"/runs/"+runID, nil, http.StatusOK)
		if st, _ := rep["status"].(string); st != string(run.StatusRunning) {
			return rep
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", runID)
	return nil
}

func TestFlowLifecycle(t *testing.T) {
	a := newTestAPI(t)
	flowID, _, filterID := a.buildChain(t)

	// Predicted schema before anything runs.
	sch := a.do(t, http.MethodGet, fmt.Sprintf("/flows/%s/nodes/%d/schema", flowID, filterID), nil, http.StatusOK)
	if sch["known"] != true || sch["schema"] != "[id:Int64, total:Int64]" {
		t.Fatalf("schema = %+v", sch)
	}

	started := a.do(t, http.MethodPost, "/flows/"+flowID+"/runs", nil, http.StatusAccepted)
	runID := started["run_id"].(string)
	rep := a.waitRun(t, flowID, runID)
	if rep["status"] != string(run.StatusSuccess) {
		t.Fatalf("report = %+v", rep)
	}

	sample := a.do(t, http.MethodGet, fmt.Sprintf("/flows/%s/nodes/%d/sample?rows=10", flowID, filterID), nil, http.StatusOK)
	if sample["total_rows"].(float64) != 2 {
		t.Fatalf("sample = %+v", sample)
	}
}

func TestEventsSinceReplay(t *testing.T) {
	a := newTestAPI(t)
	flowID, _, _ := a.buildChain(t)
	started := a.do(t, http.MethodPost, "/flows/"+flowID+"/runs", nil, http.StatusAccepted)
	a.waitRun(t, flowID, started["run_id"].(string))

	resp, err := http.Get(a.ts.URL + "/flows/" + flowID + "/events?since=0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var events []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 4 {
		t.Fatalf("events = %d", len(events))
	}
	mid := int64(events[len(events)/2]["seq"].(float64))
	resp2, err := http.Get(fmt.Sprintf("%s/flows/%s/events?since=%d", a.ts.URL, flowID, mid))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var tail []map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&tail); err != nil {
		t.Fatal(err)
	}
	if len(tail) == 0 || int64(tail[0]["seq"].(float64)) != mid+1 {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestNodeEditInvalidatesAndReruns(t *testing.T) {
	a := newTestAPI(t)
	flowID, _, filterID := a.buildChain(t)

	started := a.do(t, http.MethodPost, "/flows/"+flowID+"/runs", nil, http.StatusAccepted)
	a.waitRun(t, flowID, started["run_id"].(string))

	a.do(t, http.MethodPatch, fmt.Sprintf("/flows/%s/nodes/%d", flowID, filterID), map[string]any{
		"settings": map[string]any{"predicate": "total > 20"},
	}, http.StatusOK)

	started2 := a.do(t, http.MethodPost, "/flows/"+flowID+"/runs", nil, http.StatusAccepted)
	rep := a.waitRun(t, flowID, started2["run_id"].(string))
	nodes := rep["nodes"].(map[string]any)
	filt := nodes[fmt.Sprint(filterID)].(map[string]any)
	if filt["cache_hit"] == true {
		t.Fatal("edited node must recompute")
	}
	if filt["rows"].(float64) != 1 {
		t.Fatalf("filter = %+v", filt)
	}
}

func TestFlowsPersistAcrossRestart(t *testing.T) {
	a := newTestAPI(t)
	flowID, _, _ := a.buildChain(t)

	reg2 := NewRegistry(a.reg.cat, a.reg.cache, a.reg.exec, filepath.Join(a.dir, "flows"), zerolog.Nop())
	if err := reg2.LoadAll(); err != nil {
		t.Fatal(err)
	}
	f, ok := reg2.Get(flowID)
	if !ok {
		t.Fatalf("flow %s not restored", flowID)
	}
	if len(f.Graph.Nodes()) != 2 || len(f.Graph.Edges()) != 1 {
		t.Fatalf("restored graph: %d nodes, %d edges", len(f.Graph.Nodes()), len(f.Graph.Edges()))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	a := newTestAPI(t)
	flowID, _, _ := a.buildChain(t)

	resp, err := http.Get(a.ts.URL + "/flows/" + flowID + "/export")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := readAll(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc, `version: "2.0"`) {
		t.Fatalf("document:\n%s", doc)
	}

	imported, err := http.Post(a.ts.URL+"/flows/import", "application/yaml", strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	defer imported.Body.Close()
	if imported.StatusCode != http.StatusCreated {
		t.Fatalf("import = %d", imported.StatusCode)
	}
}

func TestUnknownFlowIs404(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodGet, "/flows/nope", nil, http.StatusNotFound)
	a.do(t, http.MethodPost, "/flows/nope/runs", nil, http.StatusNotFound)
}

func TestBadNodeSettingsRejected(t *testing.T) {
	a := newTestAPI(t)
	created := a.do(t, http.MethodPost, "/flows", map[string]any{"name": "x"}, http.StatusCreated)
	flowID := created["flow_id"].(string)
	a.do(t, http.MethodPost, "/flows/"+flowID+"/nodes", map[string]any{
		"type": "quantum_join", "settings": map[string]any{},
	}, http.StatusBadRequest)
}

func readAll(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}
