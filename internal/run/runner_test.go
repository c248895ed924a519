package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/schema"
	"github.com/flowforge-io/flowforge/internal/task"
)

type fixture struct {
	g      *flow.Graph
	store  *cache.Store
	events *EventLog
	runner *Runner
	dir    string
}

func newFixture(t *testing.T, exec Executor) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	g := flow.NewGraph(catalog.New(), "01TESTFLOW", "test")
	events := NewEventLog()
	fx := &fixture{g: g, store: store, events: events, dir: dir}
	if exec == nil {
		exec = &LocalExecutor{Cache: store}
	}
	fx.runner = NewRunner(g, store, exec, events, zerolog.Nop())
	return fx
}

func (fx *fixture) writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(fx.dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (fx *fixture) addRead(t *testing.T, path string) int64 {
	t.Helper()
	n, err := fx.g.AddNode(catalog.KindRead, map[string]any{
		"path": path,
		"columns": []any{
			map[string]any{"name": "id", "data_type": "Int64"},
			map[string]any{"name": "v", "data_type": "Int64"},
		},
	}, flow.Position{})
	if err != nil {
		t.Fatal(err)
	}
	return n.ID
}

func (fx *fixture) add(t *testing.T, kind string, settings map[string]any, inputs ...int64) int64 {
	t.Helper()
	n, err := fx.g.AddNode(kind, settings, flow.Position{})
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range inputs {
		if _, err := fx.g.AddEdge(in, n.ID, ""); err != nil {
			t.Fatal(err)
		}
	}
	return n.ID
}

func TestRunChainAndCacheReuse(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n2,20\n3,30\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 10"}, read)

	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Fatalf("status = %s, report = %+v", rep.Status, rep.Nodes)
	}
	if rep.Nodes[filt].Rows != 2 {
		t.Fatalf("filter rows = %d", rep.Nodes[filt].Rows)
	}
	if rep.Nodes[read].CacheHit || rep.Nodes[filt].CacheHit {
		t.Fatal("first run must not be a cache hit")
	}

	// Unchanged rerun: every node comes from cache and goes straight to
	// Success, so the event stream shows no Running transitions.
	mark := fx.events.LastSeq()
	rep2, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep2.Nodes[read].CacheHit || !rep2.Nodes[filt].CacheHit {
		t.Fatalf("rerun should hit cache: %+v %+v", rep2.Nodes[read], rep2.Nodes[filt])
	}
	if got := runningNodes(fx.events.Since(mark)); len(got) != 0 {
		t.Fatalf("cache-served rerun emitted Running events for %v", got)
	}
}

// runningNodes extracts the node ids of Running transitions from a slice
// of events.
func runningNodes(events []Event) []int64 {
	out := []int64{}
	for _, e := range events {
		if e.Type == "node_state_changed" && e.Data["status"] == string(StatusRunning) {
			out = append(out, e.Data["node_id"].(int64))
		}
	}
	return out
}

func TestPartialRerunAfterEdit(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n2,20\n3,30\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 10"}, read)

	if _, err := fx.runner.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := fx.g.UpdateNodeSettings(filt, map[string]any{"predicate": "v > 20"}); err != nil {
		t.Fatal(err)
	}
	mark := fx.events.LastSeq()
	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Nodes[read].CacheHit {
		t.Fatal("unchanged upstream node should hit cache")
	}
	if rep.Nodes[filt].CacheHit {
		t.Fatal("edited node must recompute")
	}
	if rep.Nodes[filt].Rows != 1 {
		t.Fatalf("filter rows = %d", rep.Nodes[filt].Rows)
	}
	// Only the edited node re-executes, so the rerun advertises exactly
	// one Running transition.
	if got := runningNodes(fx.events.Since(mark)); len(got) != 1 || got[0] != filt {
		t.Fatalf("Running transitions = %v, want [%d]", got, filt)
	}
}

func TestFailureSkipsDescendants(t *testing.T) {
	fx := newFixture(t, nil)
	read := fx.addRead(t, filepath.Join(fx.dir, "missing.csv"))
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 10"}, read)

	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != StatusFailed {
		t.Fatalf("status = %s", rep.Status)
	}
	if rep.Nodes[read].Status != StatusFailed {
		t.Fatalf("read status = %s", rep.Nodes[read].Status)
	}
	if rep.Nodes[filt].Status != StatusSkipped {
		t.Fatalf("filter status = %s", rep.Nodes[filt].Status)
	}
}

// scriptedExecutor fails a given number of times before delegating.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures []error
	calls    int
	result   *frame.Frame
}

func (s *scriptedExecutor) Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	return s.result, nil
}

func oneColumnFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.New(schema.Schema{{Name: "x", Type: schema.Of(schema.Int64)}})
	if err := f.AppendRow([]any{1}); err != nil {
		t.Fatal(err)
	}
	return f
}

func singleNodeFixture(t *testing.T, exec Executor) (*fixture, int64) {
	fx := newFixture(t, exec)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,1\n")
	return fx, fx.addRead(t, src)
}

func TestRetryOnTransientFailure(t *testing.T) {
	exec := &scriptedExecutor{
		failures: []error{
			task.Errorf(task.KindInputMissing, "blip"),
			task.Errorf(task.KindInternal, "blip"),
		},
	}
	fx, read := singleNodeFixture(t, exec)
	exec.result = oneColumnFrame(t)
	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nodes[read].Status != StatusSuccess {
		t.Fatalf("status = %s (%v)", rep.Nodes[read].Status, rep.Nodes[read].Error)
	}
	if rep.Nodes[read].Attempts != 3 {
		t.Fatalf("attempts = %d", rep.Nodes[read].Attempts)
	}
}

func TestNoRetryOnValidationFailure(t *testing.T) {
	exec := &scriptedExecutor{
		failures: []error{task.Errorf(task.KindValidation, "bad settings")},
	}
	fx, read := singleNodeFixture(t, exec)
	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	nr := rep.Nodes[read]
	if nr.Status != StatusFailed || nr.Error.Kind != task.KindValidation {
		t.Fatalf("node = %+v", nr)
	}
	if exec.calls != 1 {
		t.Fatalf("calls = %d, validation failures must not retry", exec.calls)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	exec := &scriptedExecutor{
		failures: []error{
			task.Errorf(task.KindInternal, "1"),
			task.Errorf(task.KindInternal, "2"),
			task.Errorf(task.KindInternal, "3"),
			task.Errorf(task.KindInternal, "4"),
		},
	}
	fx, read := singleNodeFixture(t, exec)
	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nodes[read].Status != StatusFailed {
		t.Fatalf("status = %s", rep.Nodes[read].Status)
	}
	if exec.calls != task.MaxRetries+1 {
		t.Fatalf("calls = %d, want %d", exec.calls, task.MaxRetries+1)
	}
}

func TestPerformanceModeMaterializesBoundariesOnly(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n2,20\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 0"}, read)
	sorted := fx.add(t, catalog.KindSort, map[string]any{"by": []any{map[string]any{"column": "v"}}}, filt)
	for _, id := range []int64{read, filt} {
		if err := fx.g.SetCacheResults(id, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := fx.g.UpdateSettings(flow.Settings{Name: "test", ExecutionMode: flow.Performance}); err != nil {
		t.Fatal(err)
	}

	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nodes[sorted].Status != StatusSuccess {
		t.Fatalf("terminal status = %s (%v)", rep.Nodes[sorted].Status, rep.Nodes[sorted].Error)
	}
	if rep.Nodes[sorted].Rows != 2 {
		t.Fatalf("rows = %d", rep.Nodes[sorted].Rows)
	}
	// Intermediate nodes were fused into the terminal plan.
	if rep.Nodes[read].Status == StatusSuccess || rep.Nodes[filt].Status == StatusSuccess {
		t.Fatalf("intermediates should not materialize: %+v %+v", rep.Nodes[read], rep.Nodes[filt])
	}
	if c, _ := fx.store.Stats(); c != 1 {
		t.Fatalf("cache entries = %d, want only the terminal result", c)
	}
}

func TestTargetedRunStopsAtTarget(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 0"}, read)
	sorted := fx.add(t, catalog.KindSort, map[string]any{"by": []any{map[string]any{"column": "v"}}}, filt)

	rep, err := fx.runner.Run(context.Background(), Options{Targets: []int64{filt}})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nodes[filt].Status != StatusSuccess {
		t.Fatalf("target status = %s", rep.Nodes[filt].Status)
	}
	if _, scheduled := rep.Nodes[sorted]; scheduled {
		t.Fatal("node downstream of the target must not be scheduled")
	}
}

func TestVanishedCachePayloadIsRebuilt(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n2,20\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 0"}, read)

	if _, err := fx.runner.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	// Drop the read payload, then invalidate the filter so it must
	// recompute against its vanished dependency.
	rep1, _ := fx.runner.Run(context.Background(), Options{})
	fx.store.Remove(rep1.Nodes[read].Fingerprint)
	if err := fx.g.UpdateNodeSettings(filt, map[string]any{"predicate": "v > 10"}); err != nil {
		t.Fatal(err)
	}
	rep, err := fx.runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nodes[filt].Status != StatusSuccess {
		t.Fatalf("filter = %+v", rep.Nodes[filt])
	}
	if rep.Nodes[filt].Rows != 1 {
		t.Fatalf("rows = %d", rep.Nodes[filt].Rows)
	}
}

func TestCancelRun(t *testing.T) {
	block := make(chan struct{})
	exec := &blockingExecutor{block: block}
	fx, read := singleNodeFixture(t, exec)

	type result struct {
		rep *Report
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rep, err := fx.runner.Run(context.Background(), Options{})
		resCh <- result{rep, err}
	}()

	// Wait for the node to start, then cancel by run id from the event log.
	deadline := time.After(5 * time.Second)
	var runID string
	for runID == "" {
		select {
		case <-deadline:
			t.Fatal("node never started")
		default:
		}
		for _, e := range fx.events.Since(0) {
			if e.Type == "run_started" {
				runID = e.Data["run_id"].(string)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	for !exec.started() {
		time.Sleep(5 * time.Millisecond)
	}
	if !fx.runner.Cancel(runID) {
		t.Fatal("Cancel did not find the run")
	}
	res := <-resCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.rep.Status != StatusCancelled {
		t.Fatalf("status = %s", res.rep.Status)
	}
	if res.rep.Nodes[read].Status != StatusCancelled {
		t.Fatalf("node status = %s", res.rep.Nodes[read].Status)
	}
	close(block)
}

// countingExecutor records how many times each fingerprint was executed
// and delays long enough for concurrent runs to overlap.
type countingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	inner Executor
}

func (c *countingExecutor) Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	c.mu.Lock()
	c.calls[req.Fingerprint]++
	c.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	return c.inner.Execute(ctx, req)
}

func TestConcurrentRunsShareOneBuilder(t *testing.T) {
	exec := &countingExecutor{calls: map[string]int{}}
	fx := newFixture(t, exec)
	exec.inner = &LocalExecutor{Cache: fx.store}
	src := fx.writeCSV(t, "in.csv", "id,v\n1,10\n2,20\n")
	read := fx.addRead(t, src)
	filt := fx.add(t, catalog.KindFilter, map[string]any{"predicate": "v > 10"}, read)

	var wg sync.WaitGroup
	reps := make([]*Report, 2)
	for i := range reps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := fx.runner.Run(context.Background(), Options{})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
				return
			}
			reps[i] = rep
		}(i)
	}
	wg.Wait()
	for i, rep := range reps {
		if rep == nil || rep.Status != StatusSuccess {
			t.Fatalf("run %d: %+v", i, rep)
		}
		if rep.Nodes[filt].Rows != 1 {
			t.Fatalf("run %d rows = %d", i, rep.Nodes[filt].Rows)
		}
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	for fp, n := range exec.calls {
		if n != 1 {
			t.Fatalf("fingerprint %s executed %d times across concurrent runs, want 1", fp, n)
		}
	}
}

type blockingExecutor struct {
	mu      sync.Mutex
	running bool
	block   chan struct{}
}

func (b *blockingExecutor) started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *blockingExecutor) Execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task aborted: %w", ctx.Err())
	case <-b.block:
		return nil, fmt.Errorf("unblocked without result")
	}
}

func TestEventLogSequencing(t *testing.T) {
	fx := newFixture(t, nil)
	src := fx.writeCSV(t, "in.csv", "id,v\n1,1\n")
	fx.addRead(t, src)
	if _, err := fx.runner.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	all := fx.events.Since(0)
	want := []string{"run_started", "node_state_changed", "node_state_changed", "sample_available", "run_finished"}
	if len(all) != len(want) {
		t.Fatalf("events = %d, want %v", len(all), want)
	}
	for i, e := range all {
		if e.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, e.Type, want[i])
		}
	}
	// The two state changes for the one node arrive in monotonic state
	// order.
	if all[1].Data["status"] != string(StatusRunning) || all[2].Data["status"] != string(StatusSuccess) {
		t.Fatalf("state order = %v, %v", all[1].Data["status"], all[2].Data["status"])
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq != all[i-1].Seq+1 {
			t.Fatalf("non-monotonic seq at %d: %d -> %d", i, all[i-1].Seq, all[i].Seq)
		}
	}
	tail := fx.events.Since(all[1].Seq)
	if len(tail) != len(all)-2 {
		t.Fatalf("Since returned %d events, want %d", len(tail), len(all)-2)
	}
}
