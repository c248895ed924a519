// Package run schedules flow execution: it decides which nodes
// materialize, dispatches their plans to an executor with bounded
// parallelism, reuses cached results by fingerprint, retries transient
// failures, and reports progress through an event log.
package run

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/fingerprint"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/planner"
	"github.com/flowforge-io/flowforge/internal/task"
)

// Options tunes one run.
type Options struct {
	// Targets are the nodes to bring up to date; empty means every
	// terminal node. Ancestors run as needed, reruns stay partial.
	Targets []int64
	// MaxParallel bounds concurrently executing nodes. <= 0 means 4.
	MaxParallel int
	// RunID names the run; empty means a fresh ULID. Callers that start
	// runs asynchronously set it so they can report and cancel by id.
	RunID string
}

// Runner executes runs of a single flow.
type Runner struct {
	g      *flow.Graph
	cache  *cache.Store
	exec   Executor
	events *EventLog
	log    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewRunner builds a runner.
func NewRunner(g *flow.Graph, store *cache.Store, exec Executor, events *EventLog, log zerolog.Logger) *Runner {
	return &Runner{
		g:       g,
		cache:   store,
		exec:    exec,
		events:  events,
		log:     log,
		cancels: map[string]context.CancelCauseFunc{},
	}
}

// Cancel aborts a run in flight.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel(fmt.Errorf("run %s cancelled", runID))
	}
	return ok
}

type runState struct {
	runID  string
	report *Report
	fps    map[int64]string
	inM    map[int64]bool
	deps   map[int64][]int64
	mu     sync.Mutex
}

// Run executes the flow and blocks until every scheduled node reaches a
// terminal status. The returned error covers run-level faults only; node
// failures land in the report.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	runID := opts.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}()

	fps, fpErrs, err := fingerprint.Compute(r.g)
	if err != nil {
		return nil, err
	}

	targets := opts.Targets
	if len(targets) == 0 {
		targets = r.g.TerminalNodes()
	}
	for _, id := range targets {
		if _, ok := r.g.Node(id); !ok {
			return nil, fmt.Errorf("target node %d not found", id)
		}
	}
	needed := r.ancestors(targets)

	mode := r.g.Settings().ExecutionMode
	st := &runState{
		runID: runID,
		fps:   fps,
		inM:   map[int64]bool{},
		deps:  map[int64][]int64{},
		report: &Report{
			RunID:     runID,
			FlowID:    r.g.ID(),
			Status:    StatusRunning,
			Nodes:     map[int64]*NodeRun{},
			StartedAt: time.Now().UTC(),
		},
	}
	isTarget := map[int64]bool{}
	for _, id := range targets {
		isTarget[id] = true
	}
	for id := range needed {
		n, _ := r.g.Node(id)
		st.report.Nodes[id] = &NodeRun{NodeID: id, Status: StatusPending, Fingerprint: fps[id]}
		if mode == flow.Development || isTarget[id] || n.CacheResults || n.OutputFields.Active() {
			st.inM[id] = true
		}
	}
	for id := range st.inM {
		st.deps[id] = r.nearestBoundaries(id, st.inM)
	}

	r.events.Append("run_started", map[string]any{
		"run_id": runID, "flow_id": r.g.ID(), "mode": string(mode), "targets": targets,
	})
	r.log.Info().Str("run_id", runID).Str("flow_id", r.g.ID()).Int("nodes", len(needed)).Msg("run started")

	// Nodes that cannot be fingerprinted fail before dispatch.
	for id := range needed {
		if ferr, bad := fpErrs[id]; bad && st.inM[id] {
			nr := st.report.Nodes[id]
			if nr.Status == StatusPending {
				r.finishNode(st, id, StatusFailed, task.Errorf(task.KindValidation, "%v", ferr), 0, false, 0)
				r.skipDownstream(st, id)
			}
		}
	}

	r.dispatch(ctx, st, opts)

	st.mu.Lock()
	st.report.Status = overall(st.report)
	st.report.FinishedAt = time.Now().UTC()
	status := st.report.Status
	st.mu.Unlock()
	r.events.Append("run_finished", map[string]any{"run_id": runID, "status": string(status)})
	r.log.Info().Str("run_id", runID).Str("status", string(status)).Msg("run finished")
	return st.report, nil
}

func (r *Runner) dispatch(ctx context.Context, st *runState, opts Options) {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	type doneMsg struct{ id int64 }
	done := make(chan doneMsg)
	running := 0
	launched := map[int64]bool{}

	for {
		if ctx.Err() != nil {
			st.mu.Lock()
			for id, nr := range st.report.Nodes {
				if nr.Status == StatusPending && st.inM[id] {
					nr.Status = StatusCancelled
					nr.Error = task.Errorf(task.KindCancelled, "run cancelled")
				}
			}
			st.mu.Unlock()
		} else {
			for _, id := range r.readyNodes(st, launched) {
				if running >= maxParallel {
					break
				}
				launched[id] = true
				running++
				go func(id int64) {
					r.execNode(ctx, st, id)
					done <- doneMsg{id}
				}(id)
			}
		}
		if running == 0 {
			break
		}
		<-done
		running--
	}

	// Anything still pending has an unsatisfiable dependency.
	st.mu.Lock()
	for id, nr := range st.report.Nodes {
		if nr.Status == StatusPending && st.inM[id] {
			nr.Status = StatusSkipped
		}
		if nr.Status == StatusPending {
			nr.Status = StatusIdle
		}
	}
	st.mu.Unlock()
}

func (r *Runner) readyNodes(st *runState, launched map[int64]bool) []int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []int64{}
	for id := range st.inM {
		if launched[id] || st.report.Nodes[id].Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range st.deps[id] {
			if st.report.Nodes[dep].Status != StatusSuccess {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// execNode materializes one node. The cache arbitrates: at most one
// builder runs per fingerprint at a time, so a concurrent run over the
// same subgraph waits for the in-flight builder and shares its result.
// A node served without building is a cache hit and goes straight from
// Pending to Success; no task existed, so no Running transition is
// advertised.
func (r *Runner) execNode(ctx context.Context, st *runState, id int64) {
	node, ok := r.g.Node(id)
	if !ok {
		r.finishNode(st, id, StatusFailed, task.Errorf(task.KindInternal, "node %d vanished mid-run", id), 0, false, 0)
		r.skipDownstream(st, id)
		return
	}
	fp := st.fps[id]
	st.mu.Lock()
	st.report.Nodes[id].StartedAt = time.Now().UTC()
	st.mu.Unlock()

	// Pin dependency payloads for the duration of the execution.
	for _, dep := range st.deps[id] {
		r.cache.Pin(st.fps[dep])
	}
	defer func() {
		for _, dep := range st.deps[id] {
			r.cache.Unpin(st.fps[dep])
		}
	}()

	built := false
	attempts := 1
	f, err := r.cache.GetOrBuild(ctx, fp, func(ctx context.Context) (*frame.Frame, error) {
		built = true
		st.mu.Lock()
		st.report.Nodes[id].Status = StatusRunning
		st.mu.Unlock()
		r.events.Append("node_state_changed", map[string]any{
			"run_id": st.runID, "node_id": id, "status": string(StatusRunning), "fingerprint": fp,
		})
		return r.buildNode(ctx, st, id, node, fp, &attempts)
	})
	if err != nil {
		terr := task.Classify(err)
		status := StatusFailed
		if terr.Kind == task.KindCancelled {
			status = StatusCancelled
		}
		r.finishNode(st, id, status, terr, 0, false, attempts)
		r.skipDownstream(st, id)
		return
	}
	r.finishNode(st, id, StatusSuccess, nil, f.NumRows(), !built, attempts)
}

// buildNode plans and executes one node under the retry policy. The cache
// stores the returned frame; transient kinds retry with backoff.
func (r *Runner) buildNode(ctx context.Context, st *runState, id int64, node flow.Node, fp string, attempts *int) (*frame.Frame, error) {
	var lastErr *task.Error
	for attempt := 1; attempt <= task.MaxRetries+1; attempt++ {
		*attempts = attempt
		if err := r.rebuildVanishedDeps(ctx, st, id); err != nil {
			return nil, task.Classify(err)
		}
		root, err := planner.Build(r.g, planner.Env{
			Fingerprints: st.fps,
			Cached:       r.cache.Has,
			Boundary:     func(nid int64) bool { return st.inM[nid] },
		}, id)
		if err != nil {
			return nil, task.Errorf(task.KindInternal, "plan: %v", err)
		}
		blob, err := plan.EncodeBlob(root)
		if err != nil {
			return nil, task.Errorf(task.KindInternal, "plan: %v", err)
		}
		f, err := r.exec.Execute(ctx, task.SubmitRequest{
			TaskID:      fmt.Sprintf("%s-%d-%d", st.runID, id, attempt),
			Fingerprint: fp,
			PlanBlob:    blob,
			OutputSpec:  node.OutputFields,
		})
		if err == nil {
			return f, nil
		}
		lastErr = task.Classify(err)
		if lastErr.Kind == task.KindCancelled || !lastErr.Kind.Retryable() || attempt > task.MaxRetries {
			return nil, lastErr
		}
		r.log.Warn().Int64("node_id", id).Str("kind", string(lastErr.Kind)).Int("attempt", attempt).Msg("retrying node")
		if !sleepCtx(ctx, retryDelay(attempt)) {
			return nil, task.Errorf(task.KindCancelled, "run cancelled")
		}
	}
	return nil, lastErr
}

// rebuildVanishedDeps is the recovery pass: a dependency whose payload was
// evicted or lost between its run and ours is recomputed in place. Rebuilds
// go through the cache so concurrent recoveries share one builder too.
func (r *Runner) rebuildVanishedDeps(ctx context.Context, st *runState, id int64) error {
	for _, dep := range st.deps[id] {
		fp := st.fps[dep]
		if r.cache.Has(fp) {
			continue
		}
		r.log.Warn().Int64("node_id", dep).Str("fingerprint", fp).Msg("cached dependency vanished, rebuilding")
		depNode, ok := r.g.Node(dep)
		if !ok {
			return task.Errorf(task.KindInternal, "node %d vanished mid-run", dep)
		}
		if err := r.rebuildVanishedDeps(ctx, st, dep); err != nil {
			return err
		}
		_, err := r.cache.GetOrBuild(ctx, fp, func(ctx context.Context) (*frame.Frame, error) {
			root, err := planner.Build(r.g, planner.Env{
				Fingerprints: st.fps,
				Cached:       r.cache.Has,
				Boundary:     func(nid int64) bool { return st.inM[nid] },
			}, dep)
			if err != nil {
				return nil, task.Errorf(task.KindInternal, "plan: %v", err)
			}
			blob, err := plan.EncodeBlob(root)
			if err != nil {
				return nil, task.Errorf(task.KindInternal, "plan: %v", err)
			}
			return r.exec.Execute(ctx, task.SubmitRequest{
				TaskID:      fmt.Sprintf("%s-%d-rebuild", st.runID, dep),
				Fingerprint: fp,
				PlanBlob:    blob,
				OutputSpec:  depNode.OutputFields,
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) finishNode(st *runState, id int64, status Status, terr *task.Error, rows int, cacheHit bool, attempts int) {
	st.mu.Lock()
	nr := st.report.Nodes[id]
	nr.Status = status
	nr.Error = terr
	nr.Rows = rows
	nr.CacheHit = cacheHit
	nr.Attempts = attempts
	nr.FinishedAt = time.Now().UTC()
	st.mu.Unlock()
	data := map[string]any{
		"run_id": st.runID, "node_id": id, "status": string(status),
		"rows": rows, "cache_hit": cacheHit, "attempts": attempts,
	}
	if terr != nil {
		data["error_kind"] = string(terr.Kind)
		data["error"] = terr.Message
	}
	r.events.Append("node_state_changed", data)
	if status == StatusSuccess && !cacheHit {
		r.events.Append("sample_available", map[string]any{
			"run_id": st.runID, "node_id": id, "fingerprint": st.fps[id], "rows": rows,
		})
	}
}

// skipDownstream marks every pending node downstream of id as skipped.
func (r *Runner) skipDownstream(st *runState, id int64) {
	desc := r.g.Descendants(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, d := range desc {
		if d == id {
			continue
		}
		if nr, ok := st.report.Nodes[d]; ok && nr.Status == StatusPending {
			nr.Status = StatusSkipped
		}
	}
}

// ancestors returns targets plus everything upstream of them.
func (r *Runner) ancestors(targets []int64) map[int64]bool {
	out := map[int64]bool{}
	stack := append([]int64{}, targets...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[id] {
			continue
		}
		out[id] = true
		stack = append(stack, r.g.Predecessors(id)...)
	}
	return out
}

// nearestBoundaries walks upstream from id to the closest materialized
// ancestors; those are its scheduling dependencies.
func (r *Runner) nearestBoundaries(id int64, inM map[int64]bool) []int64 {
	seen := map[int64]bool{}
	out := []int64{}
	var walk func(nid int64)
	walk = func(nid int64) {
		for _, pid := range r.g.Predecessors(nid) {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			if inM[pid] {
				out = append(out, pid)
				continue
			}
			walk(pid)
		}
	}
	walk(id)
	return out
}

func overall(rep *Report) Status {
	hasFailed, hasCancelled := false, false
	for _, nr := range rep.Nodes {
		switch nr.Status {
		case StatusFailed:
			hasFailed = true
		case StatusCancelled:
			hasCancelled = true
		}
	}
	switch {
	case hasFailed:
		return StatusFailed
	case hasCancelled:
		return StatusCancelled
	default:
		return StatusSuccess
	}
}

// retryDelay backs off 100ms, 200ms, 400ms... capped at 2s, with a little
// jitter to spread concurrent retries.
func retryDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
