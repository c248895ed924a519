// Package worker implements the compute worker: an HTTP service that
// accepts encoded lazy plans, executes them in a bounded pool, and serves
// results, samples, and health to the coordinator.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/exec"
	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/task"
)

const defaultQueueSize = 256

// Config holds worker configuration.
type Config struct {
	Addr string // listen address, e.g. ":9090"
	// Workers bounds concurrently executing tasks. <= 0 means NumCPU.
	Workers int
	// QueueSize bounds queued-but-not-running tasks. <= 0 means 256.
	QueueSize int
	// Cache, when set, backs scan_cache plan nodes.
	Cache *cache.Store
}

type taskEntry struct {
	id     string
	req    task.SubmitRequest
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	state  task.State
	err    *task.Error
	result *frame.Frame
}

func (e *taskEntry) status() task.StatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp := task.StatusResponse{TaskID: e.id, State: e.state}
	if e.result != nil {
		resp.Rows = e.result.NumRows()
	}
	if e.err != nil {
		resp.ErrorKind = e.err.Kind
		resp.Error = e.err.Message
	}
	return resp
}

type metrics struct {
	registry  *prometheus.Registry
	tasks     *prometheus.CounterVec
	durations prometheus.Histogram
	queued    prometheus.Gauge
	running   prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Tasks by terminal state.",
		}, []string{"state"}),
		durations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_task_duration_seconds",
			Help:    "Wall time of task execution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Tasks accepted but not yet running.",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_running_tasks",
			Help: "Tasks currently executing.",
		}),
	}
}

// Server is the worker HTTP service.
type Server struct {
	config  Config
	log     zerolog.Logger
	metrics *metrics
	httpSrv *http.Server
	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	queued  int
	running int

	queue chan *taskEntry
	wg    sync.WaitGroup
}

// New builds a worker server and starts its execution pool.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		log:     log,
		metrics: newMetrics(),
		baseCtx: ctx,
		stop:    cancel,
		tasks:   map[string]*taskEntry{},
		queue:   make(chan *taskEntry, cfg.QueueSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatus)
	mux.HandleFunc("GET /result/{task_id}", s.handleResult)
	mux.HandleFunc("GET /sample/{task_id}", s.handleSample)
	mux.HandleFunc("POST /cancel/{task_id}", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Handler exposes the worker's HTTP mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.config.Addr).Int("workers", s.config.Workers).Msg("worker listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels running tasks and drains HTTP connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, e := range s.tasks {
		e.cancel(fmt.Errorf("worker shutting down"))
	}
	s.mu.Unlock()
	s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	close(s.queue)
	s.wg.Wait()
}

func (s *Server) workerLoop() {
	defer s.wg.Done()
	for e := range s.queue {
		s.runTask(e)
	}
}

func (s *Server) runTask(e *taskEntry) {
	e.mu.Lock()
	if e.state == task.StateCancelled {
		e.mu.Unlock()
		s.mu.Lock()
		s.queued--
		s.mu.Unlock()
		s.metrics.queued.Dec()
		return
	}
	e.state = task.StateRunning
	e.mu.Unlock()

	s.mu.Lock()
	s.queued--
	s.running++
	s.mu.Unlock()
	s.metrics.queued.Dec()
	s.metrics.running.Inc()
	start := time.Now()

	ctx, cancelCause := context.WithCancelCause(s.baseCtx)
	e.mu.Lock()
	e.cancel = cancelCause
	e.mu.Unlock()
	if e.req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.req.TimeoutSecs)*time.Second)
		defer cancel()
	}

	f, err := s.execute(ctx, e.req)

	e.mu.Lock()
	if err != nil {
		e.err = task.Classify(err)
		if e.err.Kind == task.KindCancelled {
			e.state = task.StateCancelled
		} else {
			e.state = task.StateFailed
		}
	} else {
		e.result = f
		e.state = task.StateSucceeded
	}
	state := e.state
	e.mu.Unlock()

	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	s.metrics.running.Dec()
	s.metrics.tasks.WithLabelValues(string(state)).Inc()
	s.metrics.durations.Observe(time.Since(start).Seconds())

	evt := s.log.Info()
	if err != nil {
		evt = s.log.Warn().Str("error", err.Error())
	}
	evt.Str("task_id", e.id).Str("state", string(state)).Dur("took", time.Since(start)).Msg("task finished")
}

func (s *Server) execute(ctx context.Context, req task.SubmitRequest) (*frame.Frame, error) {
	root, err := plan.DecodeBlob(req.PlanBlob)
	if err != nil {
		return nil, task.Errorf(task.KindValidation, "plan blob: %v", err)
	}
	in := &exec.Interpreter{}
	if s.config.Cache != nil {
		in.Cache = s.config.Cache
	}
	f, err := in.Run(ctx, root)
	if err != nil {
		return nil, err
	}
	if req.OutputSpec.Active() {
		f, err = req.OutputSpec.Apply(f)
		if err != nil {
			return nil, task.Errorf(task.KindValidation, "output fields: %v", err)
		}
	}
	return f, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.TaskID == "" {
		httpError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if len(req.PlanBlob) == 0 {
		httpError(w, http.StatusBadRequest, "plan_blob is required")
		return
	}

	e := &taskEntry{id: req.TaskID, req: req, state: task.StateQueued, cancel: func(error) {}}
	s.mu.Lock()
	if _, dup := s.tasks[req.TaskID]; dup {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, task.SubmitResponse{TaskID: req.TaskID, Accepted: false, Reason: "duplicate task id"})
		return
	}
	select {
	case s.queue <- e:
		s.tasks[req.TaskID] = e
		s.queued++
	default:
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, task.SubmitResponse{TaskID: req.TaskID, Accepted: false, Reason: "queue full"})
		return
	}
	s.mu.Unlock()
	s.metrics.queued.Inc()
	writeJSON(w, http.StatusAccepted, task.SubmitResponse{TaskID: req.TaskID, Accepted: true})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) (*taskEntry, bool) {
	id := r.PathValue("task_id")
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "unknown task %q", id)
		return nil, false
	}
	return e, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := s.task(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.status())
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	e, ok := s.task(w, r)
	if !ok {
		return
	}
	e.mu.Lock()
	state, f := e.state, e.result
	e.mu.Unlock()
	if state != task.StateSucceeded {
		httpError(w, http.StatusConflict, "task %q is %s, not succeeded", e.id, state)
		return
	}
	w.Header().Set("Content-Type", "application/x-msgpack")
	if err := f.Encode(w); err != nil {
		s.log.Warn().Str("task_id", e.id).Err(err).Msg("writing result")
	}
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	e, ok := s.task(w, r)
	if !ok {
		return
	}
	e.mu.Lock()
	state, f := e.state, e.result
	e.mu.Unlock()
	if state != task.StateSucceeded {
		httpError(w, http.StatusConflict, "task %q is %s, not succeeded", e.id, state)
		return
	}
	rows := 100
	if v := r.URL.Query().Get("rows"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &rows); err != nil || rows < 0 {
			httpError(w, http.StatusBadRequest, "invalid rows %q", v)
			return
		}
	}
	head := f.Head(rows)
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
		"schema":     f.Schema.String(),
		"total_rows": f.NumRows(),
		"rows":       out,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, ok := s.task(w, r)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == task.StateQueued {
		e.state = task.StateCancelled
		e.err = task.Errorf(task.KindCancelled, "cancelled before start")
	}
	cancel := e.cancel
	e.mu.Unlock()
	cancel(fmt.Errorf("cancelled by coordinator"))
	writeJSON(w, http.StatusOK, e.status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.mu.Lock()
	h := task.Health{OK: true, QueueDepth: s.queued, RunningTasks: s.running, MemoryBytes: ms.Alloc}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
