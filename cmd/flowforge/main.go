package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/cache"
	"github.com/flowforge-io/flowforge/internal/catalog"
	"github.com/flowforge-io/flowforge/internal/config"
	"github.com/flowforge-io/flowforge/internal/flow"
	"github.com/flowforge-io/flowforge/internal/persist"
	"github.com/flowforge-io/flowforge/internal/predict"
	"github.com/flowforge-io/flowforge/internal/run"
	"github.com/flowforge-io/flowforge/internal/server"
	"github.com/flowforge-io/flowforge/internal/worker"
)

// Exit codes: 0 success, 1 user error (bad arguments, invalid flow),
// 2 run failure, 3 run cancelled, 64 internal fault.
const (
	exitOK        = 0
	exitUserError = 1
	exitRunFailed = 2
	exitCancelled = 3
	exitInternal  = 64
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUserError)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "worker":
		serveWorker(os.Args[2:])
	case "run":
		runFlow(os.Args[2:])
	case "validate":
		validateFlow(os.Args[2:])
	default:
		usage()
		os.Exit(exitUserError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowforge serve [--addr host:port] [--worker-url URL] [--storage-dir DIR]")
	fmt.Fprintln(os.Stderr, "  flowforge worker [--addr host:port] [--cache-dir DIR]")
	fmt.Fprintln(os.Stderr, "  flowforge run --flow <file.yaml> [--target <node-id>]... [--mode development|performance]")
	fmt.Fprintln(os.Stderr, "  flowforge validate --flow <file.yaml>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "serve and worker read their configuration from the environment:")
	fmt.Fprintln(os.Stderr, "  COORDINATOR_HOST, COORDINATOR_PORT, WORKER_PORT, WORKER_BASE_URL,")
	fmt.Fprintln(os.Stderr, "  CACHE_DIR, CACHE_MAX_BYTES, STORAGE_DIR, LOG_LEVEL, EXECUTION_MODE,")
	fmt.Fprintln(os.Stderr, "  MAX_PARALLEL_NODES, MAX_IN_FLIGHT, CANCEL_GRACE_MS, SAMPLE_ROWS")
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}

func loadConfig() config.Config {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
	return cfg
}

func openCache(cfg config.Config, log zerolog.Logger) *cache.Store {
	store, err := cache.Open(cfg.CacheDir, cfg.CacheMaxBytes, log)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.CacheDir).Msg("opening cache")
		os.Exit(exitInternal)
	}
	return store
}

func serve(args []string) {
	cfg := loadConfig()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(exitUserError)
			}
			host, port, err := splitAddr(args[i])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUserError)
			}
			cfg.CoordinatorHost, cfg.CoordinatorPort = host, port
		case "--worker-url":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--worker-url requires a value")
				os.Exit(exitUserError)
			}
			cfg.WorkerBaseURL = args[i]
		case "--storage-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--storage-dir requires a value")
				os.Exit(exitUserError)
			}
			cfg.StorageDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUserError)
		}
	}
	log := newLogger(cfg.LogLevel)
	store := openCache(cfg, log)

	var exec run.Executor
	if cfg.WorkerBaseURL != "" {
		client := worker.NewClient(cfg.WorkerBaseURL, cfg.MaxInFlight)
		client.CancelGrace = cfg.CancelGrace
		exec = client
		log.Info().Str("worker", cfg.WorkerBaseURL).Msg("using remote worker")
	} else {
		exec = &run.LocalExecutor{Cache: store}
	}

	reg := server.NewRegistry(catalog.New(), store, exec, cfg.StorageDir, log)
	if err := reg.LoadAll(); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("loading stored flows")
	}

	srv := server.New(server.Config{
		Addr:       cfg.CoordinatorAddr(),
		SampleRows: cfg.SampleRows,
	}, reg, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("coordinator")
	}
}

func serveWorker(args []string) {
	cfg := loadConfig()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(exitUserError)
			}
			host, port, err := splitAddr(args[i])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUserError)
			}
			cfg.CoordinatorHost, cfg.WorkerPort = host, port
		case "--cache-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--cache-dir requires a value")
				os.Exit(exitUserError)
			}
			cfg.CacheDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUserError)
		}
	}
	log := newLogger(cfg.LogLevel)
	store := openCache(cfg, log)

	w := worker.New(worker.Config{
		Addr:  cfg.WorkerAddr(),
		Cache: store,
	}, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		w.Shutdown()
	}()

	if err := w.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("worker")
	}
}

func runFlow(args []string) {
	var flowPath string
	var mode string
	var targets []int64

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--flow requires a value")
				os.Exit(exitUserError)
			}
			flowPath = args[i]
		case "--target":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--target requires a node id")
				os.Exit(exitUserError)
			}
			id, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid node id %q\n", args[i])
				os.Exit(exitUserError)
			}
			targets = append(targets, id)
		case "--mode":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--mode requires a value")
				os.Exit(exitUserError)
			}
			mode = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUserError)
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(exitUserError)
	}

	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)
	store := openCache(cfg, log)

	g, err := persist.Load(flowPath, catalog.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
	if mode != "" {
		m, err := flow.ParseExecutionMode(mode)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUserError)
		}
		fs := g.Settings()
		fs.ExecutionMode = m
		if err := g.UpdateSettings(fs); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUserError)
		}
	}

	events := run.NewEventLog()
	runner := run.NewRunner(g, store, &run.LocalExecutor{Cache: store}, events, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := runner.Run(ctx, run.Options{Targets: targets, MaxParallel: cfg.MaxParallelNodes})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}

	printReport(rep)
	switch rep.Status {
	case run.StatusSuccess:
		os.Exit(exitOK)
	case run.StatusCancelled:
		os.Exit(exitCancelled)
	default:
		os.Exit(exitRunFailed)
	}
}

func printReport(rep *run.Report) {
	ids := make([]int64, 0, len(rep.Nodes))
	for id := range rep.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Printf("run %s: %s (%s)\n", rep.RunID, rep.Status, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	for _, id := range ids {
		nr := rep.Nodes[id]
		line := fmt.Sprintf("  node %-4d %-10s", id, nr.Status)
		if nr.Status == run.StatusSuccess {
			line += fmt.Sprintf(" rows=%d", nr.Rows)
			if nr.CacheHit {
				line += " (cached)"
			}
		}
		if nr.Error != nil {
			line += fmt.Sprintf(" %s: %s", nr.Error.Kind, nr.Error.Message)
		}
		fmt.Println(line)
	}
}

func validateFlow(args []string) {
	var flowPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--flow requires a value")
				os.Exit(exitUserError)
			}
			flowPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUserError)
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(exitUserError)
	}

	cat := catalog.New()
	g, err := persist.Load(flowPath, cat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}

	p := predict.New(g)
	bad := false
	for _, n := range g.Nodes() {
		res, found := p.Node(n.ID)
		if !found {
			continue
		}
		for _, issue := range res.Issues {
			bad = true
			fmt.Printf("node %d (%s): %s: %s\n", n.ID, n.Kind, issue.Field, issue.Message)
		}
		if !res.Known() && res.Diagnostic != "" && len(res.Issues) == 0 {
			fmt.Printf("node %d (%s): %s\n", n.ID, n.Kind, res.Diagnostic)
		}
	}
	if bad {
		os.Exit(exitUserError)
	}
	fmt.Printf("%s: %d nodes, %d edges, ok\n", flowPath, len(g.Nodes()), len(g.Edges()))
}
