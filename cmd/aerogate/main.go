package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/api"
	"github.com/skylane-systems/aerogate/pkg/assessor"
	"github.com/skylane-systems/aerogate/pkg/blob"
	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/config"
	"github.com/skylane-systems/aerogate/pkg/derive"
	"github.com/skylane-systems/aerogate/pkg/evidence"
	"github.com/skylane-systems/aerogate/pkg/executor"
	"github.com/skylane-systems/aerogate/pkg/graph"
	"github.com/skylane-systems/aerogate/pkg/missing"
	"github.com/skylane-systems/aerogate/pkg/observability"
	"github.com/skylane-systems/aerogate/pkg/orchestrator"
	"github.com/skylane-systems/aerogate/pkg/packet"
	"github.com/skylane-systems/aerogate/pkg/playbook"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/ratelimit"
	"github.com/skylane-systems/aerogate/pkg/server"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/sim"
	"github.com/skylane-systems/aerogate/pkg/trace"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it exists separately from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "seed-policies":
		return runSeedPolicies(stdout, stderr)
	case "seed-airport":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: aerogate seed-airport <ICAO>")
			return 2
		}
		return runSeedAirport(args[2], stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fmt.Fprintln(stderr, "Usage: aerogate [server|seed-policies|seed-airport|doctor]")
		return 2
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	driver := "postgres"
	dsn := cfg.DatabaseURL
	if strings.HasPrefix(dsn, "sqlite://") {
		driver = "sqlite"
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return db, nil
}

// wiring is the assembled control plane.
type wiring struct {
	db        *sql.DB
	server    *server.Server
	limiter   *api.RateLimiter
	auth      *api.TokenValidator
	obs       *observability.Provider
	logger    *slog.Logger
	policy    *policy.Engine
	graph     *graph.Store
	scenarios map[string]sim.Scenario
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*wiring, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	var blobs blob.Store
	if cfg.S3Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	} else {
		blobs, err = blob.NewFileStore(cfg.EvidenceRoot)
	}
	if err != nil {
		return nil, err
	}

	evidenceStore, err := evidence.NewStore(ctx, db, blobs)
	if err != nil {
		return nil, err
	}
	graphStore, err := graph.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	caseStore, err := cases.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	tracker, err := missing.NewTracker(ctx, db)
	if err != nil {
		return nil, err
	}
	recorder, err := trace.NewRecorder(ctx, db)
	if err != nil {
		return nil, err
	}
	governor, err := executor.NewGovernor(ctx, db, recorder)
	if err != nil {
		return nil, err
	}
	executor.RegisterDefaults(governor, caseStore)

	engine, err := policy.NewEngine(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := engine.Seed(ctx); err != nil {
		return nil, err
	}

	packets, err := packet.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	playbooks, err := playbook.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	dispatcher, err := webhook.NewDispatcher(ctx, db,
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	scenarios, err := sim.LoadScenarios()
	if err != nil {
		return nil, err
	}
	simSource := sim.NewSource(scenarios)

	// The live FAA/NWS/METAR/TAF/ADS-B clients are external collaborators;
	// this binary always fans out through the scenario source, which is the
	// SignalSource of record in scenario mode and the development default.
	fetcher := signals.NewFetcher(simSource,
		signals.WithConcurrency(cfg.FetchConcurrency),
		signals.WithLogger(logger))

	var risk assessor.RiskAssessor = assessor.Heuristic{}
	if cfg.LLMServiceURL != "" && !cfg.ScenarioMode {
		risk = assessor.NewLLM(cfg.LLMServiceURL, cfg.LLMAPIKey, cfg.LLMModel)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "aerogate",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
		BatchTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Cases:     caseStore,
		Evidence:  evidenceStore,
		Graph:     graphStore,
		Deriver:   derive.NewDeriver(graphStore),
		Missing:   tracker,
		Governor:  governor,
		Policy:    engine,
		Trace:     recorder,
		Packets:   packets,
		Webhooks:  dispatcher,
		Fetcher:   fetcher,
		Assessor:  risk,
		Playbooks: playbooks,
		Logger:    logger,
	})

	var shared ratelimit.Store
	if cfg.RedisAddr != "" {
		shared = ratelimit.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	srv := server.New(server.Deps{
		Cases:     caseStore,
		Evidence:  evidenceStore,
		Graph:     graphStore,
		Packets:   packets,
		Policy:    engine,
		Playbooks: playbooks,
		Webhooks:  dispatcher,
		Fetcher:   fetcher,
		Orch:      orch,
		Scenarios: scenarios,
		SimSource: simSource,
		Obs:       obs,
		Logger:    logger,
	})

	return &wiring{
		db:        db,
		server:    srv,
		limiter:   api.NewRateLimiter(20, 40, shared),
		auth:      api.NewTokenValidator(cfg.APITokenSecret),
		obs:       obs,
		logger:    logger,
		policy:    engine,
		graph:     graphStore,
		scenarios: scenarios,
	}, nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := wire(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = w.db.Close() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.obs.Shutdown(shutdownCtx)
	}()

	handler := w.server.Handler(w.limiter.Middleware, w.auth.Middleware)
	logger.Info("aerogate listening", "port", cfg.Port, "scenario_mode", cfg.ScenarioMode)
	if err := w.server.ListenAndServe(ctx, ":"+cfg.Port, handler); err != nil {
		fmt.Fprintf(stderr, "server failed: %v\n", err)
		return 1
	}
	return 0
}

func runSeedPolicies(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	w, err := wire(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = w.db.Close() }()

	active, err := w.policy.Active(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "policy read failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%d policies active\n", len(active))
	return 0
}

func runSeedAirport(icao string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	w, err := wire(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = w.db.Close() }()

	for _, sc := range w.scenarios {
		if sc.Airport == icao {
			res, err := sim.SeedAirport(ctx, w.graph, sc)
			if err != nil {
				fmt.Fprintf(stderr, "seed failed: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdout, "seeded %s from %s (%d nodes)\n", icao, res.SeedUsed, res.NodesCreated)
			return 0
		}
	}
	fmt.Fprintf(stderr, "no scenario covers %s\n", icao)
	return 1
}

func runDoctor(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w, err := wire(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "NOT OK: %v\n", err)
		return 1
	}
	defer func() { _ = w.db.Close() }()

	fmt.Fprintln(stdout, "database: OK")
	fmt.Fprintf(stdout, "scenarios: %d loaded\n", len(w.scenarios))
	active, err := w.policy.Active(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "NOT OK: policies unreadable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "policies: %d active\n", len(active))
	return 0
}
