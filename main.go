package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelcp/control-plane/approval"
	"github.com/sentinelcp/control-plane/config"
	"github.com/sentinelcp/control-plane/coordination"
	"github.com/sentinelcp/control-plane/drift"
	"github.com/sentinelcp/control-plane/external"
	"github.com/sentinelcp/control-plane/idempotency"
	"github.com/sentinelcp/control-plane/jobs"
	"github.com/sentinelcp/control-plane/middleware"
	"github.com/sentinelcp/control-plane/observability"
	"github.com/sentinelcp/control-plane/rollout"
	"github.com/sentinelcp/control-plane/schedulegate"
	"github.com/sentinelcp/control-plane/store"
	"github.com/sentinelcp/control-plane/streaming"
	"github.com/sentinelcp/control-plane/tickengine"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Durable store: Postgres holds rollouts, steps, approvals, drift events.
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	log.Printf("Connected to Postgres for durable rollout state")

	// Coordination backend: Redis holds leader election leases, distributed
	// locks, job dedup windows, and the idempotency cache.
	coord, err := store.NewRedisCoordinator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis (required for coordination): %v", err)
	}
	log.Printf("Connected to Redis at %s for coordination", cfg.RedisAddr)

	var s store.Store = pg

	publisher := streaming.NewRedisPublisher(coord.Client(), cfg.NodeID)
	subscriber := streaming.NewRedisSubscriber(coord.Client())

	bundles := external.NewHTTPClient(cfg.BundleServiceURL)
	notifier := external.LogNotifications{}

	// Tick Driver
	engine := tickengine.NewEngine(s, publisher)
	engine.DefaultProgressDeadline = cfg.DefaultProgressDeadline
	engine.Bundles = bundles

	reconciler := drift.NewReconciler(s, notifier, drift.AlertThreshold{
		Percentage: cfg.DriftAlertPercent,
		Absolute:   cfg.DriftAlertAbsolute,
	})

	// Job Runner: named queues for ticks, drift scans, schedule-gate sweeps.
	runner := jobs.NewRunner(coord, func(ctx context.Context, j *jobs.Job) error {
		switch j.Kind {
		case "tick":
			return engine.Tick(ctx, j.RolloutID)
		case "drift_scan":
			return reconciler.Run(ctx)
		default:
			return fmt.Errorf("unknown job kind %q", j.Kind)
		}
	})
	runner.Start(ctx)
	defer runner.Stop()

	gate := approval.NewGate(s, runner)
	rollouts := rollout.NewService(s, runner, gate, bundles)

	go runDriftLoop(ctx, reconciler, cfg.DriftCheckInterval)

	sg := schedulegate.New(s, gate, runner, cfg.ScheduleGateInterval)
	sg.Start(ctx)

	var elector *coordination.LeaderElector
	if cfg.HAMode {
		elector = coordination.NewLeaderElector(coord, s, cfg.NodeID, 30*time.Second)
		janitor := coordination.NewLockJanitor(coord, s, 60*time.Second)
		janitor.Start(ctx)

		elector.SetCallbacks(
			func(ctx context.Context) {
				log.Println("elected leader")
				observability.LeaderStatus.Set(1)
			},
			func() {
				log.Println("lost leadership")
				observability.LeaderStatus.Set(0)
			},
		)
		elector.Start(ctx)
	}

	idemStore := idempotency.NewStore(redisIdempotencyBackend{coord})

	wsHub := NewWSHub(subscriber)
	go wsHub.Run(ctx)

	api := NewAPI(s, rollouts, gate, engine, reconciler, elector, idemStore, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	rolloutsHandler := middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListRollouts(w, r)
			return
		}
		api.withIdempotency(api.handleCreateRollout)(w, r)
	})))
	mux.Handle("/rollouts", rolloutsHandler)

	rolloutByIDHandler := middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/rollouts/")
		if strings.Contains(path, "/") {
			api.withIdempotency(api.handleRolloutAction)(w, r)
			return
		}
		api.handleGetRollout(w, r)
	})))
	mux.Handle("/rollouts/", rolloutByIDHandler)

	mux.Handle("/drift", middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(api.handleListDrift))))
	mux.Handle("/drift/", middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(api.withIdempotency(api.handleResolveDrift)))))

	mux.Handle("/incidents/capture", middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(api.handleCaptureIncident))))

	mux.Handle("/stream", middleware.AuthMiddleware(middleware.ProjectMiddleware(http.HandlerFunc(api.handleDashboardStream))))

	log.Printf("Sentinel Control Plane listening on %s (ha_mode=%v)", cfg.ListenAddr, cfg.HAMode)

	handler := middleware.CORSMiddleware(mux)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}

// redisIdempotencyBackend adapts store.RedisCoordinator's lock-namespaced
// GetIdempotencyRecord/SetIdempotencyRecord to the idempotency.Backend shape.
type redisIdempotencyBackend struct {
	coord *store.RedisCoordinator
}

func (b redisIdempotencyBackend) Get(ctx context.Context, key string) (string, error) {
	return b.coord.GetIdempotencyRecord(ctx, key)
}

func (b redisIdempotencyBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.coord.SetIdempotencyRecord(ctx, key, value, ttl)
}

// runDriftLoop periodically sweeps for drift between expected and reported
// bundle state, independent of any rollout's own tick cadence.
func runDriftLoop(ctx context.Context, r *drift.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				log.Printf("drift reconciliation pass failed: %v", err)
			}
		}
	}
}
