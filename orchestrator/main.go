package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/harvestctl/orchestrator/callback"
	"github.com/itskum47/harvestctl/orchestrator/controlapi"
	"github.com/itskum47/harvestctl/orchestrator/dashboard"
	"github.com/itskum47/harvestctl/orchestrator/execengine"
	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
	"github.com/itskum47/harvestctl/orchestrator/idempotency"
	"github.com/itskum47/harvestctl/orchestrator/middleware"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/portalloc"
	"github.com/itskum47/harvestctl/orchestrator/reconciler"
	"github.com/itskum47/harvestctl/orchestrator/scheduleengine"
	"github.com/itskum47/harvestctl/orchestrator/store"
	"github.com/itskum47/harvestctl/orchestrator/timeline"
)

// idempotencyAdapter makes RedisStore satisfy idempotency.Backend: the
// store's own Get/Set methods fix the TTL internally (24h) and use
// different names, so the Store/Backend seam needs this shim rather than
// changing either interface to fit the other.
type idempotencyAdapter struct {
	s *store.RedisStore
}

func (a idempotencyAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return a.s.GetIdempotencyRecord(ctx, key)
}

func (a idempotencyAdapter) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return a.s.SetIdempotencyRecord(ctx, key, value)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func generateHolderID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func main() {
	ctx := context.Background()

	dbURL := envOr("DATABASE_URL", "postgres://localhost:5432/harvestctl")
	pg, err := store.NewPostgresStore(ctx, dbURL)
	if err != nil {
		log.Fatalf("main: connect postgres: %v", err)
	}
	defer pg.Close()
	log.Printf("main: connected to postgres")

	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	rs, err := store.NewRedisStore(redisAddr, redisPassword, 0)
	if err != nil {
		log.Fatalf("main: connect redis (required for coordination): %v", err)
	}
	log.Printf("main: connected to redis at %s for coordination and heartbeat cache", redisAddr)

	var s store.Store = pg
	var coordinator store.Coordinator = rs

	heartbeatTimeout := envDurationSeconds("HEARTBEAT_TIMEOUT_SECONDS", 300*time.Second)
	missedHeartbeatMax := int64(envInt("HEARTBEAT_LOST_TOLERANCE", 3))
	portLo := envInt("PORT_RANGE_LO", 50000)
	portHi := envInt("PORT_RANGE_HI", 51000)
	callbackBaseURL := envOr("CALLBACK_BASE_URL", "http://localhost:8080")

	dockerCfg := hostdriver.Config{
		Host:      os.Getenv("DOCKER_HOST"),
		StageRoot: envOr("STAGE_ROOT", "/var/lib/harvestctl/stage"),
	}
	if remoteHost := os.Getenv("DOCKER_REMOTE_HOST"); remoteHost != "" {
		dockerCfg.Host = remoteHost
		dockerCfg.Remote = true
	}
	driver, err := hostdriver.New(ctx, dockerCfg)
	if err != nil {
		log.Fatalf("main: connect docker daemon: %v", err)
	}
	log.Printf("main: connected to docker daemon (remote=%v)", dockerCfg.Remote)

	allocator := portalloc.New(portLo, portHi, driver, portalloc.RealLocalListenProbe)

	holderID := generateHolderID()

	execEngine := execengine.New(s, driver, allocator, execengine.Config{
		CallbackBaseURL:  callbackBaseURL,
		AutoRemoveOnExit: true,
	})

	go execEngine.Run(ctx)

	schedEngine := scheduleengine.New(s, coordinator, execEngine, holderID)
	go schedEngine.Run(ctx)

	tl := timeline.NewStore()
	rec := reconciler.New(s, coordinator, driver, allocator, rs, tl, holderID, reconciler.Config{
		HeartbeatTimeout:   heartbeatTimeout,
		MissedHeartbeatMax: missedHeartbeatMax,
	})
	go rec.Run(ctx)

	asyncWriter := callback.NewAsyncHeartbeatWriter(s, 2)
	go asyncWriter.Run(ctx)
	cbHandler := callback.NewHandler(s, rs, asyncWriter, heartbeatTimeout)

	idemStore := idempotency.NewStore(idempotencyAdapter{s: rs})
	api := controlapi.NewAPI(s, execEngine, execEngine, idemStore)

	dashSvc := dashboard.New(s, schedEngine, holderID, envOr("CLUSTER_ID", "cluster-primary"), envOr("REGION", "us-east-1"))
	dashHub := dashboard.NewHub(dashSvc)
	go dashHub.Run(ctx)

	// The control API is tenant/auth-gated; containers calling back only ever
	// know their execution id, never a tenant, so the callback routes and the
	// health/metrics endpoints are mounted unauthenticated.
	apiMux := http.NewServeMux()
	api.Routes(apiMux)
	apiMux.HandleFunc("/v1/dashboard/stream", dashboard.ServeWS(dashHub))
	authedAPI := middleware.TenantMiddleware(middleware.AuthMiddleware(apiMux))

	mux := http.NewServeMux()
	mux.Handle("/v1/", authedAPI)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/callback/heartbeat", cbHandler.Heartbeat)
	mux.HandleFunc("/callback/completion", cbHandler.Completion)
	mux.Handle("/metrics", promhttp.Handler())

	observability.RuntimeMode.WithLabelValues("production").Set(1)

	handler := middleware.CORSMiddleware(mux)

	addr := ":" + envOr("PORT", "8080")
	log.Printf("harvestctl orchestrator listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
