package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"aerogate/pkg/cases"
	"aerogate/pkg/evidence"
	"aerogate/pkg/governance"
	"aerogate/pkg/graph"
	"aerogate/pkg/httpx"
	"aerogate/pkg/ingest"
	"aerogate/pkg/metrics"
	"aerogate/pkg/missing"
	"aerogate/pkg/models"
	"aerogate/pkg/orchestrator"
	"aerogate/pkg/packets"
	"aerogate/pkg/playbooks"
	"aerogate/pkg/policy"
	"aerogate/pkg/ratelimit"
	"aerogate/pkg/risk"
	"aerogate/pkg/simulation"
	"aerogate/pkg/statebus"
	"aerogate/pkg/store"
	"aerogate/pkg/stream"
	"aerogate/pkg/telemetry"
	"aerogate/pkg/webhooks"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Server struct {
	DB         gatewayDB
	Cases      *cases.Store
	Graph      *graph.Store
	Evidence   *evidence.Store
	Missing    *missing.Tracker
	Policy     *policy.Engine
	Governor   *governance.Governor
	Packets    *packets.Store
	Playbooks  *playbooks.Store
	Webhooks   *webhooks.Registry
	Dispatcher *webhooks.Dispatcher
	Seeder     *simulation.Seeder
	Cache      store.Cache
	Events     *stream.Hub
	Metrics    *metrics.Registry
	Bus        *statebus.Publisher

	Source       ingest.SignalSource
	Assessor     orchestrator.RiskAssessor
	IngestConfig ingest.Config
	ScenarioMode bool
	RunTimeout   time.Duration

	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int
}

// rateLimitMiddleware guards the expensive endpoints (case runs, ingestion)
// per client address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		decision := s.RateLimiter.Allow("run:"+host, s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// orchestratorFor builds one per-request orchestrator over the shared stores.
func (s *Server) orchestratorFor(source ingest.SignalSource) *orchestrator.Orchestrator {
	if source == nil {
		source = s.Source
	}
	return &orchestrator.Orchestrator{
		Cases:        s.Cases,
		Graph:        s.Graph,
		Evidence:     s.Evidence,
		Missing:      s.Missing,
		Policy:       s.Policy,
		Governor:     s.Governor,
		Packets:      s.Packets,
		Playbooks:    s.Playbooks,
		Source:       source,
		Assessor:     s.Assessor,
		Hub:          s.Events,
		Dispatcher:   s.Dispatcher,
		Bus:          s.Bus,
		Metrics:      s.Metrics,
		IngestConfig: s.IngestConfig,
		CascadeFn: func(ctx context.Context, airportNodeID uuid.UUID) (*models.CascadeImpact, error) {
			return packets.Cascade(ctx, s.Graph, airportNodeID)
		},
	}
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

// Testable variables for main().
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(ctx context.Context, service string) (func(context.Context) error, error),
	openDB func(ctx context.Context) (gatewayDBCloser, error),
	openRedis func(ctx context.Context) (*redis.Client, error),
	listen func(server *http.Server) error,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	evidenceRoot := strings.TrimSpace(env("EVIDENCE_STORE_ROOT", ""))
	if evidenceRoot == "" {
		return fmt.Errorf("EVIDENCE_STORE_ROOT is required")
	}

	s := &Server{
		DB:       pool,
		Cases:    &cases.Store{DB: pool},
		Graph:    &graph.Store{DB: pool},
		Evidence: &evidence.Store{DB: pool, Root: evidenceRoot},
		Missing:  &missing.Tracker{DB: pool},
		Policy:   &policy.Engine{DB: pool},
		Packets:  &packets.Store{DB: pool},
		Cache:    cache,
		Events:   stream.NewHub(),
		Metrics:  metrics.NewRegistry(),
		IngestConfig: ingest.Config{
			Workers:      envInt("INGEST_WORKERS", 5),
			FetchTimeout: time.Second * time.Duration(envInt("SIGNAL_TIMEOUT_SEC", 10)),
			Retries:      envInt("SIGNAL_RETRIES", 3),
		},
		ScenarioMode:       env("SCENARIO_MODE", "false") == "true",
		RunTimeout:         time.Second * time.Duration(envInt("RUN_TIMEOUT_SEC", 120)),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
	}
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, time.Minute)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(time.Minute)
		}
	}
	s.Governor = governance.NewGovernor(pool, s.Cases)
	s.Playbooks = &playbooks.Store{DB: pool}
	s.Webhooks = &webhooks.Registry{DB: pool}
	s.Seeder = &simulation.Seeder{DB: pool, Graph: s.Graph}
	s.Dispatcher = &webhooks.Dispatcher{
		Registry: s.Webhooks,
		Client:   telemetry.InstrumentClient(&http.Client{Timeout: time.Second * time.Duration(envInt("WEBHOOK_TIMEOUT_SEC", 5))}),
		Cache:    cache,
		Timeout:  time.Second * time.Duration(envInt("WEBHOOK_TIMEOUT_SEC", 5)),
	}

	baseURLs := map[string]string{}
	for source, key := range map[string]string{
		"FAA_NAS":    "FAA_NAS_BASE_URL",
		"METAR":      "METAR_BASE_URL",
		"TAF":        "TAF_BASE_URL",
		"NWS_ALERTS": "NWS_ALERTS_BASE_URL",
		"ADSB":       "ADSB_BASE_URL",
	} {
		if v := strings.TrimSpace(env(key, "")); v != "" {
			baseURLs[source] = v
		}
	}
	if len(baseURLs) > 0 {
		s.Source = &ingest.HTTPSource{
			Client:   telemetry.InstrumentClient(&http.Client{Timeout: s.IngestConfig.FetchTimeout}),
			BaseURLs: baseURLs,
		}
	} else if s.ScenarioMode {
		s.Source = &simulation.CatalogSource{}
	}

	if url := strings.TrimSpace(env("RISK_ASSESSOR_URL", "")); url != "" {
		s.Assessor = &risk.HTTPAssessor{
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second}),
			URL:        url,
			AuthHeader: env("RISK_ASSESSOR_AUTH_HEADER", ""),
			AuthToken:  env("RISK_ASSESSOR_AUTH_TOKEN", ""),
		}
	} else {
		s.Assessor = risk.HeuristicAssessor{}
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		bus, err := statebus.NewPublisher(statebus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "aerogate.cases"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	if seeded, err := s.Policy.Seed(ctx); err != nil {
		return fmt.Errorf("policy seed: %w", err)
	} else if seeded > 0 {
		log.Printf("seeded %d built-in policies", seeded)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.LimitBodyMiddleware(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/cases", s.handleCreateCase)
	r.Get("/cases/{id}", s.handleGetCase)
	r.With(s.rateLimitMiddleware).Post("/cases/{id}/run", s.handleRunCase)
	r.Get("/cases/{id}/run/stream", s.handleRunStream)
	r.Get("/cases/{id}/trace", s.handleCaseTrace)

	r.Get("/cases/{id}/actions", s.handleCaseActions)
	r.Post("/actions/{id}/approve", s.handleApproveAction)
	r.Post("/actions/{id}/reject", s.handleRejectAction)
	r.Post("/actions/{id}/rollback", s.handleRollbackAction)

	r.With(s.rateLimitMiddleware).Post("/ingest/airport/{icao}", s.handleIngestAirport)
	r.Get("/evidence", s.handleEvidenceBySource)
	r.Get("/packets/{caseID}", s.handleGetPacket)

	r.Post("/graph/bitemporal/beliefs", s.handleBitemporalBeliefs)
	r.Get("/graph/cascade/{icao}", s.handleCascade)

	r.Post("/webhooks/register", s.handleRegisterWebhook)
	r.Get("/webhooks", s.handleListWebhooks)
	r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
	r.Get("/webhooks/{id}/deliveries", s.handleWebhookDeliveries)

	r.Get("/playbooks", s.handleListPlaybooks)

	r.Post("/simulation/seed/airport/{icao}", s.handleSimSeed)
	r.Delete("/simulation/seed/airport/{icao}", s.handleSimUnseed)
	r.Get("/simulation/scenarios", s.handleListScenarios)
	r.Post("/simulation/run/{id}", s.handleRunScenario)

	r.Get("/v1/events/ws", s.handleEventsWS)

	addr := ":" + env("PORT", "8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listen(server)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.Metrics.ObserveEndpoint(r.Method+" "+route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
