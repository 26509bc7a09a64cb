// agentrt runs the multi-tenant Agent Runtime Gateway: the duplex control
// plane, the agent lifecycle engine, the model router, persistent memory,
// and (optionally) the cluster coordinator, wired together the way
// cmd/tarsy/main.go wires TARSy's server, database and services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kestrel-run/agentrt/pkg/audit"
	"github.com/kestrel-run/agentrt/pkg/broker"
	"github.com/kestrel-run/agentrt/pkg/cluster"
	"github.com/kestrel-run/agentrt/pkg/config"
	"github.com/kestrel-run/agentrt/pkg/gateway"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/memory"
	"github.com/kestrel-run/agentrt/pkg/policy"
	"github.com/kestrel-run/agentrt/pkg/provider"
	"github.com/kestrel-run/agentrt/pkg/store/boltstore"
	"github.com/kestrel-run/agentrt/pkg/store/pgstore"
	"github.com/kestrel-run/agentrt/pkg/store/vectorindex"
	"github.com/kestrel-run/agentrt/pkg/telemetry"
	"github.com/kestrel-run/agentrt/pkg/token"
)

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// exit codes per spec §6: 0 clean shutdown, 1 runtime failure, 2 bad config.
const (
	exitOK          = 0
	exitRuntimeFail = 1
	exitConfigFail  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to the directory holding a .env file")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("no .env loaded from %s (%v), continuing with process environment", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return exitConfigFail
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := wire(ctx, cfg)
	if err != nil {
		// Missing secrets, no providers, an unreachable store: all fatal
		// startup invariants per spec §6's exit code 1 bucket, distinct
		// from the pure config-validation failures caught above.
		log.Printf("fatal startup failure: %v", err)
		return exitRuntimeFail
	}
	defer app.closeStore()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler: app.ginEngine,
	}
	// Health/metrics get their own listener on port+1 so an orchestrator's
	// liveness probe never competes with the gateway's websocket traffic.
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port+1),
		Handler: app.healthEngine,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("agentrt listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		log.Printf("health/metrics listening on %s", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, draining", sig)
	case err := <-serveErr:
		log.Printf("http server error: %v", err)
		return exitRuntimeFail
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	app.gw.Drain(shutdownCtx)
	app.engine.Shutdown(shutdownCtx)
	if app.coordinator != nil {
		app.coordinator.Stop(shutdownCtx)
	}
	if app.sweeper != nil {
		app.sweeper.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during http shutdown: %v", err)
		return exitRuntimeFail
	}
	// Health endpoint closes last so probes keep reporting the node as up
	// throughout the drain/checkpoint sequence above.
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during health endpoint shutdown: %v", err)
		return exitRuntimeFail
	}
	return exitOK
}

// wiredApp holds every long-lived component so run() can drain/shutdown them
// in order without threading a dozen separate return values around.
type wiredApp struct {
	ginEngine    *gin.Engine
	healthEngine *gin.Engine
	gw           *gateway.Gateway
	engine       *lifecycle.Engine
	coordinator  *cluster.Coordinator
	sweeper      *memory.Sweeper
	closeStore   func()
}

type storeBundle struct {
	checkpoints lifecycle.CheckpointStore
	memRepo     memory.Repository
	registry    cluster.Registry
	leader      cluster.LeaderStore
	locks       cluster.JobLocker
	health      gateway.StoreHealth
	close       func()
}

func wire(ctx context.Context, cfg *config.Config) (*wiredApp, error) {
	metrics := telemetry.NewMetrics()

	sinks := []audit.Sink{audit.NewRingSink(4096)}
	recorder := audit.NewRecorder(sinks...)

	nodeID := getEnv("NODE_ID", uuid.New().String())

	stores, err := openStore(ctx, cfg, nodeID)
	if err != nil {
		return nil, fmt.Errorf("opening storage backend %q: %w", cfg.Storage.Backend, err)
	}

	b, closeBroker, err := openBroker(ctx, cfg, nodeID)
	if err != nil {
		stores.close()
		return nil, fmt.Errorf("opening event broker: %w", err)
	}

	cipher := memory.NewCipher(cfg.Memory.MasterKey)
	memStore := memory.NewStore(stores.memRepo, vectorindex.NewMemoryIndex(), cipher, metrics)
	sweeper := memory.NewSweeper(memStore, memory.RetentionWindows{
		Episodic:         cfg.Memory.RetentionEpisodic,
		Semantic:         cfg.Memory.RetentionSemantic,
		Procedural:       cfg.Memory.RetentionProcedural,
		ArchiveAfter:     cfg.Memory.ArchiveAfter,
		ArchiveTextLimit: cfg.Memory.ArchiveTextLimit,
	}, nil)
	if err := sweeper.Start("0 3 * * *"); err != nil {
		log.Printf("warning: could not start retention sweep: %v", err)
	}

	publisher := brokerEventPublisher{broker: b}
	lifecycleEngine := lifecycle.NewEngine(lifecycle.Config{
		MaxAgents:        cfg.Runtime.MaxAgents,
		HeartbeatTimeout: cfg.Runtime.HeartbeatTimeout,
	}, publisher, stores.checkpoints, recorder, metrics, nil)

	retryPolicy := provider.RetryPolicy{}
	breakerCfg := provider.BreakerConfig{}
	router := provider.NewRouter(retryPolicy, breakerCfg, metrics)
	registerConfiguredProviders(ctx, router)
	if len(router.Statuses()) == 0 {
		stores.close()
		closeBroker()
		return nil, fmt.Errorf("no providers available after startup")
	}

	var tokenManager *token.Manager
	if cfg.PermissionSecret != "" {
		tokenManager, err = token.NewManager([]byte(cfg.PermissionSecret), nil)
		if err != nil {
			stores.close()
			return nil, fmt.Errorf("building token manager: %w", err)
		}
	}

	policyEngine := policy.NewEngine()

	gw := gateway.New(lifecycleEngine, router, tokenIssuerOrNil(tokenManager), b, metrics, gateway.Options{
		AuthToken:        cfg.Gateway.AuthToken,
		MaxConnections:   cfg.Gateway.MaxConnections,
		MessageRateLimit: cfg.Gateway.MessageRateLimit,
	})
	gw.SetPolicyEngine(policyEngine)
	gw.SetStoreHealth(stores.health)

	var coordinator *cluster.Coordinator
	if cfg.Cluster.Enabled {
		coordinator = cluster.NewCoordinator(stores.registry, stores.leader, cluster.Options{
			NodeID: nodeID,
			WSURL:  cfg.Cluster.NodeWSURL,
		})
		coordinator.OnLeaderChange(func(isLeader bool) {
			if isLeader {
				metrics.ClusterLeader.Set(1)
			} else {
				metrics.ClusterLeader.Set(0)
			}
		})
		if err := coordinator.Start(ctx); err != nil {
			stores.close()
			return nil, fmt.Errorf("starting cluster coordinator: %w", err)
		}
	}

	engine := gin.Default()
	engine.GET("/ws", gw.Handler())

	// Health/metrics live on their own engine and port (spec §4.2), so a
	// liveness probe never shares a listener with websocket traffic.
	healthEngine := gin.Default()
	gw.RegisterHealthRoutes(healthEngine, metrics, gateway.HealthOptions{Version: version, StartedAt: time.Now()})

	if coordinator != nil {
		cluster.RegisterForwardRoute(engine, func(c *gin.Context, req cluster.ForwardRequest) (cluster.ForwardResponse, error) {
			return cluster.ForwardResponse{}, fmt.Errorf("local forward handling not implemented for request type %q", req.Type)
		})
	}

	closeStore := func() {
		closeBroker()
		stores.close()
	}

	return &wiredApp{
		ginEngine:    engine,
		healthEngine: healthEngine,
		gw:           gw,
		engine:       lifecycleEngine,
		coordinator:  coordinator,
		sweeper:      sweeper,
		closeStore:   closeStore,
	}, nil
}

func tokenIssuerOrNil(m *token.Manager) gateway.TokenIssuer {
	if m == nil {
		return nil
	}
	return m
}

// brokerEventPublisher adapts broker.Broker to lifecycle.EventPublisher: the
// lifecycle engine only ever fires-and-forgets events (spec §4.1), so
// publish errors are logged rather than propagated.
type brokerEventPublisher struct {
	broker broker.Broker
}

func (p brokerEventPublisher) Publish(channel, eventType string, data map[string]any) {
	if err := p.broker.Publish(context.Background(), channel, eventType, data); err != nil {
		log.Printf("warning: failed to publish %s/%s: %v", channel, eventType, err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, nodeID string) (*storeBundle, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		s, err := pgstore.New(ctx, pgstore.Config{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
			MaxConns: cfg.Storage.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return &storeBundle{
			checkpoints: s,
			memRepo:     s,
			registry:    s,
			leader:      s,
			locks:       s,
			health:      s,
			close:       func() { s.Close() },
		}, nil

	case "bolt":
		s, err := boltstore.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		return &storeBundle{
			checkpoints: s,
			memRepo:     s,
			registry:    s,
			leader:      s,
			locks:       s,
			health:      s,
			close:       func() { _ = s.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openBroker(ctx context.Context, cfg *config.Config, nodeID string) (broker.Broker, func(), error) {
	if !cfg.Cluster.Enabled {
		return broker.NewInProcess(), func() {}, nil
	}
	rb, err := broker.NewRedisBroker(ctx, cfg.Cluster.RedisAddr, cfg.Cluster.RedisPassword, cfg.Cluster.RedisDB, nodeID)
	if err != nil {
		return nil, nil, err
	}
	return rb, func() { _ = rb.Close() }, nil
}

// registerConfiguredProviders wires one HTTP-compatible provider from
// environment variables when PROVIDER_BASE_URL is set. Additional providers
// in a real deployment would be registered the same way from a config file;
// this core only needs at least one for the gateway's chat/agent_task paths
// to have somewhere to route.
func registerConfiguredProviders(ctx context.Context, router *provider.Router) {
	baseURL := os.Getenv("PROVIDER_BASE_URL")
	if baseURL == "" {
		log.Printf("PROVIDER_BASE_URL not set, starting with no chat providers registered")
		return
	}
	models := strings.Split(getEnv("PROVIDER_MODELS", "gpt-4o-mini"), ",")
	p := provider.NewHTTPProvider(
		getEnv("PROVIDER_ID", "default"),
		getEnv("PROVIDER_NAME", "default"),
		baseURL,
		os.Getenv("PROVIDER_API_KEY"),
		models,
		30*time.Second,
	)
	if !router.Register(ctx, p) {
		log.Printf("warning: provider %s did not report available, skipping registration", p.ID())
	}
}
