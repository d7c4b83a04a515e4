// Command server runs the circuit-breaker runtime: the REST surface, the
// LLM router and provider gateway, the agent engine, the MCP session
// manager, and the background loops (health probes, idle sweep, budget
// window rotation).
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/circuitbreaker/cb/agent"
	temporalengine "github.com/circuitbreaker/cb/agent/durable/temporal"
	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/graphqlapi"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/provider"
	"github.com/circuitbreaker/cb/provider/anthropic"
	"github.com/circuitbreaker/cb/provider/ollama"
	"github.com/circuitbreaker/cb/provider/openai"
	"github.com/circuitbreaker/cb/rest"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/telemetry"
	"github.com/circuitbreaker/cb/tenant"
)

// Exit codes for the process and its direct CLI paths.
const (
	exitOK         = 0
	exitError      = 1
	exitAuth       = 2
	exitBudget     = 3
	exitValidation = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := configFromEnv()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	if cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	tel := telemetry.NewClue("circuit-breaker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		tel.Log.Error(ctx, "event log unavailable", "err", err)
		return exitError
	}

	gateway, err := buildGateway(cfg, tel)
	if err != nil {
		tel.Log.Error(ctx, "provider gateway setup failed", "err", err)
		return exitFor(err)
	}
	go gateway.RunHealthLoop(ctx, 30*time.Second)

	enforcer := tenant.NewEnforcer(store, tel)

	rt := router.New(
		&router.GatewayDispatcher{Gateway: gateway},
		router.WithBudgetEnforcer(enforcer),
		router.WithDecisionSink(router.NewLogSink(store, tel)),
		router.WithTelemetry(tel),
	)

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tel.Log.Error(ctx, "session signing key generation failed", "err", err)
		return exitError
	}
	mcpMgr := mcp.NewManager(store, signingKey, tel)
	invoker := mcp.NewInvoker(mcpMgr, mcp.WithAutoRefresh())
	transport := mcp.NewTransport(mcpMgr, invoker)

	// MCP_SERVER_URL seeds a built-in MCP server registration per tenant
	// so agents have a default tool endpoint without a provisioning call.
	if cfg.MCPServerURL != "" {
		for _, tenantID := range cfg.Tenants {
			if _, err := mcpMgr.RegisterServer(mcp.Server{
				TenantID: tenantID,
				Name:     "default",
				Type:     mcp.ServerBuiltIn,
				Endpoint: cfg.MCPServerURL,
			}); err != nil {
				tel.Log.Error(ctx, "default mcp server registration failed", "tenantId", tenantID, "err", err)
				return exitFor(err)
			}
		}
	}

	agents := agent.NewRegistry()
	engine := agent.NewEngine(agents, agent.NewKVSessionStore(store), rt, invoker, store, tel)

	// Durable turn execution runs on Temporal when a cluster is
	// configured; otherwise turns use the in-process cooperative path
	// only.
	if cfg.TemporalHostPort != "" {
		durableEng, err := temporalengine.New(temporalengine.Options{
			ClientOptions: &client.Options{HostPort: cfg.TemporalHostPort, Namespace: cfg.TemporalNamespace},
			TaskQueue:     "cb-agents",
			Telemetry:     tel,
		})
		if err != nil {
			tel.Log.Error(ctx, "temporal engine setup failed", "err", err)
			return exitError
		}
		defer durableEng.Close()
		if err := engine.RegisterTurnWorkflow(ctx, durableEng, "cb-agents"); err != nil {
			tel.Log.Error(ctx, "turn workflow registration failed", "err", err)
			return exitError
		}
	}

	tenants := func() []string { return cfg.Tenants }
	go engine.RunIdleSweep(ctx, tenants, time.Minute, 24*time.Hour)
	go enforcer.RunRotationLoop(ctx, tenants, time.Minute)

	auth := &rest.StaticTokenAuthenticator{Tokens: cfg.APIKeys}
	srv := rest.NewServer(rt, gatewayCatalog{gateway}, engine, mcpMgr, transport, auth, tel)

	httpServer := &http.Server{
		Addr:              ":" + cfg.RESTPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpServer.ListenAndServe() }()

	// The GraphQL execution engine is an external façade; this process
	// serves the contract it implements (the SDL) on GRAPHQL_PORT so the
	// façade can fetch it at startup.
	contractServer := &http.Server{
		Addr:              ":" + cfg.GraphQLPort,
		Handler:           graphqlContractHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { errc <- contractServer.ListenAndServe() }()

	tel.Log.Info(ctx, "runtime started",
		"restPort", cfg.RESTPort, "graphqlPort", cfg.GraphQLPort, "storage", cfg.StorageBackend)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = contractServer.Shutdown(shutdownCtx)
		return exitOK
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		tel.Log.Error(ctx, "http server failed", "err", err)
		return exitError
	}
}

// graphqlContractHandler exposes the GraphQL SDL contract and a health
// probe on the GraphQL port.
func graphqlContractHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /graphql/schema", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/graphql")
		_, _ = w.Write([]byte(graphqlapi.Schema))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// config carries the recognized environment settings.
type config struct {
	StorageBackend string
	NATSURL        string
	RESTPort       string
	GraphQLPort    string
	LogLevel       string
	OpenAIKey         string
	AnthropicKey      string
	OllamaURL         string
	MCPServerURL      string
	TemporalHostPort  string
	TemporalNamespace string
	APIKeys           map[string]string
	Tenants           []string
}

func configFromEnv() config {
	cfg := config{
		StorageBackend: envOr("STORAGE_BACKEND", "nats"),
		NATSURL:        envOr("NATS_URL", "nats://127.0.0.1:4222"),
		RESTPort:       envOr("REST_PORT", "8080"),
		GraphQLPort:    envOr("GRAPHQL_PORT", "8081"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OllamaURL:         os.Getenv("OLLAMA_URL"),
		MCPServerURL:      os.Getenv("MCP_SERVER_URL"),
		TemporalHostPort:  os.Getenv("TEMPORAL_HOSTPORT"),
		TemporalNamespace: envOr("TEMPORAL_NAMESPACE", "default"),
		APIKeys:           map[string]string{},
	}
	// CB_API_KEYS holds comma-separated key:tenant pairs.
	for _, pair := range strings.Split(os.Getenv("CB_API_KEYS"), ",") {
		key, tenantID, ok := strings.Cut(pair, ":")
		if ok && key != "" {
			cfg.APIKeys[key] = tenantID
			cfg.Tenants = append(cfg.Tenants, tenantID)
		}
	}
	return cfg
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func openStore(ctx context.Context, cfg config) (eventlog.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return eventlog.NewMemory(), nil
	case "nats":
		return eventlog.Dial(ctx, eventlog.Config{URL: cfg.NATSURL})
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

// buildGateway registers one adapter per configured provider.
func buildGateway(cfg config, tel telemetry.Handle) (*provider.Gateway, error) {
	gw := provider.New(tel)
	registered := 0

	if cfg.OpenAIKey != "" {
		client, err := openai.NewFromAPIKey(cfg.OpenAIKey, openai.Options{})
		if err != nil {
			return nil, err
		}
		gw.Register("openai", client, nil, nil)
		registered++
	}
	if cfg.AnthropicKey != "" {
		client, err := anthropic.NewFromAPIKey(cfg.AnthropicKey, anthropic.Options{})
		if err != nil {
			return nil, err
		}
		gw.Register("anthropic", client, nil, nil)
		registered++
	}
	if cfg.OllamaURL != "" {
		client, err := ollama.New(ollama.Options{BaseURL: cfg.OllamaURL})
		if err != nil {
			return nil, err
		}
		gw.Register("ollama", client, nil, nil)
		registered++
	}
	if registered == 0 {
		return nil, cberr.New(cberr.KindValidation, "NoProviders",
			"no provider credentials configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY, or OLLAMA_URL")
	}
	return gw, nil
}

// gatewayCatalog adapts provider.Gateway to the rest.Catalog interface.
type gatewayCatalog struct {
	gw *provider.Gateway
}

func (c gatewayCatalog) ProviderIDs() []string { return c.gw.ProviderIDs() }

func (c gatewayCatalog) ListModels(ctx context.Context, providerID string) ([]model.ModelInfo, error) {
	return c.gw.ListModels(ctx, providerID)
}

// exitFor maps the error taxonomy onto the documented CLI exit codes.
func exitFor(err error) int {
	switch cberr.KindOf(err) {
	case cberr.KindAuthentication, cberr.KindAuthorization:
		return exitAuth
	case cberr.KindBudget, cberr.KindRateLimit:
		return exitBudget
	case cberr.KindValidation:
		return exitValidation
	default:
		return exitError
	}
}
