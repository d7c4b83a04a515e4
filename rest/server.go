// Package rest implements the streaming-first REST surface: the
// OpenAI-compatible chat completions endpoint, model listing, agent
// execution, MCP app/token management, and the MCP JSON-RPC transport.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/circuitbreaker/cb/agent"
	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/telemetry"
)

type (
	// ChatService is the router surface the REST layer dispatches to.
	ChatService interface {
		ChatCompletion(ctx context.Context, tenantID string, req *model.Request) (*router.Result, error)
		StreamChatCompletion(ctx context.Context, tenantID string, req *model.Request, send func(model.Chunk) error) (router.RoutingDecision, error)
		ChatCompletionWith(ctx context.Context, tenantID string, vm router.VirtualModel, req *model.Request) (*router.Result, error)
		StreamChatCompletionWith(ctx context.Context, tenantID string, vm router.VirtualModel, req *model.Request, send func(model.Chunk) error) (router.RoutingDecision, error)
	}

	// Catalog lists the models the gateway knows about.
	Catalog interface {
		ProviderIDs() []string
		ListModels(ctx context.Context, providerID string) ([]model.ModelInfo, error)
	}

	// AgentService executes agent turns.
	AgentService interface {
		ExecuteTurn(ctx context.Context, in agent.ExecuteInput) (*agent.ExecuteOutput, error)
	}

	// Authenticator resolves a bearer token to a tenant. API keys map
	// directly; MCP session tokens authenticate at the transport layer
	// and use the X-Tenant-ID header for tenant context.
	Authenticator interface {
		Authenticate(ctx context.Context, token string) (tenantID string, err error)
	}

	// Server is the REST façade over the runtime.
	Server struct {
		chat     ChatService
		catalog  Catalog
		agents   AgentService
		mcpMgr   *mcp.Manager
		mcpTr    *mcp.Transport
		auth     Authenticator
		tel      telemetry.Handle
		hbPeriod time.Duration
	}

	// ServerOption configures a Server.
	ServerOption func(*Server)
)

// WithHeartbeatInterval overrides the SSE keepalive period.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.hbPeriod = d }
}

// NewServer constructs the REST façade. Nil MCP services disable the MCP
// routes with a NotFound error rather than panicking, so partial
// deployments (for example a router-only node) can reuse the same
// server.
func NewServer(chat ChatService, catalog Catalog, agents AgentService, mcpMgr *mcp.Manager, mcpTr *mcp.Transport, auth Authenticator, tel telemetry.Handle, opts ...ServerOption) *Server {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	s := &Server{
		chat:     chat,
		catalog:  catalog,
		agents:   agents,
		mcpMgr:   mcpMgr,
		mcpTr:    mcpTr,
		auth:     auth,
		tel:      tel,
		hbPeriod: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/embeddings", s.handleEmbeddings)

		r.Post("/api/v1/agents/{agentID}/execute", s.handleAgentExecute)
		r.Post("/api/v1/agents/{agentID}/execute/stream", s.handleAgentExecuteStream)

		r.Post("/api/v1/mcp/apps", s.handleRegisterApp)
		r.Post("/api/v1/mcp/installations/{installationID}/tokens", s.handleCreateSessionToken)
		r.Post("/mcp/v1/transport/http", s.handleMCPTransport)
	})
	return r
}

// tenantKey carries the authenticated tenant through the request context.
type tenantKey struct{}

func tenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// authMiddleware authenticates the bearer token and stashes the tenant in
// the request context. Tokens that do not resolve to a tenant may still
// proceed when X-Tenant-ID names one explicitly (API-key flows).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, cberr.New(cberr.KindAuthentication, "MissingToken", "authorization bearer token is required"))
			return
		}
		tenantID, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		if header := r.Header.Get("X-Tenant-ID"); header != "" {
			if tenantID != "" && tenantID != header {
				writeError(w, cberr.New(cberr.KindAuthorization, "TenantMismatch", "token tenant does not match X-Tenant-ID"))
				return
			}
			tenantID = header
		}
		if tenantID == "" {
			writeError(w, cberr.New(cberr.KindAuthorization, "MissingTenant", "tenant context is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenantID)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// StaticTokenAuthenticator authenticates API keys from a fixed
// key-to-tenant mapping, the minimal Authenticator for single-node
// deployments and tests.
type StaticTokenAuthenticator struct {
	Tokens map[string]string
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	tenantID, ok := a.Tokens[token]
	if !ok {
		return "", cberr.New(cberr.KindAuthentication, "InvalidToken", "unknown API key")
	}
	return tenantID, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
