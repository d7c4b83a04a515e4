package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/mcp"
)

type (
	registerAppRequest struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		PublicKey   string `json:"public_key"`
	}

	registerAppResponse struct {
		AppID        string `json:"app_id"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}

	createTokenRequest struct {
		AppJWT      string            `json:"app_jwt"`
		Permissions map[string]string `json:"permissions,omitempty"`
		Contexts    []string          `json:"contexts,omitempty"`
	}
)

func (s *Server) mcpConfigured(w http.ResponseWriter) bool {
	if s.mcpMgr == nil || s.mcpTr == nil {
		writeError(w, cberr.New(cberr.KindNotFound, "MCPDisabled", "mcp is not configured on this deployment"))
		return false
	}
	return true
}

func (s *Server) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	if !s.mcpConfigured(w) {
		return
	}
	var wire registerAppRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, cberr.Wrap(cberr.KindValidation, "MalformedBody", "request body is not valid JSON", err))
		return
	}
	if wire.Name == "" || wire.PublicKey == "" {
		writeError(w, cberr.New(cberr.KindValidation, "MissingField", "name and public_key are required"))
		return
	}
	app, err := s.mcpMgr.RegisterApp(tenantFrom(r.Context()), wire.Name, wire.Description, wire.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerAppResponse{
		AppID:        app.ID,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
	})
}

func (s *Server) handleCreateSessionToken(w http.ResponseWriter, r *http.Request) {
	if !s.mcpConfigured(w) {
		return
	}
	installationID := chi.URLParam(r, "installationID")
	var wire createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, cberr.Wrap(cberr.KindValidation, "MalformedBody", "request body is not valid JSON", err))
		return
	}
	if wire.AppJWT == "" {
		writeError(w, cberr.New(cberr.KindValidation, "MissingField", "app_jwt is required"))
		return
	}
	token, err := s.mcpMgr.CreateSessionToken(r.Context(), tenantFrom(r.Context()), installationID, wire.AppJWT, wire.Permissions, wire.Contexts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// handleMCPTransport serves the JSON-RPC 2.0 MCP endpoint. The session
// and target server ride in headers so the JSON-RPC body stays pure
// protocol.
func (s *Server) handleMCPTransport(w http.ResponseWriter, r *http.Request) {
	if !s.mcpConfigured(w) {
		return
	}
	sessionID := r.Header.Get("X-MCP-Session-ID")
	serverID := r.Header.Get("X-MCP-Server-ID")
	if sessionID == "" || serverID == "" {
		writeError(w, cberr.New(cberr.KindValidation, "MissingHeader", "X-MCP-Session-ID and X-MCP-Server-ID are required"))
		return
	}
	var req mcp.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, mcp.RPCResponse{
			JSONRPC: "2.0",
			Error:   &mcp.RPCError{Code: mcp.CodeParseError, Message: "request body is not valid JSON"},
		})
		return
	}
	resp := s.mcpTr.Handle(r.Context(), tenantFrom(r.Context()), sessionID, serverID, req)
	writeJSON(w, http.StatusOK, resp)
}
