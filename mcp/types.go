// Package mcp implements the MCP session and capability layer: GitHub-Apps
// style app registration, short-lived app JWTs exchanged for session
// tokens, per-server capability caching, and the JSON-RPC tool-call
// transport agents invoke mid-turn.
package mcp

import (
	"encoding/json"
	"time"
)

// ServerType classifies how an MCP server is hosted.
type ServerType string

const (
	ServerBuiltIn    ServerType = "built_in"
	ServerCustom     ServerType = "custom"
	ServerThirdParty ServerType = "third_party"
)

// ServerStatus is the MCP server lifecycle state.
type ServerStatus string

const (
	ServerConfiguring ServerStatus = "configuring"
	ServerActive      ServerStatus = "active"
	ServerError       ServerStatus = "error"
	ServerDisabled    ServerStatus = "disabled"
)

// SessionStatus is the MCP session lifecycle state.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

type (
	// ToolDef describes one tool exposed by a server, with its JSON Schema
	// input contract.
	ToolDef struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// Features enumerates server protocol capabilities beyond tool lists.
	Features struct {
		Streaming       bool `json:"streaming"`
		FileOperations  bool `json:"fileOperations"`
		BatchOperations bool `json:"batchOperations"`
		MaxRequestSize  int  `json:"maxRequestSize"`
	}

	// Capabilities is the cached capability surface of a server.
	Capabilities struct {
		Tools     []ToolDef `json:"tools"`
		Resources []string  `json:"resources"`
		Prompts   []string  `json:"prompts"`
		Features  Features  `json:"features"`
	}

	// OAuthConfig configures OAuth-authenticated servers.
	OAuthConfig struct {
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret,omitempty"`
		AuthURL      string   `json:"auth_url"`
		TokenURL     string   `json:"token_url"`
		Scopes       []string `json:"scopes,omitempty"`
	}

	// JWTConfig configures app-JWT-authenticated servers (the
	// GitHub-Apps-style flow this manager implements).
	JWTConfig struct {
		AppID          string `json:"app_id"`
		InstallationID string `json:"installation_id,omitempty"`
	}

	// AuthConfig is the server auth union: exactly one branch is set.
	AuthConfig struct {
		OAuth *OAuthConfig `json:"oauth,omitempty"`
		JWT   *JWTConfig   `json:"jwt,omitempty"`
	}

	// Server is a tenant-owned MCP server registration.
	Server struct {
		ID           string       `json:"id"`
		TenantID     string       `json:"tenant_id"`
		Name         string       `json:"name"`
		Type         ServerType   `json:"type"`
		Endpoint     string       `json:"endpoint"`
		Auth         AuthConfig   `json:"auth,omitempty"`
		Status       ServerStatus `json:"status"`
		Capabilities Capabilities `json:"capabilities"`
		Health       ServerHealth `json:"health"`
	}

	// ServerHealth is a point-in-time server health snapshot.
	ServerHealth struct {
		Healthy   bool      `json:"healthy"`
		LastCheck time.Time `json:"last_check"`
		LastError string    `json:"last_error,omitempty"`
	}

	// App is a registered application holding the public half of the
	// keypair whose private half signs app JWTs. The private key never
	// reaches the runtime.
	App struct {
		ID           string    `json:"id"`
		TenantID     string    `json:"tenant_id"`
		Name         string    `json:"name"`
		Description  string    `json:"description,omitempty"`
		PublicKeyPEM string    `json:"public_key_pem"`
		ClientID     string    `json:"client_id"`
		ClientSecret string    `json:"client_secret"`
		CreatedAt    time.Time `json:"created_at"`
	}

	// Installation binds an app to an account with a permission grant.
	Installation struct {
		ID          string            `json:"id"`
		AppID       string            `json:"app_id"`
		TenantID    string            `json:"tenant_id"`
		AccountType string            `json:"account_type"`
		Permissions map[string]string `json:"permissions"`
		CreatedAt   time.Time         `json:"created_at"`
	}

	// Session is an authenticated MCP context minted from an app JWT
	// exchange. Persisted in the tenant's MCP sessions KV bucket.
	Session struct {
		ID             string            `json:"id"`
		ServerID       string            `json:"server_id,omitempty"`
		TenantID       string            `json:"tenant_id"`
		UserID         string            `json:"user_id,omitempty"`
		AppID          string            `json:"app_id"`
		InstallationID string            `json:"installation_id"`
		AccessToken    string            `json:"access_token"`
		RefreshToken   string            `json:"refresh_token,omitempty"`
		TokenExpiresAt time.Time         `json:"token_expires_at"`
		TokenID        string            `json:"token_id"` // jti of the current access token
		Permissions    map[string]string `json:"permissions"`
		Contexts       []string          `json:"contexts,omitempty"`
		Status         SessionStatus     `json:"status"`
		LastActivity   time.Time         `json:"last_activity"`
		RequestCount   int               `json:"request_count"`
	}

	// SessionFilter selects sessions for ListSessions.
	SessionFilter struct {
		TenantID string
		AppID    string
		Status   SessionStatus
	}

	// SessionToken is the result of a successful app JWT exchange.
	SessionToken struct {
		SessionID   string    `json:"session_id"`
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
)

// Expired reports whether the session's access token has passed its
// expiry at time now (strict: a token expiring exactly now is expired).
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.TokenExpiresAt)
}
