package mcp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/telemetry"
)

// Manager owns MCP server registrations, app/installation records, and
// authenticated sessions. Sessions are persisted in the tenant's MCP
// sessions KV bucket so any runtime replica can validate and refresh
// them; apps, installations, and servers are registration-time
// configuration kept in memory and re-registered at startup.
type Manager struct {
	kv      eventlog.KV
	buckets eventlog.Buckets
	tel     telemetry.Handle
	signing *rsa.PrivateKey
	ttl     time.Duration
	cache   *capabilityCache
	now     func() time.Time

	mu            sync.RWMutex
	apps          map[string]*App
	installations map[string]*Installation
	servers       map[string]*Server
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithManagerClock overrides the time source, for expiry tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithCapabilityTTL overrides the capability cache TTL.
func WithCapabilityTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.cache.ttl = ttl }
}

// NewManager constructs a Manager. signing is the runtime's RSA key used
// to mint session tokens; it must be stable across replicas that need to
// verify each other's tokens.
func NewManager(kv eventlog.KV, signing *rsa.PrivateKey, tel telemetry.Handle, opts ...ManagerOption) *Manager {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	m := &Manager{
		kv:            kv,
		tel:           tel,
		signing:       signing,
		ttl:           DefaultSessionTokenTTL,
		cache:         newCapabilityCache(defaultCapabilityTTL),
		now:           time.Now,
		apps:          map[string]*App{},
		installations: map[string]*Installation{},
		servers:       map[string]*Server{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SigningPublicKey exposes the verification half of the session-token
// key for the transport layer.
func (m *Manager) SigningPublicKey() *rsa.PublicKey { return &m.signing.PublicKey }

// RegisterApp stores an app's public key and mints client credentials.
// The private key stays with the caller.
func (m *Manager) RegisterApp(tenantID, name, description, publicKeyPEM string) (*App, error) {
	if _, err := parsePublicKey(publicKeyPEM); err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	app := &App{
		ID:           "app_" + uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Description:  description,
		PublicKeyPEM: publicKeyPEM,
		ClientID:     "cid_" + uuid.NewString(),
		ClientSecret: base64.RawURLEncoding.EncodeToString(secret),
		CreatedAt:    m.now(),
	}
	m.mu.Lock()
	m.apps[app.ID] = app
	m.mu.Unlock()
	return app, nil
}

// InstallApp grants an app access to an account.
func (m *Manager) InstallApp(tenantID, appID, accountType string, permissions map[string]string) (*Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "AppNotFound", "mcp: unknown app "+appID)
	}
	if app.TenantID != tenantID {
		return nil, cberr.New(cberr.KindAuthorization, "TenantMismatch", "mcp: app belongs to another tenant")
	}
	inst := &Installation{
		ID:          "inst_" + uuid.NewString(),
		AppID:       appID,
		TenantID:    tenantID,
		AccountType: accountType,
		Permissions: permissions,
		CreatedAt:   m.now(),
	}
	m.installations[inst.ID] = inst
	return inst, nil
}

// RegisterServer adds a tenant's MCP server in configuring state.
func (m *Manager) RegisterServer(s Server) (*Server, error) {
	if s.TenantID == "" || s.Endpoint == "" {
		return nil, cberr.New(cberr.KindValidation, "InvalidServer", "mcp: server requires tenant and endpoint")
	}
	if s.ID == "" {
		s.ID = "srv_" + uuid.NewString()
	}
	if s.Status == "" {
		s.Status = ServerConfiguring
	}
	m.mu.Lock()
	m.servers[s.ID] = &s
	m.mu.Unlock()
	return &s, nil
}

// Server returns a tenant's server, enforcing tenant isolation.
func (m *Manager) Server(tenantID, serverID string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[serverID]
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "ServerNotFound", "mcp: unknown server "+serverID)
	}
	if s.TenantID != tenantID {
		return nil, cberr.New(cberr.KindAuthorization, "TenantMismatch", "mcp: server belongs to another tenant")
	}
	copied := *s
	return &copied, nil
}

// RegisterCapabilities replaces a server's advertised capability surface,
// marks it active, and invalidates the capability cache.
func (m *Manager) RegisterCapabilities(tenantID, serverID string, caps Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return cberr.New(cberr.KindNotFound, "ServerNotFound", "mcp: unknown server "+serverID)
	}
	if s.TenantID != tenantID {
		return cberr.New(cberr.KindAuthorization, "TenantMismatch", "mcp: server belongs to another tenant")
	}
	s.Capabilities = caps
	s.Status = ServerActive
	m.cache.invalidate(serverID)
	return nil
}

// Capabilities returns the server's capability surface through the TTL
// cache; a miss falls back to the registration record.
func (m *Manager) Capabilities(tenantID, serverID string) (Capabilities, error) {
	if caps, ok := m.cache.get(serverID, m.now()); ok {
		return caps, nil
	}
	s, err := m.Server(tenantID, serverID)
	if err != nil {
		return Capabilities{}, err
	}
	m.cache.put(serverID, s.Capabilities, m.now())
	return s.Capabilities, nil
}

// GetServerHealth returns the last recorded health for a server.
func (m *Manager) GetServerHealth(tenantID, serverID string) (ServerHealth, error) {
	s, err := m.Server(tenantID, serverID)
	if err != nil {
		return ServerHealth{}, err
	}
	return s.Health, nil
}

// SetServerHealth records a health observation and moves the server
// between active and error states.
func (m *Manager) SetServerHealth(serverID string, h ServerHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return
	}
	s.Health = h
	if s.Status == ServerActive && !h.Healthy {
		s.Status = ServerError
	} else if s.Status == ServerError && h.Healthy {
		s.Status = ServerActive
	}
}

// CreateSessionToken validates the app JWT and mints a session token
// bound to the installation. The session record is persisted so any
// replica can serve subsequent calls.
func (m *Manager) CreateSessionToken(ctx context.Context, tenantID, installationID, appJWT string, permissions map[string]string, contexts []string) (*SessionToken, error) {
	m.mu.RLock()
	inst, ok := m.installations[installationID]
	m.mu.RUnlock()
	if !ok {
		return nil, cberr.New(cberr.KindAuthorization, "InstallationNotFound", "mcp: unknown installation "+installationID)
	}
	if inst.TenantID != tenantID {
		return nil, cberr.New(cberr.KindAuthorization, "TenantMismatch", "mcp: installation belongs to another tenant")
	}
	m.mu.RLock()
	app := m.apps[inst.AppID]
	m.mu.RUnlock()
	if app == nil {
		return nil, cberr.New(cberr.KindAuthorization, "AppNotFound", "mcp: installation's app is gone")
	}

	now := m.now()
	if _, err := validateAppJWT(appJWT, app, now); err != nil {
		return nil, err
	}

	sessionID := "mcps_" + uuid.NewString()
	token, jti, expires, err := mintSessionToken(m.signing, sessionID, installationID, now, m.ttl)
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:             sessionID,
		TenantID:       tenantID,
		AppID:          app.ID,
		InstallationID: installationID,
		AccessToken:    token,
		TokenExpiresAt: expires,
		TokenID:        jti,
		Permissions:    mergePermissions(inst.Permissions, permissions),
		Contexts:       contexts,
		Status:         SessionActive,
		LastActivity:   now,
	}
	if err := m.putSession(ctx, session, 0); err != nil {
		return nil, err
	}
	return &SessionToken{SessionID: sessionID, AccessToken: token, ExpiresAt: expires}, nil
}

// RefreshSession re-issues an access token for a non-revoked session
// without requiring a fresh app JWT.
func (m *Manager) RefreshSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	session, rev, err := m.loadSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == SessionRevoked {
		return nil, cberr.New(cberr.KindAuthentication, "SessionRevoked", "mcp: session has been revoked")
	}
	now := m.now()
	token, jti, expires, err := mintSessionToken(m.signing, session.ID, session.InstallationID, now, m.ttl)
	if err != nil {
		return nil, err
	}
	session.AccessToken = token
	session.TokenID = jti
	session.TokenExpiresAt = expires
	session.Status = SessionActive
	session.LastActivity = now
	if err := m.putSession(ctx, session, rev); err != nil {
		return nil, err
	}
	return session, nil
}

// RevokeSession permanently invalidates a session.
func (m *Manager) RevokeSession(ctx context.Context, tenantID, sessionID string) error {
	session, rev, err := m.loadSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	session.Status = SessionRevoked
	session.LastActivity = m.now()
	return m.putSession(ctx, session, rev)
}

// GetSession loads a session, marking it expired in the returned record
// when its token has lapsed.
func (m *Manager) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	session, _, err := m.loadSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == SessionActive && session.Expired(m.now()) {
		session.Status = SessionExpired
	}
	return session, nil
}

// Authorize validates that a session is usable for a call right now:
// active, not expired, owned by the tenant. Expired sessions fail with
// SessionExpired so callers can trigger a refresh.
func (m *Manager) Authorize(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	session, rev, err := m.loadSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case SessionRevoked:
		return nil, cberr.New(cberr.KindAuthentication, "SessionRevoked", "mcp: session has been revoked")
	case SessionPending:
		return nil, cberr.New(cberr.KindAuthentication, "SessionPending", "mcp: session is not yet active")
	}
	if session.Expired(m.now()) {
		return nil, cberr.New(cberr.KindAuthentication, "SessionExpired", "mcp: session token has expired")
	}
	session.LastActivity = m.now()
	session.RequestCount++
	// Activity bookkeeping is best-effort; losing a CAS race here must
	// not fail the tool call.
	if err := m.putSession(ctx, session, rev); err != nil && !cberr.Is(err, cberr.KindConflict) {
		m.tel.Log.Warn(ctx, "session activity update failed", "sessionId", sessionID, "err", err)
	}
	return session, nil
}

// ListSessions returns sessions matching the filter, newest activity
// first.
func (m *Manager) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	if filter.TenantID == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingTenant", "mcp: session listing requires a tenant")
	}
	bucket := m.buckets.MCPSessions(filter.TenantID)
	keys, err := m.kv.Keys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, key := range keys {
		raw, _, ok, err := m.kv.Get(ctx, bucket, key)
		if err != nil || !ok {
			continue
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if filter.AppID != "" && s.AppID != filter.AppID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *Manager) loadSession(ctx context.Context, tenantID, sessionID string) (*Session, uint64, error) {
	raw, rev, ok, err := m.kv.Get(ctx, m.buckets.MCPSessions(tenantID), sessionID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, cberr.New(cberr.KindNotFound, "SessionNotFound", "mcp: unknown session "+sessionID)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, 0, err
	}
	if s.TenantID != tenantID {
		return nil, 0, cberr.New(cberr.KindAuthorization, "TenantMismatch", "mcp: session belongs to another tenant")
	}
	return &s, rev, nil
}

func (m *Manager) putSession(ctx context.Context, s *Session, rev uint64) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = m.kv.Put(ctx, m.buckets.MCPSessions(s.TenantID), s.ID, payload, rev)
	return err
}

func mergePermissions(base, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
